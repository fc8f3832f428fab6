// Package notifier tells an operator about finished batch runs.
//
// The service subscribes to batch.finished on the event bus, keeps runs
// whose status is in Config.On, formats a short summary and hands it to a
// Sender (Telegram in production) through a bounded queue. Sends are rate
// limited and retried with backoff; a full queue drops the message rather
// than blocking the coordinator.
package notifier
