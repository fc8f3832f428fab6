// Package quota tracks daily and hourly run capacity and the quiet-hours
// window. It owns QuotaState; callers ask Admit how many items may run and
// Record how many succeeded.
package quota
