// Package executor provides batch.Executor implementations.
//
//	dryrun   simulated work, used by default and in tests
//	command  runs a local program once per item
//	http     posts each item to a remote generation service
package executor
