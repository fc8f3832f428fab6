// Package batch turns one trigger into exactly one Run.
//
// A run moves Admitted -> Deciding -> Executing and ends in one of
// Completed, PartialFailure, Failed, Vetoed or Skipped. The Coordinator owns
// admission (quota, quiet hours, cooldown), asks a DecisionMaker how many
// items to run, dispatches them to an Executor and records only successful
// items against the quota. At most one run is active at a time.
package batch
