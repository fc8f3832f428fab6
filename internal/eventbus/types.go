package eventbus

// Batch lifecycle event types. Data carries a batch.Run for started and
// finished, a batch.ItemResult for item, and the changed section names
// ([]string) for config.applied.
const (
	TypeBatchStarted  = "batch.started"
	TypeBatchItem     = "batch.item"
	TypeBatchFinished = "batch.finished"
	TypeConfigApplied = "config.applied"
)
