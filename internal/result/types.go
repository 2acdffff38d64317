package result

// TrialRecord is one fully-resolved trial: created at the start of an
// iteration, immutable once its status is assigned, appended to the metrics
// log and never revisited.
type TrialRecord struct {
	Run            int
	Status         string
	BlockedThreads int
	WaitQueue      int
}
