package dispatch

// EventKind identifies a progress event.
type EventKind int

const (
	EventBatchStarted EventKind = iota
	EventFileSetStarted
	EventFileSetFinished
	EventBatchFinished
)

func (k EventKind) String() string {
	switch k {
	case EventBatchStarted:
		return "batch_started"
	case EventFileSetStarted:
		return "file_set_started"
	case EventFileSetFinished:
		return "file_set_finished"
	case EventBatchFinished:
		return "batch_finished"
	default:
		return "unknown"
	}
}

// Event reports worker progress. Fields not relevant to Kind are zero.
type Event struct {
	Kind        EventKind
	WorkerID    int
	BatchIndex  int
	UnitKey     string
	FileSets    int
	Files       int
	FailedFiles int
}

// Observer receives events from every worker goroutine and must be safe for
// concurrent use.
type Observer func(Event)
