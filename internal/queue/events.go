package queue

// ProgressEvent reports throttled progress for one job.
type ProgressEvent struct {
	LocalID string
	Percent int
}

// CompletedEvent reports a job that reached its final location.
type CompletedEvent struct {
	LocalID  string
	Title    string
	Location string
}

// FailedEvent reports a job that ended in a classified failure.
type FailedEvent struct {
	LocalID string
	Title   string
	Kind    string
	Message string
}

const eventBuffer = 64

// Events exposes the manager's outbound notification channels. Sends are
// non-blocking; a slow or absent consumer loses events, never stalls the
// queue.
type Events struct {
	Queued    chan string
	Progress  chan ProgressEvent
	Completed chan CompletedEvent
	Failed    chan FailedEvent
}

func newEvents() *Events {
	return &Events{
		Queued:    make(chan string, eventBuffer),
		Progress:  make(chan ProgressEvent, eventBuffer),
		Completed: make(chan CompletedEvent, eventBuffer),
		Failed:    make(chan FailedEvent, eventBuffer),
	}
}
