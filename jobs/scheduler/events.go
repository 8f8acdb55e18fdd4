package scheduler

// Event is a typed execution outcome emitted by the engine. Exactly one
// event is emitted per fired trigger, in completion order, on a
// single-consumer channel.
type Event interface {
	EventJobID() string
}

// JobExecuted reports a task that returned successfully
type JobExecuted struct {
	JobID       string
	ReturnValue interface{}
}

func (e JobExecuted) EventJobID() string { return e.JobID }

// JobError reports a task that returned an error or panicked
type JobError struct {
	JobID string
	Err   error
}

func (e JobError) EventJobID() string { return e.JobID }
