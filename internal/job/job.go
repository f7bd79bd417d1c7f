package job

import "time"

// Status is the lifecycle state of a download job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Descriptor identifies what the user asked the conversion service for.
type Descriptor struct {
	ResourceID string
	Format     string
	Quality    string
	Title      string
}

// Job is one user-requested transfer. LocalID is assigned at submission
// and stable for the job's lifetime; ServerID arrives once the remote
// service accepts the job and never changes afterwards.
type Job struct {
	LocalID  string
	ServerID string

	Descriptor

	Status   Status
	Progress int

	// Location is the final path or document id once completed.
	Location     string
	ErrorKind    string
	ErrorMessage string

	CreatedAt time.Time
	UpdatedAt time.Time
}
