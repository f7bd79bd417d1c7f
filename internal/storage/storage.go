package storage

import "errors"

// ErrNotFound is returned when a job record does not exist.
var ErrNotFound = errors.New("job record not found")

// JobRecord is the durable row behind one queued job. LocalID is the
// client-issued identity; ServerID stays empty until the handshake
// assigns one.
type JobRecord struct {
	LocalID      string
	ServerID     string
	ResourceID   string
	Format       string
	Quality      string
	Title        string
	Status       string
	Progress     int
	Location     string
	ErrorKind    string
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}

// JobReadRepository reads job records.
type JobReadRepository interface {
	GetJobs() ([]JobRecord, error)
	GetJob(localID string) (*JobRecord, error)
}

// JobWriteRepository mutates job records.
type JobWriteRepository interface {
	TrackJob(rec JobRecord) error
	UpdateServerID(localID, serverID string) error
	UpdateStatus(localID, status string) error
	UpdateProgress(localID string, progress int) error
	UpdateResult(localID, status, location, errorKind, errorMessage string) error
	DeleteJob(localID string) error
	PruneTerminal(olderThan string) (int64, error)
	FailInterrupted() (int64, error)
}

// JobRepository combines read and write access.
type JobRepository interface {
	JobReadRepository
	JobWriteRepository
}
