package sqlite

import (
	"context"
	"database/sql"

	"github.com/pmoura/fetchq/internal/storage"
	"github.com/pmoura/fetchq/internal/telemetry"
)

// InstrumentedJobRepository wraps JobRepository with telemetry.
type InstrumentedJobRepository struct {
	repo      *JobRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedJobRepository creates a new instrumented job repository.
func NewInstrumentedJobRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedJobRepository {
	return &InstrumentedJobRepository{
		repo:      NewJobRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedJobRepository) GetJobs() ([]storage.JobRecord, error) {
	var result []storage.JobRecord

	err := r.telemetry.InstrumentStoreOperation(context.Background(), "get_jobs", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetJobs()

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedJobRepository) GetJob(localID string) (*storage.JobRecord, error) {
	var result *storage.JobRecord

	err := r.telemetry.InstrumentStoreOperation(context.Background(), "get_job", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetJob(localID)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedJobRepository) TrackJob(rec storage.JobRecord) error {
	return r.telemetry.InstrumentStoreOperation(context.Background(), "track_job", func(ctx context.Context) error {
		return r.repo.TrackJob(rec)
	})
}

func (r *InstrumentedJobRepository) UpdateServerID(localID, serverID string) error {
	return r.telemetry.InstrumentStoreOperation(context.Background(), "update_server_id", func(ctx context.Context) error {
		return r.repo.UpdateServerID(localID, serverID)
	})
}

func (r *InstrumentedJobRepository) UpdateStatus(localID, status string) error {
	return r.telemetry.InstrumentStoreOperation(context.Background(), "update_status", func(ctx context.Context) error {
		return r.repo.UpdateStatus(localID, status)
	})
}

func (r *InstrumentedJobRepository) UpdateProgress(localID string, progress int) error {
	return r.telemetry.InstrumentStoreOperation(context.Background(), "update_progress", func(ctx context.Context) error {
		return r.repo.UpdateProgress(localID, progress)
	})
}

func (r *InstrumentedJobRepository) UpdateResult(localID, status, location, errorKind, errorMessage string) error {
	return r.telemetry.InstrumentStoreOperation(context.Background(), "update_result", func(ctx context.Context) error {
		return r.repo.UpdateResult(localID, status, location, errorKind, errorMessage)
	})
}

func (r *InstrumentedJobRepository) DeleteJob(localID string) error {
	return r.telemetry.InstrumentStoreOperation(context.Background(), "delete_job", func(ctx context.Context) error {
		return r.repo.DeleteJob(localID)
	})
}

func (r *InstrumentedJobRepository) PruneTerminal(olderThan string) (int64, error) {
	var result int64

	err := r.telemetry.InstrumentStoreOperation(context.Background(), "prune_terminal", func(ctx context.Context) error {
		var err error
		result, err = r.repo.PruneTerminal(olderThan)

		return err
	})

	return result, err
}

func (r *InstrumentedJobRepository) FailInterrupted() (int64, error) {
	var result int64

	err := r.telemetry.InstrumentStoreOperation(context.Background(), "fail_interrupted", func(ctx context.Context) error {
		var err error
		result, err = r.repo.FailInterrupted()

		return err
	})

	return result, err
}
