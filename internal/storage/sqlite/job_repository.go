package sqlite

import (
	"database/sql"
	"time"

	"github.com/pmoura/fetchq/internal/storage"
)

// JobRepository stores job records in SQLite. It implements
// storage.JobRepository.
type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(dbConn *sql.DB) *JobRepository {
	return &JobRepository{db: dbConn}
}

func (r *JobRepository) GetJobs() ([]storage.JobRecord, error) {
	rows, err := r.db.Query(`
		SELECT local_id, server_id, resource_id, format, quality, title,
			status, progress, location, error_kind, error_message,
			created_at, updated_at
		FROM jobs
		ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []storage.JobRecord

	for rows.Next() {
		rec, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}

		jobs = append(jobs, *rec)
	}

	return jobs, rows.Err()
}

func (r *JobRepository) GetJob(localID string) (*storage.JobRecord, error) {
	row := r.db.QueryRow(`
		SELECT local_id, server_id, resource_id, format, quality, title,
			status, progress, location, error_kind, error_message,
			created_at, updated_at
		FROM jobs
		WHERE local_id = ?`, localID)

	rec, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return rec, nil
}

func (r *JobRepository) TrackJob(rec storage.JobRecord) error {
	now := time.Now().Format(time.RFC3339)

	_, err := r.db.Exec(`
		INSERT INTO jobs (local_id, server_id, resource_id, format, quality, title,
			status, progress, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		rec.LocalID, rec.ServerID, rec.ResourceID, rec.Format, rec.Quality, rec.Title,
		rec.Status, now, now,
	)

	return err
}

func (r *JobRepository) UpdateServerID(localID, serverID string) error {
	return r.touch(`UPDATE jobs SET server_id = ?, updated_at = ? WHERE local_id = ?`,
		serverID, localID)
}

func (r *JobRepository) UpdateStatus(localID, status string) error {
	return r.touch(`UPDATE jobs SET status = ?, updated_at = ? WHERE local_id = ?`,
		status, localID)
}

func (r *JobRepository) UpdateProgress(localID string, progress int) error {
	return r.touch(`UPDATE jobs SET progress = ?, updated_at = ? WHERE local_id = ?`,
		progress, localID)
}

func (r *JobRepository) UpdateResult(localID, status, location, errorKind, errorMessage string) error {
	_, err := r.db.Exec(`
		UPDATE jobs
		SET status = ?, location = ?, error_kind = ?, error_message = ?, updated_at = ?
		WHERE local_id = ?`,
		status, location, errorKind, errorMessage, time.Now().Format(time.RFC3339), localID,
	)

	return err
}

func (r *JobRepository) DeleteJob(localID string) error {
	_, err := r.db.Exec(`DELETE FROM jobs WHERE local_id = ?`, localID)

	return err
}

// PruneTerminal removes completed, failed and cancelled records whose
// last update predates olderThan (RFC 3339).
func (r *JobRepository) PruneTerminal(olderThan string) (int64, error) {
	res, err := r.db.Exec(`
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		AND updated_at < ?`, olderThan)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// FailInterrupted marks jobs left queued or active by a previous run as
// failed. Called once on startup before the queue accepts work.
func (r *JobRepository) FailInterrupted() (int64, error) {
	res, err := r.db.Exec(`
		UPDATE jobs
		SET status = 'failed', error_kind = 'transport',
			error_message = 'interrupted by shutdown', updated_at = ?
		WHERE status IN ('queued', 'active')`,
		time.Now().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func (r *JobRepository) touch(query string, value any, localID string) error {
	_, err := r.db.Exec(query, value, time.Now().Format(time.RFC3339), localID)

	return err
}

func scanJob(scan func(...any) error) (*storage.JobRecord, error) {
	var (
		rec      storage.JobRecord
		serverID sql.NullString
		location sql.NullString
		errKind  sql.NullString
		errMsg   sql.NullString
	)

	err := scan(&rec.LocalID, &serverID, &rec.ResourceID, &rec.Format, &rec.Quality,
		&rec.Title, &rec.Status, &rec.Progress, &location, &errKind, &errMsg,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	rec.ServerID = serverID.String
	rec.Location = location.String
	rec.ErrorKind = errKind.String
	rec.ErrorMessage = errMsg.String

	return &rec, nil
}
