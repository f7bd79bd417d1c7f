package sqlite

import (
	"database/sql"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at path and creates the jobs table
// if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY,
		local_id TEXT UNIQUE,
		server_id TEXT,
		resource_id TEXT,
		format TEXT,
		quality TEXT,
		title TEXT,
		status TEXT DEFAULT 'queued',
		progress INTEGER DEFAULT 0,
		location TEXT,
		error_kind TEXT,
		error_message TEXT,
		created_at DATETIME,
		updated_at DATETIME
	)`)

	if err != nil {
		return nil, err
	}

	return db, nil
}
