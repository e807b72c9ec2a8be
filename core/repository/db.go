package repository

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// DB wraps the Postgres connection used for the shared event journal
type DB struct {
	*sql.DB
}

const eventSchema = `
CREATE TABLE IF NOT EXISTS job_events (
	id          BIGSERIAL PRIMARY KEY,
	job_id      TEXT        NOT NULL,
	at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	from_status TEXT,
	to_status   TEXT        NOT NULL,
	reason      TEXT        NOT NULL DEFAULT '',
	meta_json   TEXT        NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS job_events_job_id_at ON job_events (job_id, at DESC);
`

// NewDB opens the database and makes sure the journal table exists
func NewDB(databaseURL string) (*DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.Exec(eventSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create job_events table: %w", err)
	}
	return &DB{DB: db}, nil
}
