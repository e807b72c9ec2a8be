package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"

	"hpc-bridge/core/models"
)

// EventRecorder receives every committed job state transition
type EventRecorder interface {
	RecordEvent(ctx context.Context, event models.JobEvent) error
	GetJobEvents(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error)
}

// EventRepository journals job events to Postgres
type EventRepository struct {
	db *DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// RecordEvent inserts one transition
func (r *EventRepository) RecordEvent(ctx context.Context, event models.JobEvent) error {
	query := `
		INSERT INTO job_events (job_id, at, from_status, to_status, reason, meta_json)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	var fromStatus *string
	if event.FromStatus != nil {
		s := string(*event.FromStatus)
		fromStatus = &s
	}

	metaJSON := "{}"
	if event.MetaJSON != nil {
		if b, err := json.Marshal(event.MetaJSON); err == nil {
			metaJSON = string(b)
		}
	}

	_, err := r.db.ExecContext(ctx, query, event.JobID, event.At, fromStatus, event.ToStatus, event.Reason, metaJSON)
	return err
}

// GetJobEvents retrieves events for a job, newest first
func (r *EventRepository) GetJobEvents(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error) {
	query := `
		SELECT id, job_id, at, from_status, to_status, reason, meta_json
		FROM job_events
		WHERE job_id = $1
		ORDER BY at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.JobEvent
	for rows.Next() {
		var event models.JobEvent
		var fromStatus sql.NullString
		var metaJSON string

		if err := rows.Scan(
			&event.ID,
			&event.JobID,
			&event.At,
			&fromStatus,
			&event.ToStatus,
			&event.Reason,
			&metaJSON,
		); err != nil {
			return nil, err
		}

		if fromStatus.Valid {
			status := models.JobStatus(fromStatus.String)
			event.FromStatus = &status
		}
		if metaJSON != "" {
			json.Unmarshal([]byte(metaJSON), &event.MetaJSON)
		}

		events = append(events, event)
	}

	return events, rows.Err()
}

// MemoryEventRecorder keeps events in process; used when no database is configured
type MemoryEventRecorder struct {
	mu     sync.Mutex
	events []models.JobEvent
}

// NewMemoryEventRecorder creates an empty in-process recorder
func NewMemoryEventRecorder() *MemoryEventRecorder {
	return &MemoryEventRecorder{}
}

func (r *MemoryEventRecorder) RecordEvent(_ context.Context, event models.JobEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event.ID = int64(len(r.events) + 1)
	r.events = append(r.events, event)
	return nil
}

func (r *MemoryEventRecorder) GetJobEvents(_ context.Context, jobID string, limit int) ([]models.JobEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.JobEvent
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].JobID != jobID {
			continue
		}
		out = append(out, r.events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
