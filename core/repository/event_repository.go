package repository

import (
	"database/sql"
	"encoding/json"

	"finetune-orchestrator/core/models"
)

// EventRepository handles database operations for stage events
type EventRepository struct {
	db *DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// RecordEvent inserts a stage transition
func (r *EventRepository) RecordEvent(event *models.StageEvent) error {
	query := `
		INSERT INTO run_events (run_id, stage, at, from_state, to_state, reason, meta_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	var fromState *string
	if event.FromState != nil {
		s := string(*event.FromState)
		fromState = &s
	}

	metaJSON, err := marshalMeta(event.MetaJSON)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(query, event.RunID, event.Stage, event.At, fromState, event.ToState, event.Reason, metaJSON)
	return err
}

// GetJobEvents retrieves events for a run, newest first
func (r *EventRepository) GetJobEvents(runID string, limit int) ([]models.StageEvent, error) {
	query := `
		SELECT id, run_id, stage, at, from_state, to_state, reason, meta_json
		FROM run_events
		WHERE run_id = $1
		ORDER BY at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.db.Query(query, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.StageEvent
	for rows.Next() {
		var event models.StageEvent
		var fromState sql.NullString
		var metaJSON string

		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Stage,
			&event.At,
			&fromState,
			&event.ToState,
			&event.Reason,
			&metaJSON,
		)
		if err != nil {
			return nil, err
		}

		if fromState.Valid {
			state := models.StageState(fromState.String)
			event.FromState = &state
		}

		if metaJSON != "" {
			json.Unmarshal([]byte(metaJSON), &event.MetaJSON)
		}

		events = append(events, event)
	}

	return events, rows.Err()
}

func marshalMeta(meta map[string]interface{}) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
