// Package events records hierarchy changes in the event log. Handlers that
// deliver notifications read from here; this package never delivers anything.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	TaskCreated         = "task.created"
	TaskUpdated         = "task.updated"
	TaskDeleted         = "task.deleted"
	StageCreated        = "stage.created"
	StageUpdated        = "stage.updated"
	StageDeleted        = "stage.deleted"
	StageCompleted      = "stage.completed"
	ProjectCreated      = "project.created"
	ProjectDeleted      = "project.deleted"
	ProjectRecalculated = "project.recalculated"
	ProjectProgress     = "project.progress.changed"
	ProjectCompleted    = "project.completed"
	ProjectReopened     = "project.reopened"
)

type EventPayload map[string]any

// Event is a pending log entry.
type Event struct {
	Type       string
	ProjectID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Notify appends all events in one transaction.
func (w Writer) Notify(ctx context.Context, evts []Event) error {
	if len(evts) == 0 {
		return nil
	}
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, e := range evts {
		if err := w.Append(ctx, tx, e); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Event) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	payload := e.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	actor := e.ActorID
	if actor == "" {
		actor = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, e.Type, nullable(e.ProjectID), e.EntityKind, nullable(e.EntityID), actor, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
