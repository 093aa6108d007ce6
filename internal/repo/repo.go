package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"stageline/internal/domain"
)

// Repo is the SQLite document store. Projects are stored with their timeline
// embedded as JSON; tasks live in their own table.
type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("version conflict")
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// conn returns the transaction bound to ctx by WithinTx, or the pool.
func (r Repo) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok && tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) now() string {
	if r.Now != nil {
		return r.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// WithinTx runs fn with a transaction bound to the context it receives.
// Every Repo call made with that context joins the transaction.
func (r Repo) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit()
}

const projectColumns = `id,name,status,progress,plan_created_at,timeline_json,version,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (domain.Project, error) {
	var p domain.Project
	var status, timeline string
	err := row.Scan(&p.ID, &p.Name, &status, &p.Progress, &p.Plan.CreatedAt, &timeline, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Status = domain.ProjectStatus(status)
	if err := json.Unmarshal([]byte(timeline), &p.Plan.Timeline); err != nil {
		return p, fmt.Errorf("decode timeline of project %s: %w", p.ID, err)
	}
	if p.Plan.Timeline == nil {
		p.Plan.Timeline = []domain.Stage{}
	}
	return p, nil
}

func encodeTimeline(stages []domain.Stage) (string, error) {
	if stages == nil {
		stages = []domain.Stage{}
	}
	b, err := json.Marshal(stages)
	if err != nil {
		return "", fmt.Errorf("encode timeline: %w", err)
	}
	return string(b), nil
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	timeline, err := encodeTimeline(p.Plan.Timeline)
	if err != nil {
		return err
	}
	if p.Version == 0 {
		p.Version = 1
	}
	_, err = r.conn(ctx).ExecContext(ctx, `INSERT INTO projects(`+projectColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, string(p.Status), p.Progress, p.Plan.CreatedAt, timeline, p.Version, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.conn(ctx).QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SaveProject writes p if the stored version still equals p.Version and
// returns the project with its bumped version. A stale version yields ErrConflict.
func (r Repo) SaveProject(ctx context.Context, p domain.Project) (domain.Project, error) {
	timeline, err := encodeTimeline(p.Plan.Timeline)
	if err != nil {
		return p, err
	}
	p.UpdatedAt = r.now()
	res, err := r.conn(ctx).ExecContext(ctx, `UPDATE projects SET name=?, status=?, progress=?, plan_created_at=?, timeline_json=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		p.Name, string(p.Status), p.Progress, p.Plan.CreatedAt, timeline, p.UpdatedAt, p.ID, p.Version)
	if err != nil {
		return p, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return p, err
	}
	if affected == 0 {
		var one int
		err := r.conn(ctx).QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id=?`, p.ID).Scan(&one)
		if err == sql.ErrNoRows {
			return p, ErrNotFound
		}
		if err != nil {
			return p, err
		}
		return p, ErrConflict
	}
	p.Version++
	return p, nil
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	q := r.conn(ctx)
	if _, err := q.ExecContext(ctx, `DELETE FROM tasks WHERE project_id=?`, id); err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const taskColumns = `id,project_id,stage_id,stage,title,description,assignee,due_date,status,weight,percent,progress,created_at,updated_at`

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var description, assignee sql.NullString
	var status string
	err := row.Scan(&t.ID, &t.ProjectID, &t.StageID, &t.Stage, &t.Title, &description, &assignee, &t.DueDate, &status,
		&t.PercentOfStage.Weight, &t.PercentOfStage.Percent, &t.Progress, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Status = domain.TaskStatus(status)
	if description.Valid {
		t.Description = description.String
	}
	if assignee.Valid {
		t.Assignee = &assignee.String
	}
	return t, nil
}

// SaveTask inserts or replaces a task.
func (r Repo) SaveTask(ctx context.Context, t domain.Task) error {
	_, err := r.conn(ctx).ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET project_id=excluded.project_id, stage_id=excluded.stage_id, stage=excluded.stage, title=excluded.title,
description=excluded.description, assignee=excluded.assignee, due_date=excluded.due_date, status=excluded.status, weight=excluded.weight,
percent=excluded.percent, progress=excluded.progress, updated_at=excluded.updated_at`,
		t.ID, t.ProjectID, t.StageID, t.Stage, t.Title, nullable(t.Description), nullableStringPtr(t.Assignee), t.DueDate, string(t.Status),
		t.PercentOfStage.Weight, t.PercentOfStage.Percent, t.Progress, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.conn(ctx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) DeleteTask(ctx context.Context, id string) error {
	res, err := r.conn(ctx).ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type TaskFilter struct {
	ProjectID string
	StageID   string
	Stage     string
	Status    string
	Assignee  string
	Limit     int
}

// FindTasks returns tasks matching f in creation order.
func (r Repo) FindTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.StageID != "" {
		clauses = append(clauses, "stage_id=?")
		args = append(args, f.StageID)
	}
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, f.Stage)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Assignee != "" {
		clauses = append(clauses, "assignee=?")
		args = append(args, f.Assignee)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// LatestEvents returns up to n events, newest first, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, n int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	var clauses []string
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	if n <= 0 {
		n = 50
	}
	args = append(args, n)
	rows, err := r.conn(ctx).QueryContext(ctx, `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events `+where+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
