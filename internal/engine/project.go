package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"stageline/internal/dates"
	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/repo"
)

type StageInput struct {
	Stage    string `json:"stage" validate:"required,max=200"`
	Deadline string `json:"deadline" validate:"required"`
	Note     string `json:"note,omitempty" validate:"max=4000"`
}

type CreateProjectOptions struct {
	ID     string       `json:"id,omitempty" validate:"omitempty,max=100"`
	Name   string       `json:"name" validate:"required,max=200"`
	Stages []StageInput `json:"stages,omitempty" validate:"dive"`
}

// CreateProject plans a new project dated today. Initial stages go through
// the same path as a StageCreated trigger.
func (e Engine) CreateProject(ctx context.Context, opts CreateProjectOptions) (Result, error) {
	if err := validateStruct(opts); err != nil {
		return Result{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, err := e.Store.GetProject(ctx, id); err == nil {
		return Result{}, &ValidationError{Field: "id", Message: fmt.Sprintf("project %s already exists", id)}
	}
	now := e.now()
	p := domain.Project{
		ID:        id,
		Name:      opts.Name,
		Status:    domain.ProjectProcessing,
		Plan:      domain.Plan{CreatedAt: e.Clock.Today().String(), Timeline: []domain.Stage{}},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ws := newWorkset(e, p)
	ws.emit(events.ProjectCreated, "project", id, events.EventPayload{"name": p.Name, "plan_created_at": p.Plan.CreatedAt})
	for _, s := range opts.Stages {
		if err := (StageCreated{ProjectID: id, Stage: s.Stage, Deadline: s.Deadline, Note: s.Note}).mutate(ctx, ws); err != nil {
			return Result{}, err
		}
	}
	ws.stage = nil
	if err := ws.cascade(ctx); err != nil {
		return Result{}, err
	}
	if err := e.Store.InsertProject(ctx, ws.project); err != nil {
		return Result{}, storeErr("insert project", err)
	}
	e.logger(ctx).Info("project created", slog.String("project_id", id), slog.Int("stages", len(ws.project.Plan.Timeline)))
	e.notify(ctx, ws.events())
	return Result{Project: ws.project}, nil
}

// DeleteProject removes a project and all of its tasks.
func (e Engine) DeleteProject(ctx context.Context, id string) error {
	release, err := e.Locker.Lock(ctx, id)
	if err != nil {
		return fmt.Errorf("lock project %s: %w", id, err)
	}
	defer release()
	p, err := e.Store.GetProject(ctx, id)
	if err != nil {
		return lookupErr("project", id, err)
	}
	del := func(ctx context.Context) error { return e.Store.DeleteProject(ctx, id) }
	if tx, ok := e.Store.(TxStore); ok {
		err = tx.WithinTx(ctx, del)
	} else {
		err = del(ctx)
	}
	if err != nil {
		return lookupErr("project", id, err)
	}
	e.logger(ctx).Info("project deleted", slog.String("project_id", id))
	e.notify(ctx, []events.Event{{
		Type: events.ProjectDeleted, ProjectID: id, EntityKind: "project", EntityID: id,
		Payload: events.EventPayload{"name": p.Name},
	}})
	return nil
}

// Recalculate rebuilds every weight, percent and aggregate of a project from
// its stage deadlines and task due dates. Running it twice changes nothing.
func (e Engine) Recalculate(ctx context.Context, projectID string) (Result, error) {
	return e.Apply(ctx, recalculate{ProjectID: projectID})
}

func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	p, err := e.Store.GetProject(ctx, id)
	if err != nil {
		return p, lookupErr("project", id, err)
	}
	return p, nil
}

func (e Engine) ListProjects(ctx context.Context) ([]domain.Project, error) {
	ps, err := e.Store.ListProjects(ctx)
	if err != nil {
		return nil, storeErr("list projects", err)
	}
	return ps, nil
}

// Timeline returns a project's stages in timeline order, or by deadline
// (earliest first, ties in timeline order) when sortByDeadline is set.
func (e Engine) Timeline(ctx context.Context, projectID string, sortByDeadline bool) ([]domain.Stage, error) {
	p, err := e.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	stages := append([]domain.Stage{}, p.Plan.Timeline...)
	if !sortByDeadline {
		return stages, nil
	}
	keys := make([]dates.Date, len(stages))
	for i, s := range stages {
		d, err := dates.Parse(s.Deadline)
		if err != nil {
			return nil, &ValidationError{Field: "deadline", Message: fmt.Sprintf("stage %q: %v", s.Stage, err), Err: err}
		}
		keys[i] = d
	}
	idx := make([]int, len(stages))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return keys[idx[a]].Before(keys[idx[b]]) })
	out := make([]domain.Stage, len(stages))
	for i, j := range idx {
		out[i] = stages[j]
	}
	return out, nil
}

type TaskQuery struct {
	Stage    string
	Status   string
	Assignee string
	Limit    int
}

// ListTasks lists a project's tasks in creation order.
func (e Engine) ListTasks(ctx context.Context, projectID string, q TaskQuery) ([]domain.Task, error) {
	if _, err := e.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	if q.Status != "" && !domain.TaskStatus(q.Status).Valid() {
		return nil, &ValidationError{Field: "status", Message: "must be one of Todo Doing Review Done"}
	}
	tasks, err := e.Store.FindTasks(ctx, repo.TaskFilter{
		ProjectID: projectID, Stage: q.Stage, Status: q.Status, Assignee: q.Assignee, Limit: q.Limit,
	})
	if err != nil {
		return nil, storeErr("find tasks", err)
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return tasks, nil
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := e.Store.GetTask(ctx, id)
	if err != nil {
		return t, lookupErr("task", id, err)
	}
	return t, nil
}

func (e Engine) CreateTask(ctx context.Context, t TaskCreated) (Result, error) {
	return e.Apply(ctx, t)
}

func (e Engine) UpdateTask(ctx context.Context, t TaskUpdated) (Result, error) {
	return e.Apply(ctx, t)
}

func (e Engine) DeleteTask(ctx context.Context, taskID string) (Result, error) {
	return e.Apply(ctx, TaskDeleted{TaskID: taskID})
}

func (e Engine) CreateStage(ctx context.Context, t StageCreated) (Result, error) {
	return e.Apply(ctx, t)
}

func (e Engine) UpdateStage(ctx context.Context, t StageUpdated) (Result, error) {
	return e.Apply(ctx, t)
}

func (e Engine) DeleteStage(ctx context.Context, projectID, stage string) (Result, error) {
	return e.Apply(ctx, StageDeleted{ProjectID: projectID, Stage: stage})
}

// EventReader is implemented by stores that expose the event log.
type EventReader interface {
	LatestEvents(ctx context.Context, n int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error)
}

// Events returns the newest log entries of a project.
func (e Engine) Events(ctx context.Context, projectID, evtType string, limit int) ([]domain.Event, error) {
	r, ok := e.Store.(EventReader)
	if !ok {
		return []domain.Event{}, nil
	}
	evts, err := r.LatestEvents(ctx, limit, projectID, evtType, "", "")
	if err != nil {
		return nil, storeErr("list events", err)
	}
	if evts == nil {
		evts = []domain.Event{}
	}
	return evts, nil
}
