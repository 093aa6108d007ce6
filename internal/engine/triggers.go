package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"stageline/internal/dates"
	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/repo"
)

// Trigger is one mutation of a project hierarchy. Each trigger applies its own
// field changes to the workset and marks which groups went stale; Apply runs
// the shared cascade afterwards.
type Trigger interface {
	name() string
	project(ctx context.Context, s Store) (string, error)
	mutate(ctx context.Context, ws *workset) error
}

// TaskCreated adds a task under an existing stage.
type TaskCreated struct {
	ProjectID   string            `json:"projectId" validate:"required"`
	Stage       string            `json:"stage" validate:"required"`
	Title       string            `json:"title" validate:"required,max=200"`
	DueDate     string            `json:"dueDate" validate:"required"`
	Description string            `json:"description,omitempty" validate:"max=4000"`
	Assignee    *string           `json:"assignee,omitempty"`
	Status      domain.TaskStatus `json:"status,omitempty" validate:"omitempty,oneof=Todo Doing Review Done"`
}

// TaskUpdated edits a task. Nil fields are left alone; an empty Assignee clears it.
type TaskUpdated struct {
	TaskID      string             `json:"taskId" validate:"required"`
	Status      *domain.TaskStatus `json:"status,omitempty" validate:"omitempty,oneof=Todo Doing Review Done"`
	DueDate     *string            `json:"dueDate,omitempty" validate:"omitempty,min=1"`
	Stage       *string            `json:"stage,omitempty" validate:"omitempty,min=1"`
	Title       *string            `json:"title,omitempty" validate:"omitempty,min=1,max=200"`
	Description *string            `json:"description,omitempty" validate:"omitempty,max=4000"`
	Assignee    *string            `json:"assignee,omitempty"`
}

type TaskDeleted struct {
	TaskID string `json:"taskId" validate:"required"`
}

// StageCreated appends a stage to the end of the timeline.
type StageCreated struct {
	ProjectID string `json:"projectId" validate:"required"`
	Stage     string `json:"stage" validate:"required,max=200"`
	Deadline  string `json:"deadline" validate:"required"`
	Note      string `json:"note,omitempty" validate:"max=4000"`
}

// StageUpdated edits the stage named Stage. Rename carries over to its tasks.
type StageUpdated struct {
	ProjectID string  `json:"projectId" validate:"required"`
	Stage     string  `json:"stage" validate:"required"`
	Rename    *string `json:"rename,omitempty" validate:"omitempty,min=1,max=200"`
	Deadline  *string `json:"deadline,omitempty" validate:"omitempty,min=1"`
	Note      *string `json:"note,omitempty" validate:"omitempty,max=4000"`
}

// StageDeleted removes a stage and every task under it.
type StageDeleted struct {
	ProjectID string `json:"projectId" validate:"required"`
	Stage     string `json:"stage" validate:"required"`
}

// recalculate rebuilds every weight, percent and aggregate of a project.
type recalculate struct {
	ProjectID string `json:"projectId" validate:"required"`
}

func (TaskCreated) name() string  { return "task.created" }
func (TaskUpdated) name() string  { return "task.updated" }
func (TaskDeleted) name() string  { return "task.deleted" }
func (StageCreated) name() string { return "stage.created" }
func (StageUpdated) name() string { return "stage.updated" }
func (StageDeleted) name() string { return "stage.deleted" }
func (recalculate) name() string  { return "project.recalculated" }

func (t TaskCreated) project(context.Context, Store) (string, error)  { return t.ProjectID, nil }
func (t StageCreated) project(context.Context, Store) (string, error) { return t.ProjectID, nil }
func (t StageUpdated) project(context.Context, Store) (string, error) { return t.ProjectID, nil }
func (t StageDeleted) project(context.Context, Store) (string, error) { return t.ProjectID, nil }
func (t recalculate) project(context.Context, Store) (string, error)  { return t.ProjectID, nil }

func (t TaskUpdated) project(ctx context.Context, s Store) (string, error) {
	return taskProject(ctx, s, t.TaskID)
}

func (t TaskDeleted) project(ctx context.Context, s Store) (string, error) {
	return taskProject(ctx, s, t.TaskID)
}

func taskProject(ctx context.Context, s Store, taskID string) (string, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return "", lookupErr("task", taskID, err)
	}
	return task.ProjectID, nil
}

func parseDate(field, value string) error {
	if _, err := dates.Parse(value); err != nil {
		return &ValidationError{Field: field, Message: err.Error(), Err: err}
	}
	return nil
}

func (t TaskCreated) mutate(ctx context.Context, ws *workset) error {
	idx, err := ws.stageIndex(t.Stage)
	if err != nil {
		return err
	}
	if err := parseDate("dueDate", t.DueDate); err != nil {
		return err
	}
	status := t.Status
	if status == "" {
		status = domain.TaskTodo
	}
	stage := ws.project.Plan.Timeline[idx]
	task := domain.Task{
		ID:          uuid.NewString(),
		ProjectID:   ws.project.ID,
		StageID:     stage.ID,
		Stage:       stage.Stage,
		Title:       t.Title,
		Description: t.Description,
		Assignee:    t.Assignee,
		DueDate:     t.DueDate,
		Status:      status,
		CreatedAt:   ws.e.now(),
	}
	if task.Assignee != nil && *task.Assignee == "" {
		task.Assignee = nil
	}
	if err := ws.addTask(ctx, task); err != nil {
		return err
	}
	ws.task = &task
	ws.emit(events.TaskCreated, "task", task.ID, events.EventPayload{
		"stage": task.Stage, "title": task.Title, "dueDate": task.DueDate, "status": string(task.Status),
	})
	return nil
}

// current re-reads a task under the project lock and returns the copy held
// in its group.
func (ws *workset) current(ctx context.Context, taskID string) (domain.Task, error) {
	stored, err := ws.e.Store.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, lookupErr("task", taskID, err)
	}
	if stored.ProjectID != ws.project.ID {
		return domain.Task{}, fmt.Errorf("task %s moved to project %s: %w", taskID, stored.ProjectID, repo.ErrConflict)
	}
	g, err := ws.group(ctx, stored.StageID)
	if err != nil {
		return domain.Task{}, err
	}
	for _, t := range g {
		if t.ID == taskID {
			return t, nil
		}
	}
	return stored, nil
}

func (t TaskUpdated) mutate(ctx context.Context, ws *workset) error {
	task, err := ws.current(ctx, t.TaskID)
	if err != nil {
		return err
	}
	changes := events.EventPayload{}

	if t.Stage != nil && *t.Stage != task.Stage {
		idx, err := ws.stageIndex(*t.Stage)
		if err != nil {
			return err
		}
		if _, err := ws.removeTask(ctx, task.StageID, task.ID); err != nil {
			return err
		}
		changes["stage"] = map[string]any{"from": task.Stage, "to": *t.Stage}
		stage := ws.project.Plan.Timeline[idx]
		task.StageID = stage.ID
		task.Stage = stage.Stage
		if err := ws.addTask(ctx, task); err != nil {
			return err
		}
	}
	if t.DueDate != nil && *t.DueDate != task.DueDate {
		if err := parseDate("dueDate", *t.DueDate); err != nil {
			return err
		}
		changes["dueDate"] = map[string]any{"from": task.DueDate, "to": *t.DueDate}
		task.DueDate = *t.DueDate
	}
	if t.Status != nil && *t.Status != task.Status {
		changes["status"] = map[string]any{"from": string(task.Status), "to": string(*t.Status)}
		task.Status = *t.Status
	}
	if t.Title != nil && *t.Title != task.Title {
		if *t.Title == "" {
			return &ValidationError{Field: "title", Message: "must not be empty"}
		}
		changes["title"] = *t.Title
		task.Title = *t.Title
	}
	if t.Description != nil && *t.Description != task.Description {
		changes["description"] = *t.Description
		task.Description = *t.Description
	}
	if t.Assignee != nil {
		var next *string
		if *t.Assignee != "" {
			v := *t.Assignee
			next = &v
		}
		if !sameAssignee(task.Assignee, next) {
			changes["assignee"] = *t.Assignee
			task.Assignee = next
		}
	}

	if err := ws.replaceTask(ctx, task); err != nil {
		return err
	}
	ws.staleGroups[task.StageID] = true
	ws.task = &task
	ws.emit(events.TaskUpdated, "task", task.ID, changes)
	return nil
}

func sameAssignee(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (t TaskDeleted) mutate(ctx context.Context, ws *workset) error {
	task, err := ws.current(ctx, t.TaskID)
	if err != nil {
		return err
	}
	removed, err := ws.removeTask(ctx, task.StageID, task.ID)
	if err != nil {
		return err
	}
	ws.deleted[removed.ID] = removed
	ws.task = &removed
	ws.emit(events.TaskDeleted, "task", removed.ID, events.EventPayload{"stage": removed.Stage, "title": removed.Title})
	return nil
}

func (t StageCreated) mutate(_ context.Context, ws *workset) error {
	if ws.project.Plan.StageIndex(t.Stage) >= 0 {
		return &ValidationError{Field: "stage", Message: fmt.Sprintf("stage %q already exists", t.Stage)}
	}
	if err := parseDate("deadline", t.Deadline); err != nil {
		return err
	}
	stage := domain.Stage{ID: uuid.NewString(), Stage: t.Stage, Deadline: t.Deadline, Note: t.Note}
	ws.project.Plan.Timeline = append(ws.project.Plan.Timeline, stage)
	ws.staleWeights = true
	ws.staleGroups[stage.ID] = true
	ws.stage = &stage
	ws.emit(events.StageCreated, "stage", stage.ID, events.EventPayload{"stage": stage.Stage, "deadline": stage.Deadline})
	return nil
}

func (t StageUpdated) mutate(ctx context.Context, ws *workset) error {
	idx, err := ws.stageIndex(t.Stage)
	if err != nil {
		return err
	}
	s := &ws.project.Plan.Timeline[idx]
	changes := events.EventPayload{}

	if t.Rename != nil && *t.Rename != s.Stage {
		if *t.Rename == "" {
			return &ValidationError{Field: "rename", Message: "must not be empty"}
		}
		if ws.project.Plan.StageIndex(*t.Rename) >= 0 {
			return &ValidationError{Field: "rename", Message: fmt.Sprintf("stage %q already exists", *t.Rename)}
		}
		changes["stage"] = map[string]any{"from": s.Stage, "to": *t.Rename}
		s.Stage = *t.Rename
		// The group recompute rewrites each task's stage name.
		if _, err := ws.group(ctx, s.ID); err != nil {
			return err
		}
		ws.staleGroups[s.ID] = true
	}
	if t.Deadline != nil && *t.Deadline != s.Deadline {
		if err := parseDate("deadline", *t.Deadline); err != nil {
			return err
		}
		changes["deadline"] = map[string]any{"from": s.Deadline, "to": *t.Deadline}
		s.Deadline = *t.Deadline
		ws.staleWeights = true
		ws.markAnchorsStale(idx)
	}
	if t.Note != nil && *t.Note != s.Note {
		changes["note"] = *t.Note
		s.Note = *t.Note
	}
	cp := *s
	ws.stage = &cp
	ws.emit(events.StageUpdated, "stage", s.ID, changes)
	return nil
}

func (t StageDeleted) mutate(ctx context.Context, ws *workset) error {
	idx, err := ws.stageIndex(t.Stage)
	if err != nil {
		return err
	}
	removed := ws.project.Plan.Timeline[idx]
	g, err := ws.group(ctx, removed.ID)
	if err != nil {
		return err
	}
	for _, task := range g {
		ws.deleted[task.ID] = task
		delete(ws.dirty, task.ID)
	}
	delete(ws.groups, removed.ID)
	delete(ws.staleGroups, removed.ID)

	tl := ws.project.Plan.Timeline
	ws.project.Plan.Timeline = append(tl[:idx:idx], tl[idx+1:]...)
	ws.staleWeights = true
	// The stage that followed now starts where the removed one started.
	ws.markAnchorsStale(idx - 1)
	ws.stage = &removed
	ws.emit(events.StageDeleted, "stage", removed.ID, events.EventPayload{"stage": removed.Stage, "tasks_deleted": len(g)})
	return nil
}

// mutate marks the whole hierarchy stale. Tasks whose stage id no longer
// resolves but whose stage name does are relinked first.
func (t recalculate) mutate(ctx context.Context, ws *workset) error {
	all, err := ws.e.Store.FindTasks(ctx, repo.TaskFilter{ProjectID: ws.project.ID})
	if err != nil {
		return storeErr("find tasks", err)
	}
	relinked := 0
	for _, task := range all {
		if ws.project.Plan.StageByID(task.StageID) < 0 {
			if i := ws.project.Plan.StageIndex(task.Stage); i >= 0 {
				task.StageID = ws.project.Plan.Timeline[i].ID
				ws.dirty[task.ID] = true
				relinked++
			}
		}
		ws.groups[task.StageID] = append(ws.groups[task.StageID], task)
	}
	for _, s := range ws.project.Plan.Timeline {
		if _, ok := ws.groups[s.ID]; !ok {
			ws.groups[s.ID] = []domain.Task{}
		}
		ws.staleGroups[s.ID] = true
	}
	ws.staleWeights = true
	ws.emit(events.ProjectRecalculated, "project", ws.project.ID, events.EventPayload{"tasks": len(all), "relinked": relinked})
	return nil
}
