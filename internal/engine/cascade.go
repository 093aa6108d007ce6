package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"stageline/internal/config"
	"stageline/internal/dates"
	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/progress"
	"stageline/internal/repo"
)

// workset is one trigger's in-memory view of a project hierarchy. Triggers
// mutate it and mark what went stale; cascade recomputes exactly that; commit
// writes the outcome. Nothing reaches the store before cascade succeeds.
type workset struct {
	e       Engine
	today   dates.Date
	project domain.Project
	before  domain.Project

	groups map[string][]domain.Task // stage id -> tasks, creation order

	staleWeights bool
	staleGroups  map[string]bool
	dirty        map[string]bool
	deleted      map[string]domain.Task

	stage *domain.Stage
	task  *domain.Task

	completedStages []domain.Stage
	emitted         []events.Event
}

func newWorkset(e Engine, p domain.Project) *workset {
	before := p
	before.Plan.Timeline = append([]domain.Stage(nil), p.Plan.Timeline...)
	return &workset{
		e:           e,
		today:       e.Clock.Today(),
		project:     p,
		before:      before,
		groups:      make(map[string][]domain.Task),
		staleGroups: make(map[string]bool),
		dirty:       make(map[string]bool),
		deleted:     make(map[string]domain.Task),
	}
}

// stageIndex resolves a stage name or reports a ValidationError.
func (ws *workset) stageIndex(name string) (int, error) {
	i := ws.project.Plan.StageIndex(name)
	if i < 0 {
		return -1, &ValidationError{Field: "stage", Message: fmt.Sprintf("unknown stage %q in project %s", name, ws.project.ID)}
	}
	return i, nil
}

// group loads the task siblings of a stage once per workset.
func (ws *workset) group(ctx context.Context, stageID string) ([]domain.Task, error) {
	if g, ok := ws.groups[stageID]; ok {
		return g, nil
	}
	g, err := ws.e.Store.FindTasks(ctx, repo.TaskFilter{ProjectID: ws.project.ID, StageID: stageID})
	if err != nil {
		return nil, storeErr("find tasks", err)
	}
	ws.groups[stageID] = g
	return g, nil
}

func (ws *workset) addTask(ctx context.Context, t domain.Task) error {
	g, err := ws.group(ctx, t.StageID)
	if err != nil {
		return err
	}
	ws.groups[t.StageID] = append(g, t)
	ws.staleGroups[t.StageID] = true
	ws.dirty[t.ID] = true
	return nil
}

func (ws *workset) removeTask(ctx context.Context, stageID, taskID string) (domain.Task, error) {
	g, err := ws.group(ctx, stageID)
	if err != nil {
		return domain.Task{}, err
	}
	for i, t := range g {
		if t.ID == taskID {
			ws.groups[stageID] = append(g[:i:i], g[i+1:]...)
			ws.staleGroups[stageID] = true
			delete(ws.dirty, taskID)
			return t, nil
		}
	}
	return domain.Task{}, &NotFoundError{Kind: "task", ID: taskID}
}

// replaceTask swaps the stored copy of t inside its group.
func (ws *workset) replaceTask(ctx context.Context, t domain.Task) error {
	g, err := ws.group(ctx, t.StageID)
	if err != nil {
		return err
	}
	for i := range g {
		if g[i].ID == t.ID {
			g[i] = t
			ws.dirty[t.ID] = true
			return nil
		}
	}
	return &NotFoundError{Kind: "task", ID: t.ID}
}

// taskAnchor is the date a task's weight counts from.
func (ws *workset) taskAnchor(stageIdx int) string {
	if ws.e.taskAnchor() == config.TaskAnchorStage && stageIdx > 0 {
		return ws.project.Plan.Timeline[stageIdx-1].Deadline
	}
	return ws.project.Plan.CreatedAt
}

// markAnchorsStale flags the task groups whose anchor moves when the stage at
// idx changes deadline or disappears. Only the stage anchor mode has any.
func (ws *workset) markAnchorsStale(idx int) {
	if ws.e.taskAnchor() != config.TaskAnchorStage {
		return
	}
	if idx+1 < len(ws.project.Plan.Timeline) {
		ws.staleGroups[ws.project.Plan.Timeline[idx+1].ID] = true
	}
}

func (ws *workset) cascade(ctx context.Context) error {
	timeline := ws.project.Plan.Timeline

	if ws.staleWeights {
		weights := make([]int, len(timeline))
		for i, s := range timeline {
			anchor := ws.project.Plan.CreatedAt
			if i > 0 {
				anchor = timeline[i-1].Deadline
			}
			w, err := dates.Span(s.Deadline, anchor)
			if err != nil {
				return &ValidationError{Field: "deadline", Message: fmt.Sprintf("stage %q: %v", s.Stage, err), Err: err}
			}
			weights[i] = w
		}
		percents, err := progress.Normalize(weights)
		if err != nil {
			return fmt.Errorf("normalize stages of project %s: %w", ws.project.ID, err)
		}
		for i := range timeline {
			timeline[i].PercentOfProject = domain.Share{Weight: weights[i], Percent: percents[i]}
		}
	}

	stale := make([]string, 0, len(ws.staleGroups))
	for id := range ws.staleGroups {
		stale = append(stale, id)
	}
	sort.Strings(stale)
	for _, stageID := range stale {
		idx := ws.project.Plan.StageByID(stageID)
		if idx < 0 {
			// Stage removed in this trigger; its tasks are already queued for deletion.
			continue
		}
		if err := ws.recomputeGroup(ctx, idx); err != nil {
			return err
		}
	}

	parts := make([]progress.Part, len(timeline))
	for i, s := range timeline {
		parts[i] = progress.Part{Percent: s.PercentOfProject.Percent, Progress: s.Progress}
	}
	ws.project.Progress = progress.Aggregate(parts)
	ws.project.Status = progress.DeriveStatus(ws.project.Progress)
	return nil
}

func (ws *workset) recomputeGroup(ctx context.Context, idx int) error {
	s := &ws.project.Plan.Timeline[idx]
	g, err := ws.group(ctx, s.ID)
	if err != nil {
		return err
	}
	anchor := ws.taskAnchor(idx)
	weights := make([]int, len(g))
	for i, t := range g {
		w, err := dates.Span(t.DueDate, anchor)
		if err != nil {
			return &ValidationError{Field: "dueDate", Message: fmt.Sprintf("task %s: %v", t.ID, err), Err: err}
		}
		weights[i] = w
	}
	percents, err := progress.Normalize(weights)
	if err != nil {
		return fmt.Errorf("normalize tasks of stage %q: %w", s.Stage, err)
	}
	parts := make([]progress.Part, len(g))
	for i := range g {
		t := &g[i]
		share := domain.Share{Weight: weights[i], Percent: percents[i]}
		p := progress.TaskProgress(t.Status)
		if t.PercentOfStage != share || t.Progress != p || t.Stage != s.Stage {
			t.PercentOfStage = share
			t.Progress = p
			t.Stage = s.Stage
			ws.dirty[t.ID] = true
		}
		parts[i] = progress.Part{Percent: share.Percent, Progress: p}
	}

	s.Progress = progress.Aggregate(parts)
	switch {
	case s.Progress == 1 && s.ActualCompletion == nil:
		today := ws.today.String()
		s.ActualCompletion = &today
		ws.completedStages = append(ws.completedStages, *s)
	case s.Progress < 1:
		s.ActualCompletion = nil
	}
	return nil
}

// commit writes deletions, rewritten tasks and finally the project. With a
// TxStore the whole sequence is one transaction; the project save carries the
// optimistic version check.
func (ws *workset) commit(ctx context.Context) error {
	write := func(ctx context.Context) error {
		ids := make([]string, 0, len(ws.deleted))
		for id := range ws.deleted {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if err := ws.e.Store.DeleteTask(ctx, id); err != nil && !errors.Is(err, repo.ErrNotFound) {
				return storeErr("delete task", err)
			}
		}
		now := ws.e.now()
		for _, t := range ws.dirtyTasks() {
			t.UpdatedAt = now
			if t.CreatedAt == "" {
				t.CreatedAt = now
			}
			if err := ws.e.Store.SaveTask(ctx, t); err != nil {
				return storeErr("save task", err)
			}
			ws.setTask(t)
		}
		saved, err := ws.e.Store.SaveProject(ctx, ws.project)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return &NotFoundError{Kind: "project", ID: ws.project.ID}
			}
			return storeErr("save project", err)
		}
		ws.project = saved
		return nil
	}
	if tx, ok := ws.e.Store.(TxStore); ok {
		return tx.WithinTx(ctx, write)
	}
	return write(ctx)
}

func (ws *workset) setTask(t domain.Task) {
	g := ws.groups[t.StageID]
	for i := range g {
		if g[i].ID == t.ID {
			g[i] = t
		}
	}
	if ws.task != nil && ws.task.ID == t.ID {
		cp := t
		ws.task = &cp
	}
}

func (ws *workset) dirtyTasks() []domain.Task {
	var out []domain.Task
	stageIDs := make([]string, 0, len(ws.groups))
	for id := range ws.groups {
		stageIDs = append(stageIDs, id)
	}
	sort.Strings(stageIDs)
	for _, id := range stageIDs {
		for _, t := range ws.groups[id] {
			if ws.dirty[t.ID] {
				out = append(out, t)
			}
		}
	}
	return out
}

func (ws *workset) result() Result {
	res := Result{Project: ws.project, Task: ws.task}
	if ws.stage != nil {
		if i := ws.project.Plan.StageByID(ws.stage.ID); i >= 0 {
			s := ws.project.Plan.Timeline[i]
			res.Stage = &s
		} else {
			res.Stage = ws.stage
		}
	}
	if ws.task != nil {
		for _, t := range ws.groups[ws.task.StageID] {
			if t.ID == ws.task.ID {
				cp := t
				res.Task = &cp
			}
		}
	}
	res.Tasks = ws.dirtyTasks()
	return res
}

// emit queues an event describing the trigger itself.
func (ws *workset) emit(typ, kind, id string, payload events.EventPayload) {
	ws.emitted = append(ws.emitted, events.Event{
		Type: typ, ProjectID: ws.project.ID, EntityKind: kind, EntityID: id, Payload: payload,
	})
}

// events lists the log entries for a committed trigger: the trigger's own
// entries first, then the derived completion and progress changes.
func (ws *workset) events() []events.Event {
	pid := ws.project.ID
	evts := append([]events.Event(nil), ws.emitted...)
	for _, s := range ws.completedStages {
		evts = append(evts, events.Event{
			Type: events.StageCompleted, ProjectID: pid, EntityKind: "stage", EntityID: s.ID,
			Payload: events.EventPayload{"stage": s.Stage, "actual_completion": *s.ActualCompletion},
		})
	}
	if ws.project.Progress != ws.before.Progress {
		evts = append(evts, events.Event{
			Type: events.ProjectProgress, ProjectID: pid, EntityKind: "project", EntityID: pid,
			Payload: events.EventPayload{"from": ws.before.Progress, "to": ws.project.Progress},
		})
	}
	if _, change := progress.Transition(ws.before.Status, ws.project.Progress); change != progress.StatusUnchanged {
		typ := events.ProjectCompleted
		if change == progress.StatusReopened {
			typ = events.ProjectReopened
		}
		evts = append(evts, events.Event{
			Type: typ, ProjectID: pid, EntityKind: "project", EntityID: pid,
			Payload: events.EventPayload{"status": string(ws.project.Status), "progress": ws.project.Progress},
		})
	}
	return evts
}
