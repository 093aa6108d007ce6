package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"stageline/internal/config"
	"stageline/internal/dates"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/events"
	"stageline/internal/logging"
	"stageline/internal/migrate"
	"stageline/internal/progress"
	"stageline/internal/repo"
)

const delta = 1e-9

type testEnv struct {
	Engine engine.Engine
	Repo   repo.Repo
	Clock  *dates.FixedClock
	Ctx    context.Context
}

func newTestEnv(t *testing.T, tweak ...func(*config.Config)) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	for _, fn := range tweak {
		fn(cfg)
	}
	fixed := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := &dates.FixedClock{Day: dates.FromTime(fixed)}
	eng := engine.New(conn, cfg)
	eng.Clock = clock
	eng.Now = func() time.Time { return fixed }
	r := repo.Repo{DB: conn, Now: eng.Now}
	eng.Store = r
	eng.Notifier = events.Writer{DB: conn, Now: eng.Now}
	return testEnv{Engine: eng, Repo: r, Clock: clock, Ctx: context.Background()}
}

// day formats the date n days after the plan start.
func day(n int) string {
	return dates.MustParse("01/03/2024").AddDays(n).String()
}

func ptr[T any](v T) *T { return &v }

func done() *domain.TaskStatus { return ptr(domain.TaskDone) }

func (env testEnv) project(t *testing.T, stages ...engine.StageInput) domain.Project {
	t.Helper()
	res, err := env.Engine.CreateProject(env.Ctx, engine.CreateProjectOptions{Name: "Website", Stages: stages})
	require.NoError(t, err)
	return res.Project
}

func (env testEnv) task(t *testing.T, projectID, stage string, due int) domain.Task {
	t.Helper()
	res, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreated{
		ProjectID: projectID, Stage: stage, Title: fmt.Sprintf("%s due %d", stage, due), DueDate: day(due),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Task)
	return *res.Task
}

// assertConsistent re-reads the stored hierarchy and checks every aggregate
// against its children.
func assertConsistent(t *testing.T, env testEnv, projectID string) domain.Project {
	t.Helper()
	p, err := env.Engine.GetProject(env.Ctx, projectID)
	require.NoError(t, err)

	stageSum, projectProgress := 0.0, 0.0
	for _, s := range p.Plan.Timeline {
		stageSum += s.PercentOfProject.Percent
		projectProgress += s.PercentOfProject.Percent * s.Progress

		tasks, err := env.Repo.FindTasks(env.Ctx, repo.TaskFilter{ProjectID: projectID, StageID: s.ID})
		require.NoError(t, err)
		taskSum, stageProgress := 0.0, 0.0
		for _, task := range tasks {
			assert.Equal(t, s.Stage, task.Stage, "task %s stage name", task.ID)
			assert.Equal(t, progress.TaskProgress(task.Status), task.Progress, "task %s progress", task.ID)
			taskSum += task.PercentOfStage.Percent
			stageProgress += task.PercentOfStage.Percent * task.Progress
		}
		if len(tasks) > 0 {
			assert.InDelta(t, 1, taskSum, delta, "stage %s task percents", s.Stage)
		}
		assert.InDelta(t, stageProgress, s.Progress, delta, "stage %s progress", s.Stage)
		assert.Equal(t, s.Progress == 1, s.ActualCompletion != nil, "stage %s actualCompletion", s.Stage)
	}
	if len(p.Plan.Timeline) > 0 {
		assert.InDelta(t, 1, stageSum, delta, "stage percents")
	}
	assert.InDelta(t, projectProgress, p.Progress, delta, "project progress")
	assert.Equal(t, p.Progress == 1, p.Status == domain.ProjectCompleted, "status %s at progress %v", p.Status, p.Progress)
	return p
}

func TestProgressScenarios(t *testing.T) {
	env := newTestEnv(t)

	// 1. single stage owns the whole project
	p := env.project(t, engine.StageInput{Stage: "A", Deadline: day(7)})
	require.Len(t, p.Plan.Timeline, 1)
	assert.Equal(t, "01/03/2024", p.Plan.CreatedAt)
	assert.Equal(t, domain.Share{Weight: 7, Percent: 1}, p.Plan.Timeline[0].PercentOfProject)
	assert.Equal(t, 0.0, p.Progress)
	assert.Equal(t, domain.ProjectProcessing, p.Status)

	// 2. second stage 7 days later splits evenly
	res, err := env.Engine.CreateStage(env.Ctx, engine.StageCreated{ProjectID: p.ID, Stage: "B", Deadline: day(14)})
	require.NoError(t, err)
	require.NotNil(t, res.Stage)
	assert.Equal(t, "B", res.Stage.Stage)
	tl := res.Project.Plan.Timeline
	assert.Equal(t, 7, tl[0].PercentOfProject.Weight)
	assert.Equal(t, 7, tl[1].PercentOfProject.Weight)
	assert.InDelta(t, 0.5, tl[0].PercentOfProject.Percent, delta)
	assert.InDelta(t, 0.5, tl[1].PercentOfProject.Percent, delta)

	// 3. tasks weighted 3 and 9 from the plan start
	short := env.task(t, p.ID, "A", 3)
	long := env.task(t, p.ID, "A", 9)
	short, err = env.Engine.GetTask(env.Ctx, short.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Share{Weight: 3, Percent: 0.25}, short.PercentOfStage)

	res, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdated{TaskID: long.ID, Status: done()})
	require.NoError(t, err)
	require.NotNil(t, res.Task)
	assert.Equal(t, 1.0, res.Task.Progress)
	assert.InDelta(t, 0.75, res.Task.PercentOfStage.Percent, delta)
	assert.InDelta(t, 0.75, res.Project.Plan.Timeline[0].Progress, delta)
	assert.InDelta(t, 0.375, res.Project.Progress, delta)
	assert.Nil(t, res.Project.Plan.Timeline[0].ActualCompletion)
	assertConsistent(t, env, p.ID)

	// 4. stage A completes on the day it happens
	env.Clock.Advance(5)
	res, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdated{TaskID: short.ID, Status: done()})
	require.NoError(t, err)
	stageA := res.Project.Plan.Timeline[0]
	assert.Equal(t, 1.0, stageA.Progress)
	require.NotNil(t, stageA.ActualCompletion)
	assert.Equal(t, day(5), *stageA.ActualCompletion)
	assert.InDelta(t, 0.5, res.Project.Progress, delta)
	assert.Equal(t, domain.ProjectProcessing, res.Project.Status)
	assertConsistent(t, env, p.ID)

	// 5. deleting the heavy task leaves a single member at 100%
	res, err = env.Engine.DeleteTask(env.Ctx, long.ID)
	require.NoError(t, err)
	require.Len(t, res.Tasks, 1)
	assert.Equal(t, short.ID, res.Tasks[0].ID)
	assert.Equal(t, domain.Share{Weight: 3, Percent: 1}, res.Tasks[0].PercentOfStage)
	assert.Equal(t, 1.0, res.Project.Plan.Timeline[0].Progress)
	_, err = env.Engine.GetTask(env.Ctx, long.ID)
	var nf *engine.NotFoundError
	require.ErrorAs(t, err, &nf)
	assertConsistent(t, env, p.ID)

	// 6. everything done completes the project; new work reopens it
	b := env.task(t, p.ID, "B", 12)
	res, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdated{TaskID: b.ID, Status: done()})
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Project.Progress)
	assert.Equal(t, domain.ProjectCompleted, res.Project.Status)
	assertConsistent(t, env, p.ID)

	res, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreated{ProjectID: p.ID, Stage: "A", Title: "late fix", DueDate: day(6)})
	require.NoError(t, err)
	assert.Less(t, res.Project.Progress, 1.0)
	assert.Equal(t, domain.ProjectProcessing, res.Project.Status)
	assert.Nil(t, res.Project.Plan.Timeline[0].ActualCompletion)
	assertConsistent(t, env, p.ID)

	completed, err := env.Engine.Events(env.Ctx, p.ID, events.ProjectCompleted, 10)
	require.NoError(t, err)
	assert.Len(t, completed, 1)
	reopened, err := env.Engine.Events(env.Ctx, p.ID, events.ProjectReopened, 10)
	require.NoError(t, err)
	assert.Len(t, reopened, 1)
	stageDone, err := env.Engine.Events(env.Ctx, p.ID, events.StageCompleted, 10)
	require.NoError(t, err)
	assert.Len(t, stageDone, 2)
}

func TestReopenTaskClearsCompletion(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, engine.StageInput{Stage: "A", Deadline: day(7)})
	task := env.task(t, p.ID, "A", 4)

	res, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdated{TaskID: task.ID, Status: done()})
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectCompleted, res.Project.Status)
	require.NotNil(t, res.Project.Plan.Timeline[0].ActualCompletion)

	res, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdated{TaskID: task.ID, Status: ptr(domain.TaskReview)})
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.Project.Progress)
	assert.Equal(t, domain.ProjectProcessing, res.Project.Status)
	assert.Nil(t, res.Project.Plan.Timeline[0].ActualCompletion)
	assertConsistent(t, env, p.ID)
}

func TestStatusConsistentAfterEveryTrigger(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, engine.StageInput{Stage: "A", Deadline: day(5)}, engine.StageInput{Stage: "B", Deadline: day(9)})
	assertConsistent(t, env, p.ID)

	t1 := env.task(t, p.ID, "A", 2)
	assertConsistent(t, env, p.ID)
	t2 := env.task(t, p.ID, "B", 8)
	assertConsistent(t, env, p.ID)

	steps := []func() error{
		func() error {
			_, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdated{TaskID: t1.ID, Status: done()})
			return err
		},
		func() error {
			_, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdated{TaskID: t2.ID, Status: done()})
			return err
		},
		func() error {
			_, err := env.Engine.UpdateStage(env.Ctx, engine.StageUpdated{ProjectID: p.ID, Stage: "B", Deadline: ptr(day(20))})
			return err
		},
		func() error {
			_, err := env.Engine.CreateStage(env.Ctx, engine.StageCreated{ProjectID: p.ID, Stage: "C", Deadline: day(30)})
			return err
		},
		func() error { _, err := env.Engine.DeleteStage(env.Ctx, p.ID, "C"); return err },
		func() error {
			_, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdated{TaskID: t2.ID, Status: ptr(domain.TaskDoing)})
			return err
		},
		func() error { _, err := env.Engine.DeleteTask(env.Ctx, t2.ID); return err },
	}
	for i, step := range steps {
		require.NoError(t, step(), "step %d", i)
		assertConsistent(t, env, p.ID)
	}

	// B has no tasks left: empty stage counts as zero progress
	got := assertConsistent(t, env, p.ID)
	assert.Equal(t, 0.0, got.Plan.Timeline[1].Progress)
	assert.Equal(t, domain.ProjectProcessing, got.Status)
}

func TestRecalculateIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, engine.StageInput{Stage: "A", Deadline: day(6)}, engine.StageInput{Stage: "B", Deadline: day(15)})
	env.task(t, p.ID, "A", 2)
	t2 := env.task(t, p.ID, "A", 5)
	env.task(t, p.ID, "B", 11)
	_, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdated{TaskID: t2.ID, Status: done()})
	require.NoError(t, err)

	first, err := env.Engine.Recalculate(env.Ctx, p.ID)
	require.NoError(t, err)
	before, err := env.Engine.ListTasks(env.Ctx, p.ID, engine.TaskQuery{})
	require.NoError(t, err)

	second, err := env.Engine.Recalculate(env.Ctx, p.ID)
	require.NoError(t, err)
	after, err := env.Engine.ListTasks(env.Ctx, p.ID, engine.TaskQuery{})
	require.NoError(t, err)

	assert.Equal(t, first.Project.Plan.Timeline, second.Project.Plan.Timeline)
	assert.Equal(t, first.Project.Progress, second.Project.Progress)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].PercentOfStage, after[i].PercentOfStage)
		assert.Equal(t, before[i].Progress, after[i].Progress)
	}
	assert.Equal(t, first.Project.Version+1, second.Project.Version)
}

func TestRecalculateRepairsStaleRows(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, engine.StageInput{Stage: "A", Deadline: day(6)})
	env.task(t, p.ID, "A", 2)

	// a legacy row linked by stage name only, with stale numbers
	legacy := domain.Task{
		ID: "legacy-1", ProjectID: p.ID, Stage: "A", Title: "imported", DueDate: day(6),
		Status: domain.TaskDone, CreatedAt: "2024-03-01T10:00:00Z", UpdatedAt: "2024-03-01T10:00:00Z",
	}
	require.NoError(t, env.Repo.SaveTask(env.Ctx, legacy))

	res, err := env.Engine.Recalculate(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, res.Project.Progress, delta)

	got, err := env.Engine.GetTask(env.Ctx, "legacy-1")
	require.NoError(t, err)
	assert.Equal(t, p.Plan.Timeline[0].ID, got.StageID)
	assert.Equal(t, domain.Share{Weight: 6, Percent: 0.75}, got.PercentOfStage)
	assert.Equal(t, 1.0, got.Progress)
	assertConsistent(t, env, p.ID)
}

func TestStageRenameCarriesTasks(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, engine.StageInput{Stage: "A", Deadline: day(7)})
	task := env.task(t, p.ID, "A", 3)

	res, err := env.Engine.UpdateStage(env.Ctx, engine.StageUpdated{ProjectID: p.ID, Stage: "A", Rename: ptr("Design"), Note: ptr("wireframes")})
	require.NoError(t, err)
	require.NotNil(t, res.Stage)
	assert.Equal(t, "Design", res.Stage.Stage)
	assert.Equal(t, "wireframes", res.Stage.Note)

	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "Design", got.Stage)

	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreated{ProjectID: p.ID, Stage: "A", Title: "x", DueDate: day(4)})
	var ve *engine.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "stage", ve.Field)

	second := env.task(t, p.ID, "Design", 6)
	res, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdated{TaskID: second.ID, Status: done()})
	require.NoError(t, err)
	assert.InDelta(t, 6.0/9.0, res.Project.Progress, delta)
	assertConsistent(t, env, p.ID)

	_, err = env.Engine.UpdateStage(env.Ctx, engine.StageUpdated{ProjectID: p.ID, Stage: "Design", Rename: ptr("Design")})
	require.NoError(t, err)
	_, err = env.Engine.CreateStage(env.Ctx, engine.StageCreated{ProjectID: p.ID, Stage: "Build", Deadline: day(10)})
	require.NoError(t, err)
	_, err = env.Engine.UpdateStage(env.Ctx, engine.StageUpdated{ProjectID: p.ID, Stage: "Build", Rename: ptr("Design")})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "rename", ve.Field)
}

func TestStageDeadlineEditReweighsTimeline(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t,
		engine.StageInput{Stage: "A", Deadline: day(7)},
		engine.StageInput{Stage: "B", Deadline: day(14)},
		engine.StageInput{Stage: "C", Deadline: day(20)},
	)
	assert.Equal(t, []int{7, 7, 6}, weights(p))

	res, err := env.Engine.UpdateStage(env.Ctx, engine.StageUpdated{ProjectID: p.ID, Stage: "A", Deadline: ptr(day(10))})
	require.NoError(t, err)
	assert.Equal(t, []int{10, 4, 6}, weights(res.Project))
	assert.InDelta(t, 0.5, res.Project.Plan.Timeline[0].PercentOfProject.Percent, delta)
	assert.InDelta(t, 0.2, res.Project.Plan.Timeline[1].PercentOfProject.Percent, delta)

	res, err = env.Engine.DeleteStage(env.Ctx, p.ID, "B")
	require.NoError(t, err)
	assert.Equal(t, []int{10, 10}, weights(res.Project))
	require.NotNil(t, res.Stage)
	assert.Equal(t, "B", res.Stage.Stage)
	assertConsistent(t, env, p.ID)
}

func weights(p domain.Project) []int {
	out := make([]int, len(p.Plan.Timeline))
	for i, s := range p.Plan.Timeline {
		out[i] = s.PercentOfProject.Weight
	}
	return out
}

func TestStageDeleteRemovesTasks(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, engine.StageInput{Stage: "A", Deadline: day(7)}, engine.StageInput{Stage: "B", Deadline: day(14)})
	a := env.task(t, p.ID, "A", 5)
	b1 := env.task(t, p.ID, "B", 10)
	b2 := env.task(t, p.ID, "B", 12)
	_, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdated{TaskID: a.ID, Status: done()})
	require.NoError(t, err)

	res, err := env.Engine.DeleteStage(env.Ctx, p.ID, "B")
	require.NoError(t, err)
	require.Len(t, res.Project.Plan.Timeline, 1)
	assert.Equal(t, 1.0, res.Project.Progress)
	assert.Equal(t, domain.ProjectCompleted, res.Project.Status)

	for _, id := range []string{b1.ID, b2.ID} {
		_, err := env.Engine.GetTask(env.Ctx, id)
		assert.ErrorIs(t, err, repo.ErrNotFound)
	}
	remaining, err := env.Engine.ListTasks(env.Ctx, p.ID, engine.TaskQuery{})
	require.NoError(t, err)
	assert.Len(t, remaining, 1)

	res, err = env.Engine.DeleteStage(env.Ctx, p.ID, "A")
	require.NoError(t, err)
	assert.Empty(t, res.Project.Plan.Timeline)
	assert.Equal(t, 0.0, res.Project.Progress)
	assert.Equal(t, domain.ProjectProcessing, res.Project.Status)
}

func TestTaskMoveBetweenStages(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, engine.StageInput{Stage: "A", Deadline: day(7)}, engine.StageInput{Stage: "B", Deadline: day(14)})
	a1 := env.task(t, p.ID, "A", 2)
	a2 := env.task(t, p.ID, "A", 6)
	env.task(t, p.ID, "B", 10)

	res, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdated{TaskID: a2.ID, Stage: ptr("B"), DueDate: ptr(day(14)), Status: done()})
	require.NoError(t, err)
	require.NotNil(t, res.Task)
	assert.Equal(t, "B", res.Task.Stage)
	assert.Equal(t, domain.Share{Weight: 14, Percent: 14.0 / 24.0}, res.Task.PercentOfStage)

	got, err := env.Engine.GetTask(env.Ctx, a1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Share{Weight: 2, Percent: 1}, got.PercentOfStage)
	assert.InDelta(t, 0.5*14.0/24.0, res.Project.Progress, delta)
	assertConsistent(t, env, p.ID)

	inB, err := env.Engine.ListTasks(env.Ctx, p.ID, engine.TaskQuery{Stage: "B"})
	require.NoError(t, err)
	assert.Len(t, inB, 2)
	doneTasks, err := env.Engine.ListTasks(env.Ctx, p.ID, engine.TaskQuery{Status: "Done"})
	require.NoError(t, err)
	assert.Len(t, doneTasks, 1)
}

func TestTaskFieldEdits(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, engine.StageInput{Stage: "A", Deadline: day(7)})
	task := env.task(t, p.ID, "A", 3)

	res, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdated{
		TaskID: task.ID, Title: ptr("Write copy"), Description: ptr("landing page"), Assignee: ptr("ana"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Write copy", res.Task.Title)
	assert.Equal(t, "landing page", res.Task.Description)
	require.NotNil(t, res.Task.Assignee)
	assert.Equal(t, "ana", *res.Task.Assignee)

	mine, err := env.Engine.ListTasks(env.Ctx, p.ID, engine.TaskQuery{Assignee: "ana"})
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	res, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdated{TaskID: task.ID, Assignee: ptr("")})
	require.NoError(t, err)
	assert.Nil(t, res.Task.Assignee)

	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdated{TaskID: task.ID, Title: ptr("")})
	var ve *engine.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "title", ve.Field)
}

func TestValidationLeavesNoWrites(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, engine.StageInput{Stage: "A", Deadline: day(7)})
	task := env.task(t, p.ID, "A", 3)
	before, err := env.Engine.GetProject(env.Ctx, p.ID)
	require.NoError(t, err)

	cases := []struct {
		name  string
		field string
		run   func() error
	}{
		{"unknown stage", "stage", func() error {
			_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreated{ProjectID: p.ID, Stage: "Z", Title: "x", DueDate: day(1)})
			return err
		}},
		{"missing title", "title", func() error {
			_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreated{ProjectID: p.ID, Stage: "A", DueDate: day(1)})
			return err
		}},
		{"bad due date", "dueDate", func() error {
			_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreated{ProjectID: p.ID, Stage: "A", Title: "x", DueDate: "2024-03-05"})
			return err
		}},
		{"bad status", "status", func() error {
			_, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdated{TaskID: task.ID, Status: ptr(domain.TaskStatus("Blocked"))})
			return err
		}},
		{"impossible deadline", "deadline", func() error {
			_, err := env.Engine.CreateStage(env.Ctx, engine.StageCreated{ProjectID: p.ID, Stage: "B", Deadline: "31/02/2024"})
			return err
		}},
		{"duplicate stage", "stage", func() error {
			_, err := env.Engine.CreateStage(env.Ctx, engine.StageCreated{ProjectID: p.ID, Stage: "A", Deadline: day(9)})
			return err
		}},
		{"move to unknown stage", "stage", func() error {
			_, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdated{TaskID: task.ID, Stage: ptr("Z"), Status: done()})
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.run()
			var ve *engine.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}

	var fe *dates.FormatError
	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreated{ProjectID: p.ID, Stage: "A", Title: "x", DueDate: "5/3/24"})
	assert.ErrorAs(t, err, &fe)

	after, err := env.Engine.GetProject(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	tasks, err := env.Engine.ListTasks(env.Ctx, p.ID, engine.TaskQuery{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskTodo, tasks[0].Status)
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t)
	var nf *engine.NotFoundError

	_, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdated{TaskID: "missing", Status: done()})
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "task", nf.Kind)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	_, err = env.Engine.CreateStage(env.Ctx, engine.StageCreated{ProjectID: "nope", Stage: "A", Deadline: day(3)})
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "project", nf.Kind)

	_, err = env.Engine.DeleteTask(env.Ctx, "missing")
	assert.ErrorAs(t, err, &nf)
	assert.ErrorAs(t, env.Engine.DeleteProject(env.Ctx, "nope"), &nf)
	_, err = env.Engine.Timeline(env.Ctx, "nope", false)
	assert.ErrorAs(t, err, &nf)
}

func TestDegenerateWeights(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, engine.StageInput{Stage: "A", Deadline: day(0)})
	// a zero-length single stage still owns the project
	assert.Equal(t, domain.Share{Weight: 0, Percent: 1}, p.Plan.Timeline[0].PercentOfProject)

	first := env.task(t, p.ID, "A", 0)
	got, err := env.Engine.GetTask(env.Ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Share{Weight: 0, Percent: 1}, got.PercentOfStage)

	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreated{ProjectID: p.ID, Stage: "A", Title: "same day", DueDate: day(0)})
	var dw *engine.DegenerateWeightError
	require.ErrorAs(t, err, &dw)
	assert.Equal(t, []int{0, 0}, dw.Weights)

	tasks, err := env.Engine.ListTasks(env.Ctx, p.ID, engine.TaskQuery{})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	_, err = env.Engine.CreateStage(env.Ctx, engine.StageCreated{ProjectID: p.ID, Stage: "B", Deadline: day(0)})
	require.ErrorAs(t, err, &dw)
	assertConsistent(t, env, p.ID)
}

func TestStageAnchorMode(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Engine.TaskAnchor = config.TaskAnchorStage })
	p := env.project(t, engine.StageInput{Stage: "A", Deadline: day(7)}, engine.StageInput{Stage: "B", Deadline: day(14)})
	b1 := env.task(t, p.ID, "B", 10)
	env.task(t, p.ID, "B", 14)

	got, err := env.Engine.GetTask(env.Ctx, b1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Share{Weight: 3, Percent: 0.3}, got.PercentOfStage)

	_, err = env.Engine.UpdateStage(env.Ctx, engine.StageUpdated{ProjectID: p.ID, Stage: "A", Deadline: ptr(day(4))})
	require.NoError(t, err)
	got, err = env.Engine.GetTask(env.Ctx, b1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Share{Weight: 6, Percent: 0.375}, got.PercentOfStage)

	_, err = env.Engine.DeleteStage(env.Ctx, p.ID, "A")
	require.NoError(t, err)
	got, err = env.Engine.GetTask(env.Ctx, b1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Share{Weight: 10, Percent: 10.0 / 24.0}, got.PercentOfStage)
	assertConsistent(t, env, p.ID)
}

func TestConcurrentTriggersStayConsistent(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, engine.StageInput{Stage: "A", Deadline: day(10)}, engine.StageInput{Stage: "B", Deadline: day(30)})

	g, ctx := errgroup.WithContext(env.Ctx)
	for i := 0; i < 24; i++ {
		stage := "A"
		if i%2 == 1 {
			stage = "B"
		}
		due := 1 + i
		g.Go(func() error {
			res, err := env.Engine.CreateTask(ctx, engine.TaskCreated{ProjectID: p.ID, Stage: stage, Title: "t", DueDate: day(due)})
			if err != nil {
				return err
			}
			if due%3 == 0 {
				_, err = env.Engine.UpdateTask(ctx, engine.TaskUpdated{TaskID: res.Task.ID, Status: done()})
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	tasks, err := env.Engine.ListTasks(env.Ctx, p.ID, engine.TaskQuery{})
	require.NoError(t, err)
	assert.Len(t, tasks, 24)
	got := assertConsistent(t, env, p.ID)
	assert.Greater(t, got.Progress, 0.0)
	assert.Equal(t, int64(1+24+8), got.Version)
}

// conflictStore fails the first n project saves with a version conflict.
type conflictStore struct {
	repo.Repo
	n     int32
	saves atomic.Int32
}

func (s *conflictStore) SaveProject(ctx context.Context, p domain.Project) (domain.Project, error) {
	if s.saves.Add(1) <= s.n {
		return p, repo.ErrConflict
	}
	return s.Repo.SaveProject(ctx, p)
}

func TestConflictRetries(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, engine.StageInput{Stage: "A", Deadline: day(7)})

	store := &conflictStore{Repo: env.Repo, n: 2}
	eng := env.Engine
	eng.Store = store
	res, err := eng.CreateTask(env.Ctx, engine.TaskCreated{ProjectID: p.ID, Stage: "A", Title: "x", DueDate: day(3)})
	require.NoError(t, err)
	assert.Equal(t, int32(3), store.saves.Load())
	assert.Equal(t, p.Version+1, res.Project.Version)

	// rolled back attempts leave a single stored task
	tasks, err := env.Engine.ListTasks(env.Ctx, p.ID, engine.TaskQuery{})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	store = &conflictStore{Repo: env.Repo, n: 100}
	eng.Store = store
	_, err = eng.CreateTask(env.Ctx, engine.TaskCreated{ProjectID: p.ID, Stage: "A", Title: "y", DueDate: day(4)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, repo.ErrConflict))
	assert.Equal(t, int32(4), store.saves.Load())
}

func TestProjectLifecycle(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.CreateProject(env.Ctx, engine.CreateProjectOptions{ID: "site", Name: "Site"})
	require.NoError(t, err)
	assert.Empty(t, res.Project.Plan.Timeline)
	assert.Equal(t, domain.ProjectProcessing, res.Project.Status)
	assert.Equal(t, int64(1), res.Project.Version)

	_, err = env.Engine.CreateProject(env.Ctx, engine.CreateProjectOptions{ID: "site", Name: "Again"})
	var ve *engine.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "id", ve.Field)

	_, err = env.Engine.CreateProject(env.Ctx, engine.CreateProjectOptions{Name: "Bad", Stages: []engine.StageInput{{Stage: "A"}}})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "deadline", ve.Field)

	_, err = env.Engine.CreateStage(env.Ctx, engine.StageCreated{ProjectID: "site", Stage: "Late", Deadline: day(20)})
	require.NoError(t, err)
	_, err = env.Engine.CreateStage(env.Ctx, engine.StageCreated{ProjectID: "site", Stage: "Early", Deadline: day(5)})
	require.NoError(t, err)

	ordered, err := env.Engine.Timeline(env.Ctx, "site", false)
	require.NoError(t, err)
	assert.Equal(t, "Late", ordered[0].Stage)
	sorted, err := env.Engine.Timeline(env.Ctx, "site", true)
	require.NoError(t, err)
	assert.Equal(t, "Early", sorted[0].Stage)

	env.task(t, "site", "Late", 10)
	all, err := env.Engine.ListProjects(env.Ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, env.Engine.DeleteProject(env.Ctx, "site"))
	_, err = env.Engine.GetProject(env.Ctx, "site")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	left, err := env.Repo.FindTasks(env.Ctx, repo.TaskFilter{ProjectID: "site"})
	require.NoError(t, err)
	assert.Empty(t, left)

	deleted, err := env.Engine.Events(env.Ctx, "site", events.ProjectDeleted, 5)
	require.NoError(t, err)
	assert.Len(t, deleted, 1)
}

func TestEventsCarryActor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.WithValue(env.Ctx, logging.ActorIDKey, "ana")
	res, err := env.Engine.CreateProject(ctx, engine.CreateProjectOptions{Name: "Docs", Stages: []engine.StageInput{{Stage: "A", Deadline: day(3)}}})
	require.NoError(t, err)

	evts, err := env.Engine.Events(env.Ctx, res.Project.ID, "", 10)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	// newest first
	assert.Equal(t, events.StageCreated, evts[0].Type)
	assert.Equal(t, events.ProjectCreated, evts[1].Type)
	for _, e := range evts {
		assert.Equal(t, "ana", e.ActorID)
	}
}
