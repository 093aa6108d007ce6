package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"stageline/internal/config"
	"stageline/internal/dates"
	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/lock"
	"stageline/internal/logging"
	"stageline/internal/repo"
)

// Store is the document store the engine reads and writes. It gives no
// cross-document guarantees on its own.
type Store interface {
	InsertProject(ctx context.Context, p domain.Project) error
	GetProject(ctx context.Context, id string) (domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
	SaveProject(ctx context.Context, p domain.Project) (domain.Project, error)
	DeleteProject(ctx context.Context, id string) error
	FindTasks(ctx context.Context, f repo.TaskFilter) ([]domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	SaveTask(ctx context.Context, t domain.Task) error
	DeleteTask(ctx context.Context, id string) error
}

// TxStore is implemented by stores that can make the write phase atomic.
type TxStore interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Notifier receives the events of a committed cascade.
type Notifier interface {
	Notify(ctx context.Context, evts []events.Event) error
}

type Engine struct {
	Store    Store
	Clock    dates.Clock
	Locker   lock.Locker
	Notifier Notifier
	Logger   *slog.Logger
	Config   *config.Config
	Now      func() time.Time
}

// New wires an engine over a migrated SQLite database with in-process locking.
func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	clock, err := dates.NewSystemClock(cfg.Engine.Timezone)
	if err != nil {
		clock = dates.SystemClock{Location: time.UTC}
	}
	return Engine{
		Store:    repo.Repo{DB: db},
		Clock:    clock,
		Locker:   lock.NewKeyedMutex(),
		Notifier: events.Writer{DB: db},
		Logger:   logging.Discard(),
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() string {
	if e.Now != nil {
		return e.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (e Engine) logger(ctx context.Context) *slog.Logger {
	return logging.WithContext(ctx, e.Logger)
}

func (e Engine) maxRetries() int {
	if e.Config == nil {
		return 3
	}
	return e.Config.Engine.MaxRetries
}

func (e Engine) taskAnchor() string {
	if e.Config == nil || e.Config.Engine.TaskAnchor == "" {
		return config.TaskAnchorPlan
	}
	return e.Config.Engine.TaskAnchor
}

// Result is the aggregate state after a trigger's cascade.
type Result struct {
	Project domain.Project `json:"project"`
	Stage   *domain.Stage  `json:"stage,omitempty"`
	Task    *domain.Task   `json:"task,omitempty"`
	// Tasks holds every task the cascade rewrote, the subject included.
	Tasks []domain.Task `json:"tasks,omitempty"`
}

// Apply runs one trigger: it serializes on the owning project, recomputes
// every stale weight, percent and aggregate, then writes them back. The caller
// gets the result only after the whole cascade is stored.
func (e Engine) Apply(ctx context.Context, t Trigger) (Result, error) {
	if err := validateStruct(t); err != nil {
		return Result{}, err
	}
	projectID, err := t.project(ctx, e.Store)
	if err != nil {
		return Result{}, err
	}
	log := e.logger(ctx).With(slog.String("trigger", t.name()), slog.String("project_id", projectID))
	attempts := e.maxRetries() + 1
	for attempt := 1; ; attempt++ {
		res, evts, err := e.applyLocked(ctx, projectID, t)
		if errors.Is(err, repo.ErrConflict) && attempt < attempts {
			log.Warn("project changed concurrently; retrying", slog.Int("attempt", attempt))
			continue
		}
		if errors.Is(err, repo.ErrConflict) {
			return Result{}, fmt.Errorf("project %s changed concurrently: %w", projectID, err)
		}
		if err != nil {
			log.Debug("trigger rejected", slog.String("error", err.Error()))
			return Result{}, err
		}
		log.Debug("trigger applied",
			slog.Float64("progress", res.Project.Progress),
			slog.String("status", string(res.Project.Status)),
			slog.Int("tasks_written", len(res.Tasks)))
		e.notify(ctx, evts)
		return res, nil
	}
}

func (e Engine) applyLocked(ctx context.Context, projectID string, t Trigger) (Result, []events.Event, error) {
	release, err := e.Locker.Lock(ctx, projectID)
	if err != nil {
		return Result{}, nil, fmt.Errorf("lock project %s: %w", projectID, err)
	}
	defer release()

	p, err := e.Store.GetProject(ctx, projectID)
	if err != nil {
		return Result{}, nil, lookupErr("project", projectID, err)
	}
	ws := newWorkset(e, p)
	if err := t.mutate(ctx, ws); err != nil {
		return Result{}, nil, err
	}
	if err := ws.cascade(ctx); err != nil {
		return Result{}, nil, err
	}
	if err := ws.commit(ctx); err != nil {
		return Result{}, nil, err
	}
	return ws.result(), ws.events(), nil
}

func (e Engine) notify(ctx context.Context, evts []events.Event) {
	if e.Notifier == nil || len(evts) == 0 {
		return
	}
	actor := actorFromContext(ctx)
	for i := range evts {
		if evts[i].ActorID == "" {
			evts[i].ActorID = actor
		}
	}
	if err := e.Notifier.Notify(ctx, evts); err != nil {
		e.logger(ctx).Warn("record events", slog.String("error", err.Error()), slog.Int("count", len(evts)))
	}
}

func actorFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(logging.ActorIDKey).(string); ok && id != "" {
		return id
	}
	return "system"
}
