// Package app assembles a ready engine from a workspace and its config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"stageline/internal/config"
	"stageline/internal/dates"
	"stageline/internal/db"
	"stageline/internal/engine"
	"stageline/internal/events"
	"stageline/internal/lock"
	"stageline/internal/logging"
	"stageline/internal/migrate"
	"stageline/internal/repo"
)

// Runtime is an opened workspace. Close releases the database and any
// remote lock backend.
type Runtime struct {
	Engine engine.Engine
	DB     *sql.DB
	Config *config.Config
	closer []func() error
}

func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closer) - 1; i >= 0; i-- {
		if err := r.closer[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open creates the workspace directory if needed, migrates the database and
// wires the engine according to cfg.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, fmt.Errorf("prepare workspace: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	rt := &Runtime{DB: conn, Config: cfg, closer: []func() error{conn.Close}}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		rt.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	locker, err := newLocker(cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if rl, ok := locker.(*lock.RedisLocker); ok {
		rt.closer = append(rt.closer, rl.Close)
	}
	clock, err := dates.NewSystemClock(cfg.Engine.Timezone)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.Engine = engine.Engine{
		Store:    repo.Repo{DB: conn, Now: time.Now},
		Clock:    clock,
		Locker:   locker,
		Notifier: events.Writer{DB: conn, Now: time.Now},
		Logger:   logger,
		Config:   cfg,
		Now:      time.Now,
	}
	logger.Debug("workspace opened",
		slog.String("db", db.Path(workspace)),
		slog.String("lock", cfg.Lock.Backend),
		slog.String("task_anchor", cfg.Engine.TaskAnchor))
	return rt, nil
}

func newLocker(cfg *config.Config) (lock.Locker, error) {
	switch cfg.Lock.Backend {
	case config.LockRedis:
		l, err := lock.NewRedisLocker(cfg.Lock.RedisURL, cfg.Lock.TTL, cfg.Lock.Retry)
		if err != nil {
			return nil, fmt.Errorf("redis lock: %w", err)
		}
		return l, nil
	default:
		return lock.NewKeyedMutex(), nil
	}
}
