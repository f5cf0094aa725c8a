// Package janitor runs periodic housekeeping over stored sessions: expired
// invite codes are cleared and long-idle sessions are marked abandoned.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/commonground/mediation/internal/domain"
	"github.com/commonground/mediation/internal/metrics"
	"github.com/commonground/mediation/internal/realtime"
	"github.com/robfig/cron/v3"
)

// Task names, also used as metric labels.
const (
	TaskExpiredInvites = "expired_invites"
	TaskIdleSessions   = "idle_sessions"
)

// Repository is the subset of the store the janitor sweeps.
type Repository interface {
	ClearExpiredInvites(ctx context.Context, now time.Time) (int64, error)
	AbandonIdleSessions(ctx context.Context, idleSince, now time.Time) ([]string, error)
}

// Config controls the schedule and idle threshold.
type Config struct {
	Schedule     string        // cron expression, e.g. "@every 5m"
	AbandonAfter time.Duration // sessions untouched this long are abandoned
	Timeout      time.Duration // per-sweep deadline
	// Broadcaster, when set, is told about abandoned sessions so their
	// realtime subscribers are disconnected.
	Broadcaster realtime.Broadcaster
}

// Janitor owns a cron scheduler running Sweep.
type Janitor struct {
	repo    Repository
	cfg     Config
	cron    *cron.Cron
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New validates the schedule and registers the sweep job.
func New(repo Repository, cfg Config, m *metrics.Metrics, logger *slog.Logger) (*Janitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AbandonAfter <= 0 {
		return nil, fmt.Errorf("janitor: abandon-after must be positive")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}

	j := &Janitor{
		repo:    repo,
		cfg:     cfg,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
	if _, err := j.cron.AddFunc(cfg.Schedule, j.run); err != nil {
		return nil, fmt.Errorf("janitor: invalid schedule %q: %w", cfg.Schedule, err)
	}
	return j, nil
}

// Start begins scheduling. It returns immediately.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info("Janitor started", "schedule", j.cfg.Schedule, "abandon_after", j.cfg.AbandonAfter)
}

// Stop halts scheduling and waits for a running sweep to finish or ctx to
// expire.
func (j *Janitor) Stop(ctx context.Context) {
	done := j.cron.Stop()
	select {
	case <-done.Done():
		j.logger.Info("Janitor stopped")
	case <-ctx.Done():
		j.logger.Warn("Janitor stop timed out", "error", ctx.Err())
	}
}

func (j *Janitor) run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.Timeout)
	defer cancel()
	j.Sweep(ctx)
}

// Sweep runs every task once. Task failures are logged and do not stop the
// remaining tasks.
func (j *Janitor) Sweep(ctx context.Context) {
	now := j.now()

	cleared, err := j.repo.ClearExpiredInvites(ctx, now)
	if err != nil {
		j.logger.Error("Janitor failed to clear expired invites", "error", err)
	} else {
		j.metrics.JanitorRows(TaskExpiredInvites, cleared)
		if cleared > 0 {
			j.logger.Info("Janitor cleared expired invites", "count", cleared)
		}
	}

	abandoned, err := j.repo.AbandonIdleSessions(ctx, now.Add(-j.cfg.AbandonAfter), now)
	if err != nil {
		j.logger.Error("Janitor failed to abandon idle sessions", "error", err)
		return
	}
	j.metrics.JanitorRows(TaskIdleSessions, int64(len(abandoned)))
	if len(abandoned) == 0 {
		return
	}
	j.logger.Info("Janitor abandoned idle sessions", "count", len(abandoned), "idle_for", j.cfg.AbandonAfter)

	if j.cfg.Broadcaster == nil {
		return
	}
	for _, id := range abandoned {
		err := j.cfg.Broadcaster.Publish(ctx, realtime.Event{
			Type:      realtime.EventSessionClosed,
			SessionID: id,
			Data:      realtime.StatusChange{To: string(domain.StatusAbandoned)},
			At:        now,
		})
		if err != nil {
			j.logger.Warn("Janitor failed to announce abandoned session", "session_id", id, "error", err)
		}
	}
}
