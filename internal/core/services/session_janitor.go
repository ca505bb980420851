package services

import (
	"context"
	"errors"
	"time"

	"wanderlink/internal/core/domain"
	"wanderlink/internal/core/ports"
	"wanderlink/pkg/archive"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Locker guards a sweep so only one janitor runs at a time.
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

type JanitorConfig struct {
	Interval        time.Duration
	RingingMaxAge   time.Duration
	TerminalMaxAge  time.Duration
	ConnectedMaxAge time.Duration
}

func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		Interval:        30 * time.Second,
		RingingMaxAge:   2 * time.Minute,
		TerminalMaxAge:  time.Minute,
		ConnectedMaxAge: 12 * time.Hour,
	}
}

// SessionJanitor deletes call records abandoned by crashed or disconnected
// agents: ringing calls nobody answered, declined or ended leftovers, and
// connected calls far older than any real call.
type SessionJanitor struct {
	store   ports.SignalingStore
	locker  Locker
	cfg     JanitorConfig
	archive *archive.Archive
	now     func() time.Time
	logger  *zap.SugaredLogger
}

func NewSessionJanitor(store ports.SignalingStore, locker Locker, cfg JanitorConfig, logger *zap.SugaredLogger) *SessionJanitor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SessionJanitor{
		store:  store,
		locker: locker,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
}

// SetArchive makes every sweep record the calls it removed. Archive failures
// are logged and never keep a stale record alive.
func (j *SessionJanitor) SetArchive(a *archive.Archive) {
	j.archive = a
}

// Sweep runs one pass and returns the number of deleted records. It does
// nothing when another janitor holds the lock.
func (j *SessionJanitor) Sweep(ctx context.Context) (int, error) {
	if j.locker != nil {
		acquired, err := j.locker.TryLock(ctx)
		if err != nil {
			return 0, err
		}
		if !acquired {
			j.logger.Debugw("sweep skipped, lock held elsewhere")
			return 0, nil
		}
		defer func() {
			if err := j.locker.Unlock(context.Background()); err != nil {
				j.logger.Warnw("failed to release janitor lock", "error", err)
			}
		}()
	}

	now := j.now()
	filters := []domain.SessionFilter{
		{
			Statuses:      []domain.CallStatus{domain.CallStatusRinging},
			CreatedBefore: now.Add(-j.cfg.RingingMaxAge),
		},
		{
			Statuses:      []domain.CallStatus{domain.CallStatusDeclined, domain.CallStatusEnded},
			CreatedBefore: now.Add(-j.cfg.TerminalMaxAge),
		},
	}
	if j.cfg.ConnectedMaxAge > 0 {
		filters = append(filters, domain.SessionFilter{
			Statuses:      []domain.CallStatus{domain.CallStatusConnected},
			CreatedBefore: now.Add(-j.cfg.ConnectedMaxAge),
		})
	}

	var (
		deleted int
		removed []archive.Entry
		errs    error
	)
	for _, filter := range filters {
		sessions, err := j.store.FindSessions(ctx, filter)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		for _, session := range sessions {
			if err := j.store.DeleteSession(ctx, session.ID); err != nil && !errors.Is(err, domain.ErrCallNotFound) {
				errs = multierr.Append(errs, err)
				continue
			}
			deleted++
			removed = append(removed, archiveEntry(session))
			j.logger.Infow("stale call removed",
				"call_id", session.ID,
				"status", session.Status,
				"age", now.Sub(session.CreatedAt).Round(time.Second),
			)
		}
	}
	j.archiveRemoved(ctx, removed)
	return deleted, errs
}

func (j *SessionJanitor) archiveRemoved(ctx context.Context, entries []archive.Entry) {
	if j.archive == nil {
		return
	}
	if name, err := j.archive.Write(ctx, entries); err != nil {
		j.logger.Warnw("failed to archive removed calls", "error", err, "count", len(entries))
	} else if name != "" {
		j.logger.Debugw("removed calls archived", "batch", name, "count", len(entries))
	}
	if n, err := j.archive.Prune(ctx); err != nil {
		j.logger.Warnw("failed to prune call archive", "error", err)
	} else if n > 0 {
		j.logger.Infow("call archive pruned", "batches", n)
	}
}

func archiveEntry(s *domain.CallSession) archive.Entry {
	return archive.Entry{
		CallID:    string(s.ID),
		CallerID:  string(s.CallerID),
		CalleeID:  string(s.CalleeID),
		Type:      string(s.Type),
		Status:    string(s.Status),
		HadOffer:  s.Offer != nil,
		HadAnswer: s.Answer != nil,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

// Run sweeps every Interval until ctx is done.
func (j *SessionJanitor) Run(ctx context.Context) {
	interval := j.cfg.Interval
	if interval <= 0 {
		interval = DefaultJanitorConfig().Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n, err := j.Sweep(ctx); err != nil {
			j.logger.Warnw("sweep failed", "error", err, "deleted", n)
		} else if n > 0 {
			j.logger.Infow("sweep finished", "deleted", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
