package expiration

import (
	"context"
	"log/slog"
	"time"
)

// LeaseKey is the lock key shared by every sweeper instance.
const LeaseKey = "signflow:expiration-sweep"

// Sweeper runs CheckExpirations under a lease.
type Sweeper struct {
	mgr    *Manager
	locker Locker
	ttl    time.Duration
	log    *slog.Logger
}

func NewSweeper(mgr *Manager, locker Locker, ttl time.Duration, log *slog.Logger) *Sweeper {
	if locker == nil {
		locker = NoopLocker{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{mgr: mgr, locker: locker, ttl: ttl, log: log}
}

// RunOnce performs a single sweep. ran is false when another instance held
// the lease.
func (s *Sweeper) RunOnce(ctx context.Context) (res CheckResult, ran bool, err error) {
	release, ok, err := s.locker.Acquire(ctx, LeaseKey, s.ttl)
	if err != nil {
		return CheckResult{}, false, err
	}
	if !ok {
		s.log.InfoContext(ctx, "expiration sweep skipped, lease held elsewhere")
		return CheckResult{}, false, nil
	}
	defer func() {
		if relErr := release(context.WithoutCancel(ctx)); relErr != nil {
			s.log.WarnContext(ctx, "release sweep lease failed", slog.Any("error", relErr))
		}
	}()

	res, err = s.mgr.CheckExpirations(ctx)
	return res, true, err
}

// Run sweeps immediately and then every interval until ctx is done. Sweep
// failures are logged and the loop continues.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration, onResult func(CheckResult)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, ran, err := s.RunOnce(ctx)
		switch {
		case err != nil:
			s.log.ErrorContext(ctx, "expiration sweep failed", slog.Any("error", err))
		case ran && onResult != nil:
			onResult(res)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
