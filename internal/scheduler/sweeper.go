package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// ExpiryReleaser is the slice of a key manager the cooldown sweeper needs.
type ExpiryReleaser interface {
	Namespace() string
	ReleaseExpired() int
	NextResetTime() (time.Time, bool)
}

// ReleaseExpiredJobID returns the job ID used for a namespace's sweeper.
func ReleaseExpiredJobID(namespace string) string {
	return "release-expired:" + namespace
}

// ReleaseExpiredJob returns a Job that returns rate-limited keys whose
// cooldown has elapsed to the valid pool. Rotation also does this lazily;
// the sweeper keeps status views and subscribers current between queries.
func ReleaseExpiredJob(cronExpr string, r ExpiryReleaser, logger *slog.Logger) Job {
	if logger == nil {
		logger = slog.Default()
	}
	ns := r.Namespace()
	return Job{
		ID:       ReleaseExpiredJobID(ns),
		Name:     "release expired cooldowns for " + ns,
		CronExpr: cronExpr,
		Run: func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			n := r.ReleaseExpired()
			if n == 0 {
				return nil
			}
			attrs := []any{"provider", ns, "released", n}
			if next, ok := r.NextResetTime(); ok {
				attrs = append(attrs, "next_reset", next)
			}
			logger.Info("cooldowns released", attrs...)
			return nil
		},
	}
}
