// Package enforce runs the recurring policy enforcement cycle: scan enabled
// users, disable those past their expiry or over their data cap, and cascade
// revocation of their credentials. A cycle also sweeps for active configs
// left behind by earlier revocation failures, so a failed revocation is
// retried until it sticks.
package enforce

import (
	"context"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/atlasvpn/atlas/internal/logging"
	"github.com/atlasvpn/atlas/internal/pki"
	"github.com/atlasvpn/atlas/internal/server/models"
	"github.com/atlasvpn/atlas/internal/server/repositories/configs"
	"github.com/atlasvpn/atlas/internal/server/repositories/users"
)

// automaticReasonPrefix marks revocations performed by the loop rather than
// an operator.
const automaticReasonPrefix = "Automatic: "

// CycleReport summarizes one enforcement cycle.
type CycleReport struct {
	Scanned            int
	Disabled           int
	Revoked            int
	RevocationFailures int
	Skipped            bool
}

// Enforcer owns the enforcement cycle. Cycles are mutually exclusive: a
// tick that arrives while a cycle is still running is skipped, not queued.
type Enforcer struct {
	users    users.Repository
	configs  configs.Repository
	issuer   pki.Issuer
	interval time.Duration
	metrics  *Metrics
	logger   logging.Logger

	mu  sync.Mutex
	now func() time.Time
}

func New(usersRepo users.Repository, configsRepo configs.Repository, issuer pki.Issuer,
	interval time.Duration, metrics *Metrics, logger logging.Logger) *Enforcer {
	return &Enforcer{
		users:    usersRepo,
		configs:  configsRepo,
		issuer:   issuer,
		interval: interval,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Run executes cycles on the configured interval until ctx is cancelled.
// The first cycle runs immediately. Cancellation is graceful: a cycle in
// flight finishes before Run returns, it is never cut off halfway through a
// user's transition.
func (e *Enforcer) Run(ctx context.Context) {
	e.logger.Info(ctx, "enforcement loop started", "interval", e.interval)

	cycleCtx := context.WithoutCancel(ctx)
	e.RunCycle(cycleCtx)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info(cycleCtx, "enforcement loop stopped")
			return
		case <-ticker.C:
			e.RunCycle(cycleCtx)
		}
	}
}

// RunCycle runs one enforcement cycle. When another cycle holds the lock
// the call returns immediately with Skipped set.
func (e *Enforcer) RunCycle(ctx context.Context) CycleReport {
	if !e.mu.TryLock() {
		e.logger.Warn(ctx, "enforcement cycle still running, skipping")
		e.metrics.CyclesSkipped.Inc()
		return CycleReport{Skipped: true}
	}
	defer e.mu.Unlock()

	started := e.now()
	report := CycleReport{}

	e.enforcePolicies(ctx, &report)
	e.sweepOrphans(ctx, &report)

	elapsed := e.now().Sub(started)
	e.metrics.Cycles.Inc()
	e.metrics.CycleDuration.Observe(elapsed.Seconds())

	e.logger.Info(ctx, "enforcement cycle finished",
		"scanned", report.Scanned, "disabled", report.Disabled,
		"revoked", report.Revoked, "failures", report.RevocationFailures,
		"duration", elapsed)

	return report
}

// enforcePolicies scans enabled users and applies the first matching
// transition: expiry wins over the data cap when both are violated.
func (e *Enforcer) enforcePolicies(ctx context.Context, report *CycleReport) {
	enabled, err := e.users.ListEnabled(ctx)
	if err != nil {
		e.logger.Error(ctx, "listing enabled users failed", "error", err)
		return
	}
	report.Scanned = len(enabled)

	now := e.now()
	for _, user := range enabled {
		reason, expired, overCap := violation(user, now)
		if reason == "" {
			continue
		}

		applied, err := e.users.Disable(ctx, user.ID, expired, overCap, reason, now)
		if err != nil {
			e.logger.Error(ctx, "disabling user failed",
				"user", user.Username, "reason", reason, "error", err)
			continue
		}
		if !applied {
			// Someone else disabled the user first.
			continue
		}

		report.Disabled++
		e.metrics.UsersDisabled.WithLabelValues(reason).Inc()
		e.logger.Info(ctx, "user disabled", "user", user.Username, "reason", reason)

		e.revokeActive(ctx, user.ID, automaticReasonPrefix+reason, report)
	}
}

// violation returns the disable reason for the first violated policy, or ""
// when the user is in good standing.
func violation(user *models.User, now time.Time) (reason string, expired, overCap bool) {
	if user.ExpiresAt != nil && !user.ExpiresAt.After(now) {
		return models.ReasonExpired, true, false
	}
	if user.DataLimitBytes != nil && *user.DataLimitBytes > 0 && user.TotalBytes() >= *user.DataLimitBytes {
		return models.ReasonLimitExceeded, false, true
	}
	return "", false, false
}

// sweepOrphans retries revocation of active configs still attached to
// disabled users, the leftovers of earlier partial failures.
func (e *Enforcer) sweepOrphans(ctx context.Context, report *CycleReport) {
	disabled, err := e.users.ListDisabled(ctx)
	if err != nil {
		e.logger.Error(ctx, "listing disabled users failed", "error", err)
		return
	}

	for _, user := range disabled {
		reason := user.DisabledReason
		if reason == "" {
			reason = "Disabled"
		}
		e.revokeActive(ctx, user.ID, automaticReasonPrefix+reason, report)
	}
}

// revokeActive revokes every active config of the user, continuing past
// individual failures so one stuck credential cannot shield the others.
func (e *Enforcer) revokeActive(ctx context.Context, userID, reason string, report *CycleReport) {
	active, err := e.configs.ListActiveByUser(ctx, userID)
	if err != nil {
		e.logger.Error(ctx, "listing active configs failed", "user", userID, "error", err)
		report.RevocationFailures++
		return
	}

	for _, cfg := range active {
		if err := e.revokeOne(ctx, cfg, reason); err != nil {
			report.RevocationFailures++
			e.metrics.RevocationFailures.Inc()
			e.logger.Error(ctx, "revocation failed, will retry next cycle",
				"user", userID, "protocol", cfg.Protocol,
				"handle", cfg.CredentialHandle(), "error", err)
			continue
		}
		report.Revoked++
		e.metrics.ConfigsRevoked.Inc()
	}
}

// revokeOne invalidates a single config: authority first, store second, with
// a short retry so transient tooling hiccups do not cost a whole interval.
func (e *Enforcer) revokeOne(ctx context.Context, cfg *models.TunnelConfig, reason string) error {
	backoff := retry.WithMaxRetries(2, retry.NewConstant(time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := e.issuer.Revoke(ctx, cfg.Protocol, cfg.CredentialHandle()); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// A false result means the config lost a race with another revoker;
	// the credential is gone either way.
	_, err = e.configs.Revoke(ctx, cfg.ID, reason, e.now())
	return err
}
