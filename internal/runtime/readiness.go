package runtime

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/loopwire/loopwire/pkg/models"
	"github.com/rs/zerolog/log"
)

// Provisioner is the external subsystem that owns execution workers. The
// gate only polls it; worker state is never mutated from this side.
type Provisioner interface {
	// EnsureReady requests or refreshes the worker for (user, org) and
	// returns its current state.
	EnsureReady(ctx context.Context, userID, orgID string, hints models.ProvisionHints) (models.ReadinessState, error)
}

// Gate blocks message dispatch until a session-scoped execution worker is
// provisioned and ready, polling on a fixed interval with a wall-clock
// budget. It accepts up to maxWait of added latency in exchange for not
// needing a push-based readiness channel from the provisioner.
type Gate struct {
	prov Provisioner
}

// NewGate creates a readiness gate over the given provisioner.
func NewGate(prov Provisioner) *Gate {
	return &Gate{prov: prov}
}

// EnsureReady performs a single non-blocking readiness check. A
// provisioner error is folded into the returned state (the gate never
// fails): Ready stays false and Detail carries the error.
func (g *Gate) EnsureReady(ctx context.Context, userID, orgID string, hints models.ProvisionHints) models.ReadinessState {
	state, err := g.prov.EnsureReady(ctx, userID, orgID, hints)
	if err != nil {
		log.Warn().Err(err).Str("user", userID).Str("org", orgID).Msg("worker readiness check failed")
		return models.ReadinessState{
			Ready:  false,
			Status: models.WorkerProvisioning,
			Detail: err.Error(),
		}
	}
	return state
}

// WaitUntilReady polls EnsureReady on pollInterval until the worker is
// ready, a terminal status (failed, terminated) is observed, or maxWait
// is exhausted, whichever comes first. The last observed state is
// returned in every case; callers inspect Ready and Status. A maxWait of
// zero or less degenerates to exactly one check with no polling delay.
func (g *Gate) WaitUntilReady(ctx context.Context, userID, orgID string, hints models.ProvisionHints, maxWait, pollInterval time.Duration) models.ReadinessState {
	if maxWait <= 0 {
		return g.EnsureReady(ctx, userID, orgID, hints)
	}

	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	ticker := backoff.NewTicker(backoff.WithContext(backoff.NewConstantBackOff(pollInterval), waitCtx))
	defer ticker.Stop()

	state := models.ReadinessState{Status: models.WorkerProvisioning}
	for range ticker.C {
		state = g.EnsureReady(waitCtx, userID, orgID, hints)
		if state.Ready || state.Status.Terminal() {
			return state
		}
	}

	// Budget exhausted; surface what we last saw.
	log.Debug().
		Str("user", userID).
		Str("status", string(state.Status)).
		Dur("max_wait", maxWait).
		Msg("worker not ready within budget")
	return state
}
