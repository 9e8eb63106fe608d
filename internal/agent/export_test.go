package agent

import (
	"context"

	"github.com/hyperengineering/possync/internal/connectivity"
)

// HandleTransition feeds a transition to the agent and waits for any drain
// it started.
func (a *Agent) HandleTransition(ctx context.Context, t connectivity.Transition) {
	a.onTransition(ctx, t)
	a.drainWG.Wait()
}

func (a *Agent) CloseBridge() error { return a.bridge.Close() }
