// Package lifecycle appends state and specification touches. The state
// registry is data, not code: any registered state may follow any other,
// and call sites decide which transitions make sense to request.
package lifecycle

import (
	"context"
	"fmt"

	"applianced/internal/ledger"
)

// Core states registered at boot. Extra states from configuration are
// appended after these.
var CoreStates = []string{
	"Started",
	"Stopped",
	"Restarting",
	"Starting",
	"Starting_Boosted",
	"Stopping",
	"Preparing",
	"Prepared",
	"Pre_Deboosting",
	"Pre_Deboosted",
	"Deboosted",
	"Boosting",
	"Deboosting",
	"Error",
}

// Well-known state names the engines key off.
const (
	StatePreparing     = "Preparing"
	StatePreDeboosting = "Pre_Deboosting"
)

// Controller owns the writes that move appliances through their lifecycle.
type Controller struct {
	Store ledger.Store
}

// Register installs the core states plus any extras, idempotently.
// Registration order fixes state ids, so core states always come first.
func (c *Controller) Register(ctx context.Context, extra []string) error {
	states := append(append([]string(nil), CoreStates...), extra...)
	return c.Store.EnsureStates(ctx, states)
}

// SetState appends a state touch for the artifact, attributed to the actor
// when one is given. Unregistered state names are rejected with
// ErrInvalidState.
func (c *Controller) SetState(ctx context.Context, actorID *int64, artifactID int64, state string) (int64, error) {
	stateID, err := c.Store.StateID(ctx, state)
	if err != nil {
		return 0, fmt.Errorf("set state %q: %w", state, err)
	}
	return c.Store.AppendTouch(ctx, actorID, &artifactID, &stateID)
}

// SetSpec appends a specification touch. No bounds checks here: tier
// validation against the boost catalog happens at the API boundary.
func (c *Controller) SetSpec(ctx context.Context, actorID *int64, artifactID int64, spec ledger.Spec) (int64, error) {
	touchID, err := c.Store.AppendTouch(ctx, actorID, &artifactID, nil)
	if err != nil {
		return 0, err
	}
	if err := c.Store.AddSpecification(ctx, touchID, spec); err != nil {
		return 0, err
	}
	return touchID, nil
}
