// Package derive computes current values from the touch ledger. Every
// function here is a pure read; writes stay in lifecycle and boost.
package derive

import (
	"context"
	"errors"
	"fmt"

	"applianced/internal/ledger"
)

// StateUninitialised is reported for artifacts that have never had a state
// touch recorded.
const StateUninitialised = "Not yet initialised"

// Engine answers questions about the present by folding over the past.
type Engine struct {
	Store    ledger.Store
	Baseline ledger.Spec
}

// CurrentState returns the artifact's state name, or StateUninitialised
// when no state touch was ever recorded.
func (e *Engine) CurrentState(ctx context.Context, artifactID int64) (string, error) {
	state, _, err := e.Store.LatestState(ctx, artifactID)
	if errors.Is(err, ledger.ErrNotFound) {
		return StateUninitialised, nil
	}
	if err != nil {
		return "", err
	}
	return state, nil
}

// CurrentSpec returns the latest specification, falling back to the
// configured baseline for artifacts that never had one set.
func (e *Engine) CurrentSpec(ctx context.Context, artifactID int64) (ledger.Spec, error) {
	spec, err := e.Store.LatestSpec(ctx, artifactID)
	if errors.Is(err, ledger.ErrNotFound) {
		return e.Baseline, nil
	}
	return spec, err
}

// PreviousSpec returns the specification n steps before the current one
// (n=1 is the one immediately preceding the latest). Walking past the
// recorded history lands on the baseline, the implicit first spec of
// every artifact.
func (e *Engine) PreviousSpec(ctx context.Context, artifactID int64, n int) (ledger.Spec, error) {
	if n < 1 {
		return ledger.Spec{}, fmt.Errorf("previous spec index must be positive, got %d", n)
	}
	history, err := e.Store.SpecHistory(ctx, artifactID)
	if err != nil {
		return ledger.Spec{}, err
	}
	if n >= len(history) {
		return e.Baseline, nil
	}
	return history[n].Spec, nil
}

// Balance is the signed sum of all credit touches for the actor.
func (e *Engine) Balance(ctx context.Context, actorID int64) (int64, error) {
	return e.Store.CreditBalance(ctx, actorID)
}

// IsOwner reports whether the user was ever granted ownership. Grants are
// cumulative; there is no revocation payload.
func (e *Engine) IsOwner(ctx context.Context, artifactID, userID int64) (bool, error) {
	return e.Store.IsOwner(ctx, artifactID, userID)
}

// ArtifactsOwnedBy lists owned artifacts, masked: an artifact whose name
// was reused by a newer artifact is dropped in favour of the newer id.
func (e *Engine) ArtifactsOwnedBy(ctx context.Context, userID int64) ([]int64, error) {
	ids, err := e.Store.OwnedArtifacts(ctx, userID)
	if err != nil {
		return nil, err
	}

	var visible []int64
	for _, id := range ids {
		a, err := e.Store.GetArtifact(ctx, id)
		if err != nil {
			return nil, err
		}
		liveID, err := e.Store.ArtifactIDByName(ctx, a.Name)
		if err != nil {
			return nil, err
		}
		if liveID == id {
			visible = append(visible, id)
		}
	}
	return visible, nil
}

// ResolveArtifact maps a name to the live (highest) artifact id.
func (e *Engine) ResolveArtifact(ctx context.Context, name string) (int64, error) {
	return e.Store.ArtifactIDByName(ctx, name)
}

// ResolveActor maps a username to the live (highest) actor id.
func (e *Engine) ResolveActor(ctx context.Context, username string) (int64, error) {
	return e.Store.ActorIDByUsername(ctx, username)
}

// Boosted reports whether the current specification exceeds the baseline
// in either dimension.
func (e *Engine) Boosted(ctx context.Context, artifactID int64) (bool, error) {
	spec, err := e.CurrentSpec(ctx, artifactID)
	if err != nil {
		return false, err
	}
	return spec.RAM > e.Baseline.RAM || spec.Cores > e.Baseline.Cores, nil
}

// ServersByState bins every visible (masked) artifact by its current
// state. Artifacts with no state touch yet are omitted.
func (e *Engine) ServersByState(ctx context.Context) (map[string][]ledger.Artifact, error) {
	names, err := e.Store.ListArtifactNames(ctx)
	if err != nil {
		return nil, err
	}

	binned := map[string][]ledger.Artifact{}
	for _, name := range names {
		id, err := e.Store.ArtifactIDByName(ctx, name)
		if err != nil {
			return nil, err
		}
		state, _, err := e.Store.LatestState(ctx, id)
		if errors.Is(err, ledger.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		a, err := e.Store.GetArtifact(ctx, id)
		if err != nil {
			return nil, err
		}
		binned[state] = append(binned[state], a)
	}
	return binned, nil
}
