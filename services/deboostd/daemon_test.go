package deboostd

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"applianced/internal/boost"
	"applianced/internal/derive"
	"applianced/internal/ledger"
	"applianced/internal/lifecycle"
)

func testCatalog() boost.Catalog {
	return boost.Catalog{
		Baseline: boost.Level{Label: "Standard", RAM: 16, Cores: 1, Cost: 0},
		Levels: []boost.Level{
			{Label: "Boost-40", RAM: 40, Cores: 2, Cost: 1},
		},
		Capacity: [][]int{{4}},
	}
}

type daemonFixture struct {
	store  *ledger.Memory
	daemon *Daemon
	now    time.Time
}

func newDaemonFixture(t *testing.T) *daemonFixture {
	t.Helper()

	f := &daemonFixture{
		store: ledger.NewMemory(),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.store.SetClock(func() time.Time { return f.now })

	catalog := testCatalog()
	controller := &lifecycle.Controller{Store: f.store}
	require.NoError(t, controller.Register(context.Background(), nil))

	deriver := &derive.Engine{Store: f.store, Baseline: catalog.Baseline.Spec()}
	f.daemon = &Daemon{
		Store: f.store,
		Boost: &boost.Engine{
			Store:   f.store,
			Derive:  deriver,
			Catalog: catalog,
			Now:     func() time.Time { return f.now },
		},
		Lifecycle: controller,
		Log:       zerolog.Nop(),
	}
	return f
}

// boostedMachine creates an owned machine on the boosted tier with a
// deboost scheduled the given hours from now.
func (f *daemonFixture) boostedMachine(t *testing.T, name string, deboostHours float64) int64 {
	t.Helper()
	ctx := context.Background()

	ownerID, err := f.store.CreateActor(ctx, ledger.Actor{Handle: name + "-owner", Username: name + "-owner"})
	require.NoError(t, err)
	artifactID, err := f.store.CreateArtifact(ctx, ledger.Artifact{UUID: name + "-uuid", Name: name})
	require.NoError(t, err)

	touchID, err := f.store.AppendTouch(ctx, &ownerID, &artifactID, nil)
	require.NoError(t, err)
	require.NoError(t, f.store.AddOwnership(ctx, touchID, ownerID))

	touchID, err = f.store.AppendTouch(ctx, nil, &artifactID, nil)
	require.NoError(t, err)
	require.NoError(t, f.store.AddSpecification(ctx, touchID, ledger.Spec{Cores: 2, RAM: 40}))

	_, err = f.daemon.Boost.ScheduleDeboost(ctx, nil, artifactID, deboostHours)
	require.NoError(t, err)
	return artifactID
}

func TestRunOnceExecutesDueDeboosts(t *testing.T) {
	f := newDaemonFixture(t)
	ctx := context.Background()

	dueID := f.boostedMachine(t, "due", -0.5)
	futureID := f.boostedMachine(t, "future", 2)

	f.daemon.RunOnce(ctx)

	// The due machine is back on baseline and handed to the agents.
	spec, err := f.store.LatestSpec(ctx, dueID)
	require.NoError(t, err)
	require.Equal(t, ledger.Spec{Cores: 1, RAM: 16}, spec)
	state, _, err := f.store.LatestState(ctx, dueID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.StatePreDeboosting, state)

	// The future machine is untouched.
	spec, err = f.store.LatestSpec(ctx, futureID)
	require.NoError(t, err)
	require.Equal(t, ledger.Spec{Cores: 2, RAM: 40}, spec)
	_, _, err = f.store.LatestState(ctx, futureID)
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestRunOnceIsIdempotent(t *testing.T) {
	f := newDaemonFixture(t)
	ctx := context.Background()

	dueID := f.boostedMachine(t, "due", -0.5)

	f.daemon.RunOnce(ctx)
	// Once deboosted the machine classifies Unboosted, so the stale
	// schedule no longer produces a job.
	f.daemon.RunOnce(ctx)

	details, err := f.store.Touches(ctx, dueID)
	require.NoError(t, err)

	var stateTouches int
	for _, d := range details {
		if d.StateName != nil {
			stateTouches++
		}
	}
	require.Equal(t, 1, stateTouches)
}

func TestRunWakesOnBoostEvents(t *testing.T) {
	f := newDaemonFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A wake must trigger a poll long before the ticker would.
	f.daemon.Interval = time.Hour
	f.daemon.wake = make(chan struct{}, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.daemon.Run(ctx)
	}()

	dueID := f.boostedMachine(t, "due", -0.5)
	f.daemon.wake <- struct{}{}

	require.Eventually(t, func() bool {
		spec, err := f.store.LatestSpec(context.Background(), dueID)
		return err == nil && spec == (ledger.Spec{Cores: 1, RAM: 16})
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestRunOnceSkipsDeboostsOutsideWindow(t *testing.T) {
	f := newDaemonFixture(t)
	ctx := context.Background()

	staleID := f.boostedMachine(t, "stale", -48)

	f.daemon.Past = 12 * time.Hour
	f.daemon.RunOnce(ctx)

	// Too far past the window: left alone for an operator to handle.
	spec, err := f.store.LatestSpec(ctx, staleID)
	require.NoError(t, err)
	require.Equal(t, ledger.Spec{Cores: 2, RAM: 40}, spec)
}
