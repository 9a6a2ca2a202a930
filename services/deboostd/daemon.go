// Package deboostd runs the background worker that lands expired boosts.
// It polls the ledger for due deboost jobs, settles any refund, drops the
// machine back to the baseline specification, and hands the actual
// resizing to the site agents by moving the machine to Pre_Deboosting.
package deboostd

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"applianced/pkg/bus"
	"applianced/internal/boost"
	"applianced/internal/ledger"
	"applianced/internal/lifecycle"
)

// Daemon executes due deboosts on a polling interval.
type Daemon struct {
	Store     ledger.Store
	Boost     *boost.Engine
	Lifecycle *lifecycle.Controller
	Bus       *bus.Bus
	Log       zerolog.Logger

	// Interval between polls; Past bounds how far back due jobs are
	// picked up after downtime.
	Interval time.Duration
	Past     time.Duration

	wake chan struct{}
}

// Run polls until the context is cancelled. A boost grant can carry an
// immediate or corrected deboost time, so grant events wake the loop
// instead of waiting out the ticker.
func (d *Daemon) Run(ctx context.Context) error {
	interval := d.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	if d.wake == nil {
		d.wake = make(chan struct{}, 1)
	}

	if d.Bus != nil {
		sub, err := d.Bus.Subscribe(ctx, bus.SubjectBoosted, "deboostd", func(context.Context, []byte) error {
			select {
			case d.wake <- struct{}{}:
			default:
			}
			return nil
		})
		if err != nil {
			d.Log.Warn().Err(err).Msg("subscribe boost events")
		} else {
			defer sub.Close()
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		d.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// RunOnce executes every deboost currently due. Failures on one machine
// are logged and do not block the rest; the next poll retries.
func (d *Daemon) RunOnce(ctx context.Context) {
	past := d.Past
	if past <= 0 {
		past = 12 * time.Hour
	}

	jobs, err := d.Boost.PendingDeboostJobs(ctx, past, 0)
	if err != nil {
		d.Log.Error().Err(err).Msg("list deboost jobs")
		return
	}

	for _, job := range jobs {
		if job.BoostRemain > 0 {
			continue
		}
		if err := d.execute(ctx, job); err != nil {
			d.Log.Error().Err(err).
				Int64("artifact_id", job.ArtifactID).
				Str("artifact_name", job.ArtifactName).
				Msg("deboost failed")
			continue
		}
		d.Log.Info().
			Int64("artifact_id", job.ArtifactID).
			Str("artifact_name", job.ArtifactName).
			Msg("deboosted")
	}
}

func (d *Daemon) execute(ctx context.Context, job boost.Job) error {
	status, err := d.Boost.TimeUntilDeboost(ctx, job.ArtifactID)
	if err != nil {
		return err
	}

	// Settle the refund before the spec reset: it is priced off the
	// boosted specification.
	if status.Refund > 0 {
		ownerID, err := d.Store.LatestOwner(ctx, job.ArtifactID)
		if err == nil {
			touchID, err := d.Store.AppendTouch(ctx, &ownerID, &job.ArtifactID, nil)
			if err == nil {
				err = d.Store.AddCredit(ctx, touchID, status.Refund)
			}
			if err != nil {
				return err
			}
		} else if !errors.Is(err, ledger.ErrNotFound) {
			return err
		}
	}

	spec, err := d.Boost.Derive.CurrentSpec(ctx, job.ArtifactID)
	if err != nil {
		return err
	}
	if _, err := d.Lifecycle.SetSpec(ctx, nil, job.ArtifactID, d.Boost.Catalog.Baseline.Spec()); err != nil {
		return err
	}
	if _, err := d.Lifecycle.SetState(ctx, nil, job.ArtifactID, lifecycle.StatePreDeboosting); err != nil {
		return err
	}

	if err := d.Bus.Publish(ctx, bus.SubjectDeboostExecuted, bus.BoostEvent{
		ArtifactID: job.ArtifactID,
		Name:       job.ArtifactName,
		Cores:      spec.Cores,
		RAM:        spec.RAM,
		Credit:     status.Refund,
		At:         time.Now().UTC(),
	}); err != nil {
		d.Log.Warn().Err(err).Msg("publish deboost event")
	}
	return nil
}
