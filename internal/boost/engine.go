package boost

import (
	"context"
	"errors"
	"fmt"
	"time"

	"applianced/internal/derive"
	"applianced/internal/ledger"
)

// Engine answers tier and credit questions against the ledger.
// Now is injectable for deterministic remaining-time arithmetic in tests.
type Engine struct {
	Store   ledger.Store
	Derive  *derive.Engine
	Catalog Catalog
	Now     func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// TallyByLevel counts the visible (masked) artifacts occupying each boost
// level. An artifact bins to the highest level whose cores and RAM
// thresholds its current specification meets; baseline machines count
// nowhere.
func (e *Engine) TallyByLevel(ctx context.Context) ([]int, error) {
	tally := make([]int, len(e.Catalog.Levels))

	names, err := e.Store.ListArtifactNames(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		id, err := e.Store.ArtifactIDByName(ctx, name)
		if err != nil {
			return nil, err
		}
		spec, err := e.Derive.CurrentSpec(ctx, id)
		if err != nil {
			return nil, err
		}
		for i := len(e.Catalog.Levels) - 1; i >= 0; i-- {
			if spec.Cores >= e.Catalog.Levels[i].Cores && spec.RAM >= e.Catalog.Levels[i].RAM {
				tally[i]++
				break
			}
		}
	}
	return tally, nil
}

// AvailableLevels reports, per level, whether one more machine could boost
// to it (1) or not (0). Checked from the largest level down; capacity
// being monotone, the first available level makes all smaller levels
// available too.
func (e *Engine) AvailableLevels(ctx context.Context) ([]int, error) {
	tally, err := e.TallyByLevel(ctx)
	if err != nil {
		return nil, err
	}

	avail := make([]int, len(tally))
	for i := len(tally) - 1; i >= 0; i-- {
		candidate := append([]int(nil), tally...)
		candidate[i]++
		if e.Catalog.admissible(candidate) {
			for j := i; j >= 0; j-- {
				avail[j] = 1
			}
			break
		}
	}
	return avail, nil
}

// CostForExactLevel prices a specification that must match a configured
// level exactly.
func (e *Engine) CostForExactLevel(cores, ram, hours int) (int64, error) {
	lvl, err := e.Catalog.exactLevel(cores, ram)
	if err != nil {
		return 0, err
	}
	return lvl.Cost * int64(hours), nil
}

// AdmitAndDebit validates the requested tier and atomically debits the
// actor for the full boost period. Distinct failures: ErrNoMatchingTier
// when the spec is not a configured level, ledger.ErrInsufficientFunds
// when the balance cannot cover it. A nil actor (agent or system call)
// is exempt from billing and from tier validation alike.
func (e *Engine) AdmitAndDebit(ctx context.Context, actorID *int64, cores, ram, hours int) (int64, error) {
	if actorID == nil {
		return 0, nil
	}
	cost, err := e.CostForExactLevel(cores, ram, hours)
	if err != nil {
		return 0, err
	}
	if _, err := e.Store.DebitCredit(ctx, *actorID, cost); err != nil {
		return 0, err
	}
	return cost, nil
}

// RefundForRemaining prices the unspent remainder of a boost: the cost of
// the highest level whose cores and RAM thresholds the current
// specification meets, times whole hours remaining. Nothing is owed for
// an expired boost.
func (e *Engine) RefundForRemaining(ctx context.Context, artifactID int64, remaining time.Duration) (int64, error) {
	hours := int64(remaining / time.Hour)
	if hours <= 0 {
		return 0, nil
	}

	spec, err := e.Derive.CurrentSpec(ctx, artifactID)
	if err != nil {
		return 0, err
	}

	best := -1
	for i, lvl := range e.Catalog.Levels {
		if spec.Cores >= lvl.Cores && spec.RAM >= lvl.RAM {
			best = i
		}
	}
	if best < 0 {
		return 0, nil
	}
	return e.Catalog.Levels[best].Cost * hours, nil
}

// ScheduleDeboost appends a deboost touch due hours from now. Fractional
// and negative hours are allowed (tests and admin corrections use both).
func (e *Engine) ScheduleDeboost(ctx context.Context, actorID *int64, artifactID int64, hours float64) (int64, error) {
	at := e.now().Add(time.Duration(hours * float64(time.Hour)))
	touchID, err := e.Store.AppendTouch(ctx, actorID, &artifactID, nil)
	if err != nil {
		return 0, err
	}
	if err := e.Store.AddDeboost(ctx, touchID, at); err != nil {
		return 0, err
	}
	return touchID, nil
}

// DeboostStatus describes the pending deboost of an artifact.
type DeboostStatus struct {
	Scheduled bool
	At        time.Time
	Remaining time.Duration
	Display   string
	Refund    int64
}

// TimeUntilDeboost reports when the artifact is due to deboost, how that
// reads for humans, and the credit a deboost right now would refund.
func (e *Engine) TimeUntilDeboost(ctx context.Context, artifactID int64) (DeboostStatus, error) {
	at, err := e.Store.LatestDeboost(ctx, artifactID)
	if errors.Is(err, ledger.ErrNotFound) {
		return DeboostStatus{Display: "N/A"}, nil
	}
	if err != nil {
		return DeboostStatus{}, err
	}

	remaining := at.Sub(e.now())
	status := DeboostStatus{
		Scheduled: true,
		At:        at,
		Remaining: remaining,
		Display:   formatRemaining(remaining),
	}

	refund, err := e.RefundForRemaining(ctx, artifactID, remaining)
	if err != nil {
		return DeboostStatus{}, err
	}
	status.Refund = refund
	return status, nil
}

func formatRemaining(d time.Duration) string {
	if d <= 0 {
		return "Expired"
	}
	mins := int(d / time.Minute)
	hrs := mins / 60
	if days := hrs / 24; days > 0 {
		return fmt.Sprintf("%d days, %02d hrs", days, hrs%24)
	}
	return fmt.Sprintf("%02d hrs, %02d min", hrs, mins%60)
}

// Job is one entry for the deboost daemon.
type Job struct {
	ArtifactID   int64   `json:"artifact_id"`
	ArtifactName string  `json:"artifact_name"`
	BoostRemain  float64 `json:"boost_remain"`
}

// PendingDeboostJobs lists visible artifacts still boosted whose latest
// deboost falls inside (now-past, now+future]. The daemon polls with
// future zero to pick up everything due.
func (e *Engine) PendingDeboostJobs(ctx context.Context, past, future time.Duration) ([]Job, error) {
	now := e.now()
	names, err := e.Store.ListArtifactNames(ctx)
	if err != nil {
		return nil, err
	}

	jobs := []Job{}
	for _, name := range names {
		id, err := e.Store.ArtifactIDByName(ctx, name)
		if err != nil {
			return nil, err
		}
		at, err := e.Store.LatestDeboost(ctx, id)
		if errors.Is(err, ledger.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !at.After(now.Add(-past)) || at.After(now.Add(future)) {
			continue
		}
		boosted, err := e.Derive.Boosted(ctx, id)
		if err != nil {
			return nil, err
		}
		if !boosted {
			continue
		}
		jobs = append(jobs, Job{
			ArtifactID:   id,
			ArtifactName: name,
			BoostRemain:  at.Sub(now).Seconds(),
		})
	}
	return jobs, nil
}

// Summary is the canonical server detail view.
type Summary struct {
	ArtifactID     int64  `json:"artifact_id"`
	ArtifactUUID   string `json:"artifact_uuid"`
	ArtifactName   string `json:"artifact_name"`
	ChangeDT       string `json:"change_dt"`
	CreateDT       string `json:"create_dt"`
	State          string `json:"state"`
	Boosted        string `json:"boosted"`
	Cores          int    `json:"cores"`
	RAM            int    `json:"ram"`
	BoostRemaining string `json:"boostremaining"`
}

const summaryTimeLayout = "2006-01-02 15:04"

// Summary assembles the detail view for one artifact.
func (e *Engine) Summary(ctx context.Context, artifactID int64) (Summary, error) {
	artifact, err := e.Store.GetArtifact(ctx, artifactID)
	if err != nil {
		return Summary{}, err
	}

	state, err := e.Derive.CurrentState(ctx, artifactID)
	if err != nil {
		return Summary{}, err
	}
	spec, err := e.Derive.CurrentSpec(ctx, artifactID)
	if err != nil {
		return Summary{}, err
	}
	boosted, err := e.Derive.Boosted(ctx, artifactID)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{
		ArtifactID:     artifact.ID,
		ArtifactUUID:   artifact.UUID,
		ArtifactName:   artifact.Name,
		State:          state,
		Cores:          spec.Cores,
		RAM:            spec.RAM,
		Boosted:        "Unboosted",
		BoostRemaining: "N/A",
	}
	if boosted {
		s.Boosted = "Boosted"
	}

	if created, err := e.Store.FirstTouched(ctx, artifactID); err == nil {
		s.CreateDT = created.Format(summaryTimeLayout)
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return Summary{}, err
	}
	if changed, err := e.Store.LastTouched(ctx, artifactID); err == nil {
		s.ChangeDT = changed.Format(summaryTimeLayout)
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return Summary{}, err
	}

	if boosted {
		status, err := e.TimeUntilDeboost(ctx, artifactID)
		if err != nil {
			return Summary{}, err
		}
		if status.Scheduled && status.Remaining > 0 {
			s.BoostRemaining = status.Display
		}
	}
	return s, nil
}

// SummariesForUser assembles the detail views for every visible artifact
// the user owns.
func (e *Engine) SummariesForUser(ctx context.Context, userID int64) ([]Summary, error) {
	ids, err := e.Derive.ArtifactsOwnedBy(ctx, userID)
	if err != nil {
		return nil, err
	}

	summaries := make([]Summary, 0, len(ids))
	for _, id := range ids {
		s, err := e.Summary(ctx, id)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

// LevelView is one row of the /boostlevels response.
type LevelView struct {
	Label     string `json:"label"`
	RAM       int    `json:"ram"`
	Cores     int    `json:"cores"`
	Cost      int64  `json:"cost"`
	Available int    `json:"available"`
}

// CatalogView is the /boostlevels response: the catalog with per-level
// availability folded in.
type CatalogView struct {
	Baseline Level       `json:"baseline"`
	Levels   []LevelView `json:"levels"`
	Capacity [][]int     `json:"capacity"`
}

// View renders the catalog with current availability.
func (e *Engine) View(ctx context.Context) (CatalogView, error) {
	avail, err := e.AvailableLevels(ctx)
	if err != nil {
		return CatalogView{}, err
	}

	view := CatalogView{
		Baseline: e.Catalog.Baseline,
		Levels:   make([]LevelView, len(e.Catalog.Levels)),
		Capacity: e.Catalog.Capacity,
	}
	if view.Capacity == nil {
		view.Capacity = [][]int{}
	}
	for i, lvl := range e.Catalog.Levels {
		view.Levels[i] = LevelView{
			Label:     lvl.Label,
			RAM:       lvl.RAM,
			Cores:     lvl.Cores,
			Cost:      lvl.Cost,
			Available: avail[i],
		}
	}
	return view, nil
}
