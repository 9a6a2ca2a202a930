package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-memory Store. Rows live in append-only slices (ids are
// index+1) with payload maps keyed by touch id, which makes the
// latest-touch-wins rules easy to audit. It backs the test suites and is
// handy for local runs without Postgres.
type Memory struct {
	mu  sync.RWMutex
	now func() time.Time

	actors    []Actor
	artifacts []Artifact
	states    []string
	touches   []Touch

	specs     map[int64]Spec
	credits   map[int64]int64
	deboosts  map[int64]time.Time
	owners    map[int64]int64
	passwords map[int64]string
	groups    map[int64]string

	byArtifact map[int64][]int64
	byActor    map[int64][]int64
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory ledger using the wall clock.
func NewMemory() *Memory {
	return &Memory{
		now:        time.Now,
		specs:      map[int64]Spec{},
		credits:    map[int64]int64{},
		deboosts:   map[int64]time.Time{},
		owners:     map[int64]int64{},
		passwords:  map[int64]string{},
		groups:     map[int64]string{},
		byArtifact: map[int64][]int64{},
		byActor:    map[int64][]int64{},
	}
}

// SetClock overrides the touch timestamp source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) CreateActor(_ context.Context, a Actor) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.actors {
		if existing.Handle == a.Handle {
			return 0, ErrDuplicateHandle
		}
	}
	a.ID = int64(len(m.actors) + 1)
	if a.Kind == "" {
		a.Kind = ActorUser
	}
	m.actors = append(m.actors, a)
	return a.ID, nil
}

func (m *Memory) GetActor(_ context.Context, id int64) (Actor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id < 1 || id > int64(len(m.actors)) {
		return Actor{}, ErrNotFound
	}
	return m.actors[id-1], nil
}

func (m *Memory) ActorIDByUsername(_ context.Context, username string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Highest id wins so re-registered usernames mask older rows.
	for i := len(m.actors) - 1; i >= 0; i-- {
		if m.actors[i].Username == username {
			return m.actors[i].ID, nil
		}
	}
	return 0, ErrNotFound
}

func (m *Memory) ListUsers(_ context.Context) ([]Actor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	masked := map[string]Actor{}
	var order []string
	for _, a := range m.actors {
		if a.Kind != ActorUser {
			continue
		}
		if _, seen := masked[a.Username]; !seen {
			order = append(order, a.Username)
		}
		masked[a.Username] = a
	}

	users := make([]Actor, 0, len(order))
	for _, name := range order {
		users = append(users, masked[name])
	}
	return users, nil
}

func (m *Memory) CreateArtifact(_ context.Context, a Artifact) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a.ID = int64(len(m.artifacts) + 1)
	if a.Kind == "" {
		a.Kind = ArtifactKind
	}
	m.artifacts = append(m.artifacts, a)
	return a.ID, nil
}

func (m *Memory) GetArtifact(_ context.Context, id int64) (Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id < 1 || id > int64(len(m.artifacts)) {
		return Artifact{}, ErrNotFound
	}
	return m.artifacts[id-1], nil
}

func (m *Memory) ArtifactIDByName(_ context.Context, name string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.artifacts) - 1; i >= 0; i-- {
		if m.artifacts[i].Name == name {
			return m.artifacts[i].ID, nil
		}
	}
	return 0, ErrNotFound
}

func (m *Memory) ListArtifactNames(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := map[string]bool{}
	var names []string
	for _, a := range m.artifacts {
		if !seen[a.Name] {
			seen[a.Name] = true
			names = append(names, a.Name)
		}
	}
	return names, nil
}

func (m *Memory) EnsureStates(_ context.Context, names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	known := map[string]bool{}
	for _, s := range m.states {
		known[s] = true
	}
	for _, name := range names {
		if !known[name] {
			known[name] = true
			m.states = append(m.states, name)
		}
	}
	return nil
}

func (m *Memory) StateID(_ context.Context, name string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, s := range m.states {
		if s == name {
			return int64(i + 1), nil
		}
	}
	return 0, ErrInvalidState
}

func (m *Memory) StateNames(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]string(nil), m.states...), nil
}

func (m *Memory) AppendTouch(_ context.Context, actorID, artifactID, stateID *int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.appendTouchLocked(actorID, artifactID, stateID)
}

func (m *Memory) appendTouchLocked(actorID, artifactID, stateID *int64) (int64, error) {
	if actorID != nil && (*actorID < 1 || *actorID > int64(len(m.actors))) {
		return 0, ErrBadReference
	}
	if artifactID != nil && (*artifactID < 1 || *artifactID > int64(len(m.artifacts))) {
		return 0, ErrBadReference
	}
	if stateID != nil && (*stateID < 1 || *stateID > int64(len(m.states))) {
		return 0, ErrBadReference
	}

	t := Touch{
		ID:         int64(len(m.touches) + 1),
		ActorID:    actorID,
		ArtifactID: artifactID,
		StateID:    stateID,
		TouchedAt:  m.now(),
	}
	m.touches = append(m.touches, t)
	if artifactID != nil {
		m.byArtifact[*artifactID] = append(m.byArtifact[*artifactID], t.ID)
	}
	if actorID != nil {
		m.byActor[*actorID] = append(m.byActor[*actorID], t.ID)
	}
	return t.ID, nil
}

func (m *Memory) checkTouch(touchID int64) error {
	if touchID < 1 || touchID > int64(len(m.touches)) {
		return ErrBadReference
	}
	return nil
}

func (m *Memory) AddSpecification(_ context.Context, touchID int64, spec Spec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkTouch(touchID); err != nil {
		return err
	}
	m.specs[touchID] = spec
	return nil
}

func (m *Memory) AddCredit(_ context.Context, touchID int64, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkTouch(touchID); err != nil {
		return err
	}
	m.credits[touchID] = amount
	return nil
}

func (m *Memory) AddDeboost(_ context.Context, touchID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkTouch(touchID); err != nil {
		return err
	}
	m.deboosts[touchID] = at
	return nil
}

func (m *Memory) AddOwnership(_ context.Context, touchID int64, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkTouch(touchID); err != nil {
		return err
	}
	if userID < 1 || userID > int64(len(m.actors)) {
		return ErrBadReference
	}
	m.owners[touchID] = userID
	return nil
}

func (m *Memory) AddPassword(_ context.Context, touchID int64, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkTouch(touchID); err != nil {
		return err
	}
	m.passwords[touchID] = hash
	return nil
}

func (m *Memory) AddGroup(_ context.Context, touchID int64, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkTouch(touchID); err != nil {
		return err
	}
	m.groups[touchID] = group
	return nil
}

func (m *Memory) DebitCredit(_ context.Context, actorID int64, cost int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if actorID < 1 || actorID > int64(len(m.actors)) {
		return 0, ErrBadReference
	}
	if m.balanceLocked(actorID) < cost {
		return 0, ErrInsufficientFunds
	}

	id := actorID
	touchID, err := m.appendTouchLocked(&id, nil, nil)
	if err != nil {
		return 0, err
	}
	m.credits[touchID] = -cost
	return touchID, nil
}

func (m *Memory) balanceLocked(actorID int64) int64 {
	var sum int64
	for _, tid := range m.byActor[actorID] {
		sum += m.credits[tid]
	}
	return sum
}

// latest returns the touch maximizing (touched_at, id) among the artifact's
// touches for which keep reports true.
func (m *Memory) latest(artifactID int64, keep func(Touch) bool) (Touch, bool) {
	var best Touch
	found := false
	for _, tid := range m.byArtifact[artifactID] {
		t := m.touches[tid-1]
		if !keep(t) {
			continue
		}
		if !found || t.TouchedAt.After(best.TouchedAt) ||
			(t.TouchedAt.Equal(best.TouchedAt) && t.ID > best.ID) {
			best = t
			found = true
		}
	}
	return best, found
}

func (m *Memory) LatestState(_ context.Context, artifactID int64) (string, time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.latest(artifactID, func(t Touch) bool { return t.StateID != nil })
	if !ok {
		return "", time.Time{}, ErrNotFound
	}
	return m.states[*t.StateID-1], t.TouchedAt, nil
}

func (m *Memory) LatestSpec(_ context.Context, artifactID int64) (Spec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.latest(artifactID, func(t Touch) bool {
		_, has := m.specs[t.ID]
		return has
	})
	if !ok {
		return Spec{}, ErrNotFound
	}
	return m.specs[t.ID], nil
}

func (m *Memory) SpecHistory(_ context.Context, artifactID int64) ([]SpecRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var history []SpecRecord
	for _, tid := range m.byArtifact[artifactID] {
		if spec, ok := m.specs[tid]; ok {
			history = append(history, SpecRecord{
				TouchID:   tid,
				TouchedAt: m.touches[tid-1].TouchedAt,
				Spec:      spec,
			})
		}
	}
	sort.Slice(history, func(i, j int) bool {
		if !history[i].TouchedAt.Equal(history[j].TouchedAt) {
			return history[i].TouchedAt.After(history[j].TouchedAt)
		}
		return history[i].TouchID > history[j].TouchID
	})
	return history, nil
}

func (m *Memory) CreditBalance(_ context.Context, actorID int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.balanceLocked(actorID), nil
}

func (m *Memory) IsOwner(_ context.Context, artifactID, userID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, tid := range m.byArtifact[artifactID] {
		if owner, ok := m.owners[tid]; ok && owner == userID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) OwnedArtifacts(_ context.Context, userID int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := map[int64]bool{}
	var ids []int64
	for _, t := range m.touches {
		owner, ok := m.owners[t.ID]
		if !ok || owner != userID || t.ArtifactID == nil {
			continue
		}
		if !seen[*t.ArtifactID] {
			seen[*t.ArtifactID] = true
			ids = append(ids, *t.ArtifactID)
		}
	}
	return ids, nil
}

func (m *Memory) LatestOwner(_ context.Context, artifactID int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.latest(artifactID, func(t Touch) bool {
		_, has := m.owners[t.ID]
		return has
	})
	if !ok {
		return 0, ErrNotFound
	}
	return m.owners[t.ID], nil
}

func (m *Memory) LatestDeboost(_ context.Context, artifactID int64) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.latest(artifactID, func(t Touch) bool {
		_, has := m.deboosts[t.ID]
		return has
	})
	if !ok {
		return time.Time{}, ErrNotFound
	}
	return m.deboosts[t.ID], nil
}

func (m *Memory) FirstTouched(_ context.Context, artifactID int64) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tids := m.byArtifact[artifactID]
	if len(tids) == 0 {
		return time.Time{}, ErrNotFound
	}
	first := m.touches[tids[0]-1].TouchedAt
	for _, tid := range tids[1:] {
		if at := m.touches[tid-1].TouchedAt; at.Before(first) {
			first = at
		}
	}
	return first, nil
}

func (m *Memory) LastTouched(_ context.Context, artifactID int64) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.latest(artifactID, func(Touch) bool { return true })
	if !ok {
		return time.Time{}, ErrNotFound
	}
	return t.TouchedAt, nil
}

func (m *Memory) latestActorPayload(actorID int64, has func(int64) bool) (int64, bool) {
	var best Touch
	found := false
	for _, tid := range m.byActor[actorID] {
		if !has(tid) {
			continue
		}
		t := m.touches[tid-1]
		if !found || t.TouchedAt.After(best.TouchedAt) ||
			(t.TouchedAt.Equal(best.TouchedAt) && t.ID > best.ID) {
			best = t
			found = true
		}
	}
	return best.ID, found
}

func (m *Memory) LatestPasswordHash(_ context.Context, actorID int64) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tid, ok := m.latestActorPayload(actorID, func(tid int64) bool {
		_, has := m.passwords[tid]
		return has
	})
	if !ok {
		return "", ErrNotFound
	}
	return m.passwords[tid], nil
}

func (m *Memory) LatestGroup(_ context.Context, actorID int64) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tid, ok := m.latestActorPayload(actorID, func(tid int64) bool {
		_, has := m.groups[tid]
		return has
	})
	if !ok {
		return "", ErrNotFound
	}
	return m.groups[tid], nil
}

func (m *Memory) detail(t Touch) TouchDetail {
	d := TouchDetail{Touch: t}
	if t.StateID != nil {
		name := m.states[*t.StateID-1]
		d.StateName = &name
	}
	if spec, ok := m.specs[t.ID]; ok {
		s := spec
		d.Spec = &s
	}
	if credit, ok := m.credits[t.ID]; ok {
		c := credit
		d.Credit = &c
	}
	if at, ok := m.deboosts[t.ID]; ok {
		a := at
		d.DeboostAt = &a
	}
	if owner, ok := m.owners[t.ID]; ok {
		o := owner
		d.OwnerID = &o
	}
	if group, ok := m.groups[t.ID]; ok {
		g := group
		d.Group = &g
	}
	if hash, ok := m.passwords[t.ID]; ok {
		h := hash
		d.Password = &h
	}
	return d
}

func (m *Memory) Touches(_ context.Context, artifactID int64) ([]TouchDetail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	details := make([]TouchDetail, 0, len(m.byArtifact[artifactID]))
	for _, tid := range m.byArtifact[artifactID] {
		details = append(details, m.detail(m.touches[tid-1]))
	}
	return details, nil
}

func (m *Memory) AllTouches(_ context.Context) ([]TouchDetail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	details := make([]TouchDetail, 0, len(m.touches))
	for _, t := range m.touches {
		details = append(details, m.detail(t))
	}
	return details, nil
}
