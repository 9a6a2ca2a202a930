// Package ledger holds the append-only touch spine and its typed payloads.
//
// Nothing here ever mutates or deletes: every change to an appliance or an
// account is a new touch, and "current" values are always derived by reading
// the newest relevant touch back out.
package ledger

import (
	"errors"
	"time"
)

// Sentinel errors shared by every store implementation.
var (
	ErrNotFound          = errors.New("ledger: not found")
	ErrBadReference      = errors.New("ledger: referenced row does not exist")
	ErrInvalidState      = errors.New("ledger: state not registered")
	ErrDuplicateHandle   = errors.New("ledger: handle already registered")
	ErrInsufficientFunds = errors.New("ledger: insufficient credit")
)

// FSM is the single state-machine namespace used for appliance states.
const FSM = "artifactstate"

// Actor kinds. Agents authenticate with a shared secret and carry no credit.
const (
	ActorUser  = "user"
	ActorAgent = "agent"
)

// ArtifactKind is the only artifact kind currently recorded.
const ArtifactKind = "appliance"

// Actor is a user or agent account. Handles are unique; usernames are not,
// and by-username lookups resolve to the highest id (masking).
type Actor struct {
	ID       int64  `db:"id" json:"id"`
	Kind     string `db:"kind" json:"-"`
	Handle   string `db:"handle" json:"handle"`
	Name     string `db:"name" json:"name"`
	Username string `db:"username" json:"username"`
}

// Artifact is a managed appliance. Names are not unique: the live record
// for a name is the one with the highest id, older rows are masked.
type Artifact struct {
	ID   int64  `db:"id" json:"artifact_id"`
	UUID string `db:"uuid" json:"artifact_uuid"`
	Name string `db:"name" json:"artifact_name"`
	Kind string `db:"kind" json:"-"`
}

// Touch is one row of the append-only spine. Any of the references may be
// nil; payload rows attach by touch id.
type Touch struct {
	ID         int64     `db:"id" json:"touch_id"`
	ActorID    *int64    `db:"actor_id" json:"actor_id,omitempty"`
	ArtifactID *int64    `db:"artifact_id" json:"artifact_id,omitempty"`
	StateID    *int64    `db:"state_id" json:"-"`
	TouchedAt  time.Time `db:"touched_at" json:"touched_at"`
}

// Spec is a hardware specification payload.
type Spec struct {
	Cores int `db:"cores" json:"cores"`
	RAM   int `db:"ram" json:"ram"`
}

// SpecRecord is a specification touch in history order.
type SpecRecord struct {
	TouchID   int64     `db:"touch_id"`
	TouchedAt time.Time `db:"touched_at"`
	Spec
}

// TouchDetail is a touch joined with whichever payloads it carries.
// Used by the activity endpoints and the archiver.
type TouchDetail struct {
	Touch
	StateName *string    `db:"state_name" json:"state,omitempty"`
	Spec      *Spec      `db:"-" json:"specification,omitempty"`
	Credit    *int64     `db:"credit" json:"credit,omitempty"`
	DeboostAt *time.Time `db:"deboost_at" json:"deboost_at,omitempty"`
	OwnerID   *int64     `db:"owner_id" json:"owner_id,omitempty"`
	Group     *string    `db:"grp" json:"group,omitempty"`
	Password  *string    `db:"-" json:"-"`
}
