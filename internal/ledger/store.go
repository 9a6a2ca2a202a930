package ledger

import (
	"context"
	"time"
)

// Store is the ledger behind the derivation and boost engines. Backed by
// Postgres in production and by an in-memory arena in tests.
type Store interface {
	// Actors.
	CreateActor(ctx context.Context, a Actor) (int64, error)
	GetActor(ctx context.Context, id int64) (Actor, error)
	ActorIDByUsername(ctx context.Context, username string) (int64, error)
	ListUsers(ctx context.Context) ([]Actor, error)

	// Artifacts.
	CreateArtifact(ctx context.Context, a Artifact) (int64, error)
	GetArtifact(ctx context.Context, id int64) (Artifact, error)
	ArtifactIDByName(ctx context.Context, name string) (int64, error)
	ListArtifactNames(ctx context.Context) ([]string, error)

	// State registry. Registration order fixes state ids and the order
	// EnsureStates sees names in is preserved on first registration.
	EnsureStates(ctx context.Context, names []string) error
	StateID(ctx context.Context, name string) (int64, error)
	StateNames(ctx context.Context) ([]string, error)

	// Appends. AppendTouch rejects dangling references with ErrBadReference.
	AppendTouch(ctx context.Context, actorID, artifactID, stateID *int64) (int64, error)
	AddSpecification(ctx context.Context, touchID int64, spec Spec) error
	AddCredit(ctx context.Context, touchID int64, amount int64) error
	AddDeboost(ctx context.Context, touchID int64, at time.Time) error
	AddOwnership(ctx context.Context, touchID int64, userID int64) error
	AddPassword(ctx context.Context, touchID int64, hash string) error
	AddGroup(ctx context.Context, touchID int64, group string) error

	// DebitCredit appends a negative credit touch only when the balance
	// covers cost, atomically; otherwise ErrInsufficientFunds and no write.
	DebitCredit(ctx context.Context, actorID int64, cost int64) (int64, error)

	// Derivation reads. "Latest" is ordered by touched_at desc, touch id
	// desc; absence is ErrNotFound.
	LatestState(ctx context.Context, artifactID int64) (string, time.Time, error)
	LatestSpec(ctx context.Context, artifactID int64) (Spec, error)
	SpecHistory(ctx context.Context, artifactID int64) ([]SpecRecord, error)
	CreditBalance(ctx context.Context, actorID int64) (int64, error)
	IsOwner(ctx context.Context, artifactID, userID int64) (bool, error)
	OwnedArtifacts(ctx context.Context, userID int64) ([]int64, error)
	LatestOwner(ctx context.Context, artifactID int64) (int64, error)
	LatestDeboost(ctx context.Context, artifactID int64) (time.Time, error)
	FirstTouched(ctx context.Context, artifactID int64) (time.Time, error)
	LastTouched(ctx context.Context, artifactID int64) (time.Time, error)
	LatestPasswordHash(ctx context.Context, actorID int64) (string, error)
	LatestGroup(ctx context.Context, actorID int64) (string, error)

	// Activity and export.
	Touches(ctx context.Context, artifactID int64) ([]TouchDetail, error)
	AllTouches(ctx context.Context) ([]TouchDetail, error)
}
