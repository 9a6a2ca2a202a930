package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"applianced/pkg/db"
)

// Postgres is the production Store on top of the goose-managed schema.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres wraps an open pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return ErrBadReference
		case "23505":
			return ErrDuplicateHandle
		}
	}
	return err
}

func notFound(err error, sentinel error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel
	}
	return err
}

func (p *Postgres) CreateActor(ctx context.Context, a Actor) (int64, error) {
	if a.Kind == "" {
		a.Kind = ActorUser
	}
	var id int64
	err := db.Get(ctx, p.pool, &id, `
		INSERT INTO actors (kind, handle, name, username)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		a.Kind, a.Handle, a.Name, a.Username)
	if err != nil {
		return 0, mapPgError(err)
	}
	return id, nil
}

func (p *Postgres) GetActor(ctx context.Context, id int64) (Actor, error) {
	var a Actor
	err := db.Get(ctx, p.pool, &a, `
		SELECT id, kind, handle, name, username FROM actors WHERE id = $1`, id)
	if err != nil {
		return Actor{}, notFound(err, ErrNotFound)
	}
	return a, nil
}

func (p *Postgres) ActorIDByUsername(ctx context.Context, username string) (int64, error) {
	var id int64
	err := db.Get(ctx, p.pool, &id, `
		SELECT id FROM actors WHERE username = $1 ORDER BY id DESC LIMIT 1`, username)
	if err != nil {
		return 0, notFound(err, ErrNotFound)
	}
	return id, nil
}

func (p *Postgres) ListUsers(ctx context.Context) ([]Actor, error) {
	var users []Actor
	err := db.Select(ctx, p.pool, &users, `
		SELECT DISTINCT ON (username) id, kind, handle, name, username
		FROM actors
		WHERE kind = $1
		ORDER BY username, id DESC`, ActorUser)
	return users, err
}

func (p *Postgres) CreateArtifact(ctx context.Context, a Artifact) (int64, error) {
	if a.Kind == "" {
		a.Kind = ArtifactKind
	}
	var id int64
	err := db.Get(ctx, p.pool, &id, `
		INSERT INTO artifacts (uuid, name, kind)
		VALUES ($1, $2, $3)
		RETURNING id`,
		a.UUID, a.Name, a.Kind)
	if err != nil {
		return 0, mapPgError(err)
	}
	return id, nil
}

func (p *Postgres) GetArtifact(ctx context.Context, id int64) (Artifact, error) {
	var a Artifact
	err := db.Get(ctx, p.pool, &a, `
		SELECT id, uuid, name, kind FROM artifacts WHERE id = $1`, id)
	if err != nil {
		return Artifact{}, notFound(err, ErrNotFound)
	}
	return a, nil
}

func (p *Postgres) ArtifactIDByName(ctx context.Context, name string) (int64, error) {
	// Highest id wins: older artifacts sharing the name are masked.
	var id int64
	err := db.Get(ctx, p.pool, &id, `
		SELECT id FROM artifacts WHERE name = $1 ORDER BY id DESC LIMIT 1`, name)
	if err != nil {
		return 0, notFound(err, ErrNotFound)
	}
	return id, nil
}

func (p *Postgres) ListArtifactNames(ctx context.Context) ([]string, error) {
	var names []string
	err := db.Select(ctx, p.pool, &names, `
		SELECT name FROM artifacts GROUP BY name ORDER BY MIN(id)`)
	return names, err
}

func (p *Postgres) EnsureStates(ctx context.Context, names []string) error {
	// Insert one at a time so registration order fixes the ids.
	for _, name := range names {
		_, err := db.Exec(ctx, p.pool, `
			INSERT INTO artifact_states (fsm, name)
			VALUES ($1, $2)
			ON CONFLICT (fsm, name) DO NOTHING`, FSM, name)
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) StateID(ctx context.Context, name string) (int64, error) {
	var id int64
	err := db.Get(ctx, p.pool, &id, `
		SELECT id FROM artifact_states WHERE fsm = $1 AND name = $2`, FSM, name)
	if err != nil {
		return 0, notFound(err, ErrInvalidState)
	}
	return id, nil
}

func (p *Postgres) StateNames(ctx context.Context) ([]string, error) {
	var names []string
	err := db.Select(ctx, p.pool, &names, `
		SELECT name FROM artifact_states WHERE fsm = $1 ORDER BY id`, FSM)
	return names, err
}

func (p *Postgres) AppendTouch(ctx context.Context, actorID, artifactID, stateID *int64) (int64, error) {
	var id int64
	err := db.Get(ctx, p.pool, &id, `
		INSERT INTO touches (actor_id, artifact_id, state_id, touched_at)
		VALUES ($1, $2, $3, now())
		RETURNING id`,
		actorID, artifactID, stateID)
	if err != nil {
		return 0, mapPgError(err)
	}
	return id, nil
}

func (p *Postgres) addPayload(ctx context.Context, query string, args ...any) error {
	_, err := db.Exec(ctx, p.pool, query, args...)
	return mapPgError(err)
}

func (p *Postgres) AddSpecification(ctx context.Context, touchID int64, spec Spec) error {
	return p.addPayload(ctx, `
		INSERT INTO specifications (touch_id, cores, ram) VALUES ($1, $2, $3)`,
		touchID, spec.Cores, spec.RAM)
}

func (p *Postgres) AddCredit(ctx context.Context, touchID int64, amount int64) error {
	return p.addPayload(ctx, `
		INSERT INTO credits (touch_id, credit) VALUES ($1, $2)`, touchID, amount)
}

func (p *Postgres) AddDeboost(ctx context.Context, touchID int64, at time.Time) error {
	return p.addPayload(ctx, `
		INSERT INTO deboosts (touch_id, deboost_at) VALUES ($1, $2)`, touchID, at)
}

func (p *Postgres) AddOwnership(ctx context.Context, touchID int64, userID int64) error {
	return p.addPayload(ctx, `
		INSERT INTO ownerships (touch_id, user_id) VALUES ($1, $2)`, touchID, userID)
}

func (p *Postgres) AddPassword(ctx context.Context, touchID int64, hash string) error {
	return p.addPayload(ctx, `
		INSERT INTO passwords (touch_id, hash) VALUES ($1, $2)`, touchID, hash)
}

func (p *Postgres) AddGroup(ctx context.Context, touchID int64, group string) error {
	return p.addPayload(ctx, `
		INSERT INTO group_memberships (touch_id, grp) VALUES ($1, $2)`, touchID, group)
}

func (p *Postgres) DebitCredit(ctx context.Context, actorID int64, cost int64) (int64, error) {
	var touchID int64
	err := db.WithTimeout(ctx, db.DefaultTimeout, func(ctx context.Context) error {
		tx, err := p.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		// Serialize concurrent debits per actor.
		var id int64
		if err := pgxscan.Get(ctx, tx, &id, `
			SELECT id FROM actors WHERE id = $1 FOR UPDATE`, actorID); err != nil {
			return notFound(err, ErrBadReference)
		}

		var balance int64
		if err := pgxscan.Get(ctx, tx, &balance, `
			SELECT COALESCE(SUM(c.credit), 0)
			FROM credits c
			JOIN touches t ON t.id = c.touch_id
			WHERE t.actor_id = $1`, actorID); err != nil {
			return err
		}
		if balance < cost {
			return ErrInsufficientFunds
		}

		if err := pgxscan.Get(ctx, tx, &touchID, `
			INSERT INTO touches (actor_id, touched_at)
			VALUES ($1, now())
			RETURNING id`, actorID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO credits (touch_id, credit) VALUES ($1, $2)`, touchID, -cost); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return 0, err
	}
	return touchID, nil
}

func (p *Postgres) LatestState(ctx context.Context, artifactID int64) (string, time.Time, error) {
	var row struct {
		Name      string    `db:"name"`
		TouchedAt time.Time `db:"touched_at"`
	}
	err := db.Get(ctx, p.pool, &row, `
		SELECT s.name, t.touched_at
		FROM touches t
		JOIN artifact_states s ON s.id = t.state_id
		WHERE t.artifact_id = $1
		ORDER BY t.touched_at DESC, t.id DESC
		LIMIT 1`, artifactID)
	if err != nil {
		return "", time.Time{}, notFound(err, ErrNotFound)
	}
	return row.Name, row.TouchedAt, nil
}

func (p *Postgres) LatestSpec(ctx context.Context, artifactID int64) (Spec, error) {
	var spec Spec
	err := db.Get(ctx, p.pool, &spec, `
		SELECT sp.cores, sp.ram
		FROM specifications sp
		JOIN touches t ON t.id = sp.touch_id
		WHERE t.artifact_id = $1
		ORDER BY t.touched_at DESC, t.id DESC
		LIMIT 1`, artifactID)
	if err != nil {
		return Spec{}, notFound(err, ErrNotFound)
	}
	return spec, nil
}

func (p *Postgres) SpecHistory(ctx context.Context, artifactID int64) ([]SpecRecord, error) {
	var history []SpecRecord
	err := db.Select(ctx, p.pool, &history, `
		SELECT sp.touch_id, t.touched_at, sp.cores, sp.ram
		FROM specifications sp
		JOIN touches t ON t.id = sp.touch_id
		WHERE t.artifact_id = $1
		ORDER BY t.touched_at DESC, t.id DESC`, artifactID)
	return history, err
}

func (p *Postgres) CreditBalance(ctx context.Context, actorID int64) (int64, error) {
	var balance int64
	err := db.Get(ctx, p.pool, &balance, `
		SELECT COALESCE(SUM(c.credit), 0)
		FROM credits c
		JOIN touches t ON t.id = c.touch_id
		WHERE t.actor_id = $1`, actorID)
	return balance, err
}

func (p *Postgres) IsOwner(ctx context.Context, artifactID, userID int64) (bool, error) {
	var owner bool
	err := db.Get(ctx, p.pool, &owner, `
		SELECT EXISTS (
			SELECT 1
			FROM ownerships o
			JOIN touches t ON t.id = o.touch_id
			WHERE t.artifact_id = $1 AND o.user_id = $2
		)`, artifactID, userID)
	return owner, err
}

func (p *Postgres) OwnedArtifacts(ctx context.Context, userID int64) ([]int64, error) {
	var ids []int64
	err := db.Select(ctx, p.pool, &ids, `
		SELECT t.artifact_id
		FROM ownerships o
		JOIN touches t ON t.id = o.touch_id
		WHERE o.user_id = $1 AND t.artifact_id IS NOT NULL
		GROUP BY t.artifact_id
		ORDER BY MIN(t.id)`, userID)
	return ids, err
}

func (p *Postgres) LatestOwner(ctx context.Context, artifactID int64) (int64, error) {
	var userID int64
	err := db.Get(ctx, p.pool, &userID, `
		SELECT o.user_id
		FROM ownerships o
		JOIN touches t ON t.id = o.touch_id
		WHERE t.artifact_id = $1
		ORDER BY t.touched_at DESC, t.id DESC
		LIMIT 1`, artifactID)
	if err != nil {
		return 0, notFound(err, ErrNotFound)
	}
	return userID, nil
}

func (p *Postgres) LatestDeboost(ctx context.Context, artifactID int64) (time.Time, error) {
	var at time.Time
	err := db.Get(ctx, p.pool, &at, `
		SELECT d.deboost_at
		FROM deboosts d
		JOIN touches t ON t.id = d.touch_id
		WHERE t.artifact_id = $1
		ORDER BY t.touched_at DESC, t.id DESC
		LIMIT 1`, artifactID)
	if err != nil {
		return time.Time{}, notFound(err, ErrNotFound)
	}
	return at, nil
}

func (p *Postgres) FirstTouched(ctx context.Context, artifactID int64) (time.Time, error) {
	var at time.Time
	err := db.Get(ctx, p.pool, &at, `
		SELECT MIN(touched_at) FROM touches WHERE artifact_id = $1
		HAVING MIN(touched_at) IS NOT NULL`, artifactID)
	if err != nil {
		return time.Time{}, notFound(err, ErrNotFound)
	}
	return at, nil
}

func (p *Postgres) LastTouched(ctx context.Context, artifactID int64) (time.Time, error) {
	var at time.Time
	err := db.Get(ctx, p.pool, &at, `
		SELECT touched_at FROM touches
		WHERE artifact_id = $1
		ORDER BY touched_at DESC, id DESC
		LIMIT 1`, artifactID)
	if err != nil {
		return time.Time{}, notFound(err, ErrNotFound)
	}
	return at, nil
}

func (p *Postgres) LatestPasswordHash(ctx context.Context, actorID int64) (string, error) {
	var hash string
	err := db.Get(ctx, p.pool, &hash, `
		SELECT pw.hash
		FROM passwords pw
		JOIN touches t ON t.id = pw.touch_id
		WHERE t.actor_id = $1
		ORDER BY t.touched_at DESC, t.id DESC
		LIMIT 1`, actorID)
	if err != nil {
		return "", notFound(err, ErrNotFound)
	}
	return hash, nil
}

func (p *Postgres) LatestGroup(ctx context.Context, actorID int64) (string, error) {
	var group string
	err := db.Get(ctx, p.pool, &group, `
		SELECT g.grp
		FROM group_memberships g
		JOIN touches t ON t.id = g.touch_id
		WHERE t.actor_id = $1
		ORDER BY t.touched_at DESC, t.id DESC
		LIMIT 1`, actorID)
	if err != nil {
		return "", notFound(err, ErrNotFound)
	}
	return group, nil
}

type touchRow struct {
	ID         int64      `db:"id"`
	ActorID    *int64     `db:"actor_id"`
	ArtifactID *int64     `db:"artifact_id"`
	StateID    *int64     `db:"state_id"`
	TouchedAt  time.Time  `db:"touched_at"`
	StateName  *string    `db:"state_name"`
	Cores      *int       `db:"cores"`
	RAM        *int       `db:"ram"`
	Credit     *int64     `db:"credit"`
	DeboostAt  *time.Time `db:"deboost_at"`
	OwnerID    *int64     `db:"owner_id"`
	Group      *string    `db:"grp"`
	Password   *string    `db:"hash"`
}

func (r touchRow) detail() TouchDetail {
	d := TouchDetail{
		Touch: Touch{
			ID:         r.ID,
			ActorID:    r.ActorID,
			ArtifactID: r.ArtifactID,
			StateID:    r.StateID,
			TouchedAt:  r.TouchedAt,
		},
		StateName: r.StateName,
		Credit:    r.Credit,
		DeboostAt: r.DeboostAt,
		OwnerID:   r.OwnerID,
		Group:     r.Group,
		Password:  r.Password,
	}
	if r.Cores != nil && r.RAM != nil {
		d.Spec = &Spec{Cores: *r.Cores, RAM: *r.RAM}
	}
	return d
}

const touchDetailQuery = `
	SELECT t.id, t.actor_id, t.artifact_id, t.state_id, t.touched_at,
	       st.name AS state_name,
	       sp.cores, sp.ram,
	       c.credit,
	       d.deboost_at,
	       o.user_id AS owner_id,
	       g.grp,
	       pw.hash
	FROM touches t
	LEFT JOIN artifact_states st ON st.id = t.state_id
	LEFT JOIN specifications sp ON sp.touch_id = t.id
	LEFT JOIN credits c ON c.touch_id = t.id
	LEFT JOIN deboosts d ON d.touch_id = t.id
	LEFT JOIN ownerships o ON o.touch_id = t.id
	LEFT JOIN group_memberships g ON g.touch_id = t.id
	LEFT JOIN passwords pw ON pw.touch_id = t.id`

func (p *Postgres) Touches(ctx context.Context, artifactID int64) ([]TouchDetail, error) {
	var rows []touchRow
	err := db.Select(ctx, p.pool, &rows,
		touchDetailQuery+` WHERE t.artifact_id = $1 ORDER BY t.id`, artifactID)
	if err != nil {
		return nil, err
	}

	details := make([]TouchDetail, 0, len(rows))
	for _, r := range rows {
		details = append(details, r.detail())
	}
	return details, nil
}

func (p *Postgres) AllTouches(ctx context.Context) ([]TouchDetail, error) {
	var rows []touchRow
	err := db.Select(ctx, p.pool, &rows, touchDetailQuery+` ORDER BY t.id`)
	if err != nil {
		return nil, err
	}

	details := make([]TouchDetail, 0, len(rows))
	for _, r := range rows {
		details = append(details, r.detail())
	}
	return details, nil
}
