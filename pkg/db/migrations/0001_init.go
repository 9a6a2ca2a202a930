package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Actor struct {
	ID       int64  `gorm:"type:bigserial;primaryKey"`
	Kind     string `gorm:"type:text;not null"`
	Handle   string `gorm:"type:text;uniqueIndex;not null"`
	Name     string `gorm:"type:text;not null"`
	Username string `gorm:"type:text;not null;index"`
}

type Artifact struct {
	ID   int64  `gorm:"type:bigserial;primaryKey"`
	UUID string `gorm:"column:uuid;type:text;not null;index"`
	Name string `gorm:"type:text;not null;index"`
	Kind string `gorm:"type:text;not null"`
}

type ArtifactState struct {
	ID   int64  `gorm:"type:bigserial;primaryKey"`
	FSM  string `gorm:"column:fsm;type:text;not null;index:idx_state_fsm_name,unique"`
	Name string `gorm:"type:text;not null;index:idx_state_fsm_name,unique"`
}

// Touch is the append-only spine; every change to the system hangs off one row here.
type Touch struct {
	ID         int64     `gorm:"type:bigserial;primaryKey"`
	ActorID    *int64    `gorm:"type:bigint;index"`
	ArtifactID *int64    `gorm:"type:bigint;index"`
	StateID    *int64    `gorm:"type:bigint"`
	TouchedAt  time.Time `gorm:"type:timestamptz;not null;default:now();index"`

	Actor    Actor         `gorm:"foreignKey:ActorID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
	Artifact Artifact      `gorm:"foreignKey:ArtifactID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
	State    ArtifactState `gorm:"foreignKey:StateID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

type Specification struct {
	ID      int64 `gorm:"type:bigserial;primaryKey"`
	TouchID int64 `gorm:"type:bigint;not null;uniqueIndex"`
	Cores   int   `gorm:"type:int;not null"`
	RAM     int   `gorm:"column:ram;type:int;not null"`
	Touch   Touch `gorm:"foreignKey:TouchID;references:ID;constraint:OnDelete:CASCADE"`
}

type Credit struct {
	ID      int64 `gorm:"type:bigserial;primaryKey"`
	TouchID int64 `gorm:"type:bigint;not null;uniqueIndex"`
	Credit  int64 `gorm:"type:bigint;not null"`
	Touch   Touch `gorm:"foreignKey:TouchID;references:ID;constraint:OnDelete:CASCADE"`
}

type Deboost struct {
	ID        int64     `gorm:"type:bigserial;primaryKey"`
	TouchID   int64     `gorm:"type:bigint;not null;uniqueIndex"`
	DeboostAt time.Time `gorm:"type:timestamptz;not null"`
	Touch     Touch     `gorm:"foreignKey:TouchID;references:ID;constraint:OnDelete:CASCADE"`
}

type Ownership struct {
	ID      int64 `gorm:"type:bigserial;primaryKey"`
	TouchID int64 `gorm:"type:bigint;not null;uniqueIndex"`
	UserID  int64 `gorm:"type:bigint;not null;index"`
	Touch   Touch `gorm:"foreignKey:TouchID;references:ID;constraint:OnDelete:CASCADE"`
	User    Actor `gorm:"foreignKey:UserID;references:ID;constraint:OnDelete:RESTRICT"`
}

type Password struct {
	ID      int64  `gorm:"type:bigserial;primaryKey"`
	TouchID int64  `gorm:"type:bigint;not null;uniqueIndex"`
	Hash    string `gorm:"type:text;not null"`
	Touch   Touch  `gorm:"foreignKey:TouchID;references:ID;constraint:OnDelete:CASCADE"`
}

type GroupMembership struct {
	ID      int64  `gorm:"type:bigserial;primaryKey"`
	TouchID int64  `gorm:"type:bigint;not null;uniqueIndex"`
	Grp     string `gorm:"column:grp;type:text;not null"`
	Touch   Touch  `gorm:"foreignKey:TouchID;references:ID;constraint:OnDelete:CASCADE"`
}

// ArchiveRun records each ledger export taken by the archiver.
type ArchiveRun struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	Bundle  string            `gorm:"type:text;not null"`
	SHA256  string            `gorm:"column:sha256;type:text;not null"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now()"`
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Actor{},
		&Artifact{},
		&ArtifactState{},
		&Touch{},
		&Specification{},
		&Credit{},
		&Deboost{},
		&Ownership{},
		&Password{},
		&GroupMembership{},
		&ArchiveRun{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	constraints := []struct {
		model any
		rel   string
	}{
		{&Touch{}, "Actor"},
		{&Touch{}, "Artifact"},
		{&Touch{}, "State"},
		{&Specification{}, "Touch"},
		{&Credit{}, "Touch"},
		{&Deboost{}, "Touch"},
		{&Ownership{}, "Touch"},
		{&Ownership{}, "User"},
		{&Password{}, "Touch"},
		{&GroupMembership{}, "Touch"},
	}
	for _, c := range constraints {
		if err := m.CreateConstraint(c.model, c.rel); err != nil {
			return err
		}
	}

	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).Migrator().DropTable(
		&ArchiveRun{},
		&GroupMembership{},
		&Password{},
		&Ownership{},
		&Deboost{},
		&Credit{},
		&Specification{},
		&Touch{},
		&ArtifactState{},
		&Artifact{},
		&Actor{},
	); err != nil {
		return err
	}

	return nil
}
