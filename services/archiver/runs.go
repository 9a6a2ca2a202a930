package archiver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jackc/pgx/v5/pgconn"
)

// execer is the slice of pgxpool.Pool needed to record runs.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// RecordRun writes an archive_runs audit row for a completed export: the
// bundle path, its sha256 and the per-section row counts.
func RecordRun(ctx context.Context, db execer, output string, manifest *Manifest) error {
	if db == nil {
		return errors.New("database handle is required")
	}
	if manifest == nil {
		return errors.New("manifest is required")
	}

	file, err := os.Open(output)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return fmt.Errorf("hash archive: %w", err)
	}

	rows := map[string]int{}
	total := 0
	for _, sec := range manifest.Sections {
		rows[sec.Path] = sec.Rows
		total += sec.Rows
	}
	details, err := json.Marshal(map[string]any{
		"rows":       rows,
		"total_rows": total,
		"signer":     manifest.Signer,
	})
	if err != nil {
		return fmt.Errorf("marshal run details: %w", err)
	}

	_, err = db.Exec(ctx,
		`INSERT INTO archive_runs (bundle, sha256, details, at) VALUES ($1, $2, $3, now())`,
		output, hex.EncodeToString(hash.Sum(nil)), details)
	if err != nil {
		return fmt.Errorf("record archive run: %w", err)
	}
	return nil
}
