package archiver

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"applianced/internal/ledger"
)

// newTestSigner builds a signer from a fresh Ed25519 key pair, plus a
// verify-only signer holding just the public half.
func newTestSigner(t *testing.T) (*Signer, *Signer) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	full := &Signer{privateKey: priv, publicKey: pub}
	verifyOnly, err := NewSigner("", full.PublicKeyBase64())
	require.NoError(t, err)
	return full, verifyOnly
}

func seededStore(t *testing.T) *ledger.Memory {
	t.Helper()
	store := ledger.NewMemory()
	ctx := context.Background()

	require.NoError(t, store.EnsureStates(ctx, []string{"Started", "Stopped"}))

	actorID, err := store.CreateActor(ctx, ledger.Actor{Handle: "alice", Username: "alice"})
	require.NoError(t, err)
	artifactID, err := store.CreateArtifact(ctx, ledger.Artifact{UUID: "u1", Name: "web"})
	require.NoError(t, err)

	stateID, err := store.StateID(ctx, "Started")
	require.NoError(t, err)
	_, err = store.AppendTouch(ctx, &actorID, &artifactID, &stateID)
	require.NoError(t, err)

	touchID, err := store.AppendTouch(ctx, &actorID, nil, nil)
	require.NoError(t, err)
	require.NoError(t, store.AddCredit(ctx, touchID, 100))
	return store
}

func TestBuildAndVerifyRoundTrip(t *testing.T) {
	ctx := context.Background()
	signer, verifyOnly := newTestSigner(t)
	output := filepath.Join(t.TempDir(), "ledger.tar.zst")

	manifest, err := Build(ctx, BuildConfig{
		Store:  seededStore(t),
		Output: output,
		Signer: signer,
		Now:    func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
		Stdout: new(bytes.Buffer),
	})
	require.NoError(t, err)
	require.Equal(t, "1", manifest.Version)
	require.NotEmpty(t, manifest.Signature)
	require.Len(t, manifest.Sections, 4)

	byPath := map[string]SectionEntry{}
	for _, entry := range manifest.Sections {
		byPath[entry.Path] = entry
	}
	require.Equal(t, 2, byPath["ledger/states.jsonl"].Rows)
	require.Equal(t, 1, byPath["ledger/users.jsonl"].Rows)
	require.Equal(t, 1, byPath["ledger/servers.jsonl"].Rows)
	require.Equal(t, 2, byPath["ledger/touches.jsonl"].Rows)

	// A verify-only signer with just the public key accepts the archive.
	verified, err := Verify(ctx, VerifyConfig{
		Path:   output,
		Signer: verifyOnly,
		Stdout: new(bytes.Buffer),
	})
	require.NoError(t, err)
	require.True(t, manifest.CreatedAt.Equal(verified.CreatedAt))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	ctx := context.Background()
	signer, _ := newTestSigner(t)
	_, otherVerifier := newTestSigner(t)
	output := filepath.Join(t.TempDir(), "ledger.tar.zst")

	_, err := Build(ctx, BuildConfig{
		Store:  seededStore(t),
		Output: output,
		Signer: signer,
		Stdout: new(bytes.Buffer),
	})
	require.NoError(t, err)

	_, err = Verify(ctx, VerifyConfig{
		Path:   output,
		Signer: otherVerifier,
		Stdout: new(bytes.Buffer),
	})
	require.Error(t, err)
}

func TestVerifyRejectsTamperedArchive(t *testing.T) {
	ctx := context.Background()
	signer, _ := newTestSigner(t)
	output := filepath.Join(t.TempDir(), "ledger.tar.zst")

	_, err := Build(ctx, BuildConfig{
		Store:  seededStore(t),
		Output: output,
		Signer: signer,
		Stdout: new(bytes.Buffer),
	})
	require.NoError(t, err)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(output, data, 0o644))

	_, err = Verify(ctx, VerifyConfig{
		Path:   output,
		Signer: signer,
		Stdout: new(bytes.Buffer),
	})
	require.Error(t, err)
}

type fakeExecer struct {
	sql  string
	args []any
}

func (f *fakeExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql = sql
	f.args = args
	return pgconn.CommandTag{}, nil
}

func TestRecordRun(t *testing.T) {
	ctx := context.Background()
	signer, _ := newTestSigner(t)
	output := filepath.Join(t.TempDir(), "ledger.tar.zst")

	manifest, err := Build(ctx, BuildConfig{
		Store:  seededStore(t),
		Output: output,
		Signer: signer,
		Stdout: new(bytes.Buffer),
	})
	require.NoError(t, err)

	db := &fakeExecer{}
	require.NoError(t, RecordRun(ctx, db, output, manifest))
	require.Contains(t, db.sql, "archive_runs")
	require.Len(t, db.args, 3)
	require.Equal(t, output, db.args[0])

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	require.Equal(t, hex.EncodeToString(sum[:]), db.args[1])

	var details map[string]any
	require.NoError(t, json.Unmarshal(db.args[2].([]byte), &details))
	require.EqualValues(t, 6, details["total_rows"])
	rows, ok := details["rows"].(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 2, rows["ledger/touches.jsonl"])

	require.Error(t, RecordRun(ctx, db, filepath.Join(t.TempDir(), "missing"), manifest))
	require.Error(t, RecordRun(ctx, nil, output, manifest))
}

func TestSignerConfiguration(t *testing.T) {
	_, err := NewSigner("", "")
	require.Error(t, err)

	_, err = NewSigner("not-a-bech32-key", "")
	require.Error(t, err)

	_, err = NewSigner("", "not base64!")
	require.Error(t, err)

	// A short base64 string decodes but is not a valid key.
	_, err = NewSigner("", "c2hvcnQ=")
	require.Error(t, err)

	_, verifyOnly := newTestSigner(t)
	_, err = verifyOnly.Sign([]byte("payload"))
	require.Error(t, err)
}

func TestManifestSigningBytesExcludeSignature(t *testing.T) {
	m := Manifest{Version: "1", Signature: "sig"}
	payload, err := m.SigningBytes()
	require.NoError(t, err)
	require.NotContains(t, string(payload), "sig")

	unsigned := Manifest{Version: "1"}
	same, err := unsigned.SigningBytes()
	require.NoError(t, err)
	require.Equal(t, same, payload)
}
