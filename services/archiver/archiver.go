// Package archiver exports the full touch ledger as a signed, compressed
// archive for off-site retention. An archive is a zstd-compressed tar
// holding a yaml manifest plus one JSON-lines file per ledger section;
// the manifest carries a sha256 per section and an Ed25519 signature so
// a restore site can prove the export is intact and authentic.
package archiver

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	gos3 "applianced/pkg/s3"
	"applianced/internal/ledger"
)

const (
	manifestFileName = "manifest.yaml"
	sectionTarPrefix = "ledger"
)

// BuildConfig configures a ledger export.
type BuildConfig struct {
	Store  ledger.Store
	Output string
	Signer *Signer
	Now    func() time.Time
	Stdout io.Writer
}

// VerifyConfig configures archive verification.
type VerifyConfig struct {
	Path   string
	Signer *Signer
	Stdout io.Writer
}

// UploadConfig configures pushing a built archive to object storage.
type UploadConfig struct {
	Path   string
	Bucket string
	Key    string
	S3     *gos3.Client
	Stdout io.Writer
}

type section struct {
	name string
	rows int
	data []byte
}

// Build dumps every ledger section, signs the manifest and writes the
// tar.zst archive to cfg.Output.
func Build(ctx context.Context, cfg BuildConfig) (*Manifest, error) {
	if cfg.Store == nil {
		return nil, errors.New("ledger store is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	sections, err := collectSections(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	manifest := &Manifest{
		Version:          "1",
		CreatedAt:        cfg.Now().UTC().Truncate(time.Second),
		Signer:           cfg.Signer.Recipient(),
		SigningPublicKey: cfg.Signer.PublicKeyBase64(),
	}
	for _, sec := range sections {
		sum := sha256.Sum256(sec.data)
		manifest.Sections = append(manifest.Sections, SectionEntry{
			Path:   path.Join(sectionTarPrefix, sec.name+".jsonl"),
			Rows:   sec.rows,
			Size:   int64(len(sec.data)),
			SHA256: hex.EncodeToString(sum[:]),
		})
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for signing: %w", err)
	}
	sig, err := cfg.Signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}
	manifest.Signature = sig

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeArchive(cfg.Output, manifestBytes, manifest.Sections, sections); err != nil {
		return nil, err
	}

	total := 0
	for _, sec := range sections {
		total += sec.rows
	}
	fmt.Fprintf(cfg.Stdout, "wrote archive %s (%d rows across %d sections)\n", cfg.Output, total, len(sections))
	return manifest, nil
}

func collectSections(ctx context.Context, store ledger.Store) ([]section, error) {
	states, err := store.StateNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	type stateLine struct {
		Name string `json:"name"`
	}
	stateLines := make([]any, 0, len(states))
	for _, name := range states {
		stateLines = append(stateLines, stateLine{Name: name})
	}

	users, err := store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	userLines := make([]any, 0, len(users))
	for _, u := range users {
		userLines = append(userLines, u)
	}

	names, err := store.ListArtifactNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	serverLines := make([]any, 0, len(names))
	for _, name := range names {
		id, err := store.ArtifactIDByName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("resolve artifact %q: %w", name, err)
		}
		art, err := store.GetArtifact(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load artifact %q: %w", name, err)
		}
		serverLines = append(serverLines, art)
	}

	touches, err := store.AllTouches(ctx)
	if err != nil {
		return nil, fmt.Errorf("list touches: %w", err)
	}
	touchLines := make([]any, 0, len(touches))
	for _, t := range touches {
		touchLines = append(touchLines, t)
	}

	sections := make([]section, 0, 4)
	for _, src := range []struct {
		name  string
		lines []any
	}{
		{"states", stateLines},
		{"users", userLines},
		{"servers", serverLines},
		{"touches", touchLines},
	} {
		data, err := encodeLines(src.lines)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", src.name, err)
		}
		sections = append(sections, section{name: src.name, rows: len(src.lines), data: data})
	}
	return sections, nil
}

func encodeLines(lines []any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, line := range lines {
		if err := enc.Encode(line); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func writeArchive(output string, manifest []byte, entries []SectionEntry, sections []section) error {
	dir := filepath.Dir(output)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer file.Close()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	defer encoder.Close()

	tw := tar.NewWriter(encoder)
	defer tw.Close()

	now := time.Now().UTC()
	if err := writeTarFile(tw, manifestFileName, manifest, now); err != nil {
		return err
	}
	for i, sec := range sections {
		if err := writeTarFile(tw, entries[i].Path, sec.data, now); err != nil {
			return err
		}
	}
	return nil
}

func writeTarFile(tw *tar.Writer, name string, data []byte, modTime time.Time) error {
	header := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %q: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write body for %q: %w", name, err)
	}
	return nil
}

// Verify reads an archive, checks the manifest signature and every
// section's size, sha256 and row count.
func Verify(ctx context.Context, cfg VerifyConfig) (*Manifest, error) {
	if cfg.Path == "" {
		return nil, errors.New("archive file is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	manifestBytes, files, err := readArchive(ctx, cfg.Path)
	if err != nil {
		return nil, err
	}
	if len(manifestBytes) == 0 {
		return nil, errors.New("archive missing manifest.yaml")
	}

	var manifest Manifest
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != "1" {
		return nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}
	if manifest.Signature == "" {
		return nil, errors.New("manifest missing signature")
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if err := cfg.Signer.Verify(payload, manifest.Signature, manifest.SigningPublicKey); err != nil {
		return nil, fmt.Errorf("verify manifest signature: %w", err)
	}

	for _, entry := range manifest.Sections {
		data, ok := files[entry.Path]
		if !ok {
			return nil, fmt.Errorf("section %q missing from archive", entry.Path)
		}
		if int64(len(data)) != entry.Size {
			return nil, fmt.Errorf("size mismatch for %q: expected %d got %d", entry.Path, entry.Size, len(data))
		}
		sum := sha256.Sum256(data)
		if !strings.EqualFold(hex.EncodeToString(sum[:]), entry.SHA256) {
			return nil, fmt.Errorf("sha256 mismatch for %q", entry.Path)
		}
		if rows := bytes.Count(data, []byte{'\n'}); rows != entry.Rows {
			return nil, fmt.Errorf("row count mismatch for %q: expected %d got %d", entry.Path, entry.Rows, rows)
		}
	}

	fmt.Fprintf(cfg.Stdout, "verified archive signed at %s (%d sections)\n",
		manifest.CreatedAt.Format(time.RFC3339), len(manifest.Sections))
	return &manifest, nil
}

func readArchive(ctx context.Context, archivePath string) ([]byte, map[string][]byte, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	tr := tar.NewReader(decoder)
	var manifestBytes []byte
	files := map[string][]byte{}

	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, nil, fmt.Errorf("read %q: %w", header.Name, err)
		}

		name := path.Clean(filepath.ToSlash(header.Name))
		if name == manifestFileName {
			manifestBytes = data
			continue
		}
		files[name] = data
	}
	return manifestBytes, files, nil
}

// Upload pushes a built archive to S3. The object key defaults to the
// archive's base name.
func Upload(ctx context.Context, cfg UploadConfig) error {
	if cfg.Path == "" {
		return errors.New("archive file is required")
	}
	if cfg.Bucket == "" {
		return errors.New("bucket is required")
	}
	if cfg.S3 == nil {
		return errors.New("s3 client is required")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	key := cfg.Key
	if key == "" {
		key = filepath.Base(cfg.Path)
	}

	file, err := os.Open(cfg.Path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return fmt.Errorf("hash archive: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind archive: %w", err)
	}

	digest := hex.EncodeToString(hash.Sum(nil))
	if err := cfg.S3.PutObject(ctx, cfg.Bucket, key, file, size, digest); err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}

	fmt.Fprintf(cfg.Stdout, "uploaded s3://%s/%s (%d bytes)\n", cfg.Bucket, key, size)
	return nil
}
