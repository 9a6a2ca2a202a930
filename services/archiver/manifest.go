package archiver

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest is the signed metadata carried inside a ledger archive.
type Manifest struct {
	Version          string         `yaml:"version"`
	CreatedAt        time.Time      `yaml:"created_at"`
	Signer           string         `yaml:"signer,omitempty"`
	SigningPublicKey string         `yaml:"signing_public_key,omitempty"`
	Signature        string         `yaml:"signature,omitempty"`
	Sections         []SectionEntry `yaml:"sections"`
}

// SigningBytes marshals the manifest without its signature for
// signing and verification.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// SectionEntry describes one JSON-lines file within the archive.
type SectionEntry struct {
	Path   string `yaml:"path"`
	Rows   int    `yaml:"rows"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}
