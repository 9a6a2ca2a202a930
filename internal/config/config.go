// Package config loads service settings from the environment and the
// boost-catalog file. The catalog file is JSON with comments and trailing
// commas allowed, so ops can annotate capacity tables in place.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/tidwall/jsonc"

	"applianced/internal/boost"
)

// Config is the API service configuration.
type Config struct {
	Addr         string        `env:"API_ADDR, default=:8080"`
	DatabaseURL  string        `env:"DATABASE_URL, required"`
	NATSURL      string        `env:"NATS_URL"`
	OTLPEndpoint string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	BoostConfig  string        `env:"BOOST_CONFIG"`
	TokenTTL     time.Duration `env:"TOKEN_TTL, default=4h"`
	LogPretty    bool          `env:"LOG_PRETTY"`

	// Agent shared secret: the file, when set, wins over the literal.
	AgentSecret     string `env:"AGENT_SECRET"`
	AgentSecretFile string `env:"AGENT_SECRETFILE"`
}

// Load reads the configuration from the process environment.
func Load(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ResolveAgentSecret applies the secret-file-over-literal precedence.
// Running without any agent secret is refused outright: it would leave
// the agent account open or dead depending on middleware defaults.
func (c Config) ResolveAgentSecret() (string, error) {
	if c.AgentSecretFile != "" {
		raw, err := os.ReadFile(c.AgentSecretFile)
		if err != nil {
			return "", fmt.Errorf("read agent secret file: %w", err)
		}
		secret := strings.TrimRight(string(raw), "\n")
		if secret == "" {
			return "", fmt.Errorf("agent secret file %s is empty", c.AgentSecretFile)
		}
		return secret, nil
	}
	if c.AgentSecret == "" {
		return "", errors.New("no agent secret configured")
	}
	return c.AgentSecret, nil
}

type boostFile struct {
	BoostLevels *boost.Catalog `json:"BoostLevels"`
	ExtraStates []string       `json:"ExtraStates"`
}

// LoadCatalog reads the boost catalog plus any extra lifecycle states from
// the given file. An empty path or a missing file yields the default
// catalog; a malformed file is an error so a typo cannot silently zero
// out the capacity table.
func LoadCatalog(path string) (boost.Catalog, []string, error) {
	catalog := boost.DefaultCatalog()
	if path == "" {
		return catalog, nil, nil
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return catalog, nil, nil
	}
	if err != nil {
		return boost.Catalog{}, nil, err
	}

	var parsed boostFile
	if err := json.Unmarshal(jsonc.ToJSON(raw), &parsed); err != nil {
		return boost.Catalog{}, nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if parsed.BoostLevels != nil {
		catalog = *parsed.BoostLevels
		if catalog.Levels == nil {
			catalog.Levels = []boost.Level{}
		}
		if catalog.Capacity == nil {
			catalog.Capacity = [][]int{}
		}
		if catalog.Baseline == (boost.Level{}) {
			catalog.Baseline = boost.DefaultCatalog().Baseline
		}
	}
	return catalog, parsed.ExtraStates, nil
}
