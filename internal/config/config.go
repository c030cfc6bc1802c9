// Package config resolves runtime settings: command-line flags take
// precedence, then environment variables, then values stored in the
// database's config table.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/blackmichael/pinakes/internal/domain"
)

// DefaultDBPath is the database file created in the working directory when
// no --db flag is given.
const DefaultDBPath = "pinakes.db"

// DefaultAppview is the public appview used when none is configured.
const DefaultAppview = "https://public.api.bsky.app"

// Config holds the settings shared by the network-facing commands.
type Config struct {
	// DID is the account whose view is indexed.
	DID string

	// Appview is the appview service URL.
	Appview string

	// OllamaURL and OllamaModel select the embedding endpoint.
	OllamaURL   string
	OllamaModel string
}

// Load resolves the config from the given flag values, the environment, and
// the store, in that order of precedence.
func Load(ctx context.Context, cs domain.ConfigStore, flagDID, flagAppview string) (*Config, error) {
	cfg := &Config{
		DID:         flagDID,
		Appview:     flagAppview,
		OllamaURL:   os.Getenv("PINAKES_OLLAMA_URL"),
		OllamaModel: os.Getenv("PINAKES_OLLAMA_MODEL"),
	}

	if cfg.DID == "" {
		cfg.DID = os.Getenv("PINAKES_DID")
	}
	if cfg.Appview == "" {
		cfg.Appview = os.Getenv("PINAKES_APPVIEW")
	}

	if cfg.DID == "" {
		v, err := cs.GetConfig(ctx, "did")
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("load did: %w", err)
		}
		cfg.DID = v
	}
	if cfg.Appview == "" {
		v, err := cs.GetConfig(ctx, "appview")
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("load appview: %w", err)
		}
		cfg.Appview = v
	}
	if cfg.Appview == "" {
		cfg.Appview = DefaultAppview
	}
	return cfg, nil
}

// RequireDID returns the configured DID or an actionable error.
func (c *Config) RequireDID() (string, error) {
	if c.DID == "" {
		return "", fmt.Errorf("no account configured: run `pinakes config set did <did>` first")
	}
	return c.DID, nil
}
