package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/darylkang/arbiter/pkg/config"
)

// loadResolvedConfig reads a resolved-config JSON file and validates it.
// Schema-driven loading/authoring of that file is an out-of-scope external
// collaborator; the core only ever consumes an already-shaped
// config.Resolved, so this is a direct unmarshal plus the in-scope
// Validator, not a templating or catalog-resolution layer.
func loadResolvedConfig(path string) (*config.Resolved, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg config.Resolved
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Run.RunID == "" {
		cfg.Run.RunID = uuid.New().String()
	}

	if err := config.NewValidator(&cfg).ValidateAll(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}
