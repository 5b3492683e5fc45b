package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate validates the configuration using struct tags registered with
// the go-playground/validator library, plus cross-field rules the tags
// cannot express.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if cfg.Store.Backend == "dynamodb" && cfg.Store.Table == "" {
		return fmt.Errorf("config validation failed: store.table is required for the dynamodb backend")
	}

	return nil
}
