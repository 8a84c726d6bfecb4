// Package config loads component configuration from the environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validator is implemented by config structs that check their own values.
type Validator interface {
	Validate() error
}

// Load parses target from the environment and validates it when it knows how.
func Load(target any) error {
	if err := ParseEnv(target); err != nil {
		return err
	}
	if v, ok := target.(Validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	return nil
}
