package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/nahisaho/musubi-replan/engine/core"
)

// LoadFile reads a YAML config file, merges it over the defaults and
// validates the result. Unknown keys are rejected.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return LoadBytes(data)
}

// LoadBytes parses YAML config from memory with strict decoding.
func LoadBytes(data []byte) (*Config, error) {
	var user Config
	if err := yaml.UnmarshalWithOptions(data, &user, yaml.Strict()); err != nil {
		return nil, core.NewError(
			fmt.Errorf("failed to parse config: %w", err),
			core.ErrCodeInvalidConfig,
			nil,
		)
	}
	return Merge(&user)
}
