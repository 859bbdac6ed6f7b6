package api

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadRequestConfig reads a RequestConfig from a YAML file. Durations use Go
// syntax ("30s", "1m"). Handlers, endpoints and the environment are not part
// of the file and must be set by the caller.
func LoadRequestConfig(path string) (RequestConfig, error) {
	var cfg RequestConfig

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read request config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return cfg, nil
}
