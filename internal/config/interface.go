package config

import "context"

// Loader is the interface for a format-specific configuration loader.
type Loader interface {
	// Load reads configuration from the given files or directories and
	// merges them into one model.
	Load(ctx context.Context, paths ...string) (*Model, error)
}
