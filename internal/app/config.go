package app

import (
	"errors"
	"fmt"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	ConfigPaths []string // .hcl or .yaml files, or directories of .hcl files
	PluginPaths []string // launcher plugins in addition to the configured ones

	LogFormat       string
	LogLevel        string
	HealthcheckPort int

	// RankListen is the rank hub address. Empty picks a free loopback port.
	RankListen string
	// Steps, when positive, runs exactly that many ticks instead of running
	// until the timeout.
	Steps int
	// ControlListen is the control-plane address for Serve; "-" serves on
	// standard input and output.
	ControlListen string
	Workers       int
}

func NewConfig(cfg Config) (*Config, error) {
	if len(cfg.ConfigPaths) == 0 {
		return nil, errors.New("at least one configuration path is required")
	}
	if cfg.Steps < 0 {
		return nil, fmt.Errorf("steps must not be negative, got %d", cfg.Steps)
	}
	if cfg.HealthcheckPort < 0 || cfg.HealthcheckPort > 65535 {
		return nil, fmt.Errorf("invalid healthcheck port %d", cfg.HealthcheckPort)
	}
	return &cfg, nil
}
