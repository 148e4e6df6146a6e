package config

import (
	"fmt"
	"time"
)

// LoadProfile returns the defaults for a named deployment profile.
// Environment variables are not applied.
func LoadProfile(name string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.Profile = name

	switch name {
	case "development", "default":
		cfg.Environment = EnvDevelopment
		cfg.Logging.Level = "debug"
		cfg.Logging.Format = "text"
	case "testing":
		cfg.Environment = EnvTesting
		cfg.Server.Address = "127.0.0.1:0"
		cfg.Board.CelebrationWindow = 50 * time.Millisecond
	case "staging":
		cfg.Environment = EnvStaging
		cfg.Storage.Adapter = "redis"
		cfg.Metrics.Enabled = true
	case "production":
		cfg.Environment = EnvProduction
		cfg.Storage.Adapter = "redis"
		cfg.Server.CORSOrigin = ""
		cfg.Metrics.Enabled = true
		cfg.Security.EnableRateLimit = true
	default:
		return nil, fmt.Errorf("unknown profile %q", name)
	}

	return cfg, nil
}
