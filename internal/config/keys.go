package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

// keySpec binds a dotted config key to its Config field. field is the
// struct path reported by the validator.
type keySpec struct {
	key     string
	field   string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", field: "Server.Port", typ: kInt, env: "WEIRDION_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", field: "Server.MaxConns", typ: kInt, env: "WEIRDION_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "server.api_token", field: "Server.APIToken", typ: kString, env: "WEIRDION_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.config_dir", field: "Storage.ConfigDir", typ: kString, env: "WEIRDION_CONFIG_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.ConfigDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.ConfigDir },
	},
	{
		key: "storage.data_dir", field: "Storage.DataDir", typ: kString, env: "WEIRDION_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "models.checkpoints_dir", field: "Models.CheckpointsDir", typ: kString, env: "WEIRDION_CHECKPOINTS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Models.CheckpointsDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.CheckpointsDir },
	},
	{
		key: "models.loras_dir", field: "Models.LorasDir", typ: kString, env: "WEIRDION_LORAS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Models.LorasDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.LorasDir },
	},
	{
		key: "history.keep", field: "History.Keep", typ: kInt, env: "WEIRDION_HISTORY_KEEP",
		apply:   func(cfg *Config, v any) { cfg.History.Keep = v.(int) },
		extract: func(cfg Config) any { return cfg.History.Keep },
	},
	{
		key: "history.prune_interval", field: "History.PruneInterval", typ: kString, env: "WEIRDION_HISTORY_PRUNE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.History.PruneInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.History.PruneInterval },
	},
	{
		key: "log.level", field: "Log.Level", typ: kString, env: "WEIRDION_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				slog.Warn("could not parse integer from env var, using default", "env", s.env, "value", raw, "error", err)
			}
		}
	}
}
