// Package config loads weirdion settings from a JSON file under the XDG
// config directory, with WEIRDION_* environment variables taking precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Models  ModelsConfig
	History HistoryConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port     int `validate:"min=1,max=65535"`
	MaxConns int `validate:"min=0"`
	APIToken string
}

type StorageConfig struct {
	ConfigDir string `validate:"required"`
	DataDir   string `validate:"required"`
}

// ModelsConfig points at the model folders scanned for checkpoint and LoRA
// choices. Empty directories disable the corresponding list.
type ModelsConfig struct {
	CheckpointsDir string
	LorasDir       string
}

type HistoryConfig struct {
	Keep          int    `validate:"min=0"`
	PruneInterval string `validate:"required"`
}

type LogConfig struct {
	Level string `validate:"oneof=debug info warn error"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     4100,
			MaxConns: 64,
		},
		Storage: StorageConfig{
			ConfigDir: defaultConfigDir(),
			DataDir:   defaultDataDir(),
		},
		History: HistoryConfig{
			Keep:          50,
			PruneInterval: "1h",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/weirdion/config.json and applies WEIRDION_* environment
// overrides. Secrets (server.api_token) are read from the environment only.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges and formats.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s fails %s%s", fieldKey(fe.Namespace()), fe.Tag(), paramSuffix(fe.Param())))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := time.ParseDuration(c.History.PruneInterval); err != nil {
		return fmt.Errorf("invalid config: history.prune_interval: %w", err)
	}
	return nil
}

// PruneInterval returns history.prune_interval as a duration. The value has
// already been checked by Validate.
func (c Config) PruneInterval() time.Duration {
	d, _ := time.ParseDuration(c.History.PruneInterval)
	return d
}

// fieldKey maps a validator namespace such as Config.Server.Port back to the
// config key server.port.
func fieldKey(namespace string) string {
	field := strings.TrimPrefix(namespace, "Config.")
	for _, s := range specs {
		if s.field == field {
			return s.key
		}
	}
	return field
}

func paramSuffix(p string) string {
	if p == "" {
		return ""
	}
	return "=" + p
}
