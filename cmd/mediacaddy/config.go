package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the resolved configuration shared by every command. Values come
// from flags, MEDIACADDY_* environment variables and the config file, in
// that order of precedence, with struct defaults filling whatever is left.
type Config struct {
	Root  string      `mapstructure:"root" default:".mediacaddy/blobs" validate:"required"`
	Log   LogConfig   `mapstructure:"log"`
	HTTP  HTTPConfig  `mapstructure:"http"`
	Media MediaConfig `mapstructure:"media"`
	Meta  MetaConfig  `mapstructure:"meta"`
	Sweep SweepConfig `mapstructure:"sweep"`
}

type LogConfig struct {
	Level    string `mapstructure:"level" default:"info" validate:"oneof=debug info warn error"`
	Encoding string `mapstructure:"encoding" default:"json" validate:"oneof=json console"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" default:":8080" validate:"required,hostname_port"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes" default:"5000000" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" default:"5s" validate:"gte=0"`
}

type MediaConfig struct {
	// Pointers keep an explicit false from being replaced by the default.
	NormalizeImages *bool `mapstructure:"normalize_images" default:"true"`
	ProbeVideo      *bool `mapstructure:"probe_video" default:"true"`
	ProbeSize       int64 `mapstructure:"probe_size" default:"5000000" validate:"gte=2048"`
}

type MetaConfig struct {
	CacheEntries int           `mapstructure:"cache_entries" default:"1024" validate:"gt=0"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl" default:"10m" validate:"gte=0"`
}

type SweepConfig struct {
	Interval time.Duration `mapstructure:"interval" default:"10m" validate:"gte=0"`
	MaxAge   time.Duration `mapstructure:"max_age" default:"1h" validate:"gt=0"`
}

func (m MediaConfig) normalize() bool { return m.NormalizeImages == nil || *m.NormalizeImages }

func (m MediaConfig) probe() bool { return m.ProbeVideo == nil || *m.ProbeVideo }

// loadConfig decodes v into a Config, applies defaults and validates it.
func loadConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := defaults.Set(&cfg); err != nil {
		return Config{}, fmt.Errorf("apply config defaults: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	err := v.Struct(cfg)
	if err == nil {
		return nil
	}
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return fmt.Errorf("validate config: %w", err)
	}
	failed := make([]string, 0, len(errs))
	for _, fe := range errs {
		tag := fe.Tag()
		if fe.Param() != "" {
			tag += "=" + fe.Param()
		}
		failed = append(failed, fmt.Sprintf("%s: %s", fe.Namespace(), tag))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(failed, ", "))
}
