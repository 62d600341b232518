// Package config loads the process-wide engine configuration from
// defaults, an optional YAML file and CWLENGINE_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"

	"github.com/me/cwlengine/internal/backend"
	"github.com/me/cwlengine/internal/execconfig"
	"github.com/me/cwlengine/pkg/model"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CWLENGINE_"

// Config holds the engine configuration.
type Config struct {
	Runtime  RuntimeConfig  `koanf:"runtime"`
	Log      LogConfig      `koanf:"log"`
	Poll     PollConfig     `koanf:"poll"`
	Defaults DefaultsConfig `koanf:"defaults"`
	Local    LocalConfig    `koanf:"local"`
	Engine   EngineConfig   `koanf:"engine"`

	// Batch is only validated when Runtime.Env is BATCH.
	Batch backend.BatchConfig `koanf:"batch" validate:"-"`

	// Exec holds the hard defaults behind the execution configuration.
	Exec execconfig.Settings `koanf:"exec"`
}

type RuntimeConfig struct {
	// Env selects the backend for every job: LOCAL or BATCH.
	Env string `koanf:"env" validate:"required,oneof=LOCAL BATCH"`

	// WorkRoot holds one directory per job instance.
	WorkRoot string `koanf:"work_root" validate:"required"`

	TmpDir string `koanf:"tmpdir"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn warning error DEBUG INFO WARN ERROR"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

type PollConfig struct {
	Interval time.Duration `koanf:"interval" validate:"gt=0"`

	// Timeout bounds the wait for one job; zero means no limit.
	Timeout time.Duration `koanf:"timeout" validate:"gte=0"`
}

// DefaultsConfig seeds the runtime object of every job.
type DefaultsConfig struct {
	Cores      int   `koanf:"cores" validate:"gte=1"`
	RAM        int64 `koanf:"ram" validate:"gte=1"`
	TmpdirSize int64 `koanf:"tmpdir_size" validate:"gte=0"`
	OutdirSize int64 `koanf:"outdir_size" validate:"gte=0"`
}

type LocalConfig struct {
	// MaxParallel bounds concurrently running local jobs; 0 is unlimited.
	MaxParallel int `koanf:"max_parallel" validate:"gte=0"`
}

type EngineConfig struct {
	ExpressionTimeout time.Duration `koanf:"expression_timeout" validate:"gt=0"`

	// ScriptTimeout applies to post-failure scripts without their own.
	ScriptTimeout time.Duration `koanf:"script_timeout" validate:"gt=0"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Runtime: RuntimeConfig{
			Env:      string(model.RuntimeEnvLocal),
			WorkRoot: "./cwl-work",
			TmpDir:   os.TempDir(),
		},
		Log:  LogConfig{Level: "info", Format: "text"},
		Poll: PollConfig{Interval: time.Second},
		Defaults: DefaultsConfig{
			Cores:      1,
			RAM:        1024,
			TmpdirSize: 1024,
			OutdirSize: 1024,
		},
		Engine: EngineConfig{
			ExpressionTimeout: 5 * time.Second,
			ScriptTimeout:     10 * time.Minute,
		},
		Batch: backend.DefaultBatchConfig(),
	}
}

// RuntimeEnv returns the parsed runtime environment.
func (c *Config) RuntimeEnv() model.RuntimeEnv {
	env, _ := model.ParseRuntimeEnv(c.Runtime.Env)
	return env
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is not empty), then environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
		if err := k.Load(rawMap(raw), nil); err != nil {
			return nil, fmt.Errorf("apply config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return transformEnvKey(strings.TrimPrefix(key, EnvPrefix)), value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &cfg,
			TagName:          "koanf",
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	cfg.Runtime.Env = strings.ToUpper(cfg.Runtime.Env)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints, and the batch templates when the
// batch runtime is selected.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if c.RuntimeEnv() == model.RuntimeEnvBatch {
		if err := v.Struct(&c.Batch); err != nil {
			return fmt.Errorf("batch configuration validation failed: %w", err)
		}
	}
	return nil
}

// transformEnvKey maps POLL_INTERVAL to poll.interval and
// LOCAL_MAX_PARALLEL to local.max_parallel.
func transformEnvKey(s string) string {
	parts := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool { return r == '_' })
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	return parts[0] + "." + strings.Join(parts[1:], "_")
}

// rawMap adapts a decoded map to a koanf.Provider.
type rawMap map[string]any

func (r rawMap) Read() (map[string]any, error) { return r, nil }

func (r rawMap) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("ReadBytes not implemented")
}
