// Package config loads possum settings from defaults, a YAML file,
// POSSUM_* environment variables and command-line flags, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. POSSUM_LEDGER_PATH.
const EnvPrefix = "POSSUM"

// Config holds possum settings that are not per-job workflow options.
type Config struct {
	Scratch   ScratchConfig   `mapstructure:"scratch"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Log       LogConfig       `mapstructure:"log"`
	Catalogue CatalogueConfig `mapstructure:"catalogue"`
}

// ScratchConfig selects the roots that job directories are created under.
type ScratchConfig struct {
	Shared     string `mapstructure:"shared"`     // memory-backed root (default /dev/shm)
	Persistent string `mapstructure:"persistent"` // used with --disableSharedMemory
}

// LedgerConfig locates the SQLite job ledger.
type LedgerConfig struct {
	Path     string `mapstructure:"path"`
	Disabled bool   `mapstructure:"disabled"`
}

// RunnerConfig selects the parallel fan-out runner.
type RunnerConfig struct {
	Kind    string        `mapstructure:"kind"` // auto, parallel, pool
	Timeout time.Duration `mapstructure:"timeout"`
}

// LogConfig sets the log handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text, json
}

// CatalogueConfig lists extra tool definition files or directories.
type CatalogueConfig struct {
	Paths []string `mapstructure:"paths"`
}

// Dir returns ~/.possum.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".possum"
	}
	return filepath.Join(home, ".possum")
}

// Default returns sensible defaults.
func Default() Config {
	return Config{
		Scratch: ScratchConfig{
			Shared:     "/dev/shm",
			Persistent: os.TempDir(),
		},
		Ledger: LedgerConfig{
			Path: filepath.Join(Dir(), "ledger.db"),
		},
		Runner: RunnerConfig{
			Kind: "auto",
		},
		Log: LogConfig{
			Level:  "WARNING",
			Format: "text",
		},
		Catalogue: CatalogueConfig{
			Paths: []string{},
		},
	}
}

// flagKeys maps config keys to the command-line flags that override them.
var flagKeys = map[string]string{
	"log.level":      "loglevel",
	"log.format":     "logFormat",
	"runner.kind":    "runner",
	"runner.timeout": "timeout",
	"ledger.path":    "ledger",
}

// Load reads configFile, or config.yaml from ~/.possum or the working
// directory when configFile is empty. A missing default file is not an
// error. Flags present in flags and listed in flagKeys take precedence when
// set on the command line.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(Dir())
		v.AddConfigPath(".")
	}

	def := Default()
	v.SetDefault("scratch.shared", def.Scratch.Shared)
	v.SetDefault("scratch.persistent", def.Scratch.Persistent)
	v.SetDefault("ledger.path", def.Ledger.Path)
	v.SetDefault("ledger.disabled", def.Ledger.Disabled)
	v.SetDefault("runner.kind", def.Runner.Kind)
	v.SetDefault("runner.timeout", def.Runner.Timeout)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("catalogue.paths", def.Catalogue.Paths)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for key, name := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Ledger.Path = ExpandHome(cfg.Ledger.Path)
	for i, p := range cfg.Catalogue.Paths {
		cfg.Catalogue.Paths[i] = ExpandHome(p)
	}
	return &cfg, nil
}

// ExpandHome replaces a leading ~/ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
