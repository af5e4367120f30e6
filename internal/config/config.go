package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	ir "github.com/PhucNguyen204/threat-match/threat_match"
)

// Config is the service configuration. Values come from an optional YAML file
// and are then overridden by THREATMATCH_* environment variables.
type Config struct {
	Addr          string `yaml:"addr"`
	DatabaseDSN   string `yaml:"database_dsn"`
	MappingFile   string `yaml:"mapping_file"`
	AllowedFields string `yaml:"allowed_fields_file"`
	LogLevel      string `yaml:"log_level"`
	LogDev        bool   `yaml:"log_dev"`
	// Run the embedded schema migrations on startup.
	Migrate bool `yaml:"migrate"`
	// Without a database, indicators are held in memory and dropped after
	// this long without an update. Zero keeps them.
	IndicatorTTL time.Duration `yaml:"indicator_ttl"`

	Compiler ir.CompilerConfig `yaml:"compiler"`
}

func Default() Config {
	return Config{
		Addr:     ":8080",
		LogLevel: "info",
		Migrate:  true,
		Compiler: ir.DefaultCompilerConfig(),
	}
}

// Load reads path (if non-empty) over the defaults and applies env overrides.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	k, err := ir.ParseEntryKey(string(cfg.Compiler.EntryKey))
	if err != nil {
		return Config{}, fmt.Errorf("compiler.entry_key: %w", err)
	}
	cfg.Compiler.EntryKey = k
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("THREATMATCH_ADDR", &cfg.Addr)
	str("THREATMATCH_DB_DSN", &cfg.DatabaseDSN)
	str("THREATMATCH_MAPPING_FILE", &cfg.MappingFile)
	str("THREATMATCH_ALLOWED_FIELDS_FILE", &cfg.AllowedFields)
	str("THREATMATCH_LOG_LEVEL", &cfg.LogLevel)

	boolean := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}
	if err := boolean("THREATMATCH_LOG_DEV", &cfg.LogDev); err != nil {
		return err
	}
	if err := boolean("THREATMATCH_MIGRATE", &cfg.Migrate); err != nil {
		return err
	}

	integer := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	if err := integer("THREATMATCH_CHUNK_SIZE", &cfg.Compiler.ChunkSize); err != nil {
		return err
	}
	if err := integer("THREATMATCH_MAX_CLAUSE_COUNT", &cfg.Compiler.MaxClauseCount); err != nil {
		return err
	}
	if v, ok := lookup("THREATMATCH_INDICATOR_TTL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("THREATMATCH_INDICATOR_TTL: %w", err)
		}
		cfg.IndicatorTTL = d
	}
	if v, ok := lookup("THREATMATCH_STRATEGY"); ok && v != "" {
		if err := cfg.Compiler.Strategy.UnmarshalText([]byte(strings.TrimSpace(v))); err != nil {
			return fmt.Errorf("THREATMATCH_STRATEGY: %w", err)
		}
	}
	if v, ok := lookup("THREATMATCH_ENTRY_KEY"); ok && v != "" {
		k, err := ir.ParseEntryKey(v)
		if err != nil {
			return fmt.Errorf("THREATMATCH_ENTRY_KEY: %w", err)
		}
		cfg.Compiler.EntryKey = k
	}
	return nil
}
