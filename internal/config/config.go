// Package config loads qbank-sync settings from flags, QBANK_* environment
// variables, an optional .env file and an optional config file, in that
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/agentworkforce/qbanksync/internal/filter"
)

const EnvPrefix = "QBANK"

const (
	KeyBaseURL        = "base-url"
	KeyToken          = "token"
	KeyLegacySortMode = "legacy-sort-mode"
	KeyQuery          = "query"
	KeyDebounce       = "debounce"
	KeyUndoTTL        = "undo-ttl"
	KeyUndoFile       = "undo-file"
	KeyTimeout        = "timeout"
	KeyMaxRetries     = "max-retries"
	KeyReconnect      = "reconnect"
	KeyReconnectJit   = "reconnect-jitter"
	KeyLogLevel       = "log-level"
	KeyConfigFile     = "config"
	KeyEnvFile        = "env-file"
)

var ErrMissingLegacySortMode = errors.New("legacy-sort-mode is required (passthrough, remap or suppress)")

type Config struct {
	BaseURL         string
	Token           string
	LegacySortMode  filter.LegacySortMode
	Query           string
	Debounce        time.Duration
	UndoTTL         time.Duration
	UndoFile        string
	Timeout         time.Duration
	MaxRetries      int
	Reconnect       time.Duration
	ReconnectJitter float64
	LogLevel        string
}

// Flags returns the flag set Load parses. It is exported so commands can
// print usage.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String(KeyBaseURL, "http://127.0.0.1:8080", "collection service base URL")
	fs.String(KeyToken, "", "bearer token")
	fs.String(KeyLegacySortMode, "", "handling of sort_by=id: passthrough, remap or suppress")
	fs.String(KeyQuery, "", "initial address query string, e.g. status=published&page=2")
	fs.Duration(KeyDebounce, 300*time.Millisecond, "quiet period before a filter edit is fetched")
	fs.Duration(KeyUndoTTL, 5*time.Second, "undo window after a delete")
	fs.String(KeyUndoFile, "", "file holding the pending undo entry (empty keeps it in memory)")
	fs.Duration(KeyTimeout, 15*time.Second, "per-request timeout")
	fs.Int(KeyMaxRetries, 3, "retries for transient failures")
	fs.Duration(KeyReconnect, 2*time.Second, "delay before re-opening a dropped change feed")
	fs.Float64(KeyReconnectJit, 0.2, "reconnect jitter ratio (0.0-1.0)")
	fs.String(KeyLogLevel, "info", "log level: debug, info, warn, error")
	fs.String(KeyConfigFile, "", "optional config file (yaml, json or toml)")
	fs.String(KeyEnvFile, ".env", "optional dotenv file")
	return fs
}

// Load parses args and resolves the configuration. It returns the
// positional arguments left after flag parsing.
func Load(name string, args []string) (*Config, []string, error) {
	fs := Flags(name)
	fs.SetOutput(&strings.Builder{})
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	envFile, _ := fs.GetString(KeyEnvFile)
	if err := loadEnvFile(envFile); err != nil {
		return nil, nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, nil, err
	}
	if path := strings.TrimSpace(v.GetString(KeyConfigFile)); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg, err := fromViper(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, fs.Args(), nil
}

func fromViper(v *viper.Viper) (*Config, error) {
	rawMode := strings.TrimSpace(v.GetString(KeyLegacySortMode))
	if rawMode == "" {
		return nil, ErrMissingLegacySortMode
	}
	mode, err := filter.ParseLegacySortMode(rawMode)
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		BaseURL:         strings.TrimRight(strings.TrimSpace(v.GetString(KeyBaseURL)), "/"),
		Token:           strings.TrimSpace(v.GetString(KeyToken)),
		LegacySortMode:  mode,
		Query:           strings.TrimSpace(v.GetString(KeyQuery)),
		Debounce:        v.GetDuration(KeyDebounce),
		UndoTTL:         v.GetDuration(KeyUndoTTL),
		UndoFile:        strings.TrimSpace(v.GetString(KeyUndoFile)),
		Timeout:         v.GetDuration(KeyTimeout),
		MaxRetries:      v.GetInt(KeyMaxRetries),
		Reconnect:       v.GetDuration(KeyReconnect),
		ReconnectJitter: v.GetFloat64(KeyReconnectJit),
		LogLevel:        strings.ToLower(strings.TrimSpace(v.GetString(KeyLogLevel))),
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("base-url is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 300 * time.Millisecond
	}
	if cfg.UndoTTL <= 0 {
		cfg.UndoTTL = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Reconnect <= 0 {
		cfg.Reconnect = 2 * time.Second
	}
	return cfg, nil
}

func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}
