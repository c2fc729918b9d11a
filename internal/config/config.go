// Package config loads client configuration from layered sources.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"

	"github.com/docuchat-ai/docuchat/pkg/types"
)

// File is the config file name searched in the global and project layers.
const File = "docuchat.jsonc"

// DefaultServerURL points at a locally running chat service.
const DefaultServerURL = "ws://localhost:8004/socket.io"

// Load merges configuration from, in priority order (later wins):
//
//  1. built-in defaults
//  2. global config (~/.docuchat/docuchat.jsonc, then XDG config dir)
//  3. project config (<directory>/docuchat.jsonc)
//  4. .env in the working directory (via godotenv)
//  5. DOCUCHAT_* environment variables
func Load(directory string) (*types.Config, error) {
	cfg := defaults()

	if home, err := os.UserHomeDir(); err == nil {
		loadFile(filepath.Join(home, ".docuchat", File), cfg)
	}
	if xdg, err := os.UserConfigDir(); err == nil {
		loadFile(filepath.Join(xdg, "docuchat", File), cfg)
	}
	if directory != "" {
		loadFile(filepath.Join(directory, File), cfg)
	}

	// Missing .env is the normal case.
	_ = godotenv.Load()

	applyEnvOverrides(cfg)
	return cfg, nil
}

func defaults() *types.Config {
	t := true
	return &types.Config{
		ServerURL:  DefaultServerURL,
		LogLevel:   "INFO",
		PrettyLogs: nil,
		Reconnect: types.ReconnectSettings{
			MaxAttempts:     5,
			InitialInterval: "1s",
			MaxInterval:     "30s",
			Multiplier:      2.0,
		},
		Query: types.QuerySettings{
			UseCache:         &t,
			IncludeCitations: &t,
		},
		Metrics: types.MetricsSettings{
			Addr: "localhost:9104",
		},
	}
}

// loadFile merges one jsonc config file into cfg. Unreadable or absent
// files are skipped.
func loadFile(path string, cfg *types.Config) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var layer types.Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &layer); err != nil {
		return
	}
	merge(cfg, &layer)
}

// merge overlays non-zero fields of layer onto cfg.
func merge(cfg, layer *types.Config) {
	if layer.ServerURL != "" {
		cfg.ServerURL = layer.ServerURL
	}
	if layer.LogLevel != "" {
		cfg.LogLevel = layer.LogLevel
	}
	if layer.PrettyLogs != nil {
		cfg.PrettyLogs = layer.PrettyLogs
	}
	if layer.Reconnect.MaxAttempts != 0 {
		cfg.Reconnect.MaxAttempts = layer.Reconnect.MaxAttempts
	}
	if layer.Reconnect.InitialInterval != "" {
		cfg.Reconnect.InitialInterval = layer.Reconnect.InitialInterval
	}
	if layer.Reconnect.MaxInterval != "" {
		cfg.Reconnect.MaxInterval = layer.Reconnect.MaxInterval
	}
	if layer.Reconnect.Multiplier != 0 {
		cfg.Reconnect.Multiplier = layer.Reconnect.Multiplier
	}
	if layer.Query.UseCache != nil {
		cfg.Query.UseCache = layer.Query.UseCache
	}
	if layer.Query.IncludeCitations != nil {
		cfg.Query.IncludeCitations = layer.Query.IncludeCitations
	}
	if layer.Metrics.Enabled {
		cfg.Metrics.Enabled = true
	}
	if layer.Metrics.Addr != "" {
		cfg.Metrics.Addr = layer.Metrics.Addr
	}
}

func applyEnvOverrides(cfg *types.Config) {
	if v := os.Getenv("DOCUCHAT_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("DOCUCHAT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DOCUCHAT_PRETTY_LOGS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.PrettyLogs = &b
		}
	}
	if v := os.Getenv("DOCUCHAT_MAX_RECONNECTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Reconnect.MaxAttempts = n
		}
	}
	if v := os.Getenv("DOCUCHAT_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
		cfg.Metrics.Enabled = true
	}
}
