package types

// Config is the client configuration, merged from config files, .env, and
// environment variables. Pointer fields distinguish "unset" from zero so
// later layers only override what they mention.
type Config struct {
	// ServerURL is the websocket endpoint of the chat service.
	ServerURL string `json:"server_url,omitempty"`

	// LogLevel is the minimum log level (DEBUG|INFO|WARN|ERROR).
	LogLevel string `json:"log_level,omitempty"`

	// PrettyLogs enables human-readable console logging.
	PrettyLogs *bool `json:"pretty_logs,omitempty"`

	Reconnect ReconnectSettings `json:"reconnect,omitempty"`
	Query     QuerySettings     `json:"query,omitempty"`
	Metrics   MetricsSettings   `json:"metrics,omitempty"`
}

// ReconnectSettings tunes the transport's bounded reconnect policy.
// Intervals are Go duration strings ("1s", "500ms").
type ReconnectSettings struct {
	MaxAttempts     int     `json:"max_attempts,omitempty"`
	InitialInterval string  `json:"initial_interval,omitempty"`
	MaxInterval     string  `json:"max_interval,omitempty"`
	Multiplier      float64 `json:"multiplier,omitempty"`
}

// QuerySettings are the defaults applied to outbound queries.
type QuerySettings struct {
	UseCache         *bool `json:"use_cache,omitempty"`
	IncludeCitations *bool `json:"include_citations,omitempty"`
}

// MetricsSettings controls the optional prometheus debug listener.
type MetricsSettings struct {
	Enabled bool   `json:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty"`
}
