// Package config provides the configuration schema, loader, hot-reload
// watcher, and ask-provider registry for the voxbridge relay server.
package config

import "time"

// LogLevel controls log verbosity for the voxbridge server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults] to fields left empty.
const (
	DefaultListenAddr        = ":3000"
	DefaultUpstreamModel     = "models/gemini-2.5-flash-native-audio-latest"
	DefaultUpstreamVoice     = "Puck"
	DefaultDialTimeout       = 10 * time.Second
	DefaultBreakerFailures   = 5
	DefaultBreakerReset      = 30 * time.Second
	DefaultAskTimeout        = 30 * time.Second
	DefaultAskProvider       = "gemini"
	DefaultSystemInstruction = "You are a senior Rust and React developer. Give concise, technical answers. Use a slightly sarcastic, witty tone."
)

// APIKeyEnv is the environment variable that overrides upstream.api_key.
const APIKeyEnv = "GEMINI_API_KEY"

// Config is the root configuration structure for voxbridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Ask      AskConfig      `yaml:"ask"`
}

// ServerConfig holds network and logging settings for the relay server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":3000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins lists browser origins accepted for WebSocket upgrades and
	// CORS on /ask. Entries are host patterns as understood by path.Match
	// ("localhost:5173", "*.example.com") or full origins
	// ("http://localhost:5173"). "*" accepts any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// UpstreamConfig describes the live speech service every relay session
// connects to.
type UpstreamConfig struct {
	// APIKey authenticates against the upstream service. The GEMINI_API_KEY
	// environment variable takes precedence when set.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the WebSocket endpoint. Leave empty for the default.
	BaseURL string `yaml:"base_url"`

	// Model is sent in the setup message (e.g., "models/gemini-2.5-flash-native-audio-latest").
	Model string `yaml:"model"`

	// Voice is the prebuilt voice name used for audio replies.
	Voice string `yaml:"voice"`

	// DialTimeout bounds the dial plus setup handshake.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Breaker tunes the circuit breaker guarding upstream dials.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// AskConfig configures the non-streaming text endpoint.
type AskConfig struct {
	// Providers lists text backends in failover order. The first entry is
	// the primary.
	Providers []ProviderEntry `yaml:"providers"`

	// SystemInstruction steers the persona of every reply.
	SystemInstruction string `yaml:"system_instruction"`

	// Timeout bounds a single /ask request across all providers.
	Timeout time.Duration `yaml:"timeout"`
}

// ProviderEntry is the configuration block for one ask backend.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gemini-2.5-flash").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// OptionString returns Options[key] when it is a string.
func (e ProviderEntry) OptionString(key string) (string, bool) {
	v, ok := e.Options[key].(string)
	return v, ok
}

// OptionInt returns Options[key] when it is an integer.
func (e ProviderEntry) OptionInt(key string) (int, bool) {
	switch v := e.Options[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}
