package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the ask backends known to the server.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{
	"gemini", "openai", "anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// LoadEnv loads KEY=VALUE pairs from the given dotenv files into the process
// environment without overriding variables that are already set. With no
// arguments it reads ".env" in the working directory; a missing default file
// is not an error.
func LoadEnv(files ...string) error {
	err := godotenv.Load(files...)
	if err == nil {
		return nil
	}
	if len(files) == 0 && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("config: load env: %w", err)
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. An empty document yields the
// default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given, with
// environment overrides applied.
func Default() *Config {
	cfg := &Config{}
	ApplyEnv(cfg)
	ApplyDefaults(cfg)
	return cfg
}

// ApplyEnv overrides cfg with values from the process environment.
func ApplyEnv(cfg *Config) {
	if key := os.Getenv(APIKeyEnv); key != "" {
		cfg.Upstream.APIKey = key
	}
}

// ApplyDefaults fills every unset field of cfg with its default. A gemini ask
// provider without its own key shares the upstream key.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	u := &cfg.Upstream
	if u.Model == "" {
		u.Model = DefaultUpstreamModel
	}
	if u.Voice == "" {
		u.Voice = DefaultUpstreamVoice
	}
	if u.DialTimeout == 0 {
		u.DialTimeout = DefaultDialTimeout
	}
	if u.Breaker.MaxFailures == 0 {
		u.Breaker.MaxFailures = DefaultBreakerFailures
	}
	if u.Breaker.ResetTimeout == 0 {
		u.Breaker.ResetTimeout = DefaultBreakerReset
	}

	a := &cfg.Ask
	if len(a.Providers) == 0 {
		a.Providers = []ProviderEntry{{Name: DefaultAskProvider}}
	}
	for i := range a.Providers {
		if a.Providers[i].Name == "gemini" && a.Providers[i].APIKey == "" {
			a.Providers[i].APIKey = u.APIKey
		}
	}
	if a.SystemInstruction == "" {
		a.SystemInstruction = DefaultSystemInstruction
	}
	if a.Timeout == 0 {
		a.Timeout = DefaultAskTimeout
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}
	for i, o := range cfg.Server.AllowedOrigins {
		if strings.TrimSpace(o) == "" {
			errs = append(errs, fmt.Errorf("server.allowed_origins[%d] is empty", i))
		}
	}

	// Upstream
	u := cfg.Upstream
	if u.APIKey == "" {
		slog.Warn("upstream.api_key is empty and " + APIKeyEnv + " is unset; every voice session will be closed with a configuration error")
	}
	if u.BaseURL != "" && !strings.HasPrefix(u.BaseURL, "ws://") && !strings.HasPrefix(u.BaseURL, "wss://") {
		errs = append(errs, fmt.Errorf("upstream.base_url %q must use ws:// or wss://", u.BaseURL))
	}
	if u.Model != "" && !strings.HasPrefix(u.Model, "models/") {
		slog.Warn("upstream.model usually carries a models/ prefix", "model", u.Model)
	}
	if u.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("upstream.dial_timeout %s must not be negative", u.DialTimeout))
	}
	if u.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("upstream.breaker.max_failures %d must not be negative", u.Breaker.MaxFailures))
	}
	if u.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("upstream.breaker.reset_timeout %s must not be negative", u.Breaker.ResetTimeout))
	}

	// Ask
	if cfg.Ask.Timeout < 0 {
		errs = append(errs, fmt.Errorf("ask.timeout %s must not be negative", cfg.Ask.Timeout))
	}
	seen := make(map[string]int, len(cfg.Ask.Providers))
	for i, p := range cfg.Ask.Providers {
		prefix := fmt.Sprintf("ask.providers[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[p.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of ask.providers[%d]", prefix, p.Name, prev))
		}
		seen[p.Name] = i
		validateProviderName(p.Name)
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is not in [ValidProviderNames].
func validateProviderName(name string) {
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown ask provider name, may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
