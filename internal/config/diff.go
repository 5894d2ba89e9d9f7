package config

import (
	"maps"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AskChanged is true when the provider chain, system instruction, or
	// timeout of /ask changed. It is applied by rebuilding the chain.
	AskChanged bool

	// UpstreamChanged is true when settings used to dial new relay sessions
	// changed. Sessions already open keep their connection.
	UpstreamChanged bool

	// RestartRequired lists fields that changed but only take effect after a
	// restart (e.g., "server.listen_addr").
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Ask.SystemInstruction != new.Ask.SystemInstruction ||
		old.Ask.Timeout != new.Ask.Timeout ||
		!providersEqual(old.Ask.Providers, new.Ask.Providers) {
		d.AskChanged = true
	}

	if old.Upstream != new.Upstream {
		d.UpstreamChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server.allowed_origins")
	}

	return d
}

func providersEqual(a, b []ProviderEntry) bool {
	return slices.EqualFunc(a, b, func(x, y ProviderEntry) bool {
		return x.Name == y.Name &&
			x.APIKey == y.APIKey &&
			x.BaseURL == y.BaseURL &&
			x.Model == y.Model &&
			maps.EqualFunc(x.Options, y.Options, func(v, w any) bool { return reflect.DeepEqual(v, w) })
	})
}
