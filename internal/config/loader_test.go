package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/voxbridge/internal/config"
)

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  log_level: verbose\n"))
	if err == nil {
		t.Fatal("expected error for invalid log level")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_TLSRequiresBothFiles(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  tls:
    cert_file: /tmp/cert.pem
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for tls without key_file")
	}
	if !strings.Contains(err.Error(), "key_file") {
		t.Errorf("error should mention key_file, got: %v", err)
	}
}

func TestValidate_BaseURLScheme(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("upstream:\n  base_url: https://example.com\n"))
	if err == nil {
		t.Fatal("expected error for non-websocket base_url")
	}
}

func TestValidate_NegativeDurations(t *testing.T) {
	t.Parallel()
	yaml := `
upstream:
  dial_timeout: -1s
  breaker:
    max_failures: -1
    reset_timeout: -5s
ask:
  timeout: -2s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, field := range []string{"dial_timeout", "max_failures", "reset_timeout", "ask.timeout"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error should mention %s, got: %v", field, err)
		}
	}
}

func TestValidate_DuplicateAskProviders(t *testing.T) {
	t.Parallel()
	yaml := `
ask:
  providers:
    - name: openai
      model: gpt-4o-mini
    - name: openai
      model: gpt-4o
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for duplicate provider names")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("error should mention duplicate, got: %v", err)
	}
}

func TestValidate_AskProviderNameRequired(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("ask:\n  providers:\n    - model: x\n"))
	if err == nil {
		t.Fatal("expected error for missing provider name")
	}
}

func TestValidate_UnknownProviderIsOnlyAWarning(t *testing.T) {
	t.Parallel()
	if _, err := config.LoadFromReader(strings.NewReader("ask:\n  providers:\n    - name: acme\n")); err != nil {
		t.Fatalf("unknown provider names should not fail validation: %v", err)
	}
}

func TestValidate_MissingAPIKeyIsOnlyAWarning(t *testing.T) {
	t.Setenv(config.APIKeyEnv, "")
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("a missing api key must not stop the server: %v", err)
	}
	if cfg.Upstream.APIKey != "" {
		t.Errorf("api_key: got %q, want empty", cfg.Upstream.APIKey)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "voxbridge.yaml")
	writeFile(t, path, "server:\n  listen_addr: \":9999\"\n")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.ListenAddr != ":9999" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	writeFile(t, path, "VOXBRIDGE_TEST_DOTENV=loaded\n")
	t.Setenv("VOXBRIDGE_TEST_DOTENV", "")
	os.Unsetenv("VOXBRIDGE_TEST_DOTENV")

	if err := config.LoadEnv(path); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if got := os.Getenv("VOXBRIDGE_TEST_DOTENV"); got != "loaded" {
		t.Errorf("env value = %q, want loaded", got)
	}

	if err := config.LoadEnv(filepath.Join(dir, "missing.env")); err == nil {
		t.Error("expected error for an explicit missing file")
	}
}

func TestLoadEnv_MissingDefaultFileIsFine(t *testing.T) {
	t.Chdir(t.TempDir())
	if err := config.LoadEnv(); err != nil {
		t.Fatalf("LoadEnv without .env: %v", err)
	}
}
