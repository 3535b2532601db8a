package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestParseCSV(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"empty", "", []string{}},
		{"single", "a", []string{"a"}},
		{"multiple", "a,b,c", []string{"a", "b", "c"}},
		{"spaces trimmed", " a , b ", []string{"a", "b"}},
		{"empty items dropped", "a,,b,", []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseCSV(tt.raw)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("parseCSV(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, problems := Load("density-api", 8080)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %+v", problems)
	}
	if cfg.ServiceName != "density-api" || cfg.HTTPPort != 8080 {
		t.Fatalf("service defaults not applied: %+v", cfg)
	}
	if !cfg.UseSynthetic {
		t.Fatal("synthetic mode must default on")
	}
	if cfg.DensityPrecision != 7 || cfg.DensityWindowMin != 60 || cfg.DensityFlowHours != 6 {
		t.Fatalf("density defaults wrong: %+v", cfg)
	}
	if cfg.EvalIntervalSec != 120 || !cfg.SchedulerEnabled {
		t.Fatalf("scheduler defaults wrong: %+v", cfg)
	}
	if cfg.AlertChannel != "density.alerts" {
		t.Fatalf("alert channel default = %q", cfg.AlertChannel)
	}
	if cfg.Env != "dev" {
		t.Fatalf("env default = %q", cfg.Env)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DENSITY_SCOPES", "density:read, density:write")
	t.Setenv("EVAL_INTERVAL_SECONDS", "30")

	cfg, problems := Load("density-api", 8080)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %+v", problems)
	}
	if cfg.HTTPPort != 9090 {
		t.Fatalf("port = %d", cfg.HTTPPort)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
	if !reflect.DeepEqual(cfg.DensityScopes, []string{"density:read", "density:write"}) {
		t.Fatalf("scopes = %v", cfg.DensityScopes)
	}
	if cfg.EvalIntervalSec != 30 {
		t.Fatalf("interval = %d", cfg.EvalIntervalSec)
	}
}

func TestLoadInvalidValuesReported(t *testing.T) {
	t.Setenv("HTTP_PORT", "not-a-number")
	t.Setenv("USE_SYNTHETIC", "maybe")

	_, problems := Load("density-api", 8080)
	fields := map[string]bool{}
	for _, p := range problems {
		fields[p.Field] = true
	}
	if !fields["HTTP_PORT"] {
		t.Fatalf("HTTP_PORT problem missing: %+v", problems)
	}
	if !fields["USE_SYNTHETIC"] {
		t.Fatalf("USE_SYNTHETIC problem missing: %+v", problems)
	}
}

func TestLoadLiveModeRequiresUpstream(t *testing.T) {
	t.Setenv("USE_SYNTHETIC", "false")

	_, problems := Load("density-api", 8080)
	fields := map[string]bool{}
	for _, p := range problems {
		fields[p.Field] = true
	}
	for _, field := range []string{"DENSITY_BASE_URL", "OAUTH_TOKEN_URL", "OAUTH_CLIENT_ID"} {
		if !fields[field] {
			t.Fatalf("%s problem missing: %+v", field, problems)
		}
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"HTTP_PORT": 7070, "KAFKA_BROKERS": ["k1:9092", "k2:9092"]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)

	cfg, problems := Load("density-api", 8080)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %+v", problems)
	}
	if cfg.HTTPPort != 7070 {
		t.Fatalf("port = %d", cfg.HTTPPort)
	}
	if !reflect.DeepEqual(cfg.KafkaBrokers, []string{"k1:9092", "k2:9092"}) {
		t.Fatalf("brokers = %v", cfg.KafkaBrokers)
	}

	// Env always wins over the file.
	t.Setenv("HTTP_PORT", "6060")
	cfg, _ = Load("density-api", 8080)
	if cfg.HTTPPort != 6060 {
		t.Fatalf("env should override file, port = %d", cfg.HTTPPort)
	}
}
