package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nulpointcorp/reading-gateway/internal/reading"
)

var knownKeys = []string{
	"PORT", "LOG_LEVEL", "CORS_ORIGINS", "PROVIDER", "MODEL", "PROVIDER_TIMEOUT", "STUB_MODE",
	"OPENAI_API_KEY", "OPENAI_BASE_URL", "ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL",
	"GOOGLE_API_KEY", "GEMINI_BASE_URL", "DAILY_BUDGET_USD", "PRICE_IN_PER_M", "PRICE_OUT_PER_M",
	"MAX_TOKENS", "USAGE_TIMEZONE", "USAGE_LIMIT_TOKENS", "USAGE_LIMIT_REQUESTS",
	"CACHE_MODE", "CACHE_TTL", "CACHE_KEY_VERSION", "REDIS_URL", "MIN_CALL_GAP",
	"RATE_LIMIT_RETRY_COOLDOWN", "LOW_CAPACITY_THRESHOLD", "LOW_CAPACITY_COOLDOWN",
	"USAGE_WINDOW", "ADMISSION_MODE", "ADMIN_KEY", "RPM_LIMIT", "USAGE_LOG_CLICKHOUSE_DSN",
}

// isolate runs the test in an empty directory (no .env, no config.yaml)
// and sets the given environment.
func isolate(t *testing.T, env map[string]string) {
	t.Helper()
	t.Chdir(t.TempDir())
	// Viper treats empty variables as unset.
	for _, k := range knownKeys {
		t.Setenv(k, "")
	}
	for k, v := range env {
		t.Setenv(k, v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t, map[string]string{"OPENAI_API_KEY": "sk-test"})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8080 || cfg.LogLevel != "info" {
		t.Errorf("port/log = %d/%s", cfg.Port, cfg.LogLevel)
	}
	if cfg.Upstream.Provider != "openai" || cfg.Upstream.Model != "gpt-4o-mini" {
		t.Errorf("upstream = %+v", cfg.Upstream)
	}
	if cfg.Upstream.Timeout != 90*time.Second {
		t.Errorf("timeout = %v", cfg.Upstream.Timeout)
	}
	if !math.IsInf(cfg.Budget.DailyUSD, 1) {
		t.Errorf("unset budget should be unlimited, got %v", cfg.Budget.DailyUSD)
	}
	if cfg.Budget.MaxTokens != 1000 {
		t.Errorf("max tokens = %d", cfg.Budget.MaxTokens)
	}
	if cfg.Cache.Mode != "memory" || cfg.Cache.TTL != 72*time.Hour {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Cache.KeyVersion != reading.PromptVersion {
		t.Errorf("key version = %q", cfg.Cache.KeyVersion)
	}
	if cfg.Usage.Location != time.UTC {
		t.Errorf("location = %v", cfg.Usage.Location)
	}

	want := PacingConfig{
		MinCallGap:           300 * time.Millisecond,
		RetryCooldown:        65 * time.Second,
		LowCapacityThreshold: 2000,
		LowCapacityCooldown:  60 * time.Second,
		UsageWindow:          60 * time.Second,
	}
	if cfg.Pacing != want {
		t.Errorf("pacing = %+v, want %+v", cfg.Pacing, want)
	}
	if cfg.AdmissionMode != "global" {
		t.Errorf("admission = %q", cfg.AdmissionMode)
	}
}

func TestLoad_BudgetParsing(t *testing.T) {
	tests := []struct {
		raw       string
		unlimited bool
		want      float64
	}{
		{"", true, 0},
		{"abc", true, 0},
		{"Infinity", true, 0},
		{"0", false, 0},
		{"2.5", false, 2.5},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			isolate(t, map[string]string{"OPENAI_API_KEY": "sk", "DAILY_BUDGET_USD": tt.raw})
			cfg, err := Load()
			if err != nil {
				t.Fatal(err)
			}
			got := cfg.Budget.DailyUSD
			if tt.unlimited != math.IsInf(got, 1) {
				t.Fatalf("DailyUSD = %v, unlimited want %v", got, tt.unlimited)
			}
			if !tt.unlimited && got != tt.want {
				t.Errorf("DailyUSD = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBudgetConfig_Policy(t *testing.T) {
	p := BudgetConfig{DailyUSD: 1, PriceInPerM: 0.15, PriceOutPerM: 0.60, MaxTokens: 500}.Policy()
	if math.Abs(p.PriceIn-0.15e-6) > 1e-15 || math.Abs(p.PriceOut-0.60e-6) > 1e-15 {
		t.Errorf("prices = %v / %v", p.PriceIn, p.PriceOut)
	}
	if p.MaxTokensPerCall != 500 || p.CeilingUSD != 1 {
		t.Errorf("policy = %+v", p)
	}
}

func TestLoad_StubModeNeedsNoKey(t *testing.T) {
	isolate(t, map[string]string{"STUB_MODE": "true"})
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Upstream.StubMode {
		t.Error("expected stub mode")
	}
}

func TestLoad_SelectedProvider(t *testing.T) {
	isolate(t, map[string]string{
		"PROVIDER":           "Anthropic",
		"ANTHROPIC_API_KEY":  "ak",
		"ANTHROPIC_BASE_URL": "http://localhost:9000",
	})
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	sel := cfg.SelectedProvider()
	if sel.APIKey != "ak" || sel.BaseURL != "http://localhost:9000" {
		t.Errorf("selected = %+v", sel)
	}
}

func TestLoad_Timezone(t *testing.T) {
	isolate(t, map[string]string{"OPENAI_API_KEY": "sk", "USAGE_TIMEZONE": "Asia/Tokyo"})
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Usage.Location.String() != "Asia/Tokyo" {
		t.Errorf("location = %v", cfg.Usage.Location)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"missing key", map[string]string{}, "OPENAI_API_KEY"},
		{"missing gemini key", map[string]string{"PROVIDER": "gemini", "OPENAI_API_KEY": "sk"}, "GOOGLE_API_KEY"},
		{"unknown provider", map[string]string{"PROVIDER": "mistral"}, "PROVIDER"},
		{"bad cache mode", map[string]string{"OPENAI_API_KEY": "sk", "CACHE_MODE": "disk"}, "CACHE_MODE"},
		{"redis without url", map[string]string{"OPENAI_API_KEY": "sk", "CACHE_MODE": "redis"}, "REDIS_URL"},
		{"rpm without redis", map[string]string{"OPENAI_API_KEY": "sk", "RPM_LIMIT": "10"}, "REDIS_URL"},
		{"bad log level", map[string]string{"OPENAI_API_KEY": "sk", "LOG_LEVEL": "loud"}, "LOG_LEVEL"},
		{"bad admission", map[string]string{"OPENAI_API_KEY": "sk", "ADMISSION_MODE": "none"}, "ADMISSION_MODE"},
		{"negative price", map[string]string{"OPENAI_API_KEY": "sk", "PRICE_IN_PER_M": "-1"}, "PRICE_IN_PER_M"},
		{"zero max tokens", map[string]string{"OPENAI_API_KEY": "sk", "MAX_TOKENS": "0"}, "MAX_TOKENS"},
		{"zero ttl", map[string]string{"OPENAI_API_KEY": "sk", "CACHE_TTL": "0s"}, "CACHE_TTL"},
		{"bad timezone", map[string]string{"OPENAI_API_KEY": "sk", "USAGE_TIMEZONE": "Mars/Olympus"}, "USAGE_TIMEZONE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t, tt.env)
			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_DotEnvAndYAML(t *testing.T) {
	isolate(t, nil)
	dir, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("OPENAI_API_KEY=from-dotenv\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("model: gpt-4.1-mini\nport: 9090\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	// gotenv.Load does not override variables that already exist.
	os.Unsetenv("OPENAI_API_KEY")
	os.Unsetenv("MODEL")
	t.Setenv("PORT", "7070")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OpenAI.APIKey != "from-dotenv" {
		t.Errorf("api key = %q", cfg.OpenAI.APIKey)
	}
	if cfg.Upstream.Model != "gpt-4.1-mini" {
		t.Errorf("model = %q, want value from config.yaml", cfg.Upstream.Model)
	}
	if cfg.Port != 7070 {
		t.Errorf("port = %d, env should win over yaml", cfg.Port)
	}
}

func TestLoadDotEnv_Directory(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, ".env"), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := loadDotEnv(filepath.Join(dir, ".env")); err == nil {
		t.Error("expected error for directory")
	}
}
