package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/ctxwin/internal/contextwindow"
	"github.com/basket/ctxwin/internal/oracle"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CTXWIN_LOG_LEVEL", "CTXWIN_RESERVED_TOKENS", "CTXWIN_MAX_TOKENS_BEFORE_SUMMARIZATION",
		"CTXWIN_SUMMARIZATION_RATIO", "CTXWIN_SUMMARIZATION_MODEL", "CTXWIN_DEBUG", "CTXWIN_TOKENIZER",
		"GEMINI_API_KEY", "GOOGLE_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY", "OPENROUTER_API_KEY",
	} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.WriteFile(ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadFrom_Defaults(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if !cfg.NeedsInit {
		t.Error("NeedsInit = false, want true without config.yaml")
	}
	cw := cfg.ContextWindow
	if cw.ReservedTokens != 1000 || cw.MaxTokensBeforeSummarization != 6000 || cw.SummarizationRatio != 0.5 {
		t.Fatalf("context_window = %+v, want defaults 1000/6000/0.5", cw)
	}
	if cfg.Tokenizer.Mode != oracle.TokenizerHeuristic {
		t.Errorf("tokenizer mode = %q, want heuristic", cfg.Tokenizer.Mode)
	}
	if cfg.HomeDir != home {
		t.Errorf("HomeDir = %q, want %q", cfg.HomeDir, home)
	}
}

func TestLoadFrom_File(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	writeConfig(t, home, `
log_level: debug
context_window:
  reserved_tokens: 0
  max_tokens_before_summarization: 9000
  summarization_ratio: 0.25
  summarization_model: gpt-4o-mini
models:
  - id: local-llm
    provider: openai
    context_window_tokens: 32000
context_windows:
  gpt-4o: 64000
providers:
  anthropic:
    api_key: file-key
token_cache:
  persist: true
tokenizer:
  mode: TikToken
`)
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.NeedsInit {
		t.Error("NeedsInit = true with a config file")
	}
	cw := cfg.ContextWindow
	if cw.ReservedTokens != 0 {
		t.Errorf("reserved = %d, want 0 (zero is allowed)", cw.ReservedTokens)
	}
	if cw.MaxTokensBeforeSummarization != 9000 || cw.SummarizationRatio != 0.25 || cw.SummarizationModel != "gpt-4o-mini" {
		t.Errorf("context_window = %+v", cw)
	}
	if len(cfg.Models) != 1 || cfg.Models[0].ContextWindowTokens != 32000 {
		t.Errorf("models = %+v", cfg.Models)
	}
	if cfg.ContextWindows["gpt-4o"] != 64000 {
		t.Errorf("context_windows = %+v", cfg.ContextWindows)
	}
	if cfg.Tokenizer.Mode != oracle.TokenizerTiktoken {
		t.Errorf("tokenizer = %q, want tiktoken", cfg.Tokenizer.Mode)
	}
	if want := filepath.Join(home, "tokens.db"); cfg.TokenCache.Path != want {
		t.Errorf("token_cache.path = %q, want %q", cfg.TokenCache.Path, want)
	}
	if got := cfg.ProviderAPIKey("anthropic"); got != "file-key" {
		t.Errorf("ProviderAPIKey(anthropic) = %q, want file-key", got)
	}
}

func TestLoadFrom_NormalizesInvalidValues(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	writeConfig(t, home, `
context_window:
  reserved_tokens: -5
  max_tokens_before_summarization: 0
  summarization_ratio: 1.5
  count_concurrency: -1
`)
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	cw := cfg.ContextWindow
	if cw.ReservedTokens != contextwindow.DefaultReservedTokens {
		t.Errorf("reserved = %d, want default", cw.ReservedTokens)
	}
	if cw.MaxTokensBeforeSummarization != contextwindow.DefaultMaxTokensBeforeSummarization {
		t.Errorf("max = %d, want default", cw.MaxTokensBeforeSummarization)
	}
	if cw.SummarizationRatio != contextwindow.DefaultSummarizationRatio {
		t.Errorf("ratio = %v, want default", cw.SummarizationRatio)
	}
	if cw.CountConcurrency != 1 {
		t.Errorf("count_concurrency = %d, want 1", cw.CountConcurrency)
	}
}

func TestLoadFrom_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", "context_window: [unclosed"},
		{"bad tokenizer", "tokenizer:\n  mode: bpe\n"},
		{"model without id", "models:\n  - context_window_tokens: 10\n"},
		{"model without window", "models:\n  - id: m\n"},
		{"bad window override", "context_windows:\n  m: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			home := t.TempDir()
			writeConfig(t, home, tt.body)
			if _, err := LoadFrom(home); err == nil {
				t.Fatal("LoadFrom succeeded, want error")
			}
		})
	}
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	writeConfig(t, home, "context_window:\n  reserved_tokens: 10\n")
	t.Setenv("CTXWIN_RESERVED_TOKENS", "250")
	t.Setenv("CTXWIN_MAX_TOKENS_BEFORE_SUMMARIZATION", "7000")
	t.Setenv("CTXWIN_SUMMARIZATION_RATIO", "0.75")
	t.Setenv("CTXWIN_SUMMARIZATION_MODEL", "claude-haiku-4-5")
	t.Setenv("CTXWIN_DEBUG", "true")
	t.Setenv("CTXWIN_LOG_LEVEL", "warn")

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	mc := cfg.ManagerConfig()
	if mc.ReservedTokens != 250 || mc.MaxTokensBeforeSummarization != 7000 || mc.SummarizationRatio != 0.75 {
		t.Errorf("ManagerConfig = %+v", mc)
	}
	if mc.SummarizationModel != "claude-haiku-4-5" || !mc.Debug {
		t.Errorf("ManagerConfig = %+v, want summary model and debug", mc)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("log level = %q, want warn", cfg.LogLevel)
	}
}

func TestLoadFrom_UnparsableEnvIgnored(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	t.Setenv("CTXWIN_RESERVED_TOKENS", "lots")
	t.Setenv("CTXWIN_SUMMARIZATION_RATIO", "half")
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.ContextWindow.ReservedTokens != 1000 || cfg.ContextWindow.SummarizationRatio != 0.5 {
		t.Fatalf("context_window = %+v, want defaults", cfg.ContextWindow)
	}
}

func TestProviderAPIKey_EnvPrecedence(t *testing.T) {
	clearEnv(t)
	cfg := Config{Providers: map[string]oracle.ProviderConfig{
		"google": {APIKey: "from-file"},
	}}
	if got := cfg.ProviderAPIKey("google"); got != "from-file" {
		t.Fatalf("key = %q, want from-file", got)
	}
	t.Setenv("GOOGLE_API_KEY", "google-env")
	if got := cfg.ProviderAPIKey("google"); got != "google-env" {
		t.Fatalf("key = %q, want google-env", got)
	}
	t.Setenv("GEMINI_API_KEY", "gemini-env")
	if got := cfg.ProviderAPIKey("google"); got != "gemini-env" {
		t.Fatalf("key = %q, want gemini-env", got)
	}
	if got := cfg.ProviderAPIKey("unknown"); got != "" {
		t.Fatalf("unknown provider key = %q, want empty", got)
	}
}

func TestResolvedProviders(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENROUTER_API_KEY", "or-env")
	cfg := Config{Providers: map[string]oracle.ProviderConfig{
		"openrouter": {BaseURL: "https://example.test/v1"},
	}}
	got := cfg.ResolvedProviders()
	p := got["openrouter"]
	if p.APIKey != "or-env" || p.BaseURL != "https://example.test/v1" {
		t.Fatalf("openrouter = %+v", p)
	}
	if _, ok := got["anthropic"]; ok {
		t.Error("anthropic present without any key")
	}
}

func TestNormalize_GeminiAlias(t *testing.T) {
	cfg := defaultConfig()
	cfg.Providers = map[string]oracle.ProviderConfig{"gemini": {APIKey: "k"}}
	normalize(&cfg)
	if _, ok := cfg.Providers["gemini"]; ok {
		t.Error("gemini entry kept after normalize")
	}
	if cfg.Providers["google"].APIKey != "k" {
		t.Errorf("google = %+v, want key k", cfg.Providers["google"])
	}
}

func TestFingerprint(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("equal configs have different fingerprints")
	}
	b.ContextWindows = map[string]int{"gpt-4o": 1000}
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("context window change did not alter fingerprint")
	}
	c := defaultConfig()
	c.Providers = map[string]oracle.ProviderConfig{"openai": {APIKey: "secret"}}
	if a.Fingerprint() != c.Fingerprint() {
		t.Fatal("credentials changed the fingerprint")
	}
}

func TestHomeDir_Override(t *testing.T) {
	t.Setenv("CTXWIN_HOME", "/tmp/ctxwin-x")
	if got := HomeDir(); got != "/tmp/ctxwin-x" {
		t.Fatalf("HomeDir = %q", got)
	}
}
