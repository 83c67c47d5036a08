// Package doctor runs environment checks for ctxwin: config, credentials,
// tokenizer data, the token store and provider reachability.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/basket/ctxwin/internal/config"
	"github.com/basket/ctxwin/internal/models"
	"github.com/basket/ctxwin/internal/oracle"
	"github.com/basket/ctxwin/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// providers with a standard API key env var, in report order.
var providers = []string{"google", "anthropic", "openai", "openrouter"}

var endpoints = map[string]string{
	"google":     "generativelanguage.googleapis.com",
	"anthropic":  "api.anthropic.com",
	"openai":     "api.openai.com",
	"openrouter": "openrouter.ai",
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkProviders,
		checkSummarizationModel,
		checkTokenizer,
		checkTokenStore,
		checkPermissions,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing, using defaults",
			Detail: fmt.Sprintf("create %s to customize", config.ConfigPath(cfg.HomeDir))}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s (%s)", cfg.HomeDir, cfg.Fingerprint())}
}

// configuredProviders lists providers that have an API key.
func configuredProviders(cfg *config.Config) []string {
	var out []string
	for _, p := range providers {
		if cfg.ProviderAPIKey(p) != "" {
			out = append(out, p)
		}
	}
	for name, p := range cfg.Providers {
		known := false
		for _, q := range providers {
			known = known || q == name
		}
		if !known && p.APIKey != "" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func checkProviders(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Keys", Status: "SKIP", Message: "Config missing"}
	}
	configured := configuredProviders(cfg)
	if len(configured) == 0 {
		return CheckResult{
			Name:    "API Keys",
			Status:  "WARN",
			Message: "No provider API key set; summaries fall back to an omission notice",
			Detail:  "Set GEMINI_API_KEY, ANTHROPIC_API_KEY, OPENAI_API_KEY or OPENROUTER_API_KEY",
		}
	}
	return CheckResult{Name: "API Keys", Status: "PASS", Message: "Configured: " + strings.Join(configured, ", ")}
}

func checkSummarizationModel(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Summary Model", Status: "SKIP", Message: "Config missing"}
	}
	id := cfg.ContextWindow.SummarizationModel
	if id == "" {
		return CheckResult{Name: "Summary Model", Status: "PASS", Message: "Conversation model answers summaries"}
	}
	reg := models.NewRegistry()
	reg.Replace(cfg.Models, cfg.ContextWindows)
	p, ok := reg.ModelByID(id)
	if !ok {
		return CheckResult{Name: "Summary Model", Status: "FAIL", Message: fmt.Sprintf("%q is not a known model", id),
			Detail: "add it under models: in config.yaml"}
	}
	provider := p.Provider
	if provider == "gemini" || provider == "googleai" {
		provider = "google"
	}
	if cfg.ProviderAPIKey(provider) == "" {
		return CheckResult{Name: "Summary Model", Status: "WARN", Message: fmt.Sprintf("%s has no %s API key", id, provider)}
	}
	return CheckResult{Name: "Summary Model", Status: "PASS", Message: fmt.Sprintf("%s via %s", id, provider)}
}

func checkTokenizer(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Tokenizer", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Tokenizer.Mode != oracle.TokenizerTiktoken {
		return CheckResult{Name: "Tokenizer", Status: "PASS", Message: "Heuristic word/char estimator"}
	}
	if _, err := oracle.NewTiktokenEstimator(oracle.EncodingCL100kBase); err != nil {
		return CheckResult{Name: "Tokenizer", Status: "FAIL", Message: fmt.Sprintf("tiktoken encoding unavailable: %v", err),
			Detail: "the first load downloads BPE data; set TIKTOKEN_CACHE_DIR for offline use"}
	}
	return CheckResult{Name: "Tokenizer", Status: "PASS", Message: "tiktoken " + oracle.EncodingCL100kBase + " loaded"}
}

func checkTokenStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.TokenCache.Persist {
		return CheckResult{Name: "Token Store", Status: "SKIP", Message: "Persistence disabled"}
	}
	store, err := persistence.Open(cfg.TokenCache.Path)
	if err != nil {
		return CheckResult{Name: "Token Store", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	n, err := store.CountEntries(ctx)
	if err != nil {
		return CheckResult{Name: "Token Store", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Token Store", Status: "PASS", Message: fmt.Sprintf("%d cached counts", n), Detail: cfg.TokenCache.Path}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}
	configured := configuredProviders(cfg)
	if len(configured) == 0 {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "No completion provider configured"}
	}

	provider := configured[0]
	host, ok := endpoints[provider]
	if p := cfg.Providers[provider]; p.BaseURL != "" {
		host = hostOf(p.BaseURL)
		ok = host != ""
	}
	if !ok {
		return CheckResult{Name: "Network", Status: "SKIP", Message: fmt.Sprintf("No endpoint known for %s", provider)}
	}

	// DNS lookup with timeout.
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", provider, addrs),
	}
}

// hostOf extracts the host from a base URL like https://host:port/path.
func hostOf(baseURL string) string {
	s := baseURL
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		return h
	}
	return s
}
