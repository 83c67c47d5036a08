package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/ctxwin/internal/contextwindow"
)

const testConfig = `
context_window:
  reserved_tokens: 0
models:
  - id: tiny
    provider: openai
    context_window_tokens: 300
`

// setupHome points CTXWIN_HOME at a temp dir with cfg as config.yaml and
// clears provider credentials so no network backend is configured.
func setupHome(t *testing.T, cfg string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("CTXWIN_HOME", home)
	for _, k := range []string{
		"GEMINI_API_KEY", "GOOGLE_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY", "OPENROUTER_API_KEY",
		"CTXWIN_RESERVED_TOKENS", "CTXWIN_MAX_TOKENS_BEFORE_SUMMARIZATION", "CTXWIN_SUMMARIZATION_RATIO",
		"CTXWIN_SUMMARIZATION_MODEL", "CTXWIN_DEBUG", "CTXWIN_TOKENIZER", "CTXWIN_LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return home
}

// longTurn is 100 words: 133 tokens with the heuristic estimator.
func longTurn(tag string) string {
	return tag + strings.Repeat(" word", 99)
}

func testConversation(t *testing.T) []byte {
	t.Helper()
	msgs := []contextwindow.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: longTurn("first")},
		{Role: "assistant", Content: longTurn("second")},
		{Role: "user", Content: longTurn("third")},
		{Role: "assistant", Content: longTurn("fourth")},
	}
	data, err := json.Marshal(map[string]any{"messages": msgs})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func decodePrepared(t *testing.T, out []byte) contextwindow.PreparedMessages {
	t.Helper()
	var res contextwindow.PreparedMessages
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("unmarshal output: %v\n%s", err, out)
	}
	return res
}

func firstWords(msgs []contextwindow.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = strings.Fields(m.Content + " _")[0]
	}
	return out
}

func TestRun_Usage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), nil, nil, &stdout, &stderr); code != 2 {
		t.Fatalf("run() = %d, want 2", code)
	}
	if code := run(context.Background(), []string{"help"}, nil, &stdout, &stderr); code != 0 {
		t.Fatalf("run(help) = %d, want 0", code)
	}
	if !strings.Contains(stdout.String(), "prepare") {
		t.Fatalf("usage missing prepare: %q", stdout.String())
	}
	if code := run(context.Background(), []string{"bogus"}, nil, &stdout, &stderr); code != 2 {
		t.Fatalf("run(bogus) = %d, want 2", code)
	}
}

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"version"}, nil, &stdout, &stderr); code != 0 {
		t.Fatalf("run(version) = %d", code)
	}
	if strings.TrimSpace(stdout.String()) != Version {
		t.Fatalf("version = %q, want %q", stdout.String(), Version)
	}
}

func TestPrepare_Truncates(t *testing.T) {
	setupHome(t, testConfig)
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"prepare", "-model", "tiny"}, bytes.NewReader(testConversation(t)), &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit = %d, stderr = %s", code, stderr.String())
	}
	res := decodePrepared(t, stdout.Bytes())
	if res.Path != contextwindow.PathTruncated || res.WasSummarized {
		t.Fatalf("result = %+v, want truncated", res)
	}
	want := []string{"be", "third", "fourth"}
	if got := firstWords(res.Messages); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("messages = %v, want %v", got, want)
	}
	if res.TotalTokens != 2+4*133 {
		t.Fatalf("TotalTokens = %d, want %d", res.TotalTokens, 2+4*133)
	}
}

func TestPrepare_SummarizesWithoutCompletionBackend(t *testing.T) {
	setupHome(t, testConfig)
	var stdout, stderr bytes.Buffer
	args := []string{"prepare", "-model", "tiny", "-threshold", "200"}
	if code := run(context.Background(), args, bytes.NewReader(testConversation(t)), &stdout, &stderr); code != 0 {
		t.Fatalf("exit = %d, stderr = %s", code, stderr.String())
	}
	res := decodePrepared(t, stdout.Bytes())
	if !res.WasSummarized || len(res.Messages) != 4 {
		t.Fatalf("result = %+v, want summarized to 4 messages", res)
	}
	summary := res.Messages[1]
	if !summary.IsSummary || !strings.Contains(summary.Content, "2 earlier messages were omitted") {
		t.Fatalf("summary = %+v, want fallback summary", summary)
	}
	if res.TotalTokens > 300 {
		t.Fatalf("TotalTokens = %d, want <= 300", res.TotalTokens)
	}
}

func TestPrepare_SummaryErrorJournaled(t *testing.T) {
	home := setupHome(t, testConfig)
	var stdout, stderr bytes.Buffer
	args := []string{"prepare", "-model", "tiny", "-threshold", "200", "-summary-model", "ghost"}
	if code := run(context.Background(), args, bytes.NewReader(testConversation(t)), &stdout, &stderr); code != 0 {
		t.Fatalf("exit = %d, stderr = %s", code, stderr.String())
	}
	raw, err := os.ReadFile(filepath.Join(home, "logs", "errors.jsonl"))
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if !strings.Contains(string(raw), `"category":"LLM_SUMMARIZATION_ERROR"`) {
		t.Fatalf("journal = %s, want summarization error", raw)
	}
	if !decodePrepared(t, stdout.Bytes()).WasSummarized {
		t.Fatal("WasSummarized = false")
	}
}

func TestPrepare_ModelFromFile(t *testing.T) {
	setupHome(t, testConfig)
	in := filepath.Join(t.TempDir(), "chat.json")
	if err := os.WriteFile(in, []byte(`{"model":"tiny","messages":[{"role":"user","content":"hi"}]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"prepare", "-in", in}, nil, &stdout, &stderr); code != 0 {
		t.Fatalf("exit = %d, stderr = %s", code, stderr.String())
	}
	res := decodePrepared(t, stdout.Bytes())
	if res.Path != contextwindow.PathFits || len(res.Messages) != 1 {
		t.Fatalf("result = %+v, want fits", res)
	}
}

func TestPrepare_Errors(t *testing.T) {
	setupHome(t, testConfig)
	tests := []struct {
		name  string
		args  []string
		input string
		want  int
	}{
		{"unknown model", []string{"prepare", "-model", "nope"}, `[{"role":"user","content":"hi"}]`, 1},
		{"missing model", []string{"prepare"}, `[{"role":"user","content":"hi"}]`, 2},
		{"invalid role", []string{"prepare", "-model", "tiny"}, `[{"role":"tool","content":"hi"}]`, 1},
		{"bad flag", []string{"prepare", "-nope"}, `[]`, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := run(context.Background(), tt.args, strings.NewReader(tt.input), &stdout, &stderr); code != tt.want {
				t.Fatalf("exit = %d, want %d (stderr %s)", code, tt.want, stderr.String())
			}
		})
	}
}

func TestCount_JSON(t *testing.T) {
	home := setupHome(t, testConfig+"token_cache:\n  persist: true\n")
	for i := 0; i < 2; i++ {
		var stdout, stderr bytes.Buffer
		code := run(context.Background(), []string{"count", "-model", "tiny", "-json"}, bytes.NewReader(testConversation(t)), &stdout, &stderr)
		if code != 0 {
			t.Fatalf("exit = %d, stderr = %s", code, stderr.String())
		}
		var res countResult
		if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if res.Total != 2+4*133 || len(res.Messages) != 5 || res.Messages[1].Tokens != 133 {
			t.Fatalf("count = %+v", res)
		}
	}
	if _, err := os.Stat(filepath.Join(home, "tokens.db")); err != nil {
		t.Fatalf("token store not created: %v", err)
	}
}

func TestCount_Text(t *testing.T) {
	setupHome(t, testConfig)
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"count", "-model", "tiny"}, strings.NewReader(`[{"role":"user","content":"hello there"}]`), &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit = %d, stderr = %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "total") {
		t.Fatalf("output = %q, want total line", stdout.String())
	}
}

func TestModels(t *testing.T) {
	setupHome(t, testConfig)
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"models", "-json"}, nil, &stdout, &stderr); code != 0 {
		t.Fatalf("exit = %d, stderr = %s", code, stderr.String())
	}
	var profiles []struct {
		ID     string `json:"id"`
		Window int    `json:"context_window_tokens"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &profiles); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	found := false
	for _, p := range profiles {
		if p.ID == "tiny" && p.Window == 300 {
			found = true
		}
	}
	if !found {
		t.Fatalf("tiny not listed: %s", stdout.String())
	}

	stdout.Reset()
	if code := run(context.Background(), []string{"models"}, nil, &stdout, &stderr); code != 0 {
		t.Fatalf("exit = %d", code)
	}
	if !strings.Contains(stdout.String(), "gpt-4o") {
		t.Fatalf("text output missing built-in model: %s", stdout.String())
	}
}

// syncBuffer is a bytes.Buffer safe for the watch goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatch_PreparesOnChange(t *testing.T) {
	setupHome(t, testConfig)
	in := filepath.Join(t.TempDir(), "chat.json")
	if err := os.WriteFile(in, []byte(`[{"role":"user","content":"one"}]`), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var stdout, stderr syncBuffer
	done := make(chan int, 1)
	go func() {
		done <- run(ctx, []string{"watch", "-model", "tiny", "-in", in}, nil, &stdout, &stderr)
	}()

	waitFor := func(substr string) {
		t.Helper()
		deadline := time.After(5 * time.Second)
		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
		for !strings.Contains(stdout.String(), substr) {
			select {
			case <-tick.C:
				// Re-write in case the watcher was not yet ready.
				if substr == "two" {
					_ = os.WriteFile(in, []byte(`[{"role":"user","content":"two"}]`), 0o644)
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %q; stdout = %s", substr, stdout.String())
			}
		}
	}
	waitFor(`"one"`)
	waitFor("two")

	cancel()
	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("watch exit = %d", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

func TestWatch_RequiresFile(t *testing.T) {
	setupHome(t, testConfig)
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"watch", "-model", "tiny"}, nil, &stdout, &stderr); code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	body := "# comment\nCTXWIN_TEST_A=alpha\nCTXWIN_TEST_B=\"quoted\"\nbroken\nCTXWIN_TEST_C=keep\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CTXWIN_TEST_A", "")
	t.Setenv("CTXWIN_TEST_B", "")
	t.Setenv("CTXWIN_TEST_C", "preset")
	loadDotEnv(path)
	if os.Getenv("CTXWIN_TEST_A") != "alpha" || os.Getenv("CTXWIN_TEST_B") != "quoted" {
		t.Fatalf("A=%q B=%q", os.Getenv("CTXWIN_TEST_A"), os.Getenv("CTXWIN_TEST_B"))
	}
	if os.Getenv("CTXWIN_TEST_C") != "preset" {
		t.Fatalf("C overridden: %q", os.Getenv("CTXWIN_TEST_C"))
	}
}
