// Package models holds the model metadata registry: context window sizes and
// tokenizer hints keyed by model id.
package models

import (
	"sort"
	"strings"
	"sync"
)

// Profile describes one model known to the registry.
type Profile struct {
	ID                  string `yaml:"id" json:"id"`
	Provider            string `yaml:"provider" json:"provider"`
	ContextWindowTokens int    `yaml:"context_window_tokens" json:"context_window_tokens"`
	MaxOutputTokens     int    `yaml:"max_output_tokens,omitempty" json:"max_output_tokens,omitempty"`
	// Encoding names the tiktoken encoding used to approximate this model's
	// tokenizer. Empty means cl100k_base.
	Encoding string `yaml:"encoding,omitempty" json:"encoding,omitempty"`
}

// builtin context windows. Gemini uses the 1M window, Claude 200k, GPT-4o 128k.
var builtin = []Profile{
	{ID: "gemini-2.5-pro", Provider: "google", ContextWindowTokens: 1_048_576, MaxOutputTokens: 65_536},
	{ID: "gemini-2.5-flash", Provider: "google", ContextWindowTokens: 1_048_576, MaxOutputTokens: 65_536},
	{ID: "gemini-1.5-pro", Provider: "google", ContextWindowTokens: 1_048_576, MaxOutputTokens: 8_192},
	{ID: "gemini-1.5-flash", Provider: "google", ContextWindowTokens: 1_048_576, MaxOutputTokens: 8_192},
	{ID: "claude-sonnet-4-5", Provider: "anthropic", ContextWindowTokens: 200_000, MaxOutputTokens: 64_000},
	{ID: "claude-haiku-4-5", Provider: "anthropic", ContextWindowTokens: 200_000, MaxOutputTokens: 64_000},
	{ID: "claude-3-5-sonnet-20241022", Provider: "anthropic", ContextWindowTokens: 200_000, MaxOutputTokens: 8_192},
	{ID: "claude-3-5-haiku-20241022", Provider: "anthropic", ContextWindowTokens: 200_000, MaxOutputTokens: 8_192},
	{ID: "claude-3-opus-20240229", Provider: "anthropic", ContextWindowTokens: 200_000, MaxOutputTokens: 4_096},
	{ID: "gpt-4o", Provider: "openai", ContextWindowTokens: 128_000, MaxOutputTokens: 16_384, Encoding: "o200k_base"},
	{ID: "gpt-4o-mini", Provider: "openai", ContextWindowTokens: 128_000, MaxOutputTokens: 16_384, Encoding: "o200k_base"},
	{ID: "gpt-4-turbo", Provider: "openai", ContextWindowTokens: 128_000, MaxOutputTokens: 4_096},
	{ID: "o1", Provider: "openai", ContextWindowTokens: 128_000, MaxOutputTokens: 32_768, Encoding: "o200k_base"},
	{ID: "o3-mini", Provider: "openai", ContextWindowTokens: 128_000, MaxOutputTokens: 65_536, Encoding: "o200k_base"},
	{ID: "mistral-large-latest", Provider: "openrouter", ContextWindowTokens: 128_000},
	{ID: "llama-3.1-70b-versatile", Provider: "openrouter", ContextWindowTokens: 131_072},
}

// Registry is a concurrency-safe model metadata table.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewRegistry returns a registry seeded with the built-in profiles, with
// extra entries applied on top (same id replaces the built-in).
func NewRegistry(extra ...Profile) *Registry {
	r := &Registry{profiles: make(map[string]Profile, len(builtin)+len(extra))}
	for _, p := range builtin {
		r.profiles[normalizeID(p.ID)] = p
	}
	for _, p := range extra {
		r.Register(p)
	}
	return r
}

// NewEmptyRegistry returns a registry with no built-in profiles.
func NewEmptyRegistry(profiles ...Profile) *Registry {
	r := &Registry{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		r.Register(p)
	}
	return r
}

// Register adds or replaces a profile. Profiles without an id or with a
// non-positive context window are ignored.
func (r *Registry) Register(p Profile) {
	key := normalizeID(p.ID)
	if key == "" || p.ContextWindowTokens <= 0 {
		return
	}
	p.ID = strings.TrimSpace(p.ID)
	r.mu.Lock()
	r.profiles[key] = p
	r.mu.Unlock()
}

// SetContextWindow overrides the context window of an existing profile, or
// registers a bare profile when the id is unknown.
func (r *Registry) SetContextWindow(id string, tokens int) {
	if tokens <= 0 {
		return
	}
	key := normalizeID(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[key]
	if !ok {
		p = Profile{ID: strings.TrimSpace(id)}
	}
	p.ContextWindowTokens = tokens
	r.profiles[key] = p
}

// ModelByID looks up a profile. Unknown ids return false; there is no
// provider-level default because a budget cannot be guessed safely.
func (r *Registry) ModelByID(id string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[normalizeID(id)]
	return p, ok
}

// List returns all profiles sorted by id.
func (r *Registry) List() []Profile {
	r.mu.RLock()
	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Replace swaps the whole table, keeping built-ins as the base. Used on
// config reload.
func (r *Registry) Replace(extra []Profile, windows map[string]int) {
	next := NewRegistry(extra...)
	for id, tokens := range windows {
		next.SetContextWindow(id, tokens)
	}
	r.mu.Lock()
	r.profiles = next.profiles
	r.mu.Unlock()
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
