package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

const (
	// EncodingCL100kBase is used for GPT-4 and as the approximation for
	// Anthropic and Google models, whose tokenizers are not public.
	EncodingCL100kBase = "cl100k_base"
	// EncodingO200kBase is the GPT-4o family encoding.
	EncodingO200kBase = "o200k_base"
)

// TiktokenEstimator counts tokens with a BPE encoding.
type TiktokenEstimator struct {
	encoding *tiktoken.Tiktoken
	name     string
}

// NewTiktokenEstimator loads the named encoding. The BPE rank file is fetched
// by tiktoken-go's loader on first use of each encoding.
func NewTiktokenEstimator(encodingName string) (*TiktokenEstimator, error) {
	if encodingName == "" {
		encodingName = EncodingCL100kBase
	}
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %q: %w", encodingName, err)
	}
	return &TiktokenEstimator{encoding: enc, name: encodingName}, nil
}

// Encoding returns the encoding name.
func (t *TiktokenEstimator) Encoding() string { return t.name }

// EstimateTokens implements Estimator.
func (t *TiktokenEstimator) EstimateTokens(ctx context.Context, content string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return len(t.encoding.Encode(content, nil, nil)), nil
}

// encoderSet loads each encoding once and shares it across models.
type encoderSet struct {
	mu       sync.Mutex
	byName   map[string]Estimator
	fallback Estimator
}

func newEncoderSet(fallback Estimator) *encoderSet {
	return &encoderSet{byName: make(map[string]Estimator, 2), fallback: fallback}
}

// get returns the estimator for an encoding. A load failure of o200k_base
// falls back to cl100k_base, and a failure of that to the fallback
// estimator, so a missing rank file degrades accuracy rather than counting.
func (s *encoderSet) get(name string) Estimator {
	if name == "" {
		name = EncodingCL100kBase
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if est, ok := s.byName[name]; ok {
		return est
	}

	est, err := NewTiktokenEstimator(name)
	if err != nil && name != EncodingCL100kBase {
		slog.Warn("failed to load tiktoken encoding, falling back to cl100k_base",
			"encoding", name, "error", err)
		est, err = NewTiktokenEstimator(EncodingCL100kBase)
	}
	if err != nil {
		slog.Warn("tiktoken unavailable, using heuristic estimator", "encoding", name, "error", err)
		s.byName[name] = s.fallback
		return s.fallback
	}
	s.byName[name] = est
	return est
}
