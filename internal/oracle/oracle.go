// Package oracle defines the external collaborators the context-window
// manager consumes: a token estimator and a text-completion service, both
// obtained from a factory keyed by model id.
package oracle

import (
	"context"
	"errors"
)

var (
	// ErrNoClient is returned by a Factory that has no client for a model id.
	ErrNoClient = errors.New("oracle: no client for model")

	// ErrCompletionUnsupported is returned by clients that can count tokens
	// but were not configured with a completion backend.
	ErrCompletionUnsupported = errors.New("oracle: completion not configured")
)

// ChatMessage is one turn sent to the completion oracle.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest asks a model to continue the given messages.
type CompletionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
}

// CompletionResponse carries the completion text.
type CompletionResponse struct {
	Content string `json:"content"`
}

// Estimator counts tokens for a piece of content.
type Estimator interface {
	EstimateTokens(ctx context.Context, content string) (int, error)
}

// Completer produces text completions.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// Client is the per-model handle exposing both oracles.
type Client interface {
	Estimator
	Completer
}

// Factory resolves a Client for a model id.
type Factory interface {
	ClientForModel(modelID string) (Client, error)
}

// FactoryFunc adapts a plain function to the Factory interface.
type FactoryFunc func(modelID string) (Client, error)

// ClientForModel calls f(modelID).
func (f FactoryFunc) ClientForModel(modelID string) (Client, error) {
	return f(modelID)
}

// Combine joins an Estimator and a Completer into a Client. A nil completer
// yields ErrCompletionUnsupported on Complete.
func Combine(est Estimator, comp Completer) Client {
	return &combined{est: est, comp: comp}
}

type combined struct {
	est  Estimator
	comp Completer
}

func (c *combined) EstimateTokens(ctx context.Context, content string) (int, error) {
	return c.est.EstimateTokens(ctx, content)
}

func (c *combined) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if c.comp == nil {
		return CompletionResponse{}, ErrCompletionUnsupported
	}
	return c.comp.Complete(ctx, req)
}
