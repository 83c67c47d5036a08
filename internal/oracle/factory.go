package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/ctxwin/internal/models"
	otelPkg "github.com/basket/ctxwin/internal/otel"
)

// Tokenizer modes.
const (
	TokenizerHeuristic = "heuristic"
	TokenizerTiktoken  = "tiktoken"
)

// ProfileSource resolves model metadata.
type ProfileSource interface {
	ModelByID(id string) (models.Profile, bool)
}

// FactoryConfig configures NewFactory.
type FactoryConfig struct {
	// TokenizerMode selects "tiktoken" or "heuristic" (default).
	TokenizerMode string
	// Providers maps provider name to credentials.
	Providers map[string]ProviderConfig
	Tracer    trace.Tracer
	Metrics   *otelPkg.Metrics
	Logger    *slog.Logger
}

// DefaultFactory builds one Client per model id on first use. The completion
// backend is shared per provider and the estimator per tiktoken encoding.
type DefaultFactory struct {
	ctx      context.Context
	profiles ProfileSource
	cfg      FactoryConfig
	encoders *encoderSet

	mu         sync.Mutex
	clients    map[string]Client
	completers map[string]Completer
}

// NewFactory returns a factory backed by the given model registry. The
// context is used to initialize genkit and must outlive the factory.
func NewFactory(ctx context.Context, profiles ProfileSource, cfg FactoryConfig) *DefaultFactory {
	if cfg.Tracer == nil {
		cfg.Tracer = otelPkg.NoopTracer()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otelPkg.NoopMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.TokenizerMode = strings.ToLower(strings.TrimSpace(cfg.TokenizerMode))
	return &DefaultFactory{
		ctx:        ctx,
		profiles:   profiles,
		cfg:        cfg,
		encoders:   newEncoderSet(HeuristicEstimator{}),
		clients:    make(map[string]Client),
		completers: make(map[string]Completer),
	}
}

// ClientForModel implements Factory.
func (f *DefaultFactory) ClientForModel(modelID string) (Client, error) {
	key := strings.ToLower(strings.TrimSpace(modelID))
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[key]; ok {
		return c, nil
	}
	profile, ok := f.profiles.ModelByID(modelID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoClient, modelID)
	}

	var est Estimator = HeuristicEstimator{}
	if f.cfg.TokenizerMode == TokenizerTiktoken {
		est = f.encoders.get(profile.Encoding)
	}

	c := &instrumented{
		inner:   Combine(est, f.completerLocked(profile.Provider)),
		modelID: profile.ID,
		tracer:  f.cfg.Tracer,
		metrics: f.cfg.Metrics,
	}
	f.clients[key] = c
	return c, nil
}

// completerLocked returns the shared completer for a provider, or nil when
// the provider has no usable credentials. Callers hold f.mu.
func (f *DefaultFactory) completerLocked(provider string) Completer {
	provider = normalizeProvider(provider)
	if c, ok := f.completers[provider]; ok {
		return c
	}
	var comp Completer
	gc, err := NewGenkitCompleter(f.ctx, provider, f.cfg.Providers[provider])
	if err != nil {
		if !errors.Is(err, ErrCompletionUnsupported) {
			f.cfg.Logger.Warn("completion backend init failed", "provider", provider, "error", err)
		} else {
			f.cfg.Logger.Debug("completion backend not configured", "provider", provider)
		}
	} else {
		comp = gc
	}
	// A nil entry is cached too so a missing key is not retried per model.
	f.completers[provider] = comp
	return comp
}

// Reset drops cached clients so the next lookup sees new profiles or
// credentials.
func (f *DefaultFactory) Reset(cfg FactoryConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg.TokenizerMode = strings.ToLower(strings.TrimSpace(cfg.TokenizerMode))
	f.cfg.Providers = cfg.Providers
	f.clients = make(map[string]Client)
	f.completers = make(map[string]Completer)
}

// instrumented wraps a Client with spans and metrics.
type instrumented struct {
	inner   Client
	modelID string
	tracer  trace.Tracer
	metrics *otelPkg.Metrics
}

func (c *instrumented) EstimateTokens(ctx context.Context, content string) (int, error) {
	ctx, span := otelPkg.StartClientSpan(ctx, c.tracer, "oracle.estimate_tokens",
		otelPkg.AttrModel.String(c.modelID),
		otelPkg.AttrOracleKind.String("estimate"),
	)
	defer span.End()

	start := time.Now()
	n, err := c.inner.EstimateTokens(ctx, content)
	c.record(ctx, "estimate", start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	span.SetAttributes(otelPkg.AttrTokensTotal.Int(n))
	c.metrics.TokensCounted.Add(ctx, int64(n), metric.WithAttributes(attribute.String("model", c.modelID)))
	return n, nil
}

func (c *instrumented) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	ctx, span := otelPkg.StartClientSpan(ctx, c.tracer, "oracle.complete",
		otelPkg.AttrModel.String(req.Model),
		otelPkg.AttrOracleKind.String("complete"),
		otelPkg.AttrMessages.Int(len(req.Messages)),
	)
	defer span.End()

	start := time.Now()
	resp, err := c.inner.Complete(ctx, req)
	c.record(ctx, "complete", start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return CompletionResponse{}, err
	}
	return resp, nil
}

func (c *instrumented) record(ctx context.Context, kind string, start time.Time, err error) {
	attrs := metric.WithAttributes(attribute.String("kind", kind), attribute.String("model", c.modelID))
	c.metrics.OracleCalls.Add(ctx, 1, attrs)
	c.metrics.OracleDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		c.metrics.OracleErrors.Add(ctx, 1, attrs)
	}
}
