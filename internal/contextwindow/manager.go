package contextwindow

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/ctxwin/internal/models"
	"github.com/basket/ctxwin/internal/oracle"
	otelPkg "github.com/basket/ctxwin/internal/otel"
	"github.com/basket/ctxwin/internal/shared"
)

// Default manager settings.
const (
	DefaultReservedTokens               = 1000
	DefaultMaxTokensBeforeSummarization = 6000
	DefaultSummarizationRatio           = 0.5
)

// Preparation outcomes, used in logs, spans and metrics.
const (
	PathFits                = "fits"
	PathTruncated           = "truncated"
	PathSummarized          = "summarized"
	PathSummarizedTruncated = "summarized_truncated"
	PathFallback            = "fallback"
)

// ModelRegistry resolves model metadata by id.
type ModelRegistry interface {
	ModelByID(id string) (models.Profile, bool)
}

// Config holds Manager settings. Start from DefaultConfig.
type Config struct {
	// ReservedTokens is subtracted from the model's context window to leave
	// room for the reply. Negative values take the default.
	ReservedTokens int `yaml:"reserved_tokens" json:"reserved_tokens"`
	// MaxTokensBeforeSummarization: conversations at or below this total
	// are only truncated. Non-positive values take the default.
	MaxTokensBeforeSummarization int `yaml:"max_tokens_before_summarization" json:"max_tokens_before_summarization"`
	// SummarizationRatio is the fraction of the oldest non-system messages
	// folded into a summary, in (0, 1]. Out of range takes the default.
	SummarizationRatio float64 `yaml:"summarization_ratio" json:"summarization_ratio"`
	// SummarizationModel answers summary requests. Empty uses the
	// conversation's own model.
	SummarizationModel string `yaml:"summarization_model" json:"summarization_model"`
	// Debug logs every preparation decision at Info level.
	Debug bool `yaml:"debug" json:"debug"`
	// CountConcurrency bounds parallel oracle calls while counting.
	CountConcurrency int `yaml:"count_concurrency" json:"count_concurrency"`

	Cache   TokenCache       `yaml:"-" json:"-"`
	Logger  *slog.Logger     `yaml:"-" json:"-"`
	Tracer  trace.Tracer     `yaml:"-" json:"-"`
	Metrics *otelPkg.Metrics `yaml:"-" json:"-"`
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		ReservedTokens:               DefaultReservedTokens,
		MaxTokensBeforeSummarization: DefaultMaxTokensBeforeSummarization,
		SummarizationRatio:           DefaultSummarizationRatio,
		CountConcurrency:             1,
	}
}

// settings are the knobs a single call runs with.
type settings struct {
	reserved     int
	maxBefore    int
	ratio        float64
	summaryModel string
	debug        bool
}

func (s *settings) normalize() {
	if s.reserved < 0 {
		s.reserved = DefaultReservedTokens
	}
	if s.maxBefore <= 0 {
		s.maxBefore = DefaultMaxTokensBeforeSummarization
	}
	if s.ratio <= 0 || s.ratio > 1 || math.IsNaN(s.ratio) {
		s.ratio = DefaultSummarizationRatio
	}
}

// Option overrides a setting for one call.
type Option func(*settings)

// WithReservedTokens overrides Config.ReservedTokens.
func WithReservedTokens(n int) Option { return func(s *settings) { s.reserved = n } }

// WithMaxTokensBeforeSummarization overrides Config.MaxTokensBeforeSummarization.
func WithMaxTokensBeforeSummarization(n int) Option { return func(s *settings) { s.maxBefore = n } }

// WithSummarizationRatio overrides Config.SummarizationRatio.
func WithSummarizationRatio(r float64) Option { return func(s *settings) { s.ratio = r } }

// WithSummarizationModel overrides Config.SummarizationModel.
func WithSummarizationModel(id string) Option { return func(s *settings) { s.summaryModel = id } }

// WithDebug overrides Config.Debug.
func WithDebug(on bool) Option { return func(s *settings) { s.debug = on } }

// Manager fits conversations into model context windows. It is safe for
// concurrent use.
type Manager struct {
	registry ModelRegistry
	factory  oracle.Factory
	acct     *Accountant
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *otelPkg.Metrics
	obs      observers

	mu       sync.RWMutex
	defaults settings
}

// NewManager wires a Manager. The cache in cfg (or a fresh map cache) is
// owned by this Manager.
func NewManager(registry ModelRegistry, factory oracle.Factory, cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otelPkg.NoopTracer()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otelPkg.NoopMetrics()
	}
	m := &Manager{
		registry: registry,
		factory:  factory,
		acct:     NewAccountant(factory, cfg.Cache, cfg.CountConcurrency, cfg.Metrics),
		logger:   cfg.Logger.With("component", "contextwindow"),
		tracer:   cfg.Tracer,
		metrics:  cfg.Metrics,
	}
	m.Reconfigure(cfg)
	return m
}

// Reconfigure replaces the default knobs (reserved tokens, threshold,
// ratio, summarization model, debug). Wiring fields in cfg are ignored.
func (m *Manager) Reconfigure(cfg Config) {
	s := settings{
		reserved:     cfg.ReservedTokens,
		maxBefore:    cfg.MaxTokensBeforeSummarization,
		ratio:        cfg.SummarizationRatio,
		summaryModel: cfg.SummarizationModel,
		debug:        cfg.Debug,
	}
	s.normalize()
	m.mu.Lock()
	m.defaults = s
	m.mu.Unlock()
}

// Accountant returns the manager's token accountant.
func (m *Manager) Accountant() *Accountant { return m.acct }

// OnError registers an observer for error events and returns a func that
// removes it.
func (m *Manager) OnError(fn ErrorObserver) (unsubscribe func()) {
	return m.obs.add(fn)
}

func (m *Manager) resolve(opts []Option) settings {
	m.mu.RLock()
	s := m.defaults
	m.mu.RUnlock()
	for _, opt := range opts {
		opt(&s)
	}
	s.normalize()
	return s
}

// Prepare fits messages into modelID's context window. The only error
// returned is *ModelNotFoundError; every other failure yields the fallback
// result [first system message, last message] with TotalTokens -1.
//
// Token counts are recorded on the elements of messages. When the
// conversation already fits, the returned Messages is messages itself.
func (m *Manager) Prepare(ctx context.Context, messages []Message, modelID string, opts ...Option) (PreparedMessages, error) {
	s := m.resolve(opts)
	ctx, _ = shared.EnsureTraceID(ctx)
	ctx, span := otelPkg.StartSpan(ctx, m.tracer, "contextwindow.prepare",
		otelPkg.AttrModel.String(modelID),
		otelPkg.AttrMessages.Int(len(messages)),
	)
	defer span.End()
	start := time.Now()

	profile, ok := m.registry.ModelByID(modelID)
	if !ok {
		err := &ModelNotFoundError{ModelID: modelID}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return PreparedMessages{}, err
	}

	available := profile.ContextWindowTokens - s.reserved
	span.SetAttributes(otelPkg.AttrTokensBudget.Int(available))

	res, path, err := m.run(ctx, messages, modelID, available, s)
	if err != nil {
		m.emit(ctx, CategoryContextWindow, "Prepare", modelID, err)
		span.RecordError(err)
		res = PreparedMessages{Messages: fallback(messages), TotalTokens: FallbackTotalTokens}
		path = PathFallback
	}
	res.Path = path

	attrs := metric.WithAttributes(attribute.String("path", path), attribute.String("model", modelID))
	m.metrics.Preparations.Add(ctx, 1, attrs)
	m.metrics.PrepareDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	span.SetAttributes(
		otelPkg.AttrPath.String(path),
		otelPkg.AttrTokensTotal.Int(res.TotalTokens),
	)

	m.decision(ctx, s, "context window prepared",
		"model", modelID,
		"path", path,
		"input_messages", len(messages),
		"output_messages", len(res.Messages),
		"available_tokens", available,
		"total_tokens", res.TotalTokens,
		"was_summarized", res.WasSummarized,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// run executes the counting and reduction stages. Panics are converted into
// a *PipelineError so the caller can fall back.
func (m *Manager) run(ctx context.Context, msgs []Message, modelID string, available int, s settings) (res PreparedMessages, path string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PipelineError{Op: "prepare", Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	total, err := m.CalculateTotalTokens(ctx, msgs, modelID)
	if err != nil {
		return res, "", &PipelineError{Op: "count", Err: err}
	}
	if total <= available {
		return PreparedMessages{Messages: msgs, TotalTokens: total}, PathFits, nil
	}

	system, rest := splitSystem(msgs)
	// Summarizing needs at least one older turn besides the newest, which
	// is always kept verbatim.
	if total <= s.maxBefore || len(rest) < 2 {
		out, err := Truncate(ctx, m.acct, msgs, modelID, available)
		if err != nil {
			return res, "", &PipelineError{Op: "truncate", Err: err}
		}
		// The pre-truncation total is reported on this path.
		return PreparedMessages{Messages: out, TotalTokens: total}, PathTruncated, nil
	}

	split := splitIndex(len(rest), s.ratio)
	summaryModel := s.summaryModel
	if summaryModel == "" {
		summaryModel = modelID
	}
	m.decision(ctx, s, "summarizing oldest messages",
		"model", modelID,
		"summary_model", summaryModel,
		"summarized_messages", split,
		"kept_messages", len(rest)-split,
		"total_tokens", total,
		"threshold_tokens", s.maxBefore,
	)
	summary := m.summarize(ctx, rest[:split], summaryModel)

	assembled := make([]Message, 0, len(system)+1+len(rest)-split)
	assembled = append(assembled, system...)
	assembled = append(assembled, summary)
	assembled = append(assembled, rest[split:]...)

	newTotal, err := m.CalculateTotalTokens(ctx, assembled, modelID)
	if err != nil {
		return res, "", &PipelineError{Op: "recount", Err: err}
	}
	if newTotal <= available {
		return PreparedMessages{Messages: assembled, WasSummarized: true, TotalTokens: newTotal}, PathSummarized, nil
	}

	out, err := Truncate(ctx, m.acct, assembled, modelID, available)
	if err != nil {
		return res, "", &PipelineError{Op: "truncate", Err: err}
	}
	return PreparedMessages{Messages: out, WasSummarized: true, TotalTokens: newTotal}, PathSummarizedTruncated, nil
}

// splitIndex returns how many of the n oldest non-system messages to fold:
// floor(n*ratio), at least 1, and never the newest one.
// A ratio of 1 therefore folds n-1 messages and keeps the newest verbatim.
func splitIndex(n int, ratio float64) int {
	idx := int(math.Floor(float64(n) * ratio))
	if idx < 1 {
		idx = 1
	}
	if idx > n-1 {
		idx = n - 1
	}
	return idx
}

// CalculateTotalTokens sums the token counts of msgs for modelID. On
// failure it emits a TOKEN_CALCULATION_ERROR event and returns the error.
func (m *Manager) CalculateTotalTokens(ctx context.Context, msgs []Message, modelID string) (int, error) {
	total, err := m.acct.Total(ctx, msgs, modelID)
	if err != nil {
		m.emit(ctx, CategoryTokenCalculation, "CalculateTotalTokens", modelID, err)
		return 0, err
	}
	return total, nil
}

// SummarizeConversation folds the non-system messages of msgs into a single
// summary message. It never fails; on oracle errors it emits an
// LLM_SUMMARIZATION_ERROR event and returns a fallback summary. modelID
// answers the request unless a summarization model is configured.
func (m *Manager) SummarizeConversation(ctx context.Context, msgs []Message, modelID string, opts ...Option) Message {
	s := m.resolve(opts)
	if s.summaryModel != "" {
		modelID = s.summaryModel
	}
	return m.summarize(ctx, msgs, modelID)
}

func (m *Manager) summarize(ctx context.Context, msgs []Message, modelID string) Message {
	ctx, span := otelPkg.StartSpan(ctx, m.tracer, "contextwindow.summarize",
		otelPkg.AttrSummaryModel.String(modelID),
		otelPkg.AttrSummarizedMsgs.Int(len(msgs)),
	)
	defer span.End()
	return summarize(ctx, m.factory, modelID, msgs, func(err error) {
		span.RecordError(err)
		m.emit(ctx, CategorySummarization, "SummarizeConversation", modelID, err)
	})
}

func (m *Manager) emit(ctx context.Context, cat ErrorCategory, source, modelID string, err error) {
	ev := newErrorEvent(ctx, cat, source, modelID, err)
	m.logger.Warn("context window error",
		"category", string(cat),
		"source", source,
		"model", modelID,
		"trace_id", ev.TraceID,
		"error", ev.Message,
	)
	m.metrics.ErrorEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("category", string(cat))))
	m.obs.dispatch(ev)
}

func (m *Manager) decision(ctx context.Context, s settings, msg string, args ...any) {
	level := slog.LevelDebug
	if s.debug {
		level = slog.LevelInfo
	}
	m.logger.Log(ctx, level, msg, append(args, "trace_id", shared.TraceID(ctx))...)
}
