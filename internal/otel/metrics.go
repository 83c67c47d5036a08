package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the context-window instruments.
type Metrics struct {
	PrepareDuration metric.Float64Histogram
	Preparations    metric.Int64Counter
	OracleDuration  metric.Float64Histogram
	OracleCalls     metric.Int64Counter
	OracleErrors    metric.Int64Counter
	CacheLookups    metric.Int64Counter
	TokensCounted   metric.Int64Counter
	ErrorEvents     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.PrepareDuration, err = meter.Float64Histogram("ctxwin.prepare.duration",
		metric.WithDescription("Message preparation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Preparations, err = meter.Int64Counter("ctxwin.prepare.total",
		metric.WithDescription("Preparations by outcome path (fits, truncated, summarized, fallback)"),
	)
	if err != nil {
		return nil, err
	}

	m.OracleDuration, err = meter.Float64Histogram("ctxwin.oracle.duration",
		metric.WithDescription("Oracle call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.OracleCalls, err = meter.Int64Counter("ctxwin.oracle.calls",
		metric.WithDescription("Oracle calls by kind (estimate, complete)"),
	)
	if err != nil {
		return nil, err
	}

	m.OracleErrors, err = meter.Int64Counter("ctxwin.oracle.errors",
		metric.WithDescription("Failed oracle calls by kind"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheLookups, err = meter.Int64Counter("ctxwin.token_cache.lookups",
		metric.WithDescription("Token cache lookups by result (memo, hit, miss)"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensCounted, err = meter.Int64Counter("ctxwin.tokens.counted",
		metric.WithDescription("Tokens returned by the estimation oracle"),
	)
	if err != nil {
		return nil, err
	}

	m.ErrorEvents, err = meter.Int64Counter("ctxwin.error_events",
		metric.WithDescription("Error events emitted by category"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noopProvider().Meter)
	return m
}
