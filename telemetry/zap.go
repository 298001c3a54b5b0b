package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ZapLogger adapts a *zap.Logger to the Logger interface, converting the
// variadic keyvals into zap.Any fields.
type ZapLogger struct {
	base *zap.Logger
}

// NewZapLogger wraps base. A nil base falls back to zap.NewNop().
func NewZapLogger(base *zap.Logger) *ZapLogger {
	if base == nil {
		base = zap.NewNop()
	}
	return &ZapLogger{base: base}
}

func (l *ZapLogger) fields(keyvals []any) []zap.Field {
	fields := make([]zap.Field, 0, len(keyvals)/2+1)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, keyvals[i+1]))
	}
	return fields
}

func (l *ZapLogger) Debug(_ context.Context, msg string, keyvals ...any) {
	l.base.Debug(msg, l.fields(keyvals)...)
}

func (l *ZapLogger) Info(_ context.Context, msg string, keyvals ...any) {
	l.base.Info(msg, l.fields(keyvals)...)
}

func (l *ZapLogger) Warn(_ context.Context, msg string, keyvals ...any) {
	l.base.Warn(msg, l.fields(keyvals)...)
}

func (l *ZapLogger) Error(_ context.Context, msg string, keyvals ...any) {
	l.base.Error(msg, l.fields(keyvals)...)
}

// OtelMetrics adapts an OpenTelemetry metric.Meter to the Metrics interface.
// Instruments are created lazily and cached by name since the Metrics
// interface has no upfront registration step.
type OtelMetrics struct {
	meter  metric.Meter
	mu     sync.Mutex
	floats map[string]metric.Float64Counter
	gauges map[string]metric.Float64Gauge
	timers map[string]metric.Float64Histogram
}

// NewOtelMetrics builds an OtelMetrics backed by meter.
func NewOtelMetrics(meter metric.Meter) *OtelMetrics {
	return &OtelMetrics{
		meter:  meter,
		floats: make(map[string]metric.Float64Counter),
		gauges: make(map[string]metric.Float64Gauge),
		timers: make(map[string]metric.Float64Histogram),
	}
}

func tagAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		attrs = append(attrs, attribute.String(tags[i], tags[i+1]))
	}
	return attrs
}

func (m *OtelMetrics) IncCounter(name string, value float64, tags ...string) {
	m.mu.Lock()
	c, ok := m.floats[name]
	if !ok {
		var err error
		c, err = m.meter.Float64Counter(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.floats[name] = c
	}
	m.mu.Unlock()
	c.Add(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

func (m *OtelMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	m.mu.Lock()
	h, ok := m.timers[name]
	if !ok {
		var err error
		h, err = m.meter.Float64Histogram(name, metric.WithUnit("ms"))
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.timers[name] = h
	}
	m.mu.Unlock()
	h.Record(context.Background(), float64(duration.Milliseconds()), metric.WithAttributes(tagAttrs(tags)...))
}

func (m *OtelMetrics) RecordGauge(name string, value float64, tags ...string) {
	m.mu.Lock()
	g, ok := m.gauges[name]
	if !ok {
		var err error
		g, err = m.meter.Float64Gauge(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.gauges[name] = g
	}
	m.mu.Unlock()
	g.Record(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

// OtelTracer adapts an OpenTelemetry trace.Tracer to the Tracer interface.
type OtelTracer struct {
	tracer trace.Tracer
}

// NewOtelTracer wraps tracer.
func NewOtelTracer(tracer trace.Tracer) *OtelTracer {
	return &OtelTracer{tracer: tracer}
}

func (t *OtelTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name, opts...)
	return ctx, &otelSpan{span: span}
}

func (t *OtelTracer) Span(ctx context.Context) Span {
	return &otelSpan{span: trace.SpanFromContext(ctx)}
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End(opts ...trace.SpanEndOption) { s.span.End(opts...) }

func (s *otelSpan) AddEvent(name string, attrs ...any) {
	s.span.AddEvent(name, trace.WithAttributes(anyAttrs(attrs)...))
}

func (s *otelSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

func (s *otelSpan) RecordError(err error, opts ...trace.EventOption) {
	s.span.RecordError(err, opts...)
}

func anyAttrs(attrs []any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs)/2)
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			continue
		}
		switch v := attrs[i+1].(type) {
		case string:
			out = append(out, attribute.String(key, v))
		case int:
			out = append(out, attribute.Int(key, v))
		case int64:
			out = append(out, attribute.Int64(key, v))
		case float64:
			out = append(out, attribute.Float64(key, v))
		case bool:
			out = append(out, attribute.Bool(key, v))
		default:
			out = append(out, attribute.String(key, stringifyAttr(v)))
		}
	}
	return out
}

func stringifyAttr(v any) string {
	if s, ok := v.(interface{ String() string }); ok {
		return s.String()
	}
	return ""
}
