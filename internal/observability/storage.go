package observability

import (
	"context"
	"errors"
	"time"

	"gatekeeper/internal/storage"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedStore wraps a storage.Store with a span, a latency histogram
// sample and an error count per operation. A missing key is not an error.
//
// Keys are not recorded as attributes: they embed caller IPs and user ids.
// Only the key namespace (the text before the first ':') is attached.
type InstrumentedStore struct {
	inner    storage.Store
	tracer   trace.Tracer
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

// instrumentedClaimer is returned for inner stores that support claims so the
// decorator does not hide the capability from token services.
type instrumentedClaimer struct {
	*InstrumentedStore
	claimer storage.Claimer
}

// NewInstrumentedStore decorates inner using the global tracer and meter
// providers. The result implements storage.Claimer exactly when inner does.
func NewInstrumentedStore(inner storage.Store) (storage.Store, error) {
	return newInstrumentedStore(inner, otel.Tracer(storageScope), otel.Meter(storageScope))
}

func newInstrumentedStore(inner storage.Store, tracer trace.Tracer, meter metric.Meter) (storage.Store, error) {
	duration, err := meter.Float64Histogram(
		"store.operation.duration",
		metric.WithDescription("Duration of store operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"store.operation.errors",
		metric.WithDescription("Number of failed store operations"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	s := &InstrumentedStore{
		inner:    inner,
		tracer:   tracer,
		duration: duration,
		errors:   errCounter,
	}
	if claimer, ok := inner.(storage.Claimer); ok {
		return &instrumentedClaimer{InstrumentedStore: s, claimer: claimer}, nil
	}
	return s, nil
}

func (s *InstrumentedStore) startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "store."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append([]attribute.KeyValue{
			attribute.String("store.operation", operation),
		}, attrs...)...),
	)
}

func (s *InstrumentedStore) record(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	attrs := metric.WithAttributes(attribute.String("operation", operation))
	s.duration.Record(ctx, time.Since(start).Seconds(), attrs)

	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.errors.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := s.startSpan(ctx, "Get", namespace(key))
	start := time.Now()
	value, err := s.inner.Get(ctx, key)
	span.SetAttributes(attribute.Bool("store.hit", err == nil))
	s.record(ctx, span, "Get", start, err)
	return value, err
}

func (s *InstrumentedStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, span := s.startSpan(ctx, "Set", namespace(key), attribute.Int64("store.ttl_ms", ttl.Milliseconds()))
	start := time.Now()
	err := s.inner.Set(ctx, key, value, ttl)
	s.record(ctx, span, "Set", start, err)
	return err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string) (bool, error) {
	ctx, span := s.startSpan(ctx, "Delete", namespace(key))
	start := time.Now()
	existed, err := s.inner.Delete(ctx, key)
	s.record(ctx, span, "Delete", start, err)
	return existed, err
}

func (s *InstrumentedStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	ctx, span := s.startSpan(ctx, "Keys", attribute.String("store.pattern", pattern))
	start := time.Now()
	keys, err := s.inner.Keys(ctx, pattern)
	span.SetAttributes(attribute.Int("store.keys", len(keys)))
	s.record(ctx, span, "Keys", start, err)
	return keys, err
}

func (s *InstrumentedStore) Ping(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "Ping")
	start := time.Now()
	err := s.inner.Ping(ctx)
	s.record(ctx, span, "Ping", start, err)
	return err
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}

func (s *instrumentedClaimer) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, span := s.startSpan(ctx, "SetIfAbsent", namespace(key), attribute.Int64("store.ttl_ms", ttl.Milliseconds()))
	start := time.Now()
	created, err := s.claimer.SetIfAbsent(ctx, key, value, ttl)
	span.SetAttributes(attribute.Bool("store.created", created))
	s.record(ctx, span, "SetIfAbsent", start, err)
	return created, err
}

func namespace(key string) attribute.KeyValue {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return attribute.String("store.namespace", key[:i])
		}
	}
	return attribute.String("store.namespace", key)
}
