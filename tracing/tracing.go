// Package tracing wraps a cache.Cache with OpenTelemetry spans around its
// loading operations. It is entirely optional — tracing is only active when
// a non-nil Config is passed to Wrap.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dkuznetsov/loadingcache/cache"
)

// Config holds the OpenTelemetry configuration used by Wrap.
type Config struct {
	// TracerProvider supplies the Tracer used to create spans. When nil the
	// global otel.GetTracerProvider() is used.
	TracerProvider trace.TracerProvider

	// Name identifies this cache instance in span attributes, e.g. the
	// name of the resource it caches. Optional.
	Name string
}

func (c *Config) tracer() trace.Tracer {
	tp := c.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer("github.com/dkuznetsov/loadingcache/tracing")
}

// Wrap returns a cache.Cache that records a span for every Get and
// GetHandle call. If cfg is nil, Wrap returns inner unchanged.
func Wrap[K comparable, V any](inner cache.Cache[K, V], cfg *Config) cache.Cache[K, V] {
	if cfg == nil {
		return inner
	}
	return &tracedCache[K, V]{inner: inner, cfg: cfg}
}

type tracedCache[K comparable, V any] struct {
	inner cache.Cache[K, V]
	cfg   *Config
}

func (t *tracedCache[K, V]) span(ctx context.Context, op string) (context.Context, trace.Span) {
	ctx, span := t.cfg.tracer().Start(ctx, "cache."+op, trace.WithSpanKind(trace.SpanKindInternal))
	if t.cfg.Name != "" {
		span.SetAttributes(attribute.String("cache.name", t.cfg.Name))
	}
	return ctx, span
}

// recordResult finishes span with the outcome of a Get/GetHandle call. It
// does not attempt to report a hit/miss attribute: doing so would require
// peeking at the cache before the real call, which would double-count
// Metrics.Hit/Miss and double-touch the entry's recency position.
func recordResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

func (t *tracedCache[K, V]) Get(ctx context.Context, key K, loader ...cache.Loader[K, V]) (V, error) {
	ctx, span := t.span(ctx, "Get")
	defer span.End()
	span.SetAttributes(attribute.String("cache.key", fmt.Sprint(key)))

	v, err := t.inner.Get(ctx, key, loader...)
	recordResult(span, err)
	return v, err
}

func (t *tracedCache[K, V]) GetHandle(ctx context.Context, key K, loader ...cache.Loader[K, V]) (*cache.Handle[K, V], error) {
	ctx, span := t.span(ctx, "GetHandle")
	defer span.End()
	span.SetAttributes(attribute.String("cache.key", fmt.Sprint(key)))

	h, err := t.inner.GetHandle(ctx, key, loader...)
	recordResult(span, err)
	return h, err
}

func (t *tracedCache[K, V]) Find(key K) (V, bool) { return t.inner.Find(key) }

func (t *tracedCache[K, V]) At(key K) (*cache.Handle[K, V], error) { return t.inner.At(key) }

func (t *tracedCache[K, V]) Erase(key K) bool { return t.inner.Erase(key) }

func (t *tracedCache[K, V]) RemoveIf(pred func(K, V) bool) int {
	return t.inner.RemoveIf(pred)
}

func (t *tracedCache[K, V]) Range(fn func(K, V) bool) { t.inner.Range(fn) }

func (t *tracedCache[K, V]) EntriesCount() int { return t.inner.EntriesCount() }

func (t *tracedCache[K, V]) Size() uint64 { return t.inner.Size() }

func (t *tracedCache[K, V]) Stop(ctx context.Context) error { return t.inner.Stop(ctx) }

var _ cache.Cache[string, string] = (*tracedCache[string, string])(nil)
