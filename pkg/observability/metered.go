package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wasmkeel/keel/pkg/journal"
)

// Metered wraps a journal writer with RED instrumentation. Every appended
// entry increments the write counter, failures increment the error counter,
// and write latency feeds the duration histogram, all labeled by entry kind.
type Metered struct {
	inner    journal.Writable
	provider *Provider
	ctx      context.Context
}

// NewMetered instruments w with the provider's journal metrics. The context
// is retained for metric emission only; it does not gate writes.
func NewMetered(ctx context.Context, w journal.Writable, provider *Provider) *Metered {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Metered{inner: w, provider: provider, ctx: ctx}
}

// Write appends the entry to the wrapped writer and records metrics.
func (m *Metered) Write(e *journal.Entry) error {
	start := time.Now()
	err := m.inner.Write(e)

	kind := "invalid"
	if e != nil && e.Payload != nil {
		kind = e.Payload.Kind().String()
	}
	attrs := []attribute.KeyValue{
		attribute.String("journal.kind", kind),
	}
	m.provider.RecordDuration(m.ctx, time.Since(start), attrs...)
	if err != nil {
		m.provider.RecordError(m.ctx, err, attrs...)
		return err
	}
	m.provider.RecordWrite(m.ctx, attrs...)
	return nil
}

// Close closes the wrapped writer.
func (m *Metered) Close() error {
	return m.inner.Close()
}
