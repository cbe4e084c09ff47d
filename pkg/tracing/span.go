// Package tracing records span trees around the slow paths worth
// explaining after the fact, a snapshot cycle or an index reload. A root
// span carries the trace id, children hang off the context, and the
// finished tree is emitted through slog one record per span.
package tracing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type contextKey struct{}

var spanKey contextKey

// Span is one timed step inside a trace. Attributes and children may be
// added while the step runs; the tree is read only after Log.
type Span struct {
	Name      string
	TraceID   string
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	mu       sync.Mutex
	children []*Span
	attrs    map[string]any
}

func newSpan(name, traceID string) *Span {
	return &Span{
		Name:      name,
		TraceID:   traceID,
		StartTime: time.Now(),
		attrs:     map[string]any{},
	}
}

// StartSpan opens a root span and returns a context carrying it.
func StartSpan(ctx context.Context, name, traceID string) (context.Context, *Span) {
	s := newSpan(name, traceID)
	return context.WithValue(ctx, spanKey, s), s
}

// StartChildSpan opens a span under the one carried by ctx. Without a
// parent in ctx the child becomes a parentless trace of its own.
func StartChildSpan(ctx context.Context, name string) (context.Context, *Span) {
	child := newSpan(name, "")
	if parent := SpanFromContext(ctx); parent != nil {
		child.TraceID = parent.TraceID
		parent.mu.Lock()
		parent.children = append(parent.children, child)
		parent.mu.Unlock()
	}
	return context.WithValue(ctx, spanKey, child), child
}

// SpanFromContext returns the span carried by ctx, nil when there is none.
func SpanFromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(spanKey).(*Span)
	return s
}

// End stamps the span once; later calls keep the first measurement.
func (s *Span) End() {
	if !s.EndTime.IsZero() {
		return
	}
	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)
}

// SetAttr attaches a key/value pair reported with the span.
func (s *Span) SetAttr(key string, value any) {
	s.mu.Lock()
	s.attrs[key] = value
	s.mu.Unlock()
}

// Log ends the span if still open and emits it with its descendants,
// root first, depth marking the nesting.
func (s *Span) Log() {
	s.emit(slog.Default(), 0)
}

func (s *Span) emit(l *slog.Logger, depth int) {
	s.End()

	s.mu.Lock()
	args := make([]any, 0, 8+2*len(s.attrs))
	args = append(args,
		"trace_id", s.TraceID,
		"span", s.Name,
		"duration", s.Duration.Round(time.Microsecond).String(),
		"depth", depth,
	)
	for k, v := range s.attrs {
		args = append(args, k, v)
	}
	children := append([]*Span(nil), s.children...)
	s.mu.Unlock()

	l.Info("span", args...)
	for _, c := range children {
		c.emit(l, depth+1)
	}
}
