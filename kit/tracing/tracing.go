// Package tracing holds helpers for opentracing spans around store
// operations.
package tracing

import (
	"context"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/opentracing/opentracing-go/log"
)

// StartSpanFromContext starts a span named component.operation, a child of
// the span in ctx if there is one, and tags it with the component.
func StartSpanFromContext(ctx context.Context, component, operation string) (opentracing.Span, context.Context) {
	span, ctx := opentracing.StartSpanFromContext(ctx, component+"."+operation)
	ext.Component.Set(span, component)
	return span, ctx
}

// LogError adds a span log for an error and marks the span failed.
// Returns unchanged error, so useful to wrap as in:
//
//	return 0, tracing.LogError(span, err)
func LogError(span opentracing.Span, err error) error {
	if err == nil {
		return nil
	}
	ext.Error.Set(span, true)
	span.LogFields(log.Error(err))
	return err
}
