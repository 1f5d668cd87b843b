package global

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type logSpanExporter struct {
	logger *log.Logger
}

// NewLogSpanExporter produces the trivial wiring to route trace spans
// to the log. This is noisy and only intended for basic debugging.
func NewLogSpanExporter() sdktrace.SpanExporter {
	return logSpanExporter{logger: log.Default()}
}

func (se logSpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		se.logger.Print(FormatSpan(span))
	}
	return nil
}

func (logSpanExporter) Shutdown(ctx context.Context) error {
	return nil
}

// FormatSpan converts a span to a single line of text.
func FormatSpan(span sdktrace.ReadOnlySpan) string {
	var out strings.Builder
	fmt.Fprintf(
		&out,
		"%s %s %s %s %s",
		span.StartTime().Format(time.RFC3339),
		span.EndTime().Sub(span.StartTime()),
		span.Name(),
		span.Status().Code,
		span.Status().Description)
	writeAttributes(&out, span.Attributes())
	for _, event := range span.Events() {
		out.WriteString(" ")
		out.WriteString(event.Name)
		writeAttributes(&out, event.Attributes)
	}
	return out.String()
}

func writeAttributes(out *strings.Builder, attributes []attribute.KeyValue) {
	out.WriteString("{")
	for i, kv := range attributes {
		if i > 0 {
			out.WriteString(",")
		}
		out.WriteString(string(kv.Key))
		out.WriteString("=")
		out.WriteString(kv.Value.Emit())
	}
	out.WriteString("}")
}
