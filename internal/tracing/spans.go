package tracing

import (
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MaxOutputEventBytes bounds captured output attached to span events.
const MaxOutputEventBytes = 1024

// RecordOutput attaches bounded stdout/stderr events to span.
func RecordOutput(span trace.Span, stdout, stderr string, secrets ...string) {
	if span == nil {
		return
	}
	if text := strings.TrimSpace(stdout); text != "" {
		span.AddEvent(
			"process.stdout",
			trace.WithAttributes(attribute.String("output", TruncateOutput(RedactText(text, secrets...), MaxOutputEventBytes))),
		)
	}
	if text := strings.TrimSpace(stderr); text != "" {
		span.AddEvent(
			"process.stderr",
			trace.WithAttributes(attribute.String("output", TruncateOutput(RedactText(text, secrets...), MaxOutputEventBytes))),
		)
	}
}

// Finish sets the span status from err and records it.
func Finish(span trace.Span, err error, okDescription string) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, okDescription)
}
