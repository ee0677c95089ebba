package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// StructuredLogger is the production Logger implementation: JSON or
// human-readable line output carrying a component tag and optional trace
// context. Components get one via WithComponent so every log line from a
// given subsystem is filterable without touching global state.
type StructuredLogger struct {
	level     string
	debug     bool
	service   string
	component string
	format    string
	output    io.Writer
	telemetry Telemetry
}

// NewStructuredLogger builds the root logger for a service. format is
// "json" (production) or "text" (local development).
func NewStructuredLogger(service, level, format string) *StructuredLogger {
	return &StructuredLogger{
		level:     strings.ToLower(level),
		debug:     strings.ToLower(level) == "debug",
		service:   service,
		format:    format,
		output:    os.Stdout,
		telemetry: NoOpTelemetry{},
	}
}

// WithOutput redirects log output, mainly for tests.
func (l *StructuredLogger) WithOutput(w io.Writer) *StructuredLogger {
	clone := *l
	clone.output = w
	return &clone
}

// WithTelemetry attaches a Telemetry sink so logged errors also record a
// metric; optional, defaults to NoOpTelemetry.
func (l *StructuredLogger) WithTelemetry(t Telemetry) *StructuredLogger {
	clone := *l
	clone.telemetry = t
	return &clone
}

// WithComponent returns a logger tagged with component for every line it
// emits, leaving the receiver untouched.
func (l *StructuredLogger) WithComponent(component string) Logger {
	clone := *l
	clone.component = component
	return &clone
}

func (l *StructuredLogger) Info(msg string, fields map[string]interface{}) {
	l.logEvent(context.Background(), "INFO", msg, fields)
}
func (l *StructuredLogger) Error(msg string, fields map[string]interface{}) {
	l.logEvent(context.Background(), "ERROR", msg, fields)
}
func (l *StructuredLogger) Warn(msg string, fields map[string]interface{}) {
	l.logEvent(context.Background(), "WARN", msg, fields)
}
func (l *StructuredLogger) Debug(msg string, fields map[string]interface{}) {
	if l.debug {
		l.logEvent(context.Background(), "DEBUG", msg, fields)
	}
}

func (l *StructuredLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.logEvent(ctx, "INFO", msg, fields)
}
func (l *StructuredLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.logEvent(ctx, "ERROR", msg, fields)
}
func (l *StructuredLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.logEvent(ctx, "WARN", msg, fields)
}
func (l *StructuredLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if l.debug {
		l.logEvent(ctx, "DEBUG", msg, fields)
	}
}

func (l *StructuredLogger) logEvent(ctx context.Context, level, msg string, fields map[string]interface{}) {
	ts := time.Now().Format(time.RFC3339)
	component := l.component
	if component == "" {
		component = "governance"
	}

	if l.format == "json" {
		entry := map[string]interface{}{
			"timestamp": ts,
			"level":     level,
			"service":   l.service,
			"component": component,
			"message":   msg,
		}
		for k, v := range fields {
			entry[k] = v
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(l.output, string(data))
		}
	} else {
		var b strings.Builder
		for k, v := range fields {
			fmt.Fprintf(&b, " %s=%v", k, v)
		}
		fmt.Fprintf(l.output, "%s [%s] [%s/%s] %s%s\n", ts, level, l.service, component, msg, b.String())
	}

	if level == "ERROR" {
		_, span := l.telemetry.StartSpan(ctx, "log.error")
		span.SetAttribute("message", msg)
		span.End()
		l.telemetry.RecordMetric("governance.log.errors", 1, map[string]string{"component": component})
	}
}

var _ ComponentAwareLogger = (*StructuredLogger)(nil)
