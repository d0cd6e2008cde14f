package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "boxboard/api"

type requestMetrics struct {
	logger        log.FieldLogger
	span          trace.Span
	route         string
	start         time.Time
	room          string
	userID        string
	authDuration  time.Duration
	applyDuration time.Duration
	commands      int
	noops         int
	errorStage    string
}

func newRequestMetrics(ctx context.Context, logger log.FieldLogger, route string) (*requestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, route, trace.WithSpanKind(trace.SpanKindServer))
	return &requestMetrics{logger: logger, span: span, route: route, start: time.Now()}, ctx
}

func (m *requestMetrics) ObserveAuth(d time.Duration)  { m.authDuration = d }
func (m *requestMetrics) ObserveApply(d time.Duration) { m.applyDuration = d }
func (m *requestMetrics) SetRoom(room string)          { m.room = room }
func (m *requestMetrics) SetUser(userID string)        { m.userID = userID }

func (m *requestMetrics) SetCommands(applied, noops int) {
	m.commands = applied
	m.noops = noops
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// Log emits one structured line per request and closes the span.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	fields := log.Fields{
		"route":    m.route,
		"room":     m.room,
		"status":   status,
		"total_ms": durationToMillis(time.Since(m.start)),
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.Int("http.status_code", status),
		attribute.String("boxboard.room", m.room),
	}
	if m.userID != "" {
		fields["user"] = m.userID
	}
	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.applyDuration > 0 {
		fields["apply_ms"] = durationToMillis(m.applyDuration)
	}
	if m.commands > 0 || m.noops > 0 {
		fields["commands"] = m.commands
		fields["noop_commands"] = m.noops
		attrs = append(attrs, attribute.Int("boxboard.commands", m.commands))
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
		attrs = append(attrs, attribute.String("boxboard.error_stage", m.errorStage))
	}
	if err != nil {
		fields["error"] = err.Error()
		m.span.RecordError(err)
	}
	if status >= 500 || err != nil {
		m.span.SetStatus(codes.Error, m.errorStage)
	}
	m.span.SetAttributes(attrs...)
	m.span.End()

	if m.logger != nil {
		m.logger.WithFields(fields).Info("request.metrics")
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
