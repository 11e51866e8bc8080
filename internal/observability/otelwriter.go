package observability

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

// OTelWriter is the io.Writer half of the log pipeline: InitLogger tees
// every zerolog line into it, and it re-emits the line as an OTLP log
// record through the global log provider. When no log provider is
// configured the global provider is a no-op, so the tee is free for
// deployments without a collector.
type OTelWriter struct {
	logger log.Logger
}

// NewOTelWriter builds a writer emitting under the given instrumentation
// scope name.
func NewOTelWriter(name string) *OTelWriter {
	return &OTelWriter{logger: global.GetLoggerProvider().Logger(name)}
}

// Write parses one zerolog JSON line and emits it as a structured log
// record; lines that aren't JSON are forwarded as a plain string body. It
// always reports the full length consumed — a broken log bridge must
// never surface as a write error to zerolog.
func (w *OTelWriter) Write(p []byte) (int, error) {
	var entry map[string]any
	if err := json.Unmarshal(p, &entry); err != nil {
		var rec log.Record
		rec.SetTimestamp(time.Now())
		rec.SetSeverity(log.SeverityInfo)
		rec.SetBody(log.StringValue(string(p)))
		w.logger.Emit(context.Background(), rec)
		return len(p), nil
	}
	w.emit(entry)
	return len(p), nil
}

// emit maps zerolog's well-known fields (time, level, message) onto the
// record and turns everything else — trace ids, corpus names, durations —
// into attributes.
func (w *OTelWriter) emit(entry map[string]any) {
	var rec log.Record

	rec.SetTimestamp(entryTimestamp(entry))
	delete(entry, "time")

	level, _ := entry["level"].(string)
	delete(entry, "level")
	if level == "" {
		level = "info"
	}
	rec.SetSeverity(severityFor(level))
	rec.SetSeverityText(level)

	if msg, ok := entry["message"].(string); ok {
		rec.SetBody(log.StringValue(msg))
		delete(entry, "message")
	} else if msg, ok := entry["msg"].(string); ok {
		rec.SetBody(log.StringValue(msg))
		delete(entry, "msg")
	}

	attrs := make([]log.KeyValue, 0, len(entry))
	for k, v := range entry {
		attrs = append(attrs, log.KeyValue{Key: k, Value: attrValue(v)})
	}
	rec.AddAttributes(attrs...)

	w.logger.Emit(context.Background(), rec)
}

func entryTimestamp(entry map[string]any) time.Time {
	if ts, ok := entry["time"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return t
		}
	}
	return time.Now()
}

var zerologSeverities = map[string]log.Severity{
	"trace":   log.SeverityTrace,
	"debug":   log.SeverityDebug,
	"info":    log.SeverityInfo,
	"warn":    log.SeverityWarn,
	"warning": log.SeverityWarn,
	"error":   log.SeverityError,
	"fatal":   log.SeverityFatal,
	"panic":   log.SeverityFatal4,
}

func severityFor(level string) log.Severity {
	if sev, ok := zerologSeverities[level]; ok {
		return sev
	}
	return log.SeverityInfo
}

func attrValue(v any) log.Value {
	switch val := v.(type) {
	case string:
		return log.StringValue(val)
	case bool:
		return log.BoolValue(val)
	case int:
		return log.IntValue(val)
	case int64:
		return log.Int64Value(val)
	case float64:
		return log.Float64Value(val)
	case nil:
		return log.StringValue("")
	default:
		if b, err := json.Marshal(val); err == nil {
			return log.StringValue(string(b))
		}
		return log.StringValue("")
	}
}
