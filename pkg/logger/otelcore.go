package logger

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

// otelCore tees every entry written to the wrapped core into an OpenTelemetry
// logger. Fields added with With are kept on the child core and emitted too.
type otelCore struct {
	zapcore.Core
	ctx    context.Context
	emit   log.Logger
	fields []log.KeyValue
}

func newOtelCore(ctx context.Context, core zapcore.Core, emit log.Logger, base ...log.KeyValue) *otelCore {
	return &otelCore{Core: core, ctx: ctx, emit: emit, fields: base}
}

func (c *otelCore) With(fields []zapcore.Field) zapcore.Core {
	return &otelCore{
		Core:   c.Core.With(fields),
		ctx:    c.ctx,
		emit:   c.emit,
		fields: append(append([]log.KeyValue(nil), c.fields...), convertFields(fields)...),
	}
}

// Check registers this core rather than the inner one, so Write below runs.
func (c *otelCore) Check(ent zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return checked.AddCore(ent, c)
	}
	return checked
}

func (c *otelCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	if err := c.Core.Write(ent, fields); err != nil {
		return err
	}

	var rec log.Record
	rec.SetTimestamp(ent.Time)
	rec.SetObservedTimestamp(time.Now())
	rec.SetBody(log.StringValue(ent.Message))
	rec.SetSeverity(severity(ent.Level))
	rec.SetSeverityText(ent.Level.String())
	rec.AddAttributes(c.fields...)
	if ent.LoggerName != "" {
		rec.AddAttributes(log.String("logger.name", ent.LoggerName))
	}
	if ent.Caller.Defined {
		rec.AddAttributes(log.String("code.caller", ent.Caller.TrimmedPath()))
	}
	rec.AddAttributes(convertFields(fields)...)

	c.emit.Emit(c.ctx, rec)
	return nil
}

func severity(l zapcore.Level) log.Severity {
	switch l {
	case zapcore.DebugLevel:
		return log.SeverityDebug
	case zapcore.InfoLevel:
		return log.SeverityInfo
	case zapcore.WarnLevel:
		return log.SeverityWarn
	case zapcore.ErrorLevel:
		return log.SeverityError
	case zapcore.DPanicLevel, zapcore.PanicLevel:
		return log.SeverityFatal1
	case zapcore.FatalLevel:
		return log.SeverityFatal4
	}
	return log.SeverityUndefined
}

// convertFields lets zap encode every field (durations, errors, arrays, objects)
// and maps the result onto log values.
func convertFields(fields []zapcore.Field) []log.KeyValue {
	if len(fields) == 0 {
		return nil
	}
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	out := make([]log.KeyValue, 0, len(enc.Fields))
	for k, v := range enc.Fields {
		out = append(out, log.KeyValue{Key: k, Value: logValue(v)})
	}
	return out
}

func logValue(v any) log.Value {
	switch v := v.(type) {
	case nil:
		return log.Value{}
	case string:
		return log.StringValue(v)
	case bool:
		return log.BoolValue(v)
	case int:
		return log.IntValue(v)
	case int8:
		return log.Int64Value(int64(v))
	case int16:
		return log.Int64Value(int64(v))
	case int32:
		return log.Int64Value(int64(v))
	case int64:
		return log.Int64Value(v)
	case uint8:
		return log.Int64Value(int64(v))
	case uint16:
		return log.Int64Value(int64(v))
	case uint32:
		return log.Int64Value(int64(v))
	case uint:
		return uintValue(uint64(v))
	case uint64:
		return uintValue(v)
	case float32:
		return log.Float64Value(float64(v))
	case float64:
		return log.Float64Value(v)
	case time.Duration:
		return log.StringValue(v.String())
	case time.Time:
		return log.StringValue(v.Format(time.RFC3339Nano))
	case []byte:
		return log.BytesValue(v)
	case []any:
		vals := make([]log.Value, len(v))
		for i := range v {
			vals[i] = logValue(v[i])
		}
		return log.SliceValue(vals...)
	case map[string]any:
		kvs := make([]log.KeyValue, 0, len(v))
		for k, val := range v {
			kvs = append(kvs, log.KeyValue{Key: k, Value: logValue(val)})
		}
		return log.MapValue(kvs...)
	}
	return log.StringValue(fmt.Sprint(v))
}

// uintValue keeps values beyond int64 readable instead of wrapping them.
func uintValue(v uint64) log.Value {
	if v > math.MaxInt64 {
		return log.StringValue(fmt.Sprint(v))
	}
	return log.Int64Value(int64(v))
}
