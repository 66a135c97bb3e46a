package logger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordExporter struct {
	mu      sync.Mutex
	records []sdklog.Record
}

func (e *recordExporter) Export(_ context.Context, records []sdklog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range records {
		e.records = append(e.records, r.Clone())
	}
	return nil
}

func (e *recordExporter) Shutdown(context.Context) error   { return nil }
func (e *recordExporter) ForceFlush(context.Context) error { return nil }

func attributes(r sdklog.Record) map[string]log.Value {
	out := map[string]log.Value{}
	r.WalkAttributes(func(kv log.KeyValue) bool {
		out[kv.Key] = kv.Value
		return true
	})
	return out
}

func TestOtelCoreMirrorsEntries(t *testing.T) {
	exp := &recordExporter{}
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewSimpleProcessor(exp)))
	defer provider.Shutdown(context.Background())

	inner, logs := observer.New(zapcore.InfoLevel)
	core := newOtelCore(context.Background(), inner, provider.Logger("test"), log.String("service.name", "aflrunner"))
	lg := zap.New(core).Named("launch").With(zap.String("campaign_id", "c1"))

	lg.Debug("dropped")
	lg.Warn("worker exited",
		zap.Int("pid", 42),
		zap.Duration("grace", 2*time.Second),
		zap.Error(errors.New("signal: killed")),
		zap.Strings("args", []string{"-M", "m_target"}))

	if logs.Len() != 1 {
		t.Fatalf("inner core got %d entries, want 1", logs.Len())
	}
	if len(exp.records) != 1 {
		t.Fatalf("exported %d records, want 1", len(exp.records))
	}
	rec := exp.records[0]
	if rec.Body().AsString() != "worker exited" || rec.Severity() != log.SeverityWarn {
		t.Errorf("unexpected record: %q %v", rec.Body().AsString(), rec.Severity())
	}

	attrs := attributes(rec)
	for key, want := range map[string]string{
		"service.name": "aflrunner",
		"campaign_id":  "c1",
		"logger.name":  "launch",
		"grace":        "2s",
		"error":        "signal: killed",
	} {
		if got := attrs[key].AsString(); got != want {
			t.Errorf("attribute %s = %q, want %q", key, got, want)
		}
	}
	if attrs["pid"].AsInt64() != 42 {
		t.Errorf("pid = %v", attrs["pid"])
	}
	if args := attrs["args"].AsSlice(); len(args) != 2 || args[1].AsString() != "m_target" {
		t.Errorf("args = %v", attrs["args"])
	}
}

func TestLogValue(t *testing.T) {
	if v := logValue(uint64(1) << 63); v.Kind() != log.KindString {
		t.Errorf("huge uint should be a string, got %v", v.Kind())
	}
	if v := logValue(uint32(7)); v.AsInt64() != 7 {
		t.Errorf("uint32 = %v", v)
	}
	if v := logValue(map[string]any{"a": true}); v.Kind() != log.KindMap {
		t.Errorf("map kind = %v", v.Kind())
	}
	if v := logValue(struct{ A int }{1}); v.AsString() != "{1}" {
		t.Errorf("fallback = %v", v)
	}
}
