package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/edudeploy/internal/xerrors"
)

// helpers

func newTestLogger(t *testing.T, buf *bytes.Buffer, opts Options) Logger {
	t.Helper()
	opts.Writer = buf
	l, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

// jsonRecord parses the last JSON log line in buf.
func jsonRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	last := lines[len(lines)-1]
	var m map[string]any
	if err := json.Unmarshal([]byte(last), &m); err != nil {
		t.Fatalf("parse JSON log line: %v\nraw: %s", err, last)
	}
	return m
}

// ParseLevel

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{" warn\n", slog.LevelWarn, false},
		{"Error", slog.LevelError, false},
		{"", 0, true},
		{"trace", 0, true},
		{"info error", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseLevel(%q) should return error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLevel(%q) error: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestParseLevel_ErrorListsValidLevels(t *testing.T) {
	_, err := ParseLevel("bogus")
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"bogus", "debug|info|warn|error"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should contain %q", err, want)
		}
	}
}

// base attributes

func TestNew_BaseAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "edudeploy", Version: "1.0.0", RunID: "run-1", JsonFormat: true})

	l.Info(context.Background(), "hello", "bucket", "edu-content")

	m := jsonRecord(t, &buf)
	if m["app"] != "edudeploy" || m["version"] != "1.0.0" || m["run_id"] != "run-1" {
		t.Fatalf("missing base attrs: %v", m)
	}
	if m["bucket"] != "edu-content" {
		t.Fatalf("bucket = %v", m["bucket"])
	}
	if m["msg"] != "hello" {
		t.Fatalf("msg = %v", m["msg"])
	}
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "edudeploy"})
	l.Info(context.Background(), "plain", "k", "v")
	if !strings.Contains(buf.String(), "msg=plain") || !strings.Contains(buf.String(), "k=v") {
		t.Fatalf("unexpected logfmt output: %s", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "t", JsonFormat: true, Level: slog.LevelWarn})

	ctx := context.Background()
	l.Debug(ctx, "debug")
	l.Info(ctx, "info")
	if buf.Len() != 0 {
		t.Fatalf("debug/info should be filtered, got %s", buf.String())
	}
	l.Warn(ctx, "warn")
	if !strings.Contains(buf.String(), `"msg":"warn"`) {
		t.Fatalf("warn should pass, got %s", buf.String())
	}
}

// With

func TestWith_CopyOnWrite(t *testing.T) {
	var buf bytes.Buffer
	parent := newTestLogger(t, &buf, Options{App: "t", JsonFormat: true})
	child := parent.With("component", "deployer", 42, "ignored", "dangling")

	child.Info(context.Background(), "child")
	m := jsonRecord(t, &buf)
	if m["component"] != "deployer" {
		t.Fatalf("component = %v", m["component"])
	}

	parent.Info(context.Background(), "parent")
	m = jsonRecord(t, &buf)
	if _, found := m["component"]; found {
		t.Fatal("parent should not see child attrs")
	}
}

// Error enrichment

type uploadErr struct{ key string }

func (e *uploadErr) Error() string { return "upload " + e.key }

func TestError_EnrichesChainAndTypes(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "t", JsonFormat: true, IncludeErrorLinks: true})

	root := &uploadErr{key: "videos/clip.mp4"}
	err := xerrors.Wrap(fmt.Errorf("put: %w", root), "deploy videos")
	l.Error(context.Background(), err, "upload failed", "prefix", "videos")

	m := jsonRecord(t, &buf)
	if m["error_type"] != "*log.uploadErr" {
		t.Fatalf("error_type = %v", m["error_type"])
	}
	if m["cause_type"] != "*log.uploadErr" {
		t.Fatalf("cause_type = %v", m["cause_type"])
	}
	chain, ok := m["error_chain"].([]any)
	if !ok || len(chain) != 3 {
		t.Fatalf("error_chain = %v", m["error_chain"])
	}
	links, ok := m["error_links"].([]any)
	if !ok || len(links) == 0 {
		t.Fatalf("error_links = %v", m["error_links"])
	}
	if _, ok := m["stack"]; !ok {
		t.Fatal("stack should be present at error level")
	}
	if m["prefix"] != "videos" {
		t.Fatalf("prefix = %v", m["prefix"])
	}
}

func TestError_NilError(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "t", JsonFormat: true})
	l.Error(context.Background(), nil, "no error")

	m := jsonRecord(t, &buf)
	if _, found := m["err"]; found {
		t.Fatal("err should be absent for nil error")
	}
}

func TestError_UsesCapturedStack(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "t", JsonFormat: true})
	l.Error(context.Background(), xerrors.New("boom"), "failed")

	m := jsonRecord(t, &buf)
	stack, _ := m["stack"].(string)
	if !strings.Contains(stack, "TestError_UsesCapturedStack") {
		t.Fatalf("stack should start at error origin, got:\n%s", stack)
	}
}

// otelHandler

func TestOtelHandler_AddsTraceFields(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "t", JsonFormat: true})

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	l.Info(ctx, "traced")
	m := jsonRecord(t, &buf)
	if m["trace_id"] != "0102030405060708090a0b0c0d0e0f10" || m["span_id"] != "0102030405060708" {
		t.Fatalf("trace fields = %v / %v", m["trace_id"], m["span_id"])
	}
}

// helpers

func TestErrorChain_Joined(t *testing.T) {
	err := errors.Join(errors.New("a"), errors.New("b"))
	chain := errorChain(err)
	if len(chain) != 3 {
		t.Fatalf("chain = %v", chain)
	}
}

func TestChainLinks_RespectsMax(t *testing.T) {
	err := xerrors.Wrap(xerrors.Wrap(xerrors.Wrap(errors.New("root"), "a"), "b"), "c")
	if got := chainLinks(err, 2); len(got) > 2 {
		t.Fatalf("len = %d, want <= 2", len(got))
	}
}

func TestClassifyTypes_Nil(t *testing.T) {
	s, r := classifyTypes(nil)
	if s != "" || r != "" {
		t.Fatalf("classifyTypes(nil) = %q, %q", s, r)
	}
}
