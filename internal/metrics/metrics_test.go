package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/edudeploy/internal/version"
)

// helpers

func gatherMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

// labeledMetric returns the sample of family name whose labels include all of want.
func labeledMetric(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) *dto.Metric {
	t.Helper()
	f := gatherMetric(t, reg, name)
	if f == nil {
		t.Fatalf("metric %q not found", name)
	}
	for _, m := range f.GetMetric() {
		labels := make(map[string]string)
		for _, lp := range m.GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		match := true
		for k, v := range want {
			if labels[k] != v {
				match = false
				break
			}
		}
		if match {
			return m
		}
	}
	t.Fatalf("metric %q has no sample with labels %v", name, want)
	return nil
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	f := gatherMetric(t, reg, name)
	if f == nil || len(f.GetMetric()) == 0 {
		t.Fatalf("metric %q not found", name)
	}
	return f.GetMetric()[0].GetGauge().GetValue()
}

// New / Handler

func TestHandler_ServesDeployAndRuntimeMetrics(t *testing.T) {
	m := New()
	m.FileUploaded("videos", 10, time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{"deploy_files_uploaded_total", "profiling_active", "deploy_run_duration_seconds", "go_goroutines"} {
		if !strings.Contains(body, name) {
			t.Errorf("metric %q not found in /metrics output", name)
		}
	}
}

func TestNew_RuntimeCollectorsNotInDeployRegistry(t *testing.T) {
	m := New()
	if gatherMetric(t, m.reg, "go_goroutines") != nil {
		t.Fatal("runtime metrics must not be in the pushed registry")
	}
	if gatherMetric(t, m.runtime, "go_goroutines") == nil {
		t.Fatal("go collector not registered")
	}
}

// Observer

func TestObserver_Counts(t *testing.T) {
	m := New()
	m.FileUploaded("audio", 100, 200*time.Millisecond)
	m.FileUploaded("audio", 50, 300*time.Millisecond)
	m.FileUploaded("videos", 1000, 2*time.Second)
	m.UploadFailed("audio", "put")
	m.UploadFailed("audio", "put")
	m.UploadFailed("videos", "open")
	m.DirectorySkipped("podcasts")

	if v := labeledMetric(t, m.reg, "deploy_files_uploaded_total", map[string]string{"prefix": "audio"}).GetCounter().GetValue(); v != 2 {
		t.Errorf("audio files = %v, want 2", v)
	}
	if v := labeledMetric(t, m.reg, "deploy_bytes_uploaded_total", map[string]string{"prefix": "audio"}).GetCounter().GetValue(); v != 150 {
		t.Errorf("audio bytes = %v, want 150", v)
	}
	if v := labeledMetric(t, m.reg, "deploy_upload_failures_total", map[string]string{"prefix": "audio", "stage": "put"}).GetCounter().GetValue(); v != 2 {
		t.Errorf("audio put failures = %v, want 2", v)
	}
	if v := labeledMetric(t, m.reg, "deploy_directories_skipped_total", map[string]string{"prefix": "podcasts"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("skipped = %v, want 1", v)
	}
	h := gatherMetric(t, m.reg, "deploy_upload_duration_seconds").GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 3 {
		t.Errorf("duration samples = %d, want 3", h.GetSampleCount())
	}
	if h.GetSampleSum() < 2.49 || h.GetSampleSum() > 2.51 {
		t.Errorf("duration sum = %v, want 2.5", h.GetSampleSum())
	}
}

// ObserveRun

func TestObserveRun(t *testing.T) {
	m := New()
	now := time.Unix(1_760_000_000, 0)

	m.ObserveRun(90*time.Second, true, false, now)
	if v := gaugeValue(t, m.reg, "deploy_run_duration_seconds"); v != 90 {
		t.Errorf("run duration = %v", v)
	}
	if v := gaugeValue(t, m.reg, "deploy_manifest_uploaded"); v != 1 {
		t.Errorf("manifest uploaded = %v", v)
	}
	if v := gaugeValue(t, m.reg, "deploy_last_success_timestamp_seconds"); v != 1_760_000_000 {
		t.Errorf("last success = %v", v)
	}

	m.ObserveRun(time.Second, false, true, now.Add(time.Hour))
	if v := gaugeValue(t, m.reg, "deploy_manifest_uploaded"); v != 0 {
		t.Errorf("manifest uploaded = %v, want 0", v)
	}
	if v := gaugeValue(t, m.reg, "deploy_last_success_timestamp_seconds"); v != 1_760_000_000 {
		t.Errorf("fatal run moved last success to %v", v)
	}
}

// SetBuildInfoFromVersion

func TestSetBuildInfoFromVersion(t *testing.T) {
	m := New()

	dirty := true
	vi := version.Info{
		Version:    "1.2.3",
		Commit:     "abc123",
		CommitDate: "2025-01-01",
		BuildId:    "build-42",
		BuildDate:  "2025-01-01T00:00:00Z",
		GoVersion:  "go1.24.0",
		VCSDirty:   &dirty,
	}
	m.SetBuildInfoFromVersion("edudeploy", "deployer", &vi)

	got := labeledMetric(t, m.reg, "build_info", map[string]string{
		"app":       "edudeploy",
		"component": "deployer",
		"version":   "1.2.3",
		"commit":    "abc123",
		"vcs_dirty": "true",
	})
	if got.GetGauge().GetValue() != 1 {
		t.Fatalf("build_info value = %v, want 1", got.GetGauge().GetValue())
	}
}

func TestSetBuildInfoFromVersion_DirtyUnknown(t *testing.T) {
	m := New()
	m.SetBuildInfoFromVersion("edudeploy", "deployer", &version.Info{Version: "dev"})
	labeledMetric(t, m.reg, "build_info", map[string]string{"vcs_dirty": "unknown"})
}

func TestSetProfilingActive(t *testing.T) {
	m := New()
	m.SetProfilingActive(true)
	if v := gaugeValue(t, m.reg, "profiling_active"); v != 1 {
		t.Fatalf("profiling_active = %v, want 1", v)
	}
	m.SetProfilingActive(false)
	if v := gaugeValue(t, m.reg, "profiling_active"); v != 0 {
		t.Fatalf("profiling_active = %v, want 0", v)
	}
}

// Push

func TestPush(t *testing.T) {
	var gotMethod, gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New()
	m.FileUploaded("videos", 42, time.Second)

	if err := m.Push(context.Background(), srv.URL, "edudeploy", "run-1", srv.Client()); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if gotMethod != http.MethodPut {
		t.Errorf("method = %s, want PUT", gotMethod)
	}
	if gotPath != "/metrics/job/edudeploy/instance/run-1" {
		t.Errorf("path = %s", gotPath)
	}
	// protobuf delimited body carries metric names verbatim
	if !strings.Contains(gotBody, "deploy_files_uploaded_total") {
		t.Error("pushed body missing deploy metrics")
	}
	if strings.Contains(gotBody, "go_goroutines") {
		t.Error("pushed body includes runtime metrics")
	}
}

func TestPush_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := New()
	err := m.Push(context.Background(), srv.URL, "edudeploy", "", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "push metrics to") {
		t.Fatalf("err = %v", err)
	}
}
