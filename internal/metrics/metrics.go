package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/keithlinneman/edudeploy/internal/version"
	"github.com/keithlinneman/edudeploy/internal/xerrors"
)

// DeployMetrics holds the run metrics of one deployment. Deploy metrics live
// in their own registry so they can be pushed without the runtime
// collectors, which are only exposed on the scrape endpoint.
type DeployMetrics struct {
	reg     *prometheus.Registry
	runtime *prometheus.Registry
	handler http.Handler

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	filesUploaded    *prometheus.CounterVec
	bytesUploaded    *prometheus.CounterVec
	uploadFailures   *prometheus.CounterVec
	dirsSkipped      *prometheus.CounterVec
	uploadDuration   prometheus.Histogram
	runDuration      prometheus.Gauge
	manifestUploaded prometheus.Gauge
	lastSuccessTs    prometheus.Gauge
}

// New returns fresh registries with the deploy metrics registered.
// Labels are limited to the configured prefixes and failure stages.
func New() *DeployMetrics {
	runtime := prometheus.NewRegistry()
	runtime.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &DeployMetrics{
		reg:     prometheus.NewRegistry(),
		runtime: runtime,
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		filesUploaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deploy_files_uploaded_total",
			Help: "Files uploaded by remote prefix",
		}, []string{"prefix"}),
		bytesUploaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deploy_bytes_uploaded_total",
			Help: "Bytes uploaded by remote prefix",
		}, []string{"prefix"}),
		uploadFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deploy_upload_failures_total",
			Help: "Files that failed to upload by remote prefix and stage",
		}, []string{"prefix", "stage"}),
		dirsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deploy_directories_skipped_total",
			Help: "Configured content directories that did not exist",
		}, []string{"prefix"}),
		uploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "deploy_upload_duration_seconds",
			Help:    "Time to upload a single file",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deploy_run_duration_seconds",
			Help: "Wall clock duration of the last deployment run",
		}),
		manifestUploaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deploy_manifest_uploaded",
			Help: "Whether the last run uploaded its manifest (1) or not (0)",
		}),
		lastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deploy_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last run that finished without fatal errors",
		}),
	}
	m.reg.MustRegister(
		m.buildInfo,
		m.profilingActive,
		m.filesUploaded,
		m.bytesUploaded,
		m.uploadFailures,
		m.dirsSkipped,
		m.uploadDuration,
		m.runDuration,
		m.manifestUploaded,
		m.lastSuccessTs,
	)

	m.handler = promhttp.HandlerFor(prometheus.Gatherers{m.reg, m.runtime}, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	return m
}

func (m *DeployMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *DeployMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *DeployMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// FileUploaded, UploadFailed and DirectorySkipped make DeployMetrics a
// deploy.Observer.
func (m *DeployMetrics) FileUploaded(prefix string, size int64, d time.Duration) {
	m.filesUploaded.WithLabelValues(prefix).Inc()
	m.bytesUploaded.WithLabelValues(prefix).Add(float64(size))
	m.uploadDuration.Observe(d.Seconds())
}

func (m *DeployMetrics) UploadFailed(prefix, stage string) {
	m.uploadFailures.WithLabelValues(prefix, stage).Inc()
}

func (m *DeployMetrics) DirectorySkipped(prefix string) {
	m.dirsSkipped.WithLabelValues(prefix).Inc()
}

// ObserveRun records the outcome of a finished run. A run that hit a fatal
// error does not advance the last success timestamp.
func (m *DeployMetrics) ObserveRun(d time.Duration, manifestUploaded, fatal bool, now time.Time) {
	m.runDuration.Set(d.Seconds())
	if manifestUploaded {
		m.manifestUploaded.Set(1)
	} else {
		m.manifestUploaded.Set(0)
	}
	if !fatal {
		m.lastSuccessTs.Set(float64(now.Unix()))
	}
}

// Push replaces the metrics of job/instance on a Prometheus Pushgateway with
// the deploy registry. Runtime collectors are not pushed.
func (m *DeployMetrics) Push(ctx context.Context, url, job, instance string, client *http.Client) error {
	p := push.New(url, job).Gatherer(m.reg)
	if instance != "" {
		p = p.Grouping("instance", instance)
	}
	if client != nil {
		p = p.Client(client)
	}
	if err := p.PushContext(ctx); err != nil {
		return xerrors.Wrapf(err, "push metrics to %s", url)
	}
	return nil
}
