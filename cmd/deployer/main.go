package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/edudeploy/internal/cfg"
	"github.com/keithlinneman/edudeploy/internal/cryptoutil"
	"github.com/keithlinneman/edudeploy/internal/deploy"
	"github.com/keithlinneman/edudeploy/internal/health"
	"github.com/keithlinneman/edudeploy/internal/log"
	"github.com/keithlinneman/edudeploy/internal/metrics"
	"github.com/keithlinneman/edudeploy/internal/objectstore"
	"github.com/keithlinneman/edudeploy/internal/opshttp"
	"github.com/keithlinneman/edudeploy/internal/otelx"
	"github.com/keithlinneman/edudeploy/internal/prof"
	"github.com/keithlinneman/edudeploy/internal/release"
	v "github.com/keithlinneman/edudeploy/internal/version"
)

// Exit codes. A partial deployment (some files or the manifest upload
// failed) is distinguished from one that never started.
const (
	exitOK      = 0
	exitFatal   = 1
	exitPartial = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	fs := flag.NewFlagSet(v.AppName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg.Register(fs, &conf)
	fs.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitFatal
	}

	if showVersion {
		fmt.Fprintf(stdout,
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return exitOK
	}

	// Fill in config from environment variables with prefix EDUDEPLOY_, then
	// the WASABI_* names the older scripts used, and validate
	envLog := func(format string, args ...any) {
		fmt.Fprintf(stderr, format+"\n", args...)
	}
	cfg.FillFromEnv(fs, "EDUDEPLOY_", envLog)
	cfg.FillFromLegacyEnv(fs, envLog)

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(stderr, "config error:", err)
		return exitFatal
	}
	mappings, _ := cfg.ParseMappings(conf.ContentDirs)

	runID := uuid.NewString()

	// Setup logging
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		BuildId:           vi.BuildId,
		RunID:             runID,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		Writer:            stderr,
	})
	if err != nil {
		fmt.Fprintln(stderr, "logger init error:", err)
		return exitFatal
	}
	defer lg.Sync()
	L := lg.With("component", "deployer")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "starting deployment",
		"version", vi.Version,
		"commit", vi.Commit,
		"endpoint", conf.Endpoint,
		"region", conf.Region,
		"bucket", conf.Bucket,
		"access_policy", conf.AccessPolicy,
		"content_root", conf.ContentRoot,
		"content_dirs", conf.ContentDirs,
		"dry_run", conf.DryRun,
		"max_uploads_per_sec", conf.MaxUploadsPerSec,
		"admin_port", conf.AdminPort,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
		"manifest_signing", conf.ManifestSigningKeyARN != "",
		"release_ssm_param", conf.ReleaseSSMParam,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "deployer", &vi)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "deployer",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"run_id":    runID,
		},
		BlockProfileRate: 10_000,
		OnActive:         m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// Insecure is true because traces go to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:    conf.EnableTracing,
		Endpoint:   conf.OTLPEndpoint,
		Insecure:   true,
		Sample:     conf.TraceSample,
		Service:    v.AppName,
		Component:  "deployer",
		Version:    vi.Version,
		InstanceID: runID,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	} else {
		defer func() { _ = shutdownOTEL(context.Background()) }()
	}

	// Ops listener is optional for a batch run
	gate := health.NewGate("deployment starting")
	if conf.AdminPort > 0 {
		stopOps, err := opshttp.Start(ctx, L, opshttp.Options{
			Port:        conf.AdminPort,
			Metrics:     m.Handler(),
			EnablePprof: conf.EnablePprof,
			Health:      health.Fixed(true, ""),
			Readiness:   readiness(ctx, gate),
		})
		if err != nil {
			L.Error(ctx, err, "ops listener failed to start", "admin_port", conf.AdminPort)
		} else {
			defer func() { _ = stopOps(context.Background()) }()
		}
	}

	store, err := objectstore.NewS3Store(ctx, objectstore.S3Options{
		Endpoint:   conf.Endpoint,
		Region:     conf.Region,
		AccessKey:  conf.AccessKey,
		SecretKey:  conf.SecretKey,
		HTTPClient: otelx.HTTPClient(nil),
		AppID:      v.AppName,
	})
	if err != nil {
		L.Error(ctx, err, "object store client init failed")
		return exitFatal
	}

	var limiter *rate.Limiter
	if conf.MaxUploadsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(conf.MaxUploadsPerSec), 1)
	}

	d, err := deploy.New(deploy.Options{
		Store: store,
		Target: deploy.Target{
			Endpoint: conf.Endpoint,
			Bucket:   conf.Bucket,
			Region:   conf.Region,
		},
		Policy:      deploy.AccessPolicy(conf.AccessPolicy),
		PresignTTL:  conf.PresignTTL,
		Platform:    conf.Platform,
		ManifestKey: conf.ManifestKey,
		Root:        conf.ContentRoot,
		DryRun:      conf.DryRun,
		Limiter:     limiter,
		Metadata: map[string]string{
			"platform":   conf.Platform,
			"deployment": runID,
		},
		Logger:   L,
		Observer: m,
		NewID:    func() string { return runID },
	})
	if err != nil {
		L.Error(ctx, err, "deployer init failed")
		return exitFatal
	}

	gate.Open()
	start := time.Now()
	manifest, err := d.DeployAll(ctx, mappings)
	gate.Close("deployment finished")

	code := exitOK
	var target *deploy.TargetUnavailableError
	var persist *deploy.ManifestPersistError
	switch {
	case err == nil:
	case errors.As(err, &target):
		L.Error(ctx, err, "deployment aborted, target unavailable", "bucket", conf.Bucket)
		code = exitFatal
	case errors.As(err, &persist):
		code = exitPartial
	default:
		L.Error(ctx, err, "deployment failed")
		code = exitFatal
	}

	if manifest != nil {
		if len(manifest.Failures) > 0 {
			code = max(code, exitPartial)
		}
		if conf.ManifestOut != "" {
			if err := writeManifest(conf.ManifestOut, manifest.Body); err != nil {
				L.Error(ctx, err, "could not write local manifest", "path", conf.ManifestOut)
				code = max(code, exitPartial)
			} else {
				L.Info(ctx, "manifest written", "path", conf.ManifestOut)
			}
		}
		if manifest.ManifestURL != "" {
			if err := publish(ctx, L, conf, store, manifest); err != nil {
				L.Error(ctx, err, "release publish failed")
				code = max(code, exitPartial)
			}
		}
		printSummary(stdout, manifest)
	}

	m.ObserveRun(time.Since(start), manifest != nil && manifest.ManifestURL != "", code == exitFatal, time.Now())
	if conf.PushgatewayURL != "" {
		pctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := m.Push(pctx, conf.PushgatewayURL, v.AppName, conf.Bucket, nil); err != nil {
			L.Error(ctx, err, "metrics push failed", "pushgateway", conf.PushgatewayURL)
		}
		cancel()
	}

	L.Info(ctx, "deployment finished", "exit_code", code, "duration", time.Since(start).String())
	return code
}

// readiness passes while the gate is open and the run has not been
// interrupted by a signal.
func readiness(run context.Context, gate *health.Gate) health.Probe {
	return health.All(
		gate.Probe(),
		health.CheckFunc(func(context.Context) error {
			if run.Err() != nil {
				return errors.New("deployment interrupted")
			}
			return nil
		}),
	)
}

// publish signs the uploaded manifest and announces it when configured.
// KMS and SSM use the ambient AWS credentials, not the object store keys.
func publish(ctx context.Context, L log.Logger, conf cfg.App, store objectstore.Store, manifest *deploy.Manifest) error {
	if conf.DryRun || (conf.ManifestSigningKeyARN == "" && conf.ReleaseSSMParam == "") {
		return nil
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithHTTPClient(otelx.HTTPClient(nil)))
	if err != nil {
		return err
	}

	acl := objectstore.ACLPublicRead
	if deploy.AccessPolicy(conf.AccessPolicy) == deploy.PolicyPrivate {
		acl = objectstore.ACLPrivate
	}
	opts := release.Options{
		Store:  store,
		Bucket: conf.Bucket,
		ACL:    acl,
		Logger: L,
	}
	if conf.ManifestSigningKeyARN != "" {
		opts.Signer = cryptoutil.NewKMSSigner(kms.NewFromConfig(awsCfg), conf.ManifestSigningKeyARN)
	}
	if conf.ReleaseSSMParam != "" {
		opts.SSM = ssm.NewFromConfig(awsCfg)
		opts.Param = conf.ReleaseSSMParam
	}

	_, err = release.New(opts).Publish(ctx, manifest, conf.ManifestKey)
	return err
}

func writeManifest(path string, body []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func printSummary(w io.Writer, m *deploy.Manifest) {
	verb := "deployed"
	if m.DryRun {
		verb = "would deploy"
	}
	fmt.Fprintf(w, "%s %d files (%.2f MB) to %s\n", verb, m.Stats.TotalFiles, m.Stats.TotalSizeMB, m.Bucket)
	for _, prefix := range slices.Sorted(maps.Keys(m.Content)) {
		fmt.Fprintf(w, "  %-12s %d files\n", prefix, len(m.Content[prefix]))
	}
	for _, dir := range m.SkippedDirs {
		fmt.Fprintf(w, "  skipped %s (not found)\n", dir)
	}
	for _, f := range m.Failures {
		fmt.Fprintf(w, "  FAILED %s -> %s (%s): %s\n", f.LocalPath, f.RemoteKey, f.Stage, f.Error)
	}
	if m.ManifestURL != "" {
		fmt.Fprintf(w, "manifest: %s\n", m.ManifestURL)
	} else if !m.DryRun {
		fmt.Fprintln(w, "manifest: not uploaded, local copy only")
	}
}
