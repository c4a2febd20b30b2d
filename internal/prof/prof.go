// Package prof runs optional Pyroscope continuous profiling for a deployment.
package prof

import (
	"context"
	"runtime"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/edudeploy/internal/log"
	"github.com/keithlinneman/edudeploy/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	TenantID      string
	Tags          map[string]string

	// BlockProfileRate > 0 enables block profiling, which shows time spent
	// waiting on object store I/O and the upload throttle.
	BlockProfileRate int

	// OnActive is told whether profiling is running, e.g. to set a gauge.
	OnActive func(active bool)
}

// profileTypes skips mutex profiles: uploads run on a single goroutine.
var profileTypes = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
	pyroscope.ProfileBlockCount,
	pyroscope.ProfileBlockDuration,
}

// Start begins profiling when enabled. The returned stop func is always
// non-nil and flushes the last profiles before returning.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	active := func(b bool) {
		if opts.OnActive != nil {
			opts.OnActive(b)
		}
	}

	if !opts.Enabled {
		L.Debug(ctx, "pyroscope disabled")
		active(false)
		return func() {}, nil
	}

	if opts.ServerAddress == "" {
		err := xerrors.Newf("invalid server address (%q)", opts.ServerAddress)
		active(false)
		return func() {}, err
	}

	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}
	cfg := pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		TenantID:        opts.TenantID,
		Tags:            opts.Tags,
		ProfileTypes:    profileTypes,
	}

	profiler, err := pyroscope.Start(cfg)
	if err != nil {
		active(false)
		return func() {}, xerrors.Wrapf(err, "start pyroscope (server=%s)", opts.ServerAddress)
	}
	active(true)

	L.Info(ctx, "pyroscope started",
		"server_address", opts.ServerAddress,
		"app_name", opts.AppName,
	)

	return func() {
		// Stop flushes pending profiles so the tail of a short run is kept
		profiler.Stop()
		active(false)
		if opts.BlockProfileRate > 0 {
			runtime.SetBlockProfileRate(0)
		}
		L.Info(context.Background(), "pyroscope stopped", "server_address", opts.ServerAddress)
	}, nil
}
