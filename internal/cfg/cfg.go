package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/edudeploy/internal/deploy"
	"github.com/keithlinneman/edudeploy/internal/log"
)

// DefaultContentDirs is the content directory set of the video platform, in upload order.
const DefaultContentDirs = "audio=audio,video=videos,podcasts=podcasts,interviews=interviews"

// maxPresignTTL is the longest lifetime S3-compatible stores accept for a SigV4 presigned URL.
const maxPresignTTL = 7 * 24 * time.Hour

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	AdminPort       int
	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64
	PushgatewayURL  string

	Endpoint     string
	Region       string
	Bucket       string
	AccessKey    string
	SecretKey    string
	AccessPolicy string
	PresignTTL   time.Duration

	ContentRoot      string
	ContentDirs      string
	Platform         string
	ManifestKey      string
	ManifestOut      string
	DryRun           bool
	MaxUploadsPerSec float64

	ManifestSigningKeyARN string
	ReleaseSSMParam       string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.AdminPort, "admin-port", 0, "admin listen TCP port for metrics/health while deploying (0 disables)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", false, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 1.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.PushgatewayURL, "pushgateway-url", "", "prometheus pushgateway url to push run metrics to when finished")

	fs.StringVar(&c.Endpoint, "endpoint", "https://s3.wasabisys.com", "S3-compatible object store endpoint url")
	fs.StringVar(&c.Region, "region", "us-east-1", "object store region")
	fs.StringVar(&c.Bucket, "bucket", "", "bucket to deploy content into")
	fs.StringVar(&c.AccessKey, "access-key", "", "object store access key id")
	fs.StringVar(&c.SecretKey, "secret-key", "", "object store secret access key")
	fs.StringVar(&c.AccessPolicy, "access-policy", string(deploy.PolicyPublic), "public|private (private objects are addressed with presigned urls)")
	fs.DurationVar(&c.PresignTTL, "presign-ttl", maxPresignTTL, "lifetime of presigned urls when access-policy=private (max 168h)")

	fs.StringVar(&c.ContentRoot, "content-root", ".", "directory the content directories are resolved against")
	fs.StringVar(&c.ContentDirs, "content-dirs", DefaultContentDirs, "ordered dir=prefix pairs to deploy")
	fs.StringVar(&c.Platform, "platform", "EduVideo Platform", "platform label recorded in the manifest")
	fs.StringVar(&c.ManifestKey, "manifest-key", deploy.DefaultManifestKey, "object key the manifest is uploaded to")
	fs.StringVar(&c.ManifestOut, "manifest-out", deploy.DefaultManifestKey, "local path the manifest is written to (empty disables)")
	fs.BoolVar(&c.DryRun, "dry-run", false, "walk content and build the manifest without contacting the object store")
	fs.Float64Var(&c.MaxUploadsPerSec, "max-uploads-per-sec", 0, "upload rate ceiling (0 = unlimited)")

	fs.StringVar(&c.ManifestSigningKeyARN, "manifest-signing-key-arn", "", "KMS key ARN used to sign the uploaded manifest")
	fs.StringVar(&c.ReleaseSSMParam, "release-ssm-param", "", "SSM parameter updated with the manifest location and digest after a deploy")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		setFromEnv(fs, f, key, envVal, logf)
	})
}

// legacyEnv maps the variable names used by the older deployment scripts to flags.
var legacyEnv = map[string]string{
	"WASABI_ACCESS_KEY":  "access-key",
	"WASABI_SECRET_KEY":  "secret-key",
	"WASABI_BUCKET_NAME": "bucket",
	"WASABI_REGION":      "region",
	"WASABI_ENDPOINT":    "endpoint",
}

// FillFromLegacyEnv fills object store settings from WASABI_* variables for
// flags still unset after FillFromEnv, so the prefixed form always wins.
func FillFromLegacyEnv(fs *flag.FlagSet, logf func(string, ...any)) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	for key, name := range legacyEnv {
		if set[name] {
			continue
		}
		envVal, ok := os.LookupEnv(key)
		if !ok || envVal == "" {
			continue
		}
		if f := fs.Lookup(name); f != nil {
			setFromEnv(fs, f, key, envVal, logf)
		}
	}
}

func setFromEnv(fs *flag.FlagSet, f *flag.Flag, key, envVal string, logf func(string, ...any)) {
	prev := f.Value.String()
	if err := fs.Set(f.Name, envVal); err != nil {
		fs.Set(f.Name, prev)
		if logf != nil {
			logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
		}
	}
}

// ConfigurationError reports every invalid setting found at startup. It is
// always fatal and is returned before any object store traffic.
type ConfigurationError struct {
	Problems []error
	// Hint tells the operator how to fix the most likely cause.
	Hint string
}

func (e *ConfigurationError) Error() string {
	msg := errors.Join(e.Problems...).Error()
	if e.Hint != "" {
		msg += "\n" + e.Hint
	}
	return msg
}

func (e *ConfigurationError) Unwrap() []error { return e.Problems }

const credentialsHint = "set EDUDEPLOY_ACCESS_KEY and EDUDEPLOY_SECRET_KEY (or WASABI_ACCESS_KEY and WASABI_SECRET_KEY), " +
	"or pass -access-key/-secret-key; use -dry-run to build a manifest without credentials"

// Validate checks that config values are within expected ranges and formats.
// Returns a *ConfigurationError describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error
	var hint string

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	// Admin listener (0 disables)
	if c.AdminPort < 0 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 0..65535)", c.AdminPort))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if !isURL(c.PyroServer) {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}
	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}
	if c.PushgatewayURL != "" && !isURL(c.PushgatewayURL) {
		errs = append(errs, fmt.Errorf("PUSHGATEWAY_URL must be a URL (got %q)", c.PushgatewayURL))
	}

	// Content selection
	if _, err := ParseMappings(c.ContentDirs); err != nil {
		errs = append(errs, fmt.Errorf("invalid CONTENT_DIRS: %w", err))
	}
	if strings.TrimSpace(c.Platform) == "" {
		errs = append(errs, fmt.Errorf("PLATFORM is required"))
	}
	if c.MaxUploadsPerSec < 0 {
		errs = append(errs, fmt.Errorf("MAX_UPLOADS_PER_SEC must be >= 0 (got %g)", c.MaxUploadsPerSec))
	}

	// Object store target, not needed for a dry run
	if !c.DryRun {
		if !isURL(c.Endpoint) {
			errs = append(errs, fmt.Errorf("ENDPOINT must be a URL (got %q)", c.Endpoint))
		}
		if c.Region == "" {
			errs = append(errs, fmt.Errorf("REGION is required"))
		}
		if c.Bucket == "" {
			errs = append(errs, fmt.Errorf("BUCKET is required"))
		}
		if c.AccessKey == "" || c.SecretKey == "" {
			errs = append(errs, fmt.Errorf("object store credentials are missing (ACCESS_KEY and SECRET_KEY are required)"))
			hint = credentialsHint
		}
		if strings.TrimSpace(c.ManifestKey) == "" {
			errs = append(errs, fmt.Errorf("MANIFEST_KEY is required"))
		}
	}

	switch deploy.AccessPolicy(c.AccessPolicy) {
	case deploy.PolicyPublic:
	case deploy.PolicyPrivate:
		if c.PresignTTL <= 0 || c.PresignTTL > maxPresignTTL {
			errs = append(errs, fmt.Errorf("PRESIGN_TTL must be in (0, %s] (got %s)", maxPresignTTL, c.PresignTTL))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid ACCESS_POLICY %q (must be public|private)", c.AccessPolicy))
	}

	if len(errs) > 0 {
		return &ConfigurationError{Problems: errs, Hint: hint}
	}
	return nil
}

// ParseMappings parses "dir=prefix,dir=prefix" preserving order. A bare
// "dir" uses its base name as the prefix. Prefixes must be unique so that
// remote keys cannot collide across directories.
func ParseMappings(s string) ([]deploy.Mapping, error) {
	var out []deploy.Mapping
	seen := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		dir, prefix, found := strings.Cut(part, "=")
		dir = strings.TrimSpace(dir)
		prefix = strings.Trim(strings.TrimSpace(prefix), "/")
		if !found {
			prefix = strings.Trim(strings.ReplaceAll(dir, "\\", "/"), "/")
			if i := strings.LastIndex(prefix, "/"); i >= 0 {
				prefix = prefix[i+1:]
			}
		}
		if dir == "" || prefix == "" {
			return nil, fmt.Errorf("mapping %q needs both a directory and a prefix", part)
		}
		if prev, dup := seen[prefix]; dup {
			return nil, fmt.Errorf("prefix %q used by both %q and %q", prefix, prev, dir)
		}
		seen[prefix] = dir
		out = append(out, deploy.Mapping{Dir: dir, Prefix: prefix})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no content directories configured")
	}
	return out, nil
}

func isURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}
