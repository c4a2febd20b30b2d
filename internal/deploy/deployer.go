package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/edudeploy/internal/cryptoutil"
	"github.com/keithlinneman/edudeploy/internal/log"
	"github.com/keithlinneman/edudeploy/internal/mediatype"
	"github.com/keithlinneman/edudeploy/internal/objectstore"
	"github.com/keithlinneman/edudeploy/internal/pathutil"
	"github.com/keithlinneman/edudeploy/internal/xerrors"
)

// DefaultPresignTTL is the presigned url lifetime used when none is configured.
const DefaultPresignTTL = 7 * 24 * time.Hour

// Observer receives per-file outcomes, typically to update metrics.
type Observer interface {
	FileUploaded(prefix string, size int64, d time.Duration)
	UploadFailed(prefix, stage string)
	DirectorySkipped(prefix string)
}

type nopObserver struct{}

func (nopObserver) FileUploaded(string, int64, time.Duration) {}
func (nopObserver) UploadFailed(string, string)               {}
func (nopObserver) DirectorySkipped(string)                   {}

// Options configures a Deployer. Store and Target.Bucket are required unless
// DryRun is set.
type Options struct {
	Store  objectstore.Store
	Target Target

	Policy     AccessPolicy
	PresignTTL time.Duration

	// Platform is the label recorded in the manifest.
	Platform    string
	ManifestKey string

	// Root resolves relative Mapping.Dir values. Empty means the working directory.
	Root string

	// DryRun walks content and builds the manifest without calling the store.
	DryRun bool

	// Limiter throttles Put calls. Nil means unlimited.
	Limiter *rate.Limiter

	// Metadata is attached to every uploaded object.
	Metadata map[string]string

	Logger   log.Logger
	Observer Observer

	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

// Deployer runs deployments against one target. Uploads are sequential.
type Deployer struct {
	opts   Options
	store  objectstore.Store
	logger log.Logger
	obs    Observer
	tracer trace.Tracer
}

// New validates opts and fills defaults.
func New(opts Options) (*Deployer, error) {
	if opts.Store == nil && !opts.DryRun {
		return nil, xerrors.New("deploy: Store is required")
	}
	if opts.Target.Bucket == "" && !opts.DryRun {
		return nil, xerrors.New("deploy: Target.Bucket is required")
	}
	switch opts.Policy {
	case "":
		opts.Policy = PolicyPublic
	case PolicyPublic, PolicyPrivate:
	default:
		return nil, xerrors.Newf("deploy: unknown access policy %q", opts.Policy)
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = DefaultPresignTTL
	}
	if opts.ManifestKey == "" {
		opts.ManifestKey = DefaultManifestKey
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	return &Deployer{
		opts:   opts,
		store:  opts.Store,
		logger: opts.Logger,
		obs:    opts.Observer,
		tracer: otel.Tracer("edudeploy/deploy"),
	}, nil
}

// EnsureTarget confirms the bucket exists, creating it when absent.
// Any failure is returned as *TargetUnavailableError.
func (d *Deployer) EnsureTarget(ctx context.Context) error {
	ctx, span := d.tracer.Start(ctx, "deploy.ensure_target",
		trace.WithAttributes(attribute.String("deploy.bucket", d.opts.Target.Bucket)),
	)
	defer span.End()

	bucket := d.opts.Target.Bucket
	ok, err := d.store.BucketExists(ctx, bucket)
	if err != nil {
		return d.targetErr(span, "check bucket", err)
	}
	if ok {
		d.logger.Debug(ctx, "bucket exists", "bucket", bucket)
		return nil
	}

	d.logger.Info(ctx, "creating bucket", "bucket", bucket, "region", d.opts.Target.Region)
	if err := d.store.CreateBucket(ctx, bucket, d.opts.Target.Region); err != nil {
		return d.targetErr(span, "create bucket", err)
	}
	return nil
}

func (d *Deployer) targetErr(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, op)
	return &TargetUnavailableError{Bucket: d.opts.Target.Bucket, Op: op, Err: err}
}

// UploadOne uploads a single file under key and returns its addressable
// url. Errors are *UploadFailure.
func (d *Deployer) UploadOne(ctx context.Context, localPath, key string) (string, error) {
	rec, err := d.upload(ctx, localPath, key)
	if err != nil {
		return "", err
	}
	return rec.URL, nil
}

func (d *Deployer) upload(ctx context.Context, localPath, key string) (Record, error) {
	ctx, span := d.tracer.Start(ctx, "deploy.upload",
		trace.WithAttributes(attribute.String("deploy.key", key)),
	)
	defer span.End()

	fail := func(stage string, err error) (Record, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, stage)
		return Record{}, &UploadFailure{LocalPath: localPath, Key: key, Stage: stage, Err: err}
	}

	if !pathutil.ValidKey(key) {
		return fail(StageKey, xerrors.Newf("invalid object key %q", key))
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fail(StageOpen, err)
	}
	defer f.Close()

	// the same handle is hashed then rewound for the Put
	sum, size, err := cryptoutil.SHA256Reader(f)
	if err != nil {
		return fail(StageOpen, err)
	}

	rec := Record{
		Filename:    filepath.Base(localPath),
		LocalPath:   localPath,
		RemoteKey:   key,
		ContentType: mediatype.Detect(localPath),
		SizeBytes:   size,
		SizeMB:      sizeMB(size),
		SHA256:      sum,
	}
	span.SetAttributes(
		attribute.String("deploy.content_type", rec.ContentType),
		attribute.Int64("deploy.size_bytes", size),
	)

	if d.opts.DryRun {
		if d.store != nil && d.opts.Policy == PolicyPublic {
			rec.URL = d.store.PublicURL(d.opts.Target.Bucket, key)
		}
		return rec, nil
	}

	if d.opts.Limiter != nil {
		if err := d.opts.Limiter.Wait(ctx); err != nil {
			return fail(StageThrottle, err)
		}
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fail(StageOpen, err)
	}
	if fi, err := f.Stat(); err != nil {
		return fail(StageOpen, err)
	} else if fi.Size() != size {
		return fail(StageOpen, xerrors.Newf("file changed while uploading: hashed %d bytes, now %d", size, fi.Size()))
	}

	err = d.store.Put(ctx, objectstore.PutInput{
		Bucket:      d.opts.Target.Bucket,
		Key:         key,
		Body:        f,
		Size:        size,
		ContentType: rec.ContentType,
		ACL:         d.acl(),
		Metadata:    d.objectMetadata(sum),
	})
	if err != nil {
		return fail(StagePut, err)
	}

	url, err := d.addressOf(ctx, key)
	if err != nil {
		return fail(StagePresign, err)
	}
	rec.URL = url
	return rec, nil
}

func (d *Deployer) objectMetadata(sum string) map[string]string {
	md := make(map[string]string, len(d.opts.Metadata)+1)
	for k, v := range d.opts.Metadata {
		md[k] = v
	}
	if sum != "" {
		md["sha256"] = sum
	}
	return md
}

func (d *Deployer) addressOf(ctx context.Context, key string) (string, error) {
	if d.opts.Policy == PolicyPrivate {
		return d.store.PresignGet(ctx, d.opts.Target.Bucket, key, d.opts.PresignTTL)
	}
	return d.store.PublicURL(d.opts.Target.Bucket, key), nil
}

// resolve makes a mapping directory absolute against Root.
func (d *Deployer) resolve(dir string) string {
	if filepath.IsAbs(dir) || d.opts.Root == "" {
		return dir
	}
	return filepath.Join(d.opts.Root, dir)
}

// DeployDirectory uploads every regular file below dir, in lexical order of
// relative path, under prefix. A missing directory yields no records and no
// error. Failed files are returned alongside the records that succeeded.
//
// Two files that normalize to the same key (a\b and a/b on a filesystem that
// allows backslashes in names) upload only the first; the second is a
// StageKey failure.
func (d *Deployer) DeployDirectory(ctx context.Context, dir, prefix string) ([]Record, []*UploadFailure) {
	recs, failures, _ := d.deployDir(ctx, dir, prefix, make(map[string]string))
	return recs, failures
}

// deployDir uploads dir under prefix. seen maps every key uploaded so far in
// the run to its local path; a key already in seen is rejected before any Put
// and successful uploads are added to it.
func (d *Deployer) deployDir(ctx context.Context, dir, prefix string, seen map[string]string) ([]Record, []*UploadFailure, bool) {
	ctx, span := d.tracer.Start(ctx, "deploy.directory",
		trace.WithAttributes(
			attribute.String("deploy.dir", dir),
			attribute.String("deploy.prefix", prefix),
		),
	)
	defer span.End()

	root := d.resolve(dir)
	files, err := collectFiles(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			d.logger.Warn(ctx, "content directory not found, skipping", "dir", root, "prefix", prefix)
			d.obs.DirectorySkipped(prefix)
			return nil, nil, true
		}
		// an unreadable tree is reported as one failure for the directory
		d.logger.Error(ctx, err, "content directory unreadable", "dir", root, "prefix", prefix)
		d.obs.UploadFailed(prefix, StageOpen)
		return nil, []*UploadFailure{{LocalPath: root, Key: prefix, Stage: StageOpen, Err: err}}, false
	}

	d.logger.Info(ctx, "deploying directory", "dir", root, "prefix", prefix, "files", len(files))

	records := make([]Record, 0, len(files))
	var failures []*UploadFailure
	for _, rel := range files {
		localPath := filepath.Join(root, rel)
		key := pathutil.JoinKey(prefix, filepath.ToSlash(rel))

		if prev, dup := seen[key]; dup {
			uf := &UploadFailure{
				LocalPath: localPath,
				Key:       key,
				Stage:     StageKey,
				Err:       xerrors.Newf("key already uploaded from %s", prev),
			}
			d.logger.Error(ctx, uf.Err, "duplicate object key, not uploaded", "file", localPath, "key", key, "first", prev)
			d.obs.UploadFailed(prefix, StageKey)
			failures = append(failures, uf)
			continue
		}

		start := time.Now()
		rec, err := d.upload(ctx, localPath, key)
		if err != nil {
			var uf *UploadFailure
			if !errors.As(err, &uf) {
				uf = &UploadFailure{LocalPath: localPath, Key: key, Stage: StagePut, Err: err}
			}
			d.logger.Error(ctx, uf.Err, "upload failed", "file", localPath, "key", key, "stage", uf.Stage)
			d.obs.UploadFailed(prefix, uf.Stage)
			failures = append(failures, uf)
			continue
		}
		seen[key] = localPath
		d.obs.FileUploaded(prefix, rec.SizeBytes, time.Since(start))
		d.logger.Debug(ctx, "uploaded", "key", key, "content_type", rec.ContentType, "size", rec.SizeBytes)
		records = append(records, rec)
	}

	span.SetAttributes(
		attribute.Int("deploy.files_uploaded", len(records)),
		attribute.Int("deploy.files_failed", len(failures)),
	)
	return records, failures, false
}

// collectFiles returns the regular files below root as slash-free relative
// paths, sorted. Symlinks and other special files are ignored.
func collectFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, xerrors.Newf("%s is not a directory", root)
	}

	var files []string
	err = filepath.WalkDir(root, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !de.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool {
		return filepath.ToSlash(files[i]) < filepath.ToSlash(files[j])
	})
	return files, nil
}

// DeployAll runs a full deployment over mappings in the given order.
//
// A *TargetUnavailableError is returned with a nil manifest and nothing is
// uploaded. If only the manifest upload fails the manifest is returned
// together with a *ManifestPersistError. Per-file failures are recorded in
// Manifest.Failures and do not produce an error.
func (d *Deployer) DeployAll(ctx context.Context, mappings []Mapping) (*Manifest, error) {
	id := d.opts.NewID()
	ctx, span := d.tracer.Start(ctx, "deploy.all",
		trace.WithAttributes(
			attribute.String("deploy.id", id),
			attribute.String("deploy.bucket", d.opts.Target.Bucket),
			attribute.Bool("deploy.dry_run", d.opts.DryRun),
		),
	)
	defer span.End()

	// per-run copy so every log line carries the deployment id
	run := *d
	run.logger = d.logger.With("deployment_id", id)
	logger := run.logger

	if !d.opts.DryRun {
		if err := run.EnsureTarget(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "target unavailable")
			return nil, err
		}
	}

	m := newManifest(id, d.opts.Platform, d.opts.Target, d.opts.Policy, d.opts.Now())
	m.DryRun = d.opts.DryRun

	seen := make(map[string]string)
	for _, mp := range mappings {
		recs, failures, skipped := run.deployDir(ctx, mp.Dir, mp.Prefix, seen)
		if skipped {
			m.SkippedDirs = append(m.SkippedDirs, mp.Dir)
			continue
		}
		m.add(mp.Prefix, recs)
		m.addFailures(failures)
	}

	logger.Info(ctx, "content deployed",
		"files", m.Stats.TotalFiles,
		"size_mb", m.Stats.TotalSizeMB,
		"failures", len(m.Failures),
		"skipped_dirs", len(m.SkippedDirs),
	)

	if err := run.persistManifest(ctx, m); err != nil {
		span.RecordError(err)
		logger.Error(ctx, err, "manifest upload failed, keep the local copy")
		return m, err
	}
	return m, nil
}

// persistManifest serializes m into m.Body and uploads it unless dry
// running. The manifest url is resolved before encoding so the uploaded body
// carries it; on failure it is cleared and Body re-encoded for local use.
func (d *Deployer) persistManifest(ctx context.Context, m *Manifest) error {
	key := d.opts.ManifestKey

	if d.opts.DryRun {
		return d.encode(m)
	}

	url, err := d.addressOf(ctx, key)
	if err != nil {
		return d.manifestErr(m, key, err)
	}
	m.ManifestURL = url
	if err := d.encode(m); err != nil {
		return d.manifestErr(m, key, err)
	}

	if d.opts.Limiter != nil {
		if err := d.opts.Limiter.Wait(ctx); err != nil {
			return d.manifestErr(m, key, err)
		}
	}

	err = d.store.Put(ctx, objectstore.PutInput{
		Bucket:      d.opts.Target.Bucket,
		Key:         key,
		Body:        bytes.NewReader(m.Body),
		Size:        int64(len(m.Body)),
		ContentType: "application/json",
		ACL:         d.acl(),
		Metadata:    d.objectMetadata(""),
	})
	if err != nil {
		return d.manifestErr(m, key, err)
	}
	return nil
}

func (d *Deployer) manifestErr(m *Manifest, key string, err error) error {
	m.ManifestURL = ""
	if encErr := d.encode(m); encErr != nil {
		err = errors.Join(err, encErr)
	}
	return &ManifestPersistError{Key: key, Err: err}
}

func (d *Deployer) encode(m *Manifest) error {
	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return xerrors.Wrap(err, "encode manifest")
	}
	m.Body = body
	return nil
}

func (d *Deployer) acl() objectstore.ACL {
	if d.opts.Policy == PolicyPrivate {
		return objectstore.ACLPrivate
	}
	return objectstore.ACLPublicRead
}
