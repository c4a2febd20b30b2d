package objectstore

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/keithlinneman/edudeploy/internal/xerrors"
)

// S3Options configures an S3Store.
type S3Options struct {
	// Endpoint is the base url of the S3-compatible service, e.g. https://s3.wasabisys.com
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string

	// VirtualHosted switches from path-style (endpoint/bucket/key) to
	// virtual-hosted addressing (bucket.endpoint/key).
	VirtualHosted bool

	// HTTPClient overrides the transport, used to attach tracing (nil = SDK default)
	HTTPClient aws.HTTPClient
	AppID      string
}

// s3API is the subset of the S3 client used here.
type s3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store implements Store on aws-sdk-go-v2. It is safe for concurrent use.
type S3Store struct {
	client   s3API
	presign  *s3.PresignClient
	endpoint *url.URL
	vhost    bool
}

var _ Store = (*S3Store)(nil)

// NewS3Store builds a client for an S3-compatible endpoint using static credentials.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	if opts.Endpoint == "" {
		return nil, xerrors.New("objectstore: Endpoint is required")
	}
	if opts.Region == "" {
		return nil, xerrors.New("objectstore: Region is required")
	}
	ep, err := url.Parse(opts.Endpoint)
	if err != nil || ep.Scheme == "" || ep.Host == "" {
		return nil, xerrors.Newf("objectstore: invalid endpoint %q", opts.Endpoint)
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(opts.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		),
	}
	if opts.HTTPClient != nil {
		loadOpts = append(loadOpts, config.WithHTTPClient(opts.HTTPClient))
	}
	if opts.AppID != "" {
		loadOpts = append(loadOpts, config.WithAppID(opts.AppID))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, xerrors.Wrap(err, "objectstore: load AWS config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(strings.TrimSuffix(opts.Endpoint, "/"))
		o.UsePathStyle = !opts.VirtualHosted
		// third-party S3 implementations do not all accept the SDK's default trailing checksums
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &S3Store{
		client:   client,
		presign:  s3.NewPresignClient(client),
		endpoint: ep,
		vhost:    opts.VirtualHosted,
	}, nil
}

func (s *S3Store) BucketExists(ctx context.Context, bucket string) (bool, error) {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, xerrors.Wrapf(err, "head bucket %s", bucket)
}

func (s *S3Store) CreateBucket(ctx context.Context, bucket, region string) error {
	in := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	// us-east-1 is the implicit location and rejects an explicit constraint
	if region != "" && region != "us-east-1" {
		in.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(region),
		}
	}
	_, err := s.client.CreateBucket(ctx, in)
	if err != nil {
		var owned *s3types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return xerrors.Wrapf(err, "create bucket %s", bucket)
	}
	return nil
}

func (s *S3Store) Put(ctx context.Context, in PutInput) error {
	put := &s3.PutObjectInput{
		Bucket:      aws.String(in.Bucket),
		Key:         aws.String(in.Key),
		Body:        in.Body,
		ContentType: aws.String(in.ContentType),
		Metadata:    in.Metadata,
	}
	if in.Size >= 0 {
		put.ContentLength = aws.Int64(in.Size)
	}
	if in.ACL != "" {
		put.ACL = s3types.ObjectCannedACL(in.ACL)
	}
	if _, err := s.client.PutObject(ctx, put); err != nil {
		return xerrors.Wrapf(err, "put s3://%s/%s", in.Bucket, in.Key)
	}
	return nil
}

func (s *S3Store) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", xerrors.Wrapf(err, "presign s3://%s/%s", bucket, key)
	}
	return req.URL, nil
}

func (s *S3Store) PublicURL(bucket, key string) string {
	return PublicURL(s.endpoint, bucket, key, s.vhost)
}

// PublicURL builds the anonymous object address for an endpoint. Key
// segments are escaped individually so "/" keeps its meaning.
func PublicURL(endpoint *url.URL, bucket, key string, virtualHosted bool) string {
	segs := strings.Split(key, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	escaped := strings.Join(segs, "/")

	u := *endpoint
	base := strings.TrimSuffix(u.Path, "/")
	if virtualHosted {
		u.Host = bucket + "." + u.Host
		u.RawPath = base + "/" + escaped
	} else {
		u.RawPath = base + "/" + url.PathEscape(bucket) + "/" + escaped
	}
	u.Path, _ = url.PathUnescape(u.RawPath)
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

func isNotFound(err error) bool {
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsb *s3types.NoSuchBucket
	if errors.As(err, &nsb) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchBucket":
			return true
		}
	}
	return false
}
