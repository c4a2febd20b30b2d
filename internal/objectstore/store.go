// Package objectstore is the narrow object storage capability the deployer
// needs, with an S3-compatible implementation (Wasabi, AWS S3, MinIO).
package objectstore

import (
	"context"
	"io"
	"time"
)

// ACL is a canned access control policy applied to an uploaded object.
type ACL string

const (
	ACLPublicRead ACL = "public-read"
	ACLPrivate    ACL = "private"
)

// PutInput describes a single object upload.
type PutInput struct {
	Bucket      string
	Key         string
	Body        io.Reader
	Size        int64
	ContentType string
	ACL         ACL
	Metadata    map[string]string
}

// Store is the set of object store operations a deployment uses.
// Implementations must be safe to call sequentially from one goroutine;
// the S3 implementation is also safe for concurrent use.
type Store interface {
	// BucketExists reports whether bucket is reachable. A missing bucket is
	// (false, nil); permission and transport problems are errors.
	BucketExists(ctx context.Context, bucket string) (bool, error)
	CreateBucket(ctx context.Context, bucket, region string) error
	Put(ctx context.Context, in PutInput) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
	// PublicURL returns the anonymous address of an object. It does no I/O.
	PublicURL(bucket, key string) string
}
