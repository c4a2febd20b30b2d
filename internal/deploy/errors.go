package deploy

import (
	"fmt"
)

// TargetUnavailableError means the bucket could neither be confirmed nor
// created. It is fatal: no object is uploaded once it occurs.
type TargetUnavailableError struct {
	Bucket string
	Op     string
	Err    error
}

func (e *TargetUnavailableError) Error() string {
	return fmt.Sprintf("deploy target %s unavailable: %s: %v", e.Bucket, e.Op, e.Err)
}

func (e *TargetUnavailableError) Unwrap() error { return e.Err }

// Upload stages reported in UploadFailure.Stage.
const (
	StageOpen     = "open"
	StageThrottle = "throttle"
	StagePut      = "put"
	StagePresign  = "presign"
	StageKey      = "key"
)

// UploadFailure is a recoverable error for a single file. The deployment
// records it and moves on to the next file.
type UploadFailure struct {
	LocalPath string
	Key       string
	Stage     string
	Err       error
}

func (e *UploadFailure) Error() string {
	return fmt.Sprintf("upload %s -> %s failed at %s: %v", e.LocalPath, e.Key, e.Stage, e.Err)
}

func (e *UploadFailure) Unwrap() error { return e.Err }

// ManifestPersistError is returned together with a complete manifest when
// the manifest itself could not be uploaded. Content uploads already done
// remain valid and the caller should keep the manifest locally.
type ManifestPersistError struct {
	Key string
	Err error
}

func (e *ManifestPersistError) Error() string {
	return fmt.Sprintf("persist manifest %s: %v", e.Key, e.Err)
}

func (e *ManifestPersistError) Unwrap() error { return e.Err }
