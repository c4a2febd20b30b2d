package deploy

import (
	"errors"
	"io/fs"
	"strings"
	"testing"
)

func TestErrors_Unwrap(t *testing.T) {
	cause := fs.ErrPermission
	errs := []error{
		&TargetUnavailableError{Bucket: "b", Op: "check bucket", Err: cause},
		&UploadFailure{LocalPath: "/c/a.mp3", Key: "audio/a.mp3", Stage: StagePut, Err: cause},
		&ManifestPersistError{Key: DefaultManifestKey, Err: cause},
	}
	for _, err := range errs {
		if !errors.Is(err, fs.ErrPermission) {
			t.Errorf("%T does not unwrap to its cause", err)
		}
		if !strings.Contains(err.Error(), "permission denied") {
			t.Errorf("%T message %q lacks cause", err, err.Error())
		}
	}
}

func TestUploadFailure_Message(t *testing.T) {
	err := &UploadFailure{LocalPath: "/c/a.mp3", Key: "audio/a.mp3", Stage: StageOpen, Err: errors.New("boom")}
	want := "upload /c/a.mp3 -> audio/a.mp3 failed at open: boom"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}
