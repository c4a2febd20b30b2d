package deploy

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/keithlinneman/edudeploy/internal/objectstore"
)

type putCall struct {
	in   objectstore.PutInput
	body []byte
}

// fakeStore records every call and fails on demand.
type fakeStore struct {
	mu sync.Mutex

	exists     bool
	existsErr  error
	createErr  error
	presignErr error
	putErr     map[string]error

	calls   []string
	created []string
	puts    []putCall
}

var _ objectstore.Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{exists: true, putErr: map[string]error{}}
}

func (f *fakeStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "head:"+bucket)
	return f.exists, f.existsErr
}

func (f *fakeStore) CreateBucket(ctx context.Context, bucket, region string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "create:"+bucket)
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, bucket+"@"+region)
	f.exists = true
	return nil
}

func (f *fakeStore) Put(ctx context.Context, in objectstore.PutInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "put:"+in.Key)
	if err := f.putErr[in.Key]; err != nil {
		return err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return err
	}
	in.Body = nil
	f.puts = append(f.puts, putCall{in: in, body: body})
	return nil
}

func (f *fakeStore) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if f.presignErr != nil {
		return "", f.presignErr
	}
	return fmt.Sprintf("https://s3.test/%s/%s?X-Amz-Expires=%d", bucket, key, int(ttl.Seconds())), nil
}

func (f *fakeStore) PublicURL(bucket, key string) string {
	return "https://s3.test/" + bucket + "/" + key
}

func (f *fakeStore) putKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.puts))
	for _, p := range f.puts {
		keys = append(keys, p.in.Key)
	}
	return keys
}

func (f *fakeStore) put(key string) (putCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.puts {
		if p.in.Key == key {
			return p, true
		}
	}
	return putCall{}, false
}

// countingObserver tallies observer callbacks.
type countingObserver struct {
	uploaded int
	bytes    int64
	failed   map[string]int
	skipped  []string
}

func newCountingObserver() *countingObserver {
	return &countingObserver{failed: map[string]int{}}
}

func (o *countingObserver) FileUploaded(prefix string, size int64, d time.Duration) {
	o.uploaded++
	o.bytes += size
}

func (o *countingObserver) UploadFailed(prefix, stage string) { o.failed[stage]++ }

func (o *countingObserver) DirectorySkipped(prefix string) { o.skipped = append(o.skipped, prefix) }
