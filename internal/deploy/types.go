package deploy

import (
	"math"
	"time"
)

// DefaultManifestKey is the well-known object key the manifest is uploaded to.
const DefaultManifestKey = "deployment_manifest.json"

// AccessPolicy selects how uploaded objects are addressed.
type AccessPolicy string

const (
	// PolicyPublic uploads objects world-readable and records their anonymous URL.
	PolicyPublic AccessPolicy = "public"
	// PolicyPrivate uploads objects private and records a time-limited presigned URL.
	PolicyPrivate AccessPolicy = "private"
)

// Target identifies the bucket a deployment writes to. Credentials stay in
// the object store client.
type Target struct {
	Endpoint string
	Bucket   string
	Region   string
}

// Mapping pairs a local content directory with the remote key prefix its
// files are uploaded under.
type Mapping struct {
	Dir    string
	Prefix string
}

// Record describes one successfully uploaded file.
type Record struct {
	Filename    string  `json:"filename"`
	LocalPath   string  `json:"local_path"`
	RemoteKey   string  `json:"remote_key"`
	ContentType string  `json:"content_type"`
	URL         string  `json:"public_url"`
	SizeBytes   int64   `json:"size_bytes"`
	SizeMB      float64 `json:"size_mb"`
	SHA256      string  `json:"sha256"`
}

// Stats are the manifest totals. TotalSizeMB is the sum of the per-record
// SizeMB values, not a conversion of TotalBytes.
type Stats struct {
	TotalFiles  int     `json:"total_files"`
	TotalSizeMB float64 `json:"total_size_mb"`
	TotalBytes  int64   `json:"total_bytes"`
}

// FailureRecord is the manifest form of an UploadFailure.
type FailureRecord struct {
	LocalPath string `json:"local_path"`
	RemoteKey string `json:"remote_key"`
	Stage     string `json:"stage"`
	Error     string `json:"error"`
}

// Manifest summarizes one deployment run.
type Manifest struct {
	Platform       string              `json:"platform"`
	DeploymentID   string              `json:"deployment_id"`
	DeploymentDate time.Time           `json:"deployment_date"`
	Bucket         string              `json:"bucket"`
	Endpoint       string              `json:"endpoint"`
	AccessPolicy   AccessPolicy        `json:"access_policy"`
	DryRun         bool                `json:"dry_run,omitempty"`
	Content        map[string][]Record `json:"content"`
	Stats          Stats               `json:"stats"`
	SkippedDirs    []string            `json:"skipped_dirs,omitempty"`
	Failures       []FailureRecord     `json:"failures,omitempty"`

	// ManifestURL is where the manifest itself was uploaded. Empty when the
	// upload failed or was not attempted.
	ManifestURL string `json:"manifest_url,omitempty"`

	// Body is the exact JSON that was (or would have been) uploaded.
	Body []byte `json:"-"`
}

func newManifest(id, platform string, t Target, policy AccessPolicy, now time.Time) *Manifest {
	return &Manifest{
		Platform:       platform,
		DeploymentID:   id,
		DeploymentDate: now.UTC(),
		Bucket:         t.Bucket,
		Endpoint:       t.Endpoint,
		AccessPolicy:   policy,
		Content:        make(map[string][]Record),
	}
}

// add appends records under prefix and keeps Stats in step with Content.
func (m *Manifest) add(prefix string, recs []Record) {
	if _, ok := m.Content[prefix]; !ok {
		m.Content[prefix] = []Record{}
	}
	m.Content[prefix] = append(m.Content[prefix], recs...)
	for _, r := range recs {
		m.Stats.TotalFiles++
		m.Stats.TotalBytes += r.SizeBytes
		m.Stats.TotalSizeMB = round2(m.Stats.TotalSizeMB + r.SizeMB)
	}
}

func (m *Manifest) addFailures(fs []*UploadFailure) {
	for _, f := range fs {
		m.Failures = append(m.Failures, FailureRecord{
			LocalPath: f.LocalPath,
			RemoteKey: f.Key,
			Stage:     f.Stage,
			Error:     f.Err.Error(),
		})
	}
}

// sizeMB converts bytes to mebibytes rounded to two decimals.
func sizeMB(n int64) float64 {
	return round2(float64(n) / (1024 * 1024))
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }
