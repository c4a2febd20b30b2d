// Package release publishes a finished deployment: an optional detached KMS
// signature over the manifest and an optional SSM parameter that points
// consumers at the manifest.
package release

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/keithlinneman/edudeploy/internal/cryptoutil"
	"github.com/keithlinneman/edudeploy/internal/deploy"
	"github.com/keithlinneman/edudeploy/internal/log"
	"github.com/keithlinneman/edudeploy/internal/objectstore"
	"github.com/keithlinneman/edudeploy/internal/xerrors"
)

// SignatureSuffix is appended to the manifest key for the signature object.
const SignatureSuffix = ".sig"

// Signer produces a detached signature over a message.
type Signer interface {
	Sign(ctx context.Context, message []byte) (*cryptoutil.Signature, error)
}

// ParameterStore is the subset of the SSM API used to publish the pointer.
type ParameterStore interface {
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// Options configures a Publisher. Store and Bucket receive the signature
// object; ACL defaults to private.
type Options struct {
	Store  objectstore.Store
	Bucket string
	ACL    objectstore.ACL

	// Signer is optional; nil skips the signature object.
	Signer Signer

	// SSM and Param are optional; both must be set to publish a pointer.
	SSM   ParameterStore
	Param string

	Logger log.Logger
	Now    func() time.Time
}

// Release is the pointer written to SSM.
type Release struct {
	DeploymentID string    `json:"deployment_id"`
	Bucket       string    `json:"bucket"`
	ManifestKey  string    `json:"manifest_key"`
	ManifestURL  string    `json:"manifest_url"`
	SHA256       string    `json:"sha256"`
	SignatureKey string    `json:"signature_key,omitempty"`
	Files        int       `json:"files"`
	PublishedAt  time.Time `json:"published_at"`
}

// Publisher signs an uploaded manifest and announces it.
type Publisher struct {
	opts   Options
	logger log.Logger
}

// New fills defaults in opts. The result may have nothing to do; see Enabled.
func New(opts Options) *Publisher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ACL == "" {
		opts.ACL = objectstore.ACLPrivate
	}
	return &Publisher{opts: opts, logger: opts.Logger}
}

// Enabled reports whether Publish has anything to do.
func (p *Publisher) Enabled() bool {
	return p.opts.Signer != nil || (p.opts.SSM != nil && p.opts.Param != "")
}

// Publish signs and announces an uploaded manifest. The manifest must have
// been persisted: a manifest without a url has nothing to point at.
func (p *Publisher) Publish(ctx context.Context, m *deploy.Manifest, manifestKey string) (*Release, error) {
	if m == nil || len(m.Body) == 0 {
		return nil, xerrors.New("release: manifest body is empty")
	}
	if m.ManifestURL == "" {
		return nil, xerrors.New("release: manifest was not uploaded")
	}

	rel := &Release{
		DeploymentID: m.DeploymentID,
		Bucket:       m.Bucket,
		ManifestKey:  manifestKey,
		ManifestURL:  m.ManifestURL,
		SHA256:       cryptoutil.SHA256Hex(m.Body),
		Files:        m.Stats.TotalFiles,
		PublishedAt:  p.opts.Now().UTC(),
	}

	if p.opts.Signer != nil {
		key, err := p.uploadSignature(ctx, m.Body, manifestKey)
		if err != nil {
			return nil, err
		}
		rel.SignatureKey = key
	}

	if p.opts.SSM != nil && p.opts.Param != "" {
		if err := p.putPointer(ctx, rel); err != nil {
			return rel, err
		}
	}
	return rel, nil
}

func (p *Publisher) uploadSignature(ctx context.Context, body []byte, manifestKey string) (string, error) {
	sig, err := p.opts.Signer.Sign(ctx, body)
	if err != nil {
		return "", xerrors.Wrap(err, "sign manifest")
	}
	raw, err := json.Marshal(sig)
	if err != nil {
		return "", xerrors.Wrap(err, "encode manifest signature")
	}

	key := manifestKey + SignatureSuffix
	err = p.opts.Store.Put(ctx, objectstore.PutInput{
		Bucket:      p.opts.Bucket,
		Key:         key,
		Body:        bytes.NewReader(raw),
		Size:        int64(len(raw)),
		ContentType: "application/json",
		ACL:         p.opts.ACL,
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "upload manifest signature %s", key)
	}

	p.logger.Info(ctx, "manifest signed",
		"key", key,
		"algorithm", sig.Algorithm,
		"digest", sig.Digest,
	)
	return key, nil
}

func (p *Publisher) putPointer(ctx context.Context, rel *Release) error {
	val, err := json.Marshal(rel)
	if err != nil {
		return xerrors.Wrap(err, "encode release pointer")
	}
	_, err = p.opts.SSM.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(p.opts.Param),
		Value:     aws.String(string(val)),
		Type:      ssmtypes.ParameterTypeString,
		Overwrite: aws.Bool(true),
	})
	if err != nil {
		return xerrors.Wrapf(err, "put SSM parameter %s", p.opts.Param)
	}

	p.logger.Info(ctx, "release pointer published",
		"param", p.opts.Param,
		"manifest_key", rel.ManifestKey,
		"sha256", rel.SHA256,
	)
	return nil
}
