package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/hex"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/keithlinneman/edudeploy/internal/xerrors"
)

// kmsAPI is the subset of the KMS API needed to sign and check a signature.
// Extracted as an interface to enable unit testing without live AWS credentials.
type kmsAPI interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

// Signature is a detached signature over a message.
type Signature struct {
	KeyID     string `json:"keyid"`
	Algorithm string `json:"algorithm"`
	Digest    string `json:"digest"`
	Value     []byte `json:"sig"`
}

type KMSSigner struct {
	client kmsAPI
	keyARN string

	// cached public key, used to pick the algorithm and to check KMS output
	mu     sync.RWMutex
	pubKey crypto.PublicKey
}

func NewKMSSigner(client *kms.Client, keyARN string) *KMSSigner {
	return &KMSSigner{client: client, keyARN: keyARN}
}

// PublicKey fetches and caches the KMS public key.
// First call hits KMS API, subsequent calls return cached key.
func (s *KMSSigner) PublicKey(ctx context.Context) (crypto.PublicKey, error) {
	s.mu.RLock()
	if s.pubKey != nil {
		defer s.mu.RUnlock()
		return s.pubKey, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubKey != nil {
		return s.pubKey, nil
	}
	if s.client == nil {
		return nil, xerrors.New("kms client is not configured")
	}

	out, err := s.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{
		KeyId: aws.String(s.keyARN),
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "kms get public key")
	}
	if out.KeyUsage != kmstypes.KeyUsageTypeSignVerify {
		return nil, xerrors.Newf("kms key %s has KeyUsage=%s, expected SIGN_VERIFY", s.keyARN, out.KeyUsage)
	}

	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse kms public key DER")
	}
	s.pubKey = pub
	return s.pubKey, nil
}

// Sign asks KMS to sign the digest of message and verifies the result
// against the cached public key before returning it.
//
// Key type determines the algorithm:
//   - ECDSA P-384: ECDSA_SHA_384
//   - ECDSA P-256: ECDSA_SHA_256
//   - RSA: RSASSA_PSS_SHA_256
func (s *KMSSigner) Sign(ctx context.Context, message []byte) (*Signature, error) {
	pub, err := s.PublicKey(ctx)
	if err != nil {
		return nil, err
	}

	alg, hash, digest, err := signingParams(pub, message)
	if err != nil {
		return nil, err
	}

	out, err := s.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(s.keyARN),
		Message:          digest,
		MessageType:      kmstypes.MessageTypeDigest,
		SigningAlgorithm: alg,
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "kms sign")
	}

	if err := verifyDigest(pub, hash, digest, out.Signature); err != nil {
		return nil, xerrors.Wrap(err, "kms returned a signature that does not verify")
	}

	return &Signature{
		KeyID:     s.keyARN,
		Algorithm: string(alg),
		Digest:    hex.EncodeToString(digest),
		Value:     out.Signature,
	}, nil
}

// signingParams selects the KMS algorithm and computes the digest over message.
func signingParams(pub crypto.PublicKey, message []byte) (kmstypes.SigningAlgorithmSpec, crypto.Hash, []byte, error) {
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		switch key.Curve {
		case elliptic.P256():
			d := sha256.Sum256(message)
			return kmstypes.SigningAlgorithmSpecEcdsaSha256, crypto.SHA256, d[:], nil
		case elliptic.P384():
			d := sha512.Sum384(message)
			return kmstypes.SigningAlgorithmSpecEcdsaSha384, crypto.SHA384, d[:], nil
		default:
			return "", 0, nil, xerrors.Newf("unsupported ECDSA curve: %v", key.Curve.Params().Name)
		}
	case *rsa.PublicKey:
		d := sha256.Sum256(message)
		return kmstypes.SigningAlgorithmSpecRsassaPssSha256, crypto.SHA256, d[:], nil
	default:
		return "", 0, nil, xerrors.Newf("unsupported public key type: %T", pub)
	}
}

func verifyDigest(pub crypto.PublicKey, hash crypto.Hash, digest, sig []byte) error {
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, digest, sig) {
			return xerrors.Newf("ECDSA signature verification failed. hash: %s, curve: %s", hash.String(), key.Curve.Params().Name)
		}
		return nil
	case *rsa.PublicKey:
		if err := rsa.VerifyPSS(key, hash, digest, sig, nil); err != nil {
			return xerrors.Wrap(err, "RSA-PSS verification failed")
		}
		return nil
	default:
		return xerrors.Newf("unsupported public key type: %T", pub)
	}
}
