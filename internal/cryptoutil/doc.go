// Package cryptoutil provides the hashing and signing primitives used to
// make a deployment manifest verifiable.
//
// It supports:
//   - SHA-256 digests of byte slices and streams
//   - KMS-backed signing (ECDSA P-256/P-384, RSA-PSS) with local verification of the returned signature
package cryptoutil
