package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix allows a future algorithm migration without collisions.
const (
	DomainFingerprint = "gridflow/fingerprint/v1"
)

// HashWithDomain computes SHA-256(domain + 0x00 + data) as lowercase hex.
// The null separator prevents domain/data boundary ambiguity.
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint computes the cache identity of one step execution:
// the binding identity, the declared step version and the canonical form of
// the adapted input values. Inputs must already have file values replaced by
// ContentDigest.
func Fingerprint(binding, version string, inputs map[string]any) (string, error) {
	if inputs == nil {
		inputs = map[string]any{}
	}
	obj := map[string]any{
		"binding": binding,
		"version": version,
		"inputs":  inputs,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return HashWithDomain(DomainFingerprint, canonical), nil
}

// MustFingerprint is like Fingerprint but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustFingerprint(binding, version string, inputs map[string]any) string {
	fp, err := Fingerprint(binding, version, inputs)
	if err != nil {
		panic(err)
	}
	return fp
}
