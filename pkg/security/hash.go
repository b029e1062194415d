package security

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Checksum generates a BLAKE2b-256 digest of data. Payload references
// carry this digest so receivers can verify out-of-band payloads.
func Checksum(data []byte) ([]byte, error) {
	hash, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}

	hash.Write(data)
	return hash.Sum(nil), nil
}

// ChecksumString generates a BLAKE2b-256 digest and returns it hex
// encoded.
func ChecksumString(data []byte) (string, error) {
	hash, err := Checksum(data)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(hash), nil
}

// KeyFingerprint returns a short hex fingerprint of a public key,
// suitable for logging.
func KeyFingerprint(public []byte) string {
	hash, err := Checksum(public)
	if err != nil || len(hash) < 8 {
		return ""
	}
	return hex.EncodeToString(hash[:8])
}
