// Package checksum computes content digests over streams.
//
// Digests are lowercase hex SHA-256. Every function drains its input; a
// caller that still needs the bytes must tee them elsewhere while digesting
// (see Spool in the syncer package).
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// StreamError is returned when the input fails before reaching EOF.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("digest stream: %v", e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// Digest consumes r to EOF and returns its digest.
func Digest(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", &StreamError{Err: err}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestBytes returns the digest of b.
func DigestBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// DigestFile returns the digest of the file at path. Open errors are
// returned unwrapped so callers can test them with os.IsNotExist.
func DigestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return Digest(f)
}

// Equal digests both streams and reports whether they match. a is read
// first; an error from either stream is a *StreamError.
func Equal(a, b io.Reader) (bool, error) {
	da, err := Digest(a)
	if err != nil {
		return false, err
	}
	db, err := Digest(b)
	if err != nil {
		return false, err
	}
	return da == db, nil
}
