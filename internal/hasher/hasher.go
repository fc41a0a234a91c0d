// Package hasher computes content fingerprints and discovers the current
// fingerprint set of a directory tree.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	kberrors "github.com/alexjbarnes/kb-sync/internal/errors"
)

const (
	// FingerprintLen is the length of a hex-encoded SHA-256 digest.
	FingerprintLen = 64

	// readBufferSize bounds the memory used to hash a single file.
	readBufferSize = 8 * 1024
)

// HashBytes returns the lowercase hex SHA-256 digest of content.
func HashBytes(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}

// HashFile streams the file at path through SHA-256 using a fixed-size
// buffer. Only file content contributes to the result. Any open or read
// failure is returned wrapped in ErrIO, never a partial digest.
func HashFile(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path comes from discovery
	if err != nil {
		return "", fmt.Errorf("%w: opening %s: %v", kberrors.ErrIO, path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, readBufferSize)

	if _, err := io.CopyBuffer(h, onlyReader{f}, buf); err != nil {
		return "", fmt.Errorf("%w: reading %s: %v", kberrors.ErrIO, path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// ValidFingerprint reports whether fp is a lowercase hex SHA-256 digest.
func ValidFingerprint(fp string) bool {
	if len(fp) != FingerprintLen {
		return false
	}

	for i := 0; i < len(fp); i++ {
		c := fp[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}

	return true
}

// onlyReader hides WriterTo on *os.File so io.CopyBuffer uses buf
// instead of letting the file pick its own copy strategy.
type onlyReader struct {
	r io.Reader
}

func (o onlyReader) Read(p []byte) (int, error) {
	return o.r.Read(p)
}
