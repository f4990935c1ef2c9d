// Package sha256 names content-addressed report artifacts.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
)

// Hasher hashes artifact bodies.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ObjectPath returns root/runID/<digest>.json. Identical bodies map to the
// same object, so re-finalizing a run does not create a second artifact.
func (h *Hasher) ObjectPath(root, runID string, data []byte) string {
	return path.Join(root, runID, h.Hash(data)+".json")
}
