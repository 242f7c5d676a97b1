// Package merkle implements content hashing and Merkle-root folding for the
// provenance ledger.
//
// Leaves are SHA-256 digests. A level is folded by hashing adjacent pairs
// SHA-256(L||R); when a level has an odd number of nodes the last node is
// paired with itself.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Size is the length in bytes of a Digest.
const Size = sha256.Size

// Digest is a SHA-256 digest. It marshals to and from lowercase hex.
type Digest [Size]byte

// Sum returns the content hash of payload.
func Sum(payload []byte) Digest {
	return sha256.Sum256(payload)
}

// String returns the lowercase hex encoding of d.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest decodes a hex-encoded digest. Upper and lower case are accepted.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if len(s) != hex.EncodedLen(Size) {
		return d, fmt.Errorf("digest must be %d hex chars, got %d", hex.EncodedLen(Size), len(s))
	}
	if _, err := hex.Decode(d[:], []byte(s)); err != nil {
		return d, fmt.Errorf("decode digest: %w", err)
	}
	return d, nil
}

// hashPair returns SHA-256(left||right).
func hashPair(left, right Digest) Digest {
	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}

// Root folds leaves into a single Merkle root. ok is false when leaves is
// empty. A single leaf is its own root.
func Root(leaves []Digest) (root Digest, ok bool) {
	if len(leaves) == 0 {
		return Digest{}, false
	}
	level := make([]Digest, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		next := make([]Digest, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashPair(left, right))
		}
		level = next
	}
	return level[0], true
}

// RootHex is Root rendered as hex, with the empty string as the sentinel for
// an empty leaf list.
func RootHex(leaves []Digest) string {
	root, ok := Root(leaves)
	if !ok {
		return ""
	}
	return root.String()
}
