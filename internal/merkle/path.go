package merkle

import "fmt"

// Step is one sibling on the path from a leaf to the root.
// Left reports whether Hash is the left operand when combined.
type Step struct {
	Hash Digest `json:"hash"`
	Left bool   `json:"left"`
}

// Path returns the sibling path for leaves[index] under the same folding
// rule as Root. For a lone trailing node the sibling is the node itself.
func Path(leaves []Digest, index int) ([]Step, error) {
	if index < 0 || index >= len(leaves) {
		return nil, fmt.Errorf("leaf index %d out of range [0,%d)", index, len(leaves))
	}

	level := make([]Digest, len(leaves))
	copy(level, leaves)

	var path []Step
	for len(level) > 1 {
		if index%2 == 0 {
			sibling := level[index]
			if index+1 < len(level) {
				sibling = level[index+1]
			}
			path = append(path, Step{Hash: sibling, Left: false})
		} else {
			path = append(path, Step{Hash: level[index-1], Left: true})
		}

		next := make([]Digest, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashPair(level[i], right))
		}
		level = next
		index /= 2
	}
	return path, nil
}

// Verify reports whether leaf combined along path yields root.
func Verify(leaf Digest, path []Step, root Digest) bool {
	acc := leaf
	for _, s := range path {
		if s.Left {
			acc = hashPair(s.Hash, acc)
		} else {
			acc = hashPair(acc, s.Hash)
		}
	}
	return acc == root
}
