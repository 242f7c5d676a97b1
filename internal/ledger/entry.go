package ledger

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jmerrifield20/provledger/internal/merkle"
)

// ParentID is the id of the preceding entry. Zero means none and encodes as
// JSON null.
type ParentID uint64

// MarshalJSON implements json.Marshaler.
func (p ParentID) MarshalJSON() ([]byte, error) {
	if p == 0 {
		return []byte("null"), nil
	}
	return strconv.AppendUint(nil, uint64(p), 10), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *ParentID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*p = 0
		return nil
	}
	n, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("parent id: %w", err)
	}
	*p = ParentID(n)
	return nil
}

// Entry is the indexed metadata of one ledger record. Payloads are kept on
// disk only.
type Entry struct {
	ID        uint64        `json:"id"`
	Timestamp time.Time     `json:"ts"`
	Agent     string        `json:"agent"`  // caller supplied, unvalidated
	Action    string        `json:"action"` // caller supplied, unvalidated
	SHA       merkle.Digest `json:"sha"`
	ParentID  ParentID      `json:"parentId"`
}

// Receipt is what Append returns for a persisted entry.
type Receipt struct {
	ID        uint64        `json:"id"`
	Timestamp time.Time     `json:"ts"`
	SHA       merkle.Digest `json:"sha"`
	ParentID  ParentID      `json:"parentId"`
}

// ProofStep is one link of an ancestor chain.
type ProofStep struct {
	ID     uint64        `json:"id"`
	SHA    merkle.Digest `json:"sha"`
	Parent ParentID      `json:"parent"`
}

// InclusionProof is a Merkle sibling path for one entry against the root of
// the current index.
type InclusionProof struct {
	ID        uint64        `json:"id"`
	SHA       merkle.Digest `json:"sha"`
	LeafIndex int           `json:"leafIndex"`
	Leaves    int           `json:"leaves"`
	Root      string        `json:"root"`
	Path      []merkle.Step `json:"path"`
}

// Checkpoint attests the Merkle root over the full index at a rotation
// boundary. Entries is the number of leaves the root was folded over and
// LastID the id of the last of them.
type Checkpoint struct {
	Timestamp  time.Time `json:"ts"`
	MerkleRoot string    `json:"merkleRoot"`
	Segment    string    `json:"segment"`
	LastID     uint64    `json:"lastId"`
	Entries    int       `json:"entries"`
}

// record is the on-disk line format.
type record struct {
	Entry
	PayloadB64 string `json:"payload_b64"`
}

func encodeRecord(e Entry, payload []byte) ([]byte, error) {
	line, err := json.Marshal(record{
		Entry:      e,
		PayloadB64: base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal entry %d: %w", e.ID, err)
	}
	return line, nil
}

// decodeRecord parses one stored line and checks it is self-consistent.
func decodeRecord(line []byte) (Entry, []byte, error) {
	var r record
	if err := json.Unmarshal(line, &r); err != nil {
		return Entry{}, nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if r.ID == 0 {
		return Entry{}, nil, fmt.Errorf("%w: missing id", ErrValidation)
	}
	if r.Timestamp.IsZero() {
		return Entry{}, nil, fmt.Errorf("%w: entry %d has no timestamp", ErrValidation, r.ID)
	}
	if uint64(r.ParentID) >= r.ID {
		return Entry{}, nil, fmt.Errorf("%w: entry %d has parent %d", ErrValidation, r.ID, r.ParentID)
	}
	payload, err := base64.StdEncoding.DecodeString(r.PayloadB64)
	if err != nil {
		return Entry{}, nil, fmt.Errorf("%w: entry %d payload: %v", ErrValidation, r.ID, err)
	}
	if merkle.Sum(payload) != r.SHA {
		return Entry{}, nil, fmt.Errorf("%w: entry %d sha does not match payload", ErrValidation, r.ID)
	}
	return r.Entry, payload, nil
}

func encodeCheckpoint(cp Checkpoint) ([]byte, error) {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	return append(data, '\n'), nil
}

func decodeCheckpoint(data []byte) (Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: checkpoint: %v", ErrValidation, err)
	}
	if cp.Segment == "" {
		return Checkpoint{}, fmt.Errorf("%w: checkpoint has no segment", ErrValidation)
	}
	return cp, nil
}

func (e Entry) receipt() *Receipt {
	return &Receipt{ID: e.ID, Timestamp: e.Timestamp, SHA: e.SHA, ParentID: e.ParentID}
}
