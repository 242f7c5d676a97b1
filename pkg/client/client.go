package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is matched by errors for ids the ledger does not hold.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response from the daemon.
type APIError struct {
	Status int
	Code   string
	// EntryID is set for rotation_failed: the entry was persisted even
	// though the request failed.
	EntryID uint64
}

func (e *APIError) Error() string {
	if e.EntryID != 0 {
		return fmt.Sprintf("server error %d: %s (entry %d persisted)", e.Status, e.Code, e.EntryID)
	}
	return fmt.Sprintf("server error %d: %s", e.Status, e.Code)
}

// Is reports 404 responses as ErrNotFound.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Receipt is returned by Append.
type Receipt struct {
	ID        uint64    `json:"id"`
	Timestamp time.Time `json:"ts"`
	SHA       string    `json:"sha"`
	ParentID  *uint64   `json:"parentId"`
}

// Entry is the indexed metadata of one ledger record.
type Entry struct {
	ID        uint64    `json:"id"`
	Timestamp time.Time `json:"ts"`
	Agent     string    `json:"agent"`
	Action    string    `json:"action"`
	SHA       string    `json:"sha"`
	ParentID  *uint64   `json:"parentId"`
}

// ProofStep is one link of an ancestor chain.
type ProofStep struct {
	ID     uint64  `json:"id"`
	SHA    string  `json:"sha"`
	Parent *uint64 `json:"parent"`
}

// PathStep is one sibling hash of a Merkle inclusion path.
type PathStep struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"`
}

// InclusionProof places an entry under the current Merkle root.
type InclusionProof struct {
	ID        uint64     `json:"id"`
	SHA       string     `json:"sha"`
	LeafIndex int        `json:"leafIndex"`
	Leaves    int        `json:"leaves"`
	Root      string     `json:"root"`
	Path      []PathStep `json:"path"`
}

// Checkpoint is the Merkle root recorded when a segment was sealed.
type Checkpoint struct {
	Timestamp  time.Time `json:"ts"`
	MerkleRoot string    `json:"merkleRoot"`
	Segment    string    `json:"segment"`
	LastID     uint64    `json:"lastId"`
	Entries    int       `json:"entries"`
}

// Overview is the index length and root.
type Overview struct {
	Entries int    `json:"entries"`
	Root    string `json:"root"`
}

// VerifyResult is the outcome of a server-side integrity check.
type VerifyResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Client talks to one daemon.
type Client struct {
	base       string
	agent      string
	httpClient *http.Client
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("nil http client")
		}
		c.httpClient = hc
		return nil
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
		c.httpClient = &http.Client{Timeout: d}
		return nil
	}
}

// WithAgent sets the X-Agent label sent with every append.
func WithAgent(agent string) Option {
	return func(c *Client) error {
		c.agent = agent
		return nil
	}
}

// New creates a Client for the daemon at base, e.g. "http://localhost:8088".
func New(base string, opts ...Option) (*Client, error) {
	if base == "" {
		return nil, errors.New("base URL is required")
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Append records payload under action. An empty action lets the daemon use
// its default.
func (c *Client) Append(ctx context.Context, action string, payload []byte) (*Receipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/append", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.agent != "" {
		req.Header.Set("X-Agent", c.agent)
	}
	if action != "" {
		req.Header.Set("X-Action", action)
	}

	var r Receipt
	if err := c.do(req, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Entry fetches one entry by id.
func (c *Client) Entry(ctx context.Context, id uint64) (*Entry, error) {
	var e Entry
	if err := c.get(ctx, "/entry/"+strconv.FormatUint(id, 10), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Root returns the current Merkle root, "" for an empty ledger.
func (c *Client) Root(ctx context.Context) (string, error) {
	var resp struct {
		Root string `json:"root"`
	}
	if err := c.get(ctx, "/merkle/root", &resp); err != nil {
		return "", err
	}
	return resp.Root, nil
}

// Proof returns the ancestor chain of id, newest first.
func (c *Client) Proof(ctx context.Context, id uint64) ([]ProofStep, error) {
	var resp struct {
		Proof []ProofStep `json:"proof"`
	}
	if err := c.get(ctx, "/proof/"+strconv.FormatUint(id, 10), &resp); err != nil {
		return nil, err
	}
	return resp.Proof, nil
}

// InclusionProof returns the Merkle path of id against the current root.
func (c *Client) InclusionProof(ctx context.Context, id uint64) (*InclusionProof, error) {
	var p InclusionProof
	if err := c.get(ctx, "/proof/"+strconv.FormatUint(id, 10)+"/inclusion", &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// LatestCheckpoint returns the newest checkpoint, or nil before the first
// rotation.
func (c *Client) LatestCheckpoint(ctx context.Context) (*Checkpoint, error) {
	var raw map[string]json.RawMessage
	if err := c.get(ctx, "/checkpoint/latest", &raw); err != nil {
		return nil, err
	}
	if _, ok := raw["latest"]; ok {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

// Checkpoints lists every checkpoint, oldest first.
func (c *Client) Checkpoints(ctx context.Context) ([]Checkpoint, error) {
	var resp struct {
		Checkpoints []Checkpoint `json:"checkpoints"`
	}
	if err := c.get(ctx, "/checkpoints", &resp); err != nil {
		return nil, err
	}
	return resp.Checkpoints, nil
}

// Overview returns the index length and root.
func (c *Client) Overview(ctx context.Context) (*Overview, error) {
	var o Overview
	if err := c.get(ctx, "/ledger", &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// Verify asks the daemon to re-read its files and check them.
func (c *Client) Verify(ctx context.Context) (*VerifyResult, error) {
	var v VerifyResult
	if err := c.get(ctx, "/ledger/verify", &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Health returns nil when the daemon answers /healthz.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/healthz", nil)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

// do sends req and decodes a 2xx JSON body into out when out is non-nil.
func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Code: strings.TrimSpace(string(body))}
		var e struct {
			Error string `json:"error"`
			ID    uint64 `json:"id"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			apiErr.Code = e.Error
			apiErr.EntryID = e.ID
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
