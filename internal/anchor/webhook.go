package anchor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/provledger/internal/ledger"
	"go.uber.org/zap"
)

const (
	// EventCheckpointSealed is the event type posted for each checkpoint.
	EventCheckpointSealed = "checkpoint.sealed"
	// SignatureHeader carries "sha256=<hex HMAC of the body>".
	SignatureHeader = "X-Provledger-Signature"
)

// WebhookEvent is the JSON body posted by WebhookSink.
type WebhookEvent struct {
	ID         uuid.UUID         `json:"id"`
	Type       string            `json:"type"`
	Timestamp  time.Time         `json:"timestamp"`
	Checkpoint ledger.Checkpoint `json:"checkpoint"`
}

// WebhookSink posts each checkpoint to a URL. When a secret is set the body
// is signed with HMAC-SHA256. Receivers should key on checkpoint.segment,
// since a retried delivery carries a new event id.
type WebhookSink struct {
	url        string
	secret     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewWebhookSink creates a WebhookSink for url.
func NewWebhookSink(url, secret string, logger *zap.Logger) *WebhookSink {
	return &WebhookSink{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// Anchor implements Sink.
func (s *WebhookSink) Anchor(ctx context.Context, cp ledger.Checkpoint) error {
	body, err := json.Marshal(WebhookEvent{
		ID:         uuid.New(),
		Type:       EventCheckpointSealed,
		Timestamp:  time.Now().UTC(),
		Checkpoint: cp,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, s.secret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post webhook: HTTP %d", resp.StatusCode)
	}
	s.logger.Debug("checkpoint posted", zap.String("segment", cp.Segment), zap.String("url", s.url))
	return nil
}

// Sign computes the signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Multi anchors to every sink and joins their errors.
func Multi(sinks ...Sink) Sink {
	if len(sinks) == 1 {
		return sinks[0]
	}
	return multiSink(sinks)
}

type multiSink []Sink

func (m multiSink) Anchor(ctx context.Context, cp ledger.Checkpoint) error {
	var errs []error
	for _, s := range m {
		if err := s.Anchor(ctx, cp); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
