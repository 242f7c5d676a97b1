// Package handler exposes the ledger over HTTP.
package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/provledger/internal/ledger"
	"go.uber.org/zap"
)

const (
	// DefaultMaxBodyBytes bounds an append payload.
	DefaultMaxBodyBytes int64 = 1 << 20

	defaultAgent  = "unknown"
	defaultAction = "exec"
)

// PayloadRecordFunc is called with the size of every payload read for append.
type PayloadRecordFunc func(n int)

// LedgerHandler exposes the append, query and proof endpoints.
type LedgerHandler struct {
	ledger    ledger.Ledger
	maxBody   int64
	onPayload PayloadRecordFunc
	logger    *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(l ledger.Ledger, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: l, maxBody: DefaultMaxBodyBytes, logger: logger}
}

// SetMaxBodyBytes overrides DefaultMaxBodyBytes. Non-positive values are ignored.
func (h *LedgerHandler) SetMaxBodyBytes(n int64) {
	if n > 0 {
		h.maxBody = n
	}
}

// SetPayloadRecord configures the payload size callback.
func (h *LedgerHandler) SetPayloadRecord(fn PayloadRecordFunc) {
	h.onPayload = fn
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/append", h.Append)
	rg.GET("/entry/:id", h.GetEntry)
	rg.GET("/merkle/root", h.Root)
	rg.GET("/proof/:id", h.Proof)
	rg.GET("/proof/:id/inclusion", h.InclusionProof)
	rg.GET("/checkpoint/latest", h.LatestCheckpoint)
	rg.GET("/checkpoints", h.Checkpoints)

	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.Verify)
	}
}

// Append handles POST /append. The raw body is the payload; X-Agent and
// X-Action label the entry.
func (h *LedgerHandler) Append(c *gin.Context) {
	body := http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody)
	payload, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
			return
		}
		h.logger.Warn("read append body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}
	if h.onPayload != nil {
		h.onPayload(len(payload))
	}

	agent := headerOr(c, "X-Agent", defaultAgent)
	action := headerOr(c, "X-Action", defaultAction)

	receipt, err := h.ledger.Append(c.Request.Context(), agent, action, payload)
	if err != nil {
		var rotErr *ledger.RotationError
		if errors.As(err, &rotErr) {
			// The entry is durable; only the rotation that followed it failed.
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "rotation_failed",
				"id":    rotErr.EntryID,
			})
			return
		}
		h.logger.Error("ledger append", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "append_failed"})
		return
	}

	c.JSON(http.StatusOK, receipt)
}

// GetEntry handles GET /entry/:id.
func (h *LedgerHandler) GetEntry(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	entry, err := h.ledger.Get(c.Request.Context(), id)
	if err != nil {
		h.queryError(c, "ledger Get", err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// Root handles GET /merkle/root. An empty ledger has the empty root "".
func (h *LedgerHandler) Root(c *gin.Context) {
	root, err := h.ledger.Root(c.Request.Context())
	if err != nil {
		h.queryError(c, "ledger Root", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"root": root})
}

// Proof handles GET /proof/:id, the ancestor chain newest first.
func (h *LedgerHandler) Proof(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	steps, err := h.ledger.Proof(c.Request.Context(), id)
	if err != nil {
		h.queryError(c, "ledger Proof", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proof": steps})
}

// InclusionProof handles GET /proof/:id/inclusion.
func (h *LedgerHandler) InclusionProof(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	proof, err := h.ledger.InclusionProof(c.Request.Context(), id)
	if err != nil {
		h.queryError(c, "ledger InclusionProof", err)
		return
	}
	c.JSON(http.StatusOK, proof)
}

// LatestCheckpoint handles GET /checkpoint/latest. Before the first rotation
// it answers 200 {"latest": null}.
func (h *LedgerHandler) LatestCheckpoint(c *gin.Context) {
	cp, err := h.ledger.LatestCheckpoint(c.Request.Context())
	if errors.Is(err, ledger.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"latest": nil})
		return
	}
	if err != nil {
		h.queryError(c, "ledger LatestCheckpoint", err)
		return
	}
	c.JSON(http.StatusOK, cp)
}

// Checkpoints handles GET /checkpoints.
func (h *LedgerHandler) Checkpoints(c *gin.Context) {
	cps, err := h.ledger.Checkpoints(c.Request.Context())
	if err != nil {
		h.queryError(c, "ledger Checkpoints", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": cps})
}

// Overview handles GET /ledger and returns the index length and current root.
func (h *LedgerHandler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	count, err := h.ledger.Len(ctx)
	if err != nil {
		h.queryError(c, "ledger Len", err)
		return
	}
	root, err := h.ledger.Root(ctx)
	if err != nil {
		h.queryError(c, "ledger Root", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": count,
		"root":    root,
	})
}

// Verify handles GET /ledger/verify. It re-reads the files on disk and reports
// integrity.
func (h *LedgerHandler) Verify(c *gin.Context) {
	if err := h.ledger.Verify(c.Request.Context()); err != nil {
		h.logger.Warn("ledger integrity check failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

func (h *LedgerHandler) queryError(c *gin.Context, op string, err error) {
	if errors.Is(err, ledger.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	h.logger.Error(op, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
}

// parseID reads the :id param. Non-numeric ids are a 400; integers that
// cannot name an entry (zero or negative) are a 404 like any unknown id.
func parseID(c *gin.Context) (uint64, bool) {
	raw := c.Param("id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err == nil && id > 0 {
		return id, true
	}
	if _, serr := strconv.ParseInt(raw, 10, 64); err == nil || serr == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return 0, false
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
	return 0, false
}

func headerOr(c *gin.Context, name, def string) string {
	if v := c.GetHeader(name); v != "" {
		return v
	}
	return def
}
