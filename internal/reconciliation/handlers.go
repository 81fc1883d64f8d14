package reconciliation

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rentvault/rentvault/internal/anchor"
	"github.com/rentvault/rentvault/internal/failure"
)

// SignatureHeader carries the hex HMAC-SHA256 of an anchor callback body.
const SignatureHeader = "X-Anchor-Signature"

const maxWebhookBody = 1 << 20

// Handler exposes reconciliation over HTTP.
type Handler struct {
	service *Service
	secret  []byte
}

// NewHandler creates a reconciliation handler. With a non-empty secret every
// anchor callback must carry a valid signature.
func NewHandler(service *Service, webhookSecret string) *Handler {
	h := &Handler{service: service}
	if webhookSecret != "" {
		h.secret = []byte(webhookSecret)
	}
	return h
}

// RegisterRoutes mounts the authenticated routes on r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/accounts/:publicKey/sync", h.SyncAccount)
}

// RegisterWebhookRoutes mounts the anchor callback on r.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/anchor", h.AnchorCallback)
}

// SyncAccount handles POST /v1/accounts/:publicKey/sync
func (h *Handler) SyncAccount(c *gin.Context) {
	pk := c.Param("publicKey")
	if err := h.service.SyncAccount(c.Request.Context(), pk); err != nil {
		status, code := failure.HTTPStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	a, err := h.service.registry.GetByPublicKey(c.Request.Context(), pk)
	if err != nil {
		status, code := failure.HTTPStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": a})
}

// sepTransaction is the transaction object an anchor posts to its callback.
type sepTransaction struct {
	ID                   string `json:"id"`
	Status               string `json:"status"`
	StellarTransactionID string `json:"stellar_transaction_id"`
}

type callbackBody struct {
	Transaction *sepTransaction       `json:"transaction"`
	Updates     []anchor.StatusUpdate `json:"updates"`
}

// AnchorCallback handles POST /webhooks/anchor. The body is either a single
// anchor transaction object or a batch of updates.
func (h *Handler) AnchorCallback(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Unreadable request body"})
		return
	}
	if h.secret != nil && !h.verify(body, c.GetHeader(SignatureHeader)) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": "Signature does not match payload"})
		return
	}

	var req callbackBody
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	updates := req.Updates
	if req.Transaction != nil {
		updates = append(updates, anchor.StatusUpdate{
			ExternalID:         req.Transaction.ID,
			Status:             req.Transaction.Status,
			ExternalLedgerTxID: req.Transaction.StellarTransactionID,
		})
	}
	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "No status updates in body"})
		return
	}

	res := h.service.FoldStatusUpdates(c.Request.Context(), updates)
	c.JSON(http.StatusOK, gin.H{"result": res})
}

func (h *Handler) verify(payload []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return false
	}
	return hmac.Equal(got, Sign(payload, h.secret))
}

// Sign returns the HMAC-SHA256 of payload under secret.
func Sign(payload, secret []byte) []byte {
	m := hmac.New(sha256.New, secret)
	m.Write(payload)
	return m.Sum(nil)
}
