package payments

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/rentvault/rentvault/internal/failure"
)

// IdempotencyHeader may carry the idempotency key instead of the body.
const IdempotencyHeader = "Idempotency-Key"

// Handler exposes payment submission over HTTP.
type Handler struct {
	submitter *Submitter
}

// NewHandler creates a payments handler.
func NewHandler(submitter *Submitter) *Handler {
	return &Handler{submitter: submitter}
}

// RegisterRoutes mounts payment routes on r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.SubmitPayment)
	r.GET("/payments", h.ListPayments)
	r.GET("/payments/:id", h.GetPayment)
}

// SubmitPayment handles POST /v1/payments
func (h *Handler) SubmitPayment(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if key := c.GetHeader(IdempotencyHeader); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}

	tx, err := h.submitter.Submit(c.Request.Context(), req)
	if err != nil {
		status, code := failure.HTTPStatus(err)
		body := gin.H{"error": code, "message": err.Error()}
		if tx != nil {
			body["transaction"] = tx
		}
		c.JSON(status, body)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	tx, err := h.submitter.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, code := failure.HTTPStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ListPayments handles GET /v1/payments?publicKey=G...&limit=N&cursor=...
func (h *Handler) ListPayments(c *gin.Context) {
	limit := 50
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 {
		limit = min(l, 200)
	}
	txs, next, err := h.submitter.List(c.Request.Context(), c.Query("publicKey"), c.Query("cursor"), limit)
	if err != nil {
		status, code := failure.HTTPStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs), "nextCursor": next, "hasMore": next != ""})
}
