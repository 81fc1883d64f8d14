package escrow

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/rentvault/rentvault/internal/failure"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts escrow routes on r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/:id", h.GetEscrow)
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.POST("/escrows/:id/refund", h.RefundEscrow)
	r.POST("/escrows/:id/cancel", h.CancelEscrow)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if key := c.GetHeader("Idempotency-Key"); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}

	e, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, e, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ListEscrows handles GET /v1/escrows?publicKey=G...&status=ACTIVE&limit=N
func (h *Handler) ListEscrows(c *gin.Context) {
	f := Filter{PublicKey: c.Query("publicKey"), Status: Status(c.Query("status"))}
	if l, err := strconv.Atoi(c.Query("limit")); err == nil {
		f.Limit = l
	}
	escrows, err := h.service.List(c.Request.Context(), f)
	if err != nil {
		respondError(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": escrows, "count": len(escrows)})
}

// ReleaseEscrow handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	var req ReleaseRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
	}
	e, err := h.service.Release(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondError(c, e, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

type refundRequest struct {
	Reason string `json:"reason"`
}

// RefundEscrow handles POST /v1/escrows/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	var req refundRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
	}
	e, err := h.service.Refund(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, e, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// CancelEscrow handles POST /v1/escrows/:id/cancel
func (h *Handler) CancelEscrow(c *gin.Context) {
	e, err := h.service.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// respondError writes err with its mapped status. An escrow returned next to
// an unknown-outcome error is included so the caller can poll it.
func respondError(c *gin.Context, e *Escrow, err error) {
	status, code := failure.HTTPStatus(err)
	body := gin.H{"error": code, "message": err.Error()}
	if e != nil {
		body["escrow"] = e
	}
	c.JSON(status, body)
}
