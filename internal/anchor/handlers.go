package anchor

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/rentvault/rentvault/internal/circuitbreaker"
	"github.com/rentvault/rentvault/internal/failure"
)

// Handler provides HTTP endpoints for fiat transfers.
type Handler struct {
	service *Service
}

// NewHandler creates a new anchor handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts anchor routes on r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/anchor/transactions", h.Initiate)
	r.GET("/anchor/transactions", h.List)
	r.GET("/anchor/transactions/:id", h.Get)
}

// Initiate handles POST /v1/anchor/transactions
func (h *Handler) Initiate(c *gin.Context) {
	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	t, err := h.service.Initiate(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": t})
}

// Get handles GET /v1/anchor/transactions/:id
func (h *Handler) Get(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// List handles GET /v1/anchor/transactions?publicKey=
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	txs, err := h.service.List(c.Request.Context(), c.Query("publicKey"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrUnsupportedCurrency):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_currency", "message": err.Error()})
		return
	case errors.Is(err, ErrNotConfigured), errors.Is(err, circuitbreaker.ErrOpen):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "anchor_unavailable", "message": err.Error()})
		return
	}
	status, code := failure.HTTPStatus(err)
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
