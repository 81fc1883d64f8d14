package accounts

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rentvault/rentvault/internal/failure"
	"github.com/rentvault/rentvault/internal/validation"
)

// Handler exposes account operations over HTTP.
type Handler struct {
	registry *Registry
}

// NewHandler creates an account handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes mounts account routes on r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/accounts", h.CreateAccount)

	g := r.Group("/accounts/:publicKey", validation.PublicKeyParamMiddleware())
	g.GET("", h.GetAccount)
	g.POST("/fund", h.FundTestAccount)
}

// CreateRequest is the body of POST /v1/accounts.
type CreateRequest struct {
	Type Type `json:"type"`
}

// CreateAccount handles POST /v1/accounts
func (h *Handler) CreateAccount(c *gin.Context) {
	var req CreateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
	}
	if req.Type == "" {
		req.Type = TypeUser
	}
	if req.Type != TypeUser {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "only USER accounts can be created directly; escrow accounts are minted by escrows",
		})
		return
	}

	a, err := h.registry.Create(c.Request.Context(), req.Type)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account": a})
}

// GetAccount handles GET /v1/accounts/:publicKey
func (h *Handler) GetAccount(c *gin.Context) {
	a, err := h.registry.GetByPublicKey(c.Request.Context(), c.Param("publicKey"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": a})
}

// FundTestAccount handles POST /v1/accounts/:publicKey/fund
func (h *Handler) FundTestAccount(c *gin.Context) {
	a, err := h.registry.FundTestAccount(c.Request.Context(), c.Param("publicKey"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": a, "funded": true})
}

func respondError(c *gin.Context, err error) {
	status, code := failure.HTTPStatus(err)
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
