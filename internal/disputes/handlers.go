package disputes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rentvault/rentvault/internal/failure"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts dispute routes on r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/disputes", h.OpenDispute)
	r.GET("/escrows/:id/dispute", h.GetEscrowDispute)
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/disputes/:id/votes", h.ListVotes)
	r.POST("/disputes/:id/votes", h.SubmitVote)
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
	r.POST("/disputes/:id/enforce", h.EnforceDispute)
}

// OpenDispute handles POST /v1/escrows/:id/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	d, err := h.service.Open(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondError(c, nil, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetEscrowDispute handles GET /v1/escrows/:id/dispute
func (h *Handler) GetEscrowDispute(c *gin.Context) {
	d, err := h.service.GetByEscrow(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListVotes handles GET /v1/disputes/:id/votes
func (h *Handler) ListVotes(c *gin.Context) {
	votes, err := h.service.ListVotes(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"votes": votes, "count": len(votes)})
}

// SubmitVote handles POST /v1/disputes/:id/votes
func (h *Handler) SubmitVote(c *gin.Context) {
	var req VoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	v, d, err := h.service.Vote(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondError(c, nil, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"vote": v, "dispute": d})
}

// ResolveDispute handles POST /v1/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, d, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// EnforceDispute handles POST /v1/disputes/:id/enforce
func (h *Handler) EnforceDispute(c *gin.Context) {
	d, err := h.service.Enforce(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, d, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// respondError includes the dispute when its outcome was recorded but the
// settlement did not complete.
func respondError(c *gin.Context, d *Dispute, err error) {
	status, code := failure.HTTPStatus(err)
	body := gin.H{"error": code, "message": err.Error()}
	if d != nil {
		body["dispute"] = d
	}
	c.JSON(status, body)
}
