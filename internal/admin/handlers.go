package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rentvault/rentvault/internal/escrow"
)

const (
	defaultStuckAge = 10 * time.Minute
	defaultLimit    = 100
	maxLimit        = 1000
)

// Handler provides admin HTTP endpoints. Unset dependencies answer 503.
type Handler struct {
	pending    PendingLister
	escrows    EscrowOps
	disputes   DisputeEnforcer
	reconciler Reconciler
	now        func() time.Time
}

// NewHandler creates an admin handler.
func NewHandler() *Handler {
	return &Handler{now: time.Now}
}

// WithPending sets the transaction record source.
func (h *Handler) WithPending(p PendingLister) *Handler {
	h.pending = p
	return h
}

// WithEscrows sets the escrow engine.
func (h *Handler) WithEscrows(e EscrowOps) *Handler {
	h.escrows = e
	return h
}

// WithDisputes sets the dispute resolver.
func (h *Handler) WithDisputes(d DisputeEnforcer) *Handler {
	h.disputes = d
	return h
}

// WithReconciler sets the reconciliation runner.
func (h *Handler) WithReconciler(r Reconciler) *Handler {
	h.reconciler = r
	return h
}

// RegisterRoutes mounts admin routes on r. Callers put RequireToken in
// front of the group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/transactions/stuck", h.listStuckTransactions)
	r.GET("/admin/escrows/stuck", h.listStuckEscrows)
	r.POST("/admin/escrows/sweep", h.sweepEscrows)
	r.POST("/admin/disputes/enforce", h.enforceDisputes)
	r.POST("/admin/reconcile", h.reconcile)
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not_configured", "message": what + " not configured"})
}

func limitParam(c *gin.Context) int {
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= maxLimit {
		return l
	}
	return defaultLimit
}

// listStuckTransactions returns PENDING records older than ?olderThan
// (a duration, default 10m).
func (h *Handler) listStuckTransactions(c *gin.Context) {
	if h.pending == nil {
		unavailable(c, "transaction store")
		return
	}
	age := defaultStuckAge
	if v := c.Query("olderThan"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": "olderThan must be a duration like 10m"})
			return
		}
		age = d
	}

	txs, err := h.pending.ListPending(c.Request.Context(), h.now().Add(-age), limitParam(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// listStuckEscrows returns escrows whose funding outcome is still unknown
// and escrows held in dispute.
func (h *Handler) listStuckEscrows(c *gin.Context) {
	if h.escrows == nil {
		unavailable(c, "escrow engine")
		return
	}
	ctx := c.Request.Context()
	limit := limitParam(c)
	pending, err := h.escrows.List(ctx, escrow.Filter{Status: escrow.StatusPending, Limit: limit})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	disputed, err := h.escrows.List(ctx, escrow.Filter{Status: escrow.StatusDisputed, Limit: limit})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending, "disputed": disputed})
}

func (h *Handler) sweepEscrows(c *gin.Context) {
	if h.escrows == nil {
		unavailable(c, "escrow engine")
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": h.escrows.ProcessExpired(c.Request.Context())})
}

func (h *Handler) enforceDisputes(c *gin.Context) {
	if h.disputes == nil {
		unavailable(c, "dispute resolver")
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": h.disputes.EnforceUnsettled(c.Request.Context())})
}

func (h *Handler) reconcile(c *gin.Context) {
	if h.reconciler == nil {
		unavailable(c, "reconciliation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": h.reconciler.RunAll(c.Request.Context())})
}
