// Package admin exposes operator endpoints for finding and unsticking money
// that is waiting on an unknown outcome.
package admin

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rentvault/rentvault/internal/disputes"
	"github.com/rentvault/rentvault/internal/escrow"
	"github.com/rentvault/rentvault/internal/payments"
	"github.com/rentvault/rentvault/internal/reconciliation"
)

// PendingLister finds transaction records still waiting on the ledger.
type PendingLister interface {
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*payments.Transaction, error)
}

// EscrowOps is the part of the escrow engine operators drive.
type EscrowOps interface {
	List(ctx context.Context, f escrow.Filter) ([]*escrow.Escrow, error)
	ProcessExpired(ctx context.Context) escrow.SweepResult
}

// DisputeEnforcer retries resolved disputes whose settlement failed.
type DisputeEnforcer interface {
	EnforceUnsettled(ctx context.Context) disputes.EnforceResult
}

// Reconciler runs a full reconciliation pass.
type Reconciler interface {
	RunAll(ctx context.Context) reconciliation.Report
}

// RequireToken rejects requests that do not carry token as a bearer
// credential.
func RequireToken(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin token required",
			})
			return
		}
		c.Next()
	}
}
