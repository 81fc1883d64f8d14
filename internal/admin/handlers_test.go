package admin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentvault/rentvault/internal/disputes"
	"github.com/rentvault/rentvault/internal/escrow"
	"github.com/rentvault/rentvault/internal/payments"
	"github.com/rentvault/rentvault/internal/reconciliation"
)

type fakePending struct {
	olderThan time.Time
	limit     int
	err       error
}

func (f *fakePending) ListPending(_ context.Context, olderThan time.Time, limit int) ([]*payments.Transaction, error) {
	f.olderThan, f.limit = olderThan, limit
	if f.err != nil {
		return nil, f.err
	}
	return []*payments.Transaction{{ID: "tx_1", Status: payments.StatusPending}}, nil
}

type fakeEscrows struct{ filters []escrow.Filter }

func (f *fakeEscrows) List(_ context.Context, flt escrow.Filter) ([]*escrow.Escrow, error) {
	f.filters = append(f.filters, flt)
	return []*escrow.Escrow{{ID: "esc_" + string(flt.Status), Status: flt.Status}}, nil
}

func (f *fakeEscrows) ProcessExpired(context.Context) escrow.SweepResult {
	return escrow.SweepResult{Refunded: 2, Failed: 1}
}

type fakeDisputes struct{}

func (fakeDisputes) EnforceUnsettled(context.Context) disputes.EnforceResult {
	return disputes.EnforceResult{Settled: 1}
}

type fakeReconciler struct{}

func (fakeReconciler) RunAll(context.Context) reconciliation.Report {
	return reconciliation.Report{Pending: reconciliation.ResolveResult{Completed: 3}}
}

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func setupRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h.now = func() time.Time { return now }
	r := gin.New()
	g := r.Group("/v1", RequireToken("s3cret"))
	h.RegisterRoutes(g)
	return r
}

func do(r *gin.Engine, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireToken(t *testing.T) {
	r := setupRouter(NewHandler().WithReconciler(fakeReconciler{}))
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodPost, "/v1/admin/reconcile", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodPost, "/v1/admin/reconcile", "wrong").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/v1/admin/reconcile", "s3cret").Code)
}

func TestListStuckTransactions(t *testing.T) {
	p := &fakePending{}
	r := setupRouter(NewHandler().WithPending(p))

	w := do(r, http.MethodGet, "/v1/admin/transactions/stuck?olderThan=1h&limit=5", "s3cret")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
	assert.Equal(t, now.Add(-time.Hour), p.olderThan)
	assert.Equal(t, 5, p.limit)

	w = do(r, http.MethodGet, "/v1/admin/transactions/stuck?limit=99999", "s3cret")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, now.Add(-defaultStuckAge), p.olderThan)
	assert.Equal(t, defaultLimit, p.limit)

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/v1/admin/transactions/stuck?olderThan=soon", "s3cret").Code)

	p.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, do(r, http.MethodGet, "/v1/admin/transactions/stuck", "s3cret").Code)
}

func TestStuckEscrowsAndSweep(t *testing.T) {
	e := &fakeEscrows{}
	r := setupRouter(NewHandler().WithEscrows(e))

	w := do(r, http.MethodGet, "/v1/admin/escrows/stuck", "s3cret")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"esc_PENDING"`)
	assert.Contains(t, w.Body.String(), `"esc_DISPUTED"`)
	require.Len(t, e.filters, 2)

	w = do(r, http.MethodPost, "/v1/admin/escrows/sweep", "s3cret")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"result":{"refunded":2,"failed":1}}`, w.Body.String())
}

func TestEnforceAndReconcile(t *testing.T) {
	r := setupRouter(NewHandler().WithDisputes(fakeDisputes{}).WithReconciler(fakeReconciler{}))

	w := do(r, http.MethodPost, "/v1/admin/disputes/enforce", "s3cret")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"result":{"settled":1,"failed":0}}`, w.Body.String())

	w = do(r, http.MethodPost, "/v1/admin/reconcile", "s3cret")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"completed":3`)
}

func TestUnconfigured(t *testing.T) {
	r := setupRouter(NewHandler())
	for _, path := range []string{"/v1/admin/escrows/sweep", "/v1/admin/disputes/enforce", "/v1/admin/reconcile"} {
		assert.Equal(t, http.StatusServiceUnavailable, do(r, http.MethodPost, path, "s3cret").Code, path)
	}
	assert.Equal(t, http.StatusServiceUnavailable, do(r, http.MethodGet, "/v1/admin/transactions/stuck", "s3cret").Code)
}
