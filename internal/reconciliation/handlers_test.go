package reconciliation

import (
	"bytes"
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentvault/rentvault/internal/anchor"
)

const testSecret = "whsec-test"

func setupRouter(t *testing.T, secret string) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	r := gin.New()
	h := NewHandler(f.svc, secret)
	h.RegisterRoutes(r.Group("/v1"))
	h.RegisterWebhookRoutes(r.Group(""))
	return r, f
}

func post(r *gin.Engine, path, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func sign(body string) string {
	return hex.EncodeToString(Sign([]byte(body), []byte(testSecret)))
}

func TestHandler_AnchorCallback(t *testing.T) {
	r, f := setupRouter(t, testSecret)
	tx, err := f.anchors.Initiate(context.Background(), anchor.InitiateRequest{
		Kind: anchor.KindDeposit, Amount: "75", CurrencyCode: "USD", AccountPublicKey: f.tenant,
	})
	require.NoError(t, err)

	body := `{"transaction":{"id":"` + tx.ExternalID + `","status":"completed","stellar_transaction_id":"feedbeef"}}`

	t.Run("missing signature", func(t *testing.T) {
		w := post(r, "/webhooks/anchor", body, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong signature", func(t *testing.T) {
		w := post(r, "/webhooks/anchor", body, sign(body+" "))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("signed", func(t *testing.T) {
		w := post(r, "/webhooks/anchor", body, sign(body))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Contains(t, w.Body.String(), `"applied":1`)

		got, err := f.anchors.Get(context.Background(), tx.ID)
		require.NoError(t, err)
		assert.Equal(t, anchor.StatusCompleted, got.Status)
		assert.Equal(t, "feedbeef", got.ExternalLedgerTxID)
	})

	t.Run("unknown transaction is acknowledged", func(t *testing.T) {
		b := `{"updates":[{"externalId":"ext-missing","status":"completed"}]}`
		w := post(r, "/webhooks/anchor", b, sign(b))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"dropped":1`)
	})

	t.Run("empty body", func(t *testing.T) {
		w := post(r, "/webhooks/anchor", `{}`, sign(`{}`))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandler_AnchorCallbackUnsigned(t *testing.T) {
	r, _ := setupRouter(t, "")
	b := `{"updates":[{"externalId":"ext-missing","status":"pending_anchor"}]}`
	w := post(r, "/webhooks/anchor", b, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = post(r, "/webhooks/anchor", `not json`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_SyncAccount(t *testing.T) {
	r, f := setupRouter(t, "")

	w := post(r, "/v1/accounts/"+f.tenant+"/sync", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"balance":"1000.0000000"`)

	w = post(r, "/v1/accounts/"+keypair.MustRandom().Address()+"/sync", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
