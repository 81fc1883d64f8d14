package accounts

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T) (*gin.Engine, *Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg, _ := newTestRegistry(t)
	r := gin.New()
	NewHandler(reg).RegisterRoutes(r.Group("/v1"))
	return r, reg
}

func TestHandler_CreateAndFund(t *testing.T) {
	r, _ := setupRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/accounts", bytes.NewBufferString(`{"type":"USER"}`)))
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Account Account `json:"account"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, TypeUser, resp.Account.Type)
	assert.NotContains(t, w.Body.String(), "v1.")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/accounts/"+resp.Account.PublicKey+"/fund", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"funded":true`)
}

func TestHandler_Errors(t *testing.T) {
	r, _ := setupRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"escrow type refused", http.MethodPost, "/v1/accounts", `{"type":"ESCROW"}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/v1/accounts", `{`, http.StatusBadRequest},
		{"malformed key", http.MethodPost, "/v1/accounts/nope/fund", "", http.StatusBadRequest},
		{"unknown account", http.MethodGet, "/v1/accounts/" + keypair.MustRandom().Address(), "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, bytes.NewBufferString(tt.body)))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
