package validation

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/assert"
)

func TestCheck(t *testing.T) {
	pk := keypair.MustRandom().Address()

	errs := Check(
		Required("source", pk),
		PublicKey("source", pk),
		Amount("amount", "10.5"),
		Currency("currency", "USD"),
	)
	assert.Empty(t, errs)

	errs = Check(
		Required("source", ""),
		PublicKey("destination", "0x1234"),
		Amount("amount", "1.12345678"),
		Amount("fee", "0"),
		Currency("currency", "usd"),
		MaxLength("memo", "abcdef", 3),
	)
	assert.Len(t, errs, 6)
	assert.Equal(t, "source: is required", errs.Error())
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "abc", SanitizeString("  a\x00bc  ", 10))
	assert.Equal(t, "ab", SanitizeString("abcdef", 2))
}

func TestPublicKeyParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/accounts/:publicKey", PublicKeyParamMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/accounts/bogus", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/accounts/"+keypair.MustRandom().Address(), nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
