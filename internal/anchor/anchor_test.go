package anchor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentvault/rentvault/internal/circuitbreaker"
	"github.com/rentvault/rentvault/internal/failure"
	"github.com/rentvault/rentvault/internal/logging"
	"github.com/rentvault/rentvault/internal/realtime"
	"github.com/rentvault/rentvault/internal/realtime/realtimetest"
)

func TestMapExternalStatus(t *testing.T) {
	tests := map[string]Status{
		"incomplete":                     StatusPending,
		"pending_user_transfer_start":    StatusPending,
		"pending_user_transfer_complete": StatusProcessing,
		"pending_external":               StatusProcessing,
		"pending_anchor":                 StatusProcessing,
		"pending_stellar":                StatusProcessing,
		"pending_trust":                  StatusPending,
		"pending_user":                   StatusPending,
		"completed":                      StatusCompleted,
		"refunded":                       StatusRefunded,
		"expired":                        StatusFailed,
		"error":                          StatusFailed,
		"no_market":                      StatusFailed,
		"too_small":                      StatusFailed,
		"too_large":                      StatusFailed,
		"  COMPLETED ":                   StatusCompleted,
		"":                               StatusPending,
		"complete":                       StatusPending,
		"settled":                        StatusPending,
	}
	for in, want := range tests {
		assert.Equal(t, want, MapExternalStatus(in), "status %q", in)
	}
}

func TestMapExternalStatus_EveryValueMapsToOneLocalStatus(t *testing.T) {
	local := map[Status]bool{StatusPending: true, StatusProcessing: true, StatusCompleted: true, StatusFailed: true, StatusRefunded: true}
	for _, ext := range ExternalStatuses() {
		assert.True(t, local[MapExternalStatus(ext)], ext)
	}
	assert.Len(t, ExternalStatuses(), 15)
}

type fakeGateway struct {
	calls  int
	err    error
	lookup *GatewayTransaction
}

func (g *fakeGateway) Initiate(_ context.Context, req InitiateRequest) (*GatewayTransaction, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	return &GatewayTransaction{ExternalID: "ext-" + string(req.Kind), Status: "incomplete", InteractiveURL: "https://anchor.test/flow"}, nil
}

func (g *fakeGateway) Lookup(_ context.Context, externalID string) (*GatewayTransaction, error) {
	if g.lookup == nil {
		return nil, ErrTransactionNotFound
	}
	return g.lookup, nil
}

func newService(gw Gateway) *Service {
	return NewService(NewMemoryStore(), gw, []string{"usd", "EUR"}, logging.Discard())
}

func TestInitiate_RecordsTransfer(t *testing.T) {
	gw := &fakeGateway{}
	svc := newService(gw)
	pk := keypair.MustRandom().Address()

	tx, err := svc.Initiate(context.Background(), InitiateRequest{
		Kind: KindDeposit, Amount: "250.5", CurrencyCode: "usd", AccountPublicKey: pk, Method: "SEPA",
	})
	require.NoError(t, err)
	assert.Equal(t, "ext-DEPOSIT", tx.ExternalID)
	assert.Equal(t, "250.5000000", tx.Amount)
	assert.Equal(t, "USD", tx.CurrencyCode)
	assert.Equal(t, StatusPending, tx.Status)
	assert.Equal(t, "https://anchor.test/flow", tx.InteractiveURL)

	listed, err := svc.List(context.Background(), pk, 0)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestInitiate_CurrencyCheckedBeforeGateway(t *testing.T) {
	gw := &fakeGateway{}
	svc := newService(gw)

	_, err := svc.Initiate(context.Background(), InitiateRequest{
		Kind: KindWithdrawal, Amount: "10", CurrencyCode: "GBP", AccountPublicKey: keypair.MustRandom().Address(),
	})
	assert.ErrorIs(t, err, ErrUnsupportedCurrency)
	assert.True(t, failure.Is(err, failure.KindConfiguration))
	assert.Zero(t, gw.calls)
}

func TestInitiate_Validation(t *testing.T) {
	gw := &fakeGateway{}
	svc := newService(gw)
	pk := keypair.MustRandom().Address()

	tests := []struct {
		name string
		req  InitiateRequest
	}{
		{"bad kind", InitiateRequest{Kind: "TRANSFER", Amount: "1", CurrencyCode: "USD", AccountPublicKey: pk}},
		{"zero amount", InitiateRequest{Kind: KindDeposit, Amount: "0", CurrencyCode: "USD", AccountPublicKey: pk}},
		{"float amount", InitiateRequest{Kind: KindDeposit, Amount: "1e3", CurrencyCode: "USD", AccountPublicKey: pk}},
		{"bad account", InitiateRequest{Kind: KindDeposit, Amount: "1", CurrencyCode: "USD", AccountPublicKey: "GABC"}},
		{"bad currency", InitiateRequest{Kind: KindDeposit, Amount: "1", CurrencyCode: "DOLLARS", AccountPublicKey: pk}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Initiate(context.Background(), tt.req)
			assert.True(t, failure.Is(err, failure.KindValidation), err)
		})
	}
	assert.Zero(t, gw.calls)
}

func TestInitiate_NoGateway(t *testing.T) {
	svc := newService(nil)
	_, err := svc.Initiate(context.Background(), InitiateRequest{
		Kind: KindDeposit, Amount: "1", CurrencyCode: "EUR", AccountPublicKey: keypair.MustRandom().Address(),
	})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestApplyUpdate(t *testing.T) {
	svc := newService(&fakeGateway{})
	ctx := context.Background()
	tx, err := svc.Initiate(ctx, InitiateRequest{
		Kind: KindDeposit, Amount: "40", CurrencyCode: "EUR", AccountPublicKey: keypair.MustRandom().Address(),
	})
	require.NoError(t, err)

	got, err := svc.ApplyUpdate(ctx, StatusUpdate{ExternalID: tx.ExternalID, Status: "pending_anchor"})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)

	got, err = svc.ApplyUpdate(ctx, StatusUpdate{ExternalID: tx.ExternalID, Status: "completed", ExternalLedgerTxID: "abc123"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "abc123", got.ExternalLedgerTxID)

	// Terminal records do not regress.
	got, err = svc.ApplyUpdate(ctx, StatusUpdate{ExternalID: tx.ExternalID, Status: "pending_anchor"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "pending_anchor", got.ExternalStatus)

	got, err = svc.ApplyUpdate(ctx, StatusUpdate{ExternalID: tx.ExternalID, Status: "refunded"})
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, got.Status)

	_, err = svc.ApplyUpdate(ctx, StatusUpdate{ExternalID: "nobody", Status: "completed"})
	assert.ErrorIs(t, err, ErrTransactionNotFound)
	_, err = svc.ApplyUpdate(ctx, StatusUpdate{Status: "completed"})
	assert.True(t, failure.Is(err, failure.KindValidation))
}

func TestRefresh_UsesLookup(t *testing.T) {
	gw := &fakeGateway{}
	svc := newService(gw)
	ctx := context.Background()
	tx, err := svc.Initiate(ctx, InitiateRequest{
		Kind: KindWithdrawal, Amount: "5", CurrencyCode: "USD", AccountPublicKey: keypair.MustRandom().Address(),
	})
	require.NoError(t, err)

	open, err := svc.ListOpen(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, open, 1)

	gw.lookup = &GatewayTransaction{ExternalID: tx.ExternalID, Status: "too_small"}
	got, err := svc.Refresh(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	open, err = svc.ListOpen(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestHTTPGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/transactions/deposit/interactive":
			assert.NoError(t, r.ParseForm())
			assert.Equal(t, "USD", r.PostForm.Get("asset_code"))
			assert.Equal(t, "12.0000000", r.PostForm.Get("amount"))
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"type":"interactive_customer_info_needed","url":"https://anchor.test/x","id":"82fhs729f63dh0v4"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/transactions/withdraw/interactive":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"amount too small"}`))
		case r.URL.Path == "/transaction" && r.URL.Query().Get("id") == "82fhs729f63dh0v4":
			_, _ = w.Write([]byte(`{"transaction":{"id":"82fhs729f63dh0v4","status":"completed","stellar_transaction_id":"17a670bc"}}`))
		case r.URL.Path == "/transaction":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL+"/", "tok", time.Second)
	ctx := context.Background()

	got, err := gw.Initiate(ctx, InitiateRequest{Kind: KindDeposit, Amount: "12.0000000", CurrencyCode: "USD", AccountPublicKey: "G"})
	require.NoError(t, err)
	assert.Equal(t, "82fhs729f63dh0v4", got.ExternalID)
	assert.Equal(t, "incomplete", got.Status)
	assert.Equal(t, "https://anchor.test/x", got.InteractiveURL)

	_, err = gw.Initiate(ctx, InitiateRequest{Kind: KindWithdrawal, Amount: "1", CurrencyCode: "USD"})
	assert.True(t, failure.Is(err, failure.KindRemoteRejected))
	assert.Contains(t, err.Error(), "amount too small")

	found, err := gw.Lookup(ctx, "82fhs729f63dh0v4")
	require.NoError(t, err)
	assert.Equal(t, "completed", found.Status)
	assert.Equal(t, "17a670bc", found.ExternalLedgerTxID)

	_, err = gw.Lookup(ctx, "missing")
	assert.True(t, errors.Is(err, ErrTransactionNotFound))

	down := NewHTTPGateway("http://127.0.0.1:1", "", 200*time.Millisecond)
	_, err = down.Lookup(ctx, "x")
	assert.True(t, failure.Is(err, failure.KindRemoteUnknown))
}

func TestHTTPGateway_BreakerOpensOnOutage(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, "", time.Second).WithBreaker(circuitbreaker.New(2, time.Minute))
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := gw.Lookup(ctx, "x")
		assert.True(t, failure.Is(err, failure.KindRemoteUnknown))
	}

	_, err := gw.Lookup(ctx, "x")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 2, calls)
}

func TestEvents_OnlyAppliedMovesArePublished(t *testing.T) {
	rec := &realtimetest.Recorder{}
	svc := newService(&fakeGateway{}).WithEvents(rec)
	ctx := context.Background()
	pk := keypair.MustRandom().Address()
	tx, err := svc.Initiate(ctx, InitiateRequest{Kind: KindWithdrawal, Amount: "5", CurrencyCode: "USD", AccountPublicKey: pk})
	require.NoError(t, err)

	for _, s := range []string{"pending_anchor", "completed", "pending_anchor", "refunded"} {
		_, err := svc.ApplyUpdate(ctx, StatusUpdate{ExternalID: tx.ExternalID, Status: s})
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"PENDING", "PROCESSING", "COMPLETED", "REFUNDED"}, rec.Statuses(realtime.EventAnchor))
	for _, e := range rec.Events() {
		assert.Equal(t, []string{pk}, e.Accounts)
	}
}
