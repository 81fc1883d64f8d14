package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rentvault/rentvault/internal/circuitbreaker"
	"github.com/rentvault/rentvault/internal/failure"
)

const (
	breakerThreshold = 5
	breakerCoolDown  = 30 * time.Second
)

// HTTPGateway speaks the interactive deposit/withdraw protocol of a
// Stellar anchor's transfer server.
type HTTPGateway struct {
	baseURL   string
	authToken string
	client    *http.Client
	breaker   *circuitbreaker.Breaker
}

var _ Gateway = (*HTTPGateway)(nil)

// NewHTTPGateway creates a gateway for the transfer server at baseURL.
// authToken, when set, is sent as a bearer token.
func NewHTTPGateway(baseURL, authToken string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPGateway{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		client:    &http.Client{Timeout: timeout},
		breaker:   circuitbreaker.New(breakerThreshold, breakerCoolDown),
	}
}

// WithBreaker replaces the circuit breaker guarding calls to the anchor.
func (g *HTTPGateway) WithBreaker(b *circuitbreaker.Breaker) *HTTPGateway {
	g.breaker = b
	return g
}

type interactiveResponse struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	ID    string `json:"id"`
	Error string `json:"error"`
}

type transactionResponse struct {
	Transaction struct {
		ID                   string `json:"id"`
		Status               string `json:"status"`
		StellarTransactionID string `json:"stellar_transaction_id"`
		MoreInfoURL          string `json:"more_info_url"`
	} `json:"transaction"`
	Error string `json:"error"`
}

// Initiate starts an interactive flow. The anchor reports new flows as
// "incomplete" until the user finishes the interactive step.
func (g *HTTPGateway) Initiate(ctx context.Context, req InitiateRequest) (*GatewayTransaction, error) {
	path := "/transactions/deposit/interactive"
	if req.Kind == KindWithdrawal {
		path = "/transactions/withdraw/interactive"
	}
	form := url.Values{
		"asset_code": {req.CurrencyCode},
		"amount":     {req.Amount},
		"account":    {req.AccountPublicKey},
	}
	if req.Method != "" {
		form.Set("type", req.Method)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out interactiveResponse
	if err := g.call("initiate", httpReq, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, failure.New(failure.KindRemoteRejected, "anchor: response carried no transaction id")
	}
	return &GatewayTransaction{ExternalID: out.ID, Status: "incomplete", InteractiveURL: out.URL}, nil
}

// Lookup fetches the anchor's current record for externalID.
func (g *HTTPGateway) Lookup(ctx context.Context, externalID string) (*GatewayTransaction, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		g.baseURL+"/transaction?id="+url.QueryEscape(externalID), nil)
	if err != nil {
		return nil, err
	}
	var out transactionResponse
	if err := g.call("lookup", httpReq, &out); err != nil {
		return nil, err
	}
	return &GatewayTransaction{
		ExternalID:         out.Transaction.ID,
		Status:             out.Transaction.Status,
		ExternalLedgerTxID: out.Transaction.StellarTransactionID,
		InteractiveURL:     out.Transaction.MoreInfoURL,
	}, nil
}

// call runs one request behind the breaker. Only transport failures and 5xx
// answers count against the anchor.
func (g *HTTPGateway) call(op string, req *http.Request, out any) error {
	return g.breaker.Do("anchor:"+op, func(err error) bool {
		return failure.Is(err, failure.KindRemoteUnknown)
	}, func() error {
		return g.do(req, out)
	})
}

func (g *HTTPGateway) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if g.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+g.authToken)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return failure.Wrap(failure.KindRemoteUnknown, "anchor: request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return failure.Wrap(failure.KindRemoteUnknown, "anchor: read response", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrTransactionNotFound
	case resp.StatusCode >= 500:
		return failure.New(failure.KindRemoteUnknown, fmt.Sprintf("anchor: status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &e)
		return failure.New(failure.KindRemoteRejected, fmt.Sprintf("anchor: status %d: %s", resp.StatusCode, e.Error))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return failure.Wrap(failure.KindRemoteUnknown, "anchor: decode response", err)
	}
	return nil
}
