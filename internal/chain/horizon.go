package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stellar/go/clients/horizonclient"
	hProtocol "github.com/stellar/go/protocols/horizon"

	"github.com/rentvault/rentvault/internal/traces"
)

// DefaultFriendbotURL funds accounts on the public test network.
const DefaultFriendbotURL = "https://friendbot.stellar.org"

// HorizonNetwork implements Network against a Horizon server.
type HorizonNetwork struct {
	client    *horizonclient.Client
	http      *http.Client
	friendbot string
}

var _ Network = (*HorizonNetwork)(nil)

// NewHorizonNetwork creates a Network backed by the Horizon API at horizonURL.
// friendbotURL may be empty to disable test funding.
func NewHorizonNetwork(horizonURL, friendbotURL string, timeout time.Duration) *HorizonNetwork {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	return &HorizonNetwork{
		client:    &horizonclient.Client{HorizonURL: horizonURL, HTTP: httpClient},
		http:      httpClient,
		friendbot: friendbotURL,
	}
}

// Ping checks that Horizon answers and serves the network identified by
// passphrase.
func (h *HorizonNetwork) Ping(ctx context.Context, passphrase string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	root, err := h.client.Root()
	if err != nil {
		return &UnknownOutcomeError{Op: "ping", Err: err}
	}
	if passphrase != "" && root.NetworkPassphrase != passphrase {
		return fmt.Errorf("chain: horizon serves %q, want %q", root.NetworkPassphrase, passphrase)
	}
	return nil
}

// LoadAccount fetches balance and sequence for publicKey.
func (h *HorizonNetwork) LoadAccount(ctx context.Context, publicKey string) (*AccountState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	acct, err := h.client.AccountDetail(horizonclient.AccountRequest{AccountID: publicKey})
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, ErrAccountNotFound
		}
		return nil, &UnknownOutcomeError{Op: "load account", Err: err}
	}

	state := &AccountState{
		PublicKey:     acct.AccountID,
		Sequence:      acct.Sequence,
		SubentryCount: acct.SubentryCount,
		Balances:      make(map[string]string),
	}
	for _, b := range acct.Balances {
		if b.Type == "native" {
			state.NativeBalance = b.Balance
			continue
		}
		state.Balances[Asset{Code: b.Code, Issuer: b.Issuer}.String()] = b.Balance
	}
	return state, nil
}

// Submit sends a signed envelope and waits for Horizon's synchronous verdict.
func (h *HorizonNetwork) Submit(ctx context.Context, env *Envelope) (res *SubmitResult, err error) {
	_, span := traces.StartSpan(ctx, "chain.Submit", traces.TxHash(env.Hash))
	defer func() {
		traces.Outcome(span, err)
		span.End()
	}()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, &UnknownOutcomeError{Op: "submit", Hash: env.Hash, Err: ctxErr}
	}
	tx, subErr := h.client.SubmitTransactionXDR(env.XDR)
	if subErr != nil {
		return nil, classifySubmitError(env.Hash, subErr)
	}
	return &SubmitResult{
		Hash:       tx.Hash,
		Ledger:     uint32(tx.Ledger),
		FeeCharged: int64(tx.FeeCharged),
	}, nil
}

// TransactionStatus looks a transaction up by hash. A hash the network has
// never seen returns Found=false, not an error.
func (h *HorizonNetwork) TransactionStatus(ctx context.Context, hash string) (*TransactionStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx, err := h.client.TransactionDetail(hash)
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return &TransactionStatus{Hash: hash}, nil
		}
		return nil, &UnknownOutcomeError{Op: "transaction status", Hash: hash, Err: err}
	}
	return statusFromHorizon(tx), nil
}

// FundTestAccount asks friendbot to create and fund publicKey. An account
// that already exists counts as funded.
func (h *HorizonNetwork) FundTestAccount(ctx context.Context, publicKey string) error {
	if h.friendbot == "" {
		return fmt.Errorf("chain: test funding is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.friendbot+"?addr="+url.QueryEscape(publicKey), nil)
	if err != nil {
		return err
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return &UnknownOutcomeError{Op: "fund test account", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var problem struct {
		Detail string `json:"detail"`
		Extras struct {
			ResultCodes struct {
				Operations []string `json:"operations"`
			} `json:"result_codes"`
		} `json:"extras"`
	}
	_ = json.Unmarshal(body, &problem)
	for _, code := range problem.Extras.ResultCodes.Operations {
		if code == "op_already_exists" {
			return nil
		}
	}
	if strings.Contains(problem.Detail, "already") {
		return nil
	}
	return &RejectedError{Op: "fund test account", Detail: fmt.Sprintf("friendbot status %d: %s", resp.StatusCode, problem.Detail)}
}

func classifySubmitError(hash string, err error) error {
	hErr := horizonclient.GetError(err)
	if hErr == nil {
		return &UnknownOutcomeError{Op: "submit", Hash: hash, Err: err}
	}
	switch hErr.Problem.Status {
	case http.StatusGatewayTimeout, http.StatusServiceUnavailable, http.StatusInternalServerError, http.StatusBadGateway:
		return &UnknownOutcomeError{Op: "submit", Hash: hash, Err: err}
	}
	rej := &RejectedError{Op: "submit", Hash: hash, Detail: hErr.Problem.Detail}
	if codes, cerr := hErr.ResultCodes(); cerr == nil && codes != nil {
		rej.TransactionCode = codes.TransactionCode
		rej.OperationCodes = codes.OperationCodes
	}
	return rej
}

func statusOf(err error) int {
	if hErr := horizonclient.GetError(err); hErr != nil {
		return hErr.Problem.Status
	}
	return 0
}

func statusFromHorizon(tx hProtocol.Transaction) *TransactionStatus {
	return &TransactionStatus{
		Hash:       tx.Hash,
		Found:      true,
		Successful: tx.Successful,
		Ledger:     uint32(tx.Ledger),
		FeeCharged: int64(tx.FeeCharged),
	}
}
