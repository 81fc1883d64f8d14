package disputes

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/rentvault/rentvault/internal/failure"
)

// votingABI is the fixed arbiter-voting contract surface.
const votingABI = `[
	{"inputs":[{"name":"disputeId","type":"bytes32"},{"name":"arbiterId","type":"bytes32"},{"name":"favorSource","type":"bool"}],"name":"castVote","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

const (
	defaultVoteGasLimit   = uint64(120000)
	defaultReceiptTimeout = 60 * time.Second
	receiptPollInterval   = 2 * time.Second
)

// EthClient is the subset of the go-ethereum client the recorder uses.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// ContractConfig configures the voting-contract recorder.
type ContractConfig struct {
	RPCURL      string
	Contract    string
	OperatorKey string // hex, no 0x prefix
	ChainID     int64
}

// ContractRecorder casts each arbiter vote on the voting contract from an
// operator account and waits for the receipt.
type ContractRecorder struct {
	client         EthClient
	key            *ecdsa.PrivateKey
	operator       common.Address
	contract       common.Address
	chainID        *big.Int
	abi            abi.ABI
	receiptTimeout time.Duration
	pollInterval   time.Duration
}

var _ VoteRecorder = (*ContractRecorder)(nil)

// NewContractRecorder dials cfg.RPCURL unless client is given.
func NewContractRecorder(cfg ContractConfig, client EthClient) (*ContractRecorder, error) {
	if cfg.Contract == "" || !common.IsHexAddress(cfg.Contract) {
		return nil, failure.New(failure.KindConfiguration, "disputes: invalid voting contract address")
	}
	if cfg.ChainID == 0 {
		return nil, failure.New(failure.KindConfiguration, "disputes: voting chain id required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.OperatorKey, "0x"))
	if err != nil {
		return nil, failure.Wrap(failure.KindConfiguration, "disputes: invalid voting operator key", err)
	}
	parsed, err := abi.JSON(strings.NewReader(votingABI))
	if err != nil {
		return nil, fmt.Errorf("disputes: parse voting ABI: %w", err)
	}
	if client == nil {
		c, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, failure.Wrap(failure.KindConfiguration, "disputes: voting RPC connection", err)
		}
		client = c
	}
	return &ContractRecorder{
		client:         client,
		key:            key,
		operator:       crypto.PubkeyToAddress(key.PublicKey),
		contract:       common.HexToAddress(cfg.Contract),
		chainID:        big.NewInt(cfg.ChainID),
		abi:            parsed,
		receiptTimeout: defaultReceiptTimeout,
		pollInterval:   receiptPollInterval,
	}, nil
}

// RecordVote sends castVote and returns the transaction hash once mined. A
// reverted transaction is RemoteRejected; a send or wait failure is
// RemoteUnknown.
func (r *ContractRecorder) RecordVote(ctx context.Context, disputeID, arbiterID string, favorSource bool) (string, error) {
	data, err := r.abi.Pack("castVote", idToBytes32(disputeID), idToBytes32(arbiterID), favorSource)
	if err != nil {
		return "", fmt.Errorf("disputes: pack castVote: %w", err)
	}

	nonce, err := r.client.PendingNonceAt(ctx, r.operator)
	if err != nil {
		return "", failure.Wrap(failure.KindRemoteUnknown, "disputes: voting nonce", err)
	}
	gasPrice, err := r.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", failure.Wrap(failure.KindRemoteUnknown, "disputes: voting gas price", err)
	}
	gasLimit, err := r.client.EstimateGas(ctx, ethereum.CallMsg{From: r.operator, To: &r.contract, Data: data})
	if err != nil {
		gasLimit = defaultVoteGasLimit
	}

	tx := types.NewTransaction(nonce, r.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(r.chainID), r.key)
	if err != nil {
		return "", fmt.Errorf("disputes: sign castVote: %w", err)
	}
	hash := signed.Hash()
	if err := r.client.SendTransaction(ctx, signed); err != nil {
		return "", failure.Wrap(failure.KindRemoteUnknown, "disputes: send castVote "+hash.Hex(), err)
	}
	if err := r.waitMined(ctx, hash); err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

// Close releases the RPC connection.
func (r *ContractRecorder) Close() {
	r.client.Close()
}

func (r *ContractRecorder) waitMined(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, r.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := r.client.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return failure.New(failure.KindRemoteRejected, "disputes: castVote reverted "+hash.Hex())
			}
			return nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return failure.Wrap(failure.KindRemoteUnknown, "disputes: castVote receipt "+hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return failure.Wrap(failure.KindRemoteUnknown, "disputes: castVote not mined "+hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// idToBytes32 maps an opaque id onto the contract's bytes32 key.
func idToBytes32(id string) [32]byte {
	return crypto.Keccak256Hash([]byte(id))
}
