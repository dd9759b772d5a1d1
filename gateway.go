package rolloverbot

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/tranvictor/rolloverbot/internal/circuitbreaker"
)

// EthBackend is the subset of *ethclient.Client the gateway uses.
type EthBackend interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

var _ EthBackend = (*ethclient.Client)(nil)

// EthGateway implements ChainGateway over a JSON-RPC node.
type EthGateway struct {
	backend   EthBackend
	contracts *Contracts
	decoder   *ErrorDecoder
	breaker   *circuitbreaker.CircuitBreaker
}

// GatewayOption configures an EthGateway.
type GatewayOption func(*EthGateway)

// WithCircuitBreaker replaces the default breaker. Nil disables it.
func WithCircuitBreaker(cb *circuitbreaker.CircuitBreaker) GatewayOption {
	return func(g *EthGateway) {
		g.breaker = cb
	}
}

// NewEthGateway wraps an existing backend.
func NewEthGateway(backend EthBackend, contracts *Contracts, opts ...GatewayOption) (*EthGateway, error) {
	if backend == nil {
		return nil, ErrGatewayNil
	}
	if contracts == nil {
		return nil, NewConfigurationError("contracts", errors.New("contracts cannot be nil"))
	}
	g := &EthGateway{
		backend:   backend,
		contracts: contracts,
		decoder:   contracts.ErrorDecoder(),
		breaker:   circuitbreaker.New(circuitbreaker.DefaultConfig()),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// DialEthGateway connects to rpcURL and builds a gateway on top of it.
func DialEthGateway(ctx context.Context, rpcURL string, contracts *Contracts, opts ...GatewayOption) (*EthGateway, error) {
	if rpcURL == "" {
		return nil, NewConfigurationError("rpc_url", errors.New("rpc url is required"))
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, &NetworkError{Op: "dial", Err: err}
	}
	return NewEthGateway(client, contracts, opts...)
}

// BreakerStats exposes the breaker counters, mostly for logging.
func (g *EthGateway) BreakerStats() circuitbreaker.Stats {
	if g.breaker == nil {
		return circuitbreaker.Stats{}
	}
	return g.breaker.Stats()
}

// do runs fn behind the circuit breaker and classifies its error.
func (g *EthGateway) do(op string, fn func() error) error {
	if g.breaker != nil && !g.breaker.Allow() {
		return &NetworkError{Op: op, Err: ErrCircuitOpen}
	}
	err := fn()
	if err == nil {
		g.recordSuccess()
		return nil
	}
	classified := g.classify(op, err)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	case IsNetwork(classified) && !nodeRejected(classified):
		g.recordFailure(op, err)
	default:
		// the node answered, a revert or a rejection is not a connectivity problem
		g.recordSuccess()
	}
	return classified
}

func nodeRejected(err error) bool {
	return errors.Is(err, ErrNonceTooLow) ||
		errors.Is(err, ErrTxAlreadyKnown) ||
		errors.Is(err, ErrReplacementUnderpriced)
}

func (g *EthGateway) recordSuccess() {
	if g.breaker != nil {
		g.breaker.RecordSuccess()
	}
}

func (g *EthGateway) recordFailure(op string, err error) {
	if g.breaker == nil {
		return
	}
	g.breaker.RecordFailure()
	stats := g.breaker.Stats()
	if stats.State == circuitbreaker.StateOpen {
		logger.WithFields(logger.Fields{
			"op":                   op,
			"consecutive_failures": stats.ConsecutiveFailures,
			"error":                err,
		}).Warn("RPC circuit breaker opened")
	}
}

// classify maps a node error onto the bot error taxonomy.
func (g *EthGateway) classify(op string, err error) error {
	if data, ok := ethclient.RevertErrorData(err); ok {
		return &RevertError{Op: op, Reason: g.decoder.Reason(data), Data: data, Err: err}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "execution reverted"):
		return &RevertError{Op: op, Reason: revertReasonFromMessage(err.Error()), Err: err}
	case strings.Contains(msg, "nonce too low"):
		return &NetworkError{Op: op, Err: errors.Join(ErrNonceTooLow, err)}
	case strings.Contains(msg, "already known"), strings.Contains(msg, "known transaction"):
		return &NetworkError{Op: op, Err: errors.Join(ErrTxAlreadyKnown, err)}
	case strings.Contains(msg, "replacement transaction underpriced"), strings.Contains(msg, "underpriced"):
		return &NetworkError{Op: op, Err: errors.Join(ErrReplacementUnderpriced, err)}
	}
	return &NetworkError{Op: op, Err: err}
}

func revertReasonFromMessage(msg string) string {
	idx := strings.Index(strings.ToLower(msg), "execution reverted")
	if idx < 0 {
		return ""
	}
	rest := strings.TrimSpace(msg[idx+len("execution reverted"):])
	return strings.TrimSpace(strings.TrimPrefix(rest, ":"))
}

// CurrentTime implements ChainGateway.
func (g *EthGateway) CurrentTime(ctx context.Context) (time.Time, error) {
	var header *types.Header
	err := g.do("current_time", func() (err error) {
		header, err = g.backend.HeaderByNumber(ctx, nil)
		return err
	})
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(header.Time), 0), nil
}

// RoundDeadline implements ChainGateway.
func (g *EthGateway) RoundDeadline(ctx context.Context, position uint64) (time.Time, error) {
	data, err := g.contracts.PackRoundEndTimestamp(position)
	if err != nil {
		return time.Time{}, err
	}
	out, err := g.call(ctx, "round_deadline", g.contracts.Rollover, data)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := unpackSingleInt(g.contracts.RolloverABI, methodRoundEndTimestamp, out)
	if err != nil {
		return time.Time{}, &NetworkError{Op: "round_deadline", Err: err}
	}
	if !ts.IsInt64() {
		return time.Time{}, &NetworkError{Op: "round_deadline", Err: fmt.Errorf("timestamp %s out of range", ts)}
	}
	return time.Unix(ts.Int64(), 0), nil
}

// GasPrice implements ChainGateway.
func (g *EthGateway) GasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := g.do("gas_price", func() (err error) {
		price, err = g.backend.SuggestGasPrice(ctx)
		return err
	})
	return price, err
}

// EstimateGas implements ChainGateway.
func (g *EthGateway) EstimateGas(ctx context.Context, from common.Address, call Call) (uint64, error) {
	to := call.To
	msg := ethereum.CallMsg{
		From:  from,
		To:    &to,
		Gas:   EstimateGasCap,
		Value: call.Value,
		Data:  call.Data,
	}
	var units uint64
	err := g.do("estimate_gas:"+call.Label, func() (err error) {
		units, err = g.backend.EstimateGas(ctx, msg)
		return err
	})
	return units, err
}

// TokenBalance implements ChainGateway.
func (g *EthGateway) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data, err := g.contracts.TokenABI.Pack(methodBalanceOf, owner)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", methodBalanceOf, err)
	}
	out, err := g.call(ctx, "token_balance", token, data)
	if err != nil {
		return nil, err
	}
	balance, err := unpackSingleInt(g.contracts.TokenABI, methodBalanceOf, out)
	if err != nil {
		return nil, &NetworkError{Op: "token_balance", Err: err}
	}
	return balance, nil
}

// Allowance implements ChainGateway.
func (g *EthGateway) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data, err := g.contracts.TokenABI.Pack(methodAllowance, owner, spender)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", methodAllowance, err)
	}
	out, err := g.call(ctx, "allowance", token, data)
	if err != nil {
		return nil, err
	}
	allowance, err := unpackSingleInt(g.contracts.TokenABI, methodAllowance, out)
	if err != nil {
		return nil, &NetworkError{Op: "allowance", Err: err}
	}
	return allowance, nil
}

// AmountsOut implements ChainGateway.
func (g *EthGateway) AmountsOut(ctx context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	data, err := g.contracts.RouterABI.Pack(methodGetAmountsOut, amountIn, path)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", methodGetAmountsOut, err)
	}
	out, err := g.call(ctx, "amounts_out", g.contracts.Router, data)
	if err != nil {
		return nil, err
	}
	values, err := g.contracts.RouterABI.Unpack(methodGetAmountsOut, out)
	if err != nil {
		return nil, &NetworkError{Op: "amounts_out", Err: fmt.Errorf("unpack %s: %w", methodGetAmountsOut, err)}
	}
	if len(values) != 1 {
		return nil, &NetworkError{Op: "amounts_out", Err: fmt.Errorf("got %d outputs, expected 1", len(values))}
	}
	amounts, ok := values[0].([]*big.Int)
	if !ok {
		return nil, &NetworkError{Op: "amounts_out", Err: fmt.Errorf("unexpected output type %T", values[0])}
	}
	return amounts, nil
}

// PendingNonce implements ChainGateway.
func (g *EthGateway) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	var n uint64
	err := g.do("pending_nonce", func() (err error) {
		n, err = g.backend.PendingNonceAt(ctx, addr)
		return err
	})
	return n, err
}

// ChainID implements ChainGateway.
func (g *EthGateway) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := g.do("chain_id", func() (err error) {
		id, err = g.backend.ChainID(ctx)
		return err
	})
	return id, err
}

// Receipt implements ChainGateway.
func (g *EthGateway) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := g.do("receipt", func() (err error) {
		receipt, err = g.backend.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			receipt, err = nil, nil
		}
		return err
	})
	return receipt, err
}

// SendTransaction implements ChainGateway.
func (g *EthGateway) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return g.do("send_transaction", func() error {
		return g.backend.SendTransaction(ctx, tx)
	})
}

func (g *EthGateway) call(ctx context.Context, op string, to common.Address, data []byte) ([]byte, error) {
	msg := ethereum.CallMsg{To: &to, Data: data}
	var out []byte
	err := g.do(op, func() (err error) {
		out, err = g.backend.CallContract(ctx, msg, nil)
		return err
	})
	return out, err
}

var _ ChainGateway = (*EthGateway)(nil)
