// deps.go defines minimal interfaces for external dependencies.
// This allows for easy mocking in tests and decouples the bot from a specific RPC client.
package rolloverbot

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainGateway is the only component that talks to the blockchain node.
// It never retries; retry policy lives in TransactionSubmitter.
type ChainGateway interface {
	// CurrentTime returns the timestamp of the latest block
	CurrentTime(ctx context.Context) (time.Time, error)

	// RoundDeadline reads roundEndTimestamp(position) from the rollover contract
	RoundDeadline(ctx context.Context, position uint64) (time.Time, error)

	// GasPrice returns the node suggested gas price in wei
	GasPrice(ctx context.Context) (*big.Int, error)

	// EstimateGas estimates the gas units a call consumes when sent from the given address
	EstimateGas(ctx context.Context, from common.Address, call Call) (uint64, error)

	// TokenBalance reads balanceOf(owner) on an ERC20 token
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)

	// Allowance reads allowance(owner, spender) on an ERC20 token
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)

	// AmountsOut reads getAmountsOut(amountIn, path) from the exchange router
	AmountsOut(ctx context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error)

	// PendingNonce returns the next nonce of the address including pending txs
	PendingNonce(ctx context.Context, addr common.Address) (uint64, error)

	// ChainID returns the chain id used for signing
	ChainID(ctx context.Context) (*big.Int, error)

	// Receipt returns the receipt of a mined tx, or nil without error when the tx is not mined yet
	Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)

	// SendTransaction broadcasts a signed tx. Errors are *NetworkError or *RevertError.
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Clock abstracts wall-clock reads and sleeps so the scheduler can be driven
// deterministically in tests.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

// SystemClock is the Clock backed by the time package.
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
