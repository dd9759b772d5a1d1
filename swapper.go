package rolloverbot

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// Swapper sells the whole reward token balance for the base asset through
// the exchange router.
type Swapper struct {
	gateway      ChainGateway
	submitter    *Submitter
	contracts    *Contracts
	state        *BotState
	clock        Clock
	slippage     decimal.Decimal
	swapDeadline time.Duration
}

// NewSwapper creates a swapper with DefaultSlippage and DefaultSwapDeadline.
func NewSwapper(gateway ChainGateway, submitter *Submitter, contracts *Contracts, state *BotState, opts ...SwapperOption) (*Swapper, error) {
	if gateway == nil {
		return nil, ErrGatewayNil
	}
	if submitter == nil {
		return nil, fmt.Errorf("submitter cannot be nil")
	}
	if contracts == nil {
		return nil, NewConfigurationError("contracts", errors.New("contracts cannot be nil"))
	}
	if state == nil || state.Wallet == nil {
		return nil, ErrWalletNil
	}
	s := &Swapper{
		gateway:      gateway,
		submitter:    submitter,
		contracts:    contracts,
		state:        state,
		clock:        SystemClock(),
		slippage:     decimal.RequireFromString(DefaultSlippage),
		swapDeadline: DefaultSwapDeadline,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.slippage.IsNegative() || s.slippage.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, NewConfigurationError("slippage", fmt.Errorf("slippage %s must be in [0, 1)", s.slippage))
	}
	return s, nil
}

// MinimumOutput is round(expected × (1 − slippage)).
func MinimumOutput(expected *big.Int, slippage decimal.Decimal) *big.Int {
	if expected == nil {
		return big.NewInt(0)
	}
	keep := decimal.NewFromInt(1).Sub(slippage)
	return decimal.NewFromBigInt(expected, 0).Mul(keep).Round(0).BigInt()
}

// Quote prices a swap of amount along [rewardToken, baseAsset]. The quote is
// never retried: a stale one just makes the swap revert.
func (s *Swapper) Quote(ctx context.Context, amount *big.Int) (*SwapQuote, error) {
	path := s.contracts.SwapPath()
	amounts, err := s.gateway.AmountsOut(ctx, amount, path)
	if err != nil {
		return nil, errors.Join(ErrQuoteFailed, err)
	}
	if len(amounts) != len(path) {
		return nil, errors.Join(ErrQuoteFailed, fmt.Errorf("router returned %d amounts for a %d hop path", len(amounts), len(path)))
	}
	expected := amounts[len(amounts)-1]
	return &SwapQuote{
		AmountIn:    new(big.Int).Set(amount),
		ExpectedOut: expected,
		MinOut:      MinimumOutput(expected, s.slippage),
		Path:        path,
		Deadline:    s.clock.Now().Add(s.swapDeadline),
	}, nil
}

// Swap sells the current reward balance. It returns ErrNothingToSwap when
// the balance is zero.
func (s *Swapper) Swap(ctx context.Context) (*types.Receipt, error) {
	balance, err := s.gateway.TokenBalance(ctx, s.contracts.RewardToken, s.state.Address())
	if err != nil {
		return nil, err
	}
	return s.SwapAmount(ctx, balance)
}

// SwapAmount sells amount reward tokens, approving the router first when
// its allowance does not cover amount.
func (s *Swapper) SwapAmount(ctx context.Context, amount *big.Int) (*types.Receipt, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrNothingToSwap
	}

	if err := s.ensureAllowance(ctx, amount); err != nil {
		return nil, err
	}

	quote, err := s.Quote(ctx, amount)
	if err != nil {
		return nil, err
	}
	call, err := s.contracts.SwapCall(quote, s.state.Address())
	if err != nil {
		return nil, err
	}

	logger.WithFields(logger.Fields{
		"amount_in":    quote.AmountIn.String(),
		"expected_out": quote.ExpectedOut.String(),
		"min_out":      quote.MinOut.String(),
		"slippage":     s.slippage.String(),
		"deadline":     quote.Deadline,
	}).Info("Swapping rewards")

	receipt, err := s.submitter.Ensure(ctx, call, quote.Deadline)
	if err != nil {
		return receipt, err
	}
	logger.WithFields(logger.Fields{
		"tx_hash": receipt.TxHash.Hex(),
		"block":   receipt.BlockNumber,
	}).Info("Swapped rewards for base asset")
	return receipt, nil
}

func (s *Swapper) ensureAllowance(ctx context.Context, amount *big.Int) error {
	allowance, err := s.gateway.Allowance(ctx, s.contracts.RewardToken, s.state.Address(), s.contracts.Router)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) >= 0 {
		return nil
	}
	logger.WithFields(logger.Fields{
		"allowance": allowance.String(),
		"amount":    amount.String(),
		"router":    s.contracts.Router.Hex(),
	}).Info("Router allowance too low, approving")

	call, err := s.contracts.ApproveCall(s.contracts.Router, math.MaxBig256)
	if err != nil {
		return err
	}
	_, err = s.submitter.Ensure(ctx, call, s.clock.Now().Add(s.swapDeadline))
	return err
}
