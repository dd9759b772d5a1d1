package rolloverbot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	jarviscommon "github.com/tranvictor/jarvis/common"

	"github.com/tranvictor/rolloverbot/internal/nonce"
)

// Submitter turns a Call into a broadcast transaction. It owns the retry
// policy: every attempt takes a fresh gas quote, and attempts continue until
// the node accepts the tx, the call reverts, or the deadline passes.
type Submitter struct {
	gateway       ChainGateway
	state         *BotState
	clock         Clock
	nonces        *nonce.Tracker
	actions       ActionStore
	decoder       *ErrorDecoder
	waiter        *Waiter
	retryInterval time.Duration
	txType        uint8
}

// NewSubmitter creates a submitter signing with state's wallet.
func NewSubmitter(gateway ChainGateway, state *BotState, opts ...SubmitterOption) (*Submitter, error) {
	if gateway == nil {
		return nil, ErrGatewayNil
	}
	if state == nil || state.Wallet == nil {
		return nil, ErrWalletNil
	}
	s := &Submitter{
		gateway:       gateway,
		state:         state,
		clock:         SystemClock(),
		nonces:        nonce.NewTracker(),
		actions:       NewInMemoryActionStore(),
		retryInterval: DefaultSubmitRetryInterval,
		txType:        types.LegacyTxType,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.waiter == nil {
		w, err := NewWaiter(gateway, WithWaiterClock(s.clock), WithWaiterActionStore(s.actions))
		if err != nil {
			return nil, err
		}
		s.waiter = w
	}
	return s, nil
}

// Actions returns the store submitted actions are saved to.
func (s *Submitter) Actions() ActionStore { return s.actions }

// Waiter returns the waiter Ensure confirms with.
func (s *Submitter) Waiter() *Waiter { return s.waiter }

// Ensure submits call and waits for its receipt. A reverted receipt is
// returned together with a *RevertError.
func (s *Submitter) Ensure(ctx context.Context, call Call, deadline time.Time) (*types.Receipt, error) {
	action, err := s.Submit(ctx, call, deadline)
	if err != nil {
		return nil, err
	}
	if action.Receipt != nil {
		return action.Receipt, CheckReceipt(call.Label, action.Receipt)
	}
	return s.waiter.Confirm(ctx, action)
}

// Submit broadcasts call before deadline and returns the accepted action.
//
// Possible errors:
//  1. *RevertError when estimation, simulation or broadcast shows a revert (never retried)
//  2. *TimeoutError when now passes deadline; LastErr holds the last attempt failure
//  3. ErrSignFailed / ErrSignerMismatch when the local key cannot sign for the bot address
//  4. context.Canceled or context.DeadlineExceeded
//
// When an earlier attempt of this call turns out to be mined already, the
// returned action carries its receipt.
func (s *Submitter) Submit(ctx context.Context, call Call, deadline time.Time) (action *PendingAction, err error) {
	sc, err := NewSubmitContext(call, s.state.Address(), deadline)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err == nil {
			return
		}
		if sc.Broadcasted() {
			// something may still be sitting in the mempool, resync from chain next time
			s.nonces.Reset(sc.From)
		} else if sc.RetryNonce != nil {
			s.nonces.Release(sc.From, *sc.RetryNonce)
		}
	}()

	for {
		if err = ctx.Err(); err != nil {
			return nil, err
		}

		expired := sc.Expired(s.clock.Now())
		if sc.Attempts > 0 && !expired {
			remaining := sc.Deadline.Sub(s.clock.Now())
			if remaining <= 0 {
				expired = true
			} else {
				if err = s.clock.Sleep(ctx, min(s.retryInterval, remaining)); err != nil {
					return nil, err
				}
				expired = sc.Expired(s.clock.Now())
			}
		}

		if expired {
			err = sc.Timeout()
			logger.WithFields(logger.Fields{
				"label":    call.Label,
				"attempts": sc.Attempts,
				"deadline": sc.Deadline,
				"error":    sc.LastErr,
			}).Warn("Giving up submission, deadline passed")
			return nil, err
		}

		sc.Attempts++
		result := s.attempt(ctx, sc)
		if result.ShouldReturn {
			err = result.Error
			return result.Action, err
		}
	}
}

// attempt runs one quote, build, sign and broadcast pass.
func (s *Submitter) attempt(ctx context.Context, sc *SubmitContext) *SubmitResult {
	gasPrice, err := s.gateway.GasPrice(ctx)
	if err != nil {
		logger.WithFields(logger.Fields{
			"label":   sc.Call.Label,
			"attempt": sc.Attempts,
			"error":   err,
		}).Debug("Getting gas price failed, retrying")
		return sc.Fail(errors.Join(ErrGetGasPriceFailed, err))
	}

	estimate, err := s.gateway.EstimateGas(ctx, sc.From, sc.Call)
	if err != nil {
		return s.handleEstimateFailure(ctx, sc, err)
	}
	quote := sc.NewQuote(gasPrice, estimate)
	logger.WithFields(logger.Fields{
		"label":     sc.Call.Label,
		"attempt":   sc.Attempts,
		"gas_price": quote.Price.String(),
		"gas_units": quote.GasUnits,
	}).Debug("Quoted gas")

	if sc.RetryNonce == nil {
		n, nonceErr := s.nonces.Acquire(ctx, sc.From, s.gateway.PendingNonce)
		if nonceErr != nil {
			return sc.Fail(errors.Join(ErrAcquireNonceFailed, nonceErr))
		}
		sc.KeepNonce(n)
	}

	chainID := s.state.Wallet.ChainID()
	gasPriceGwei := sc.GasPriceGwei(quote.Price)
	var tipCapGwei float64
	if s.txType == types.DynamicFeeTxType {
		tipCapGwei = gasPriceGwei
	}
	tx := jarviscommon.BuildExactTx(
		s.txType,
		*sc.RetryNonce,
		sc.Call.To.Hex(),
		sc.Call.Value,
		sc.GasLimit(quote.GasUnits),
		gasPriceGwei,
		tipCapGwei,
		sc.Call.Data,
		chainID.Uint64(),
	)

	signedTx, err := s.state.Wallet.SignTx(tx)
	if err != nil {
		return sc.Abort(err)
	}
	signer, err := jarviscommon.GetSignerAddressFromTx(signedTx, chainID)
	if err != nil {
		return sc.Abort(errors.Join(ErrSignFailed, err))
	}
	if signer != sc.From {
		return sc.Abort(errors.Join(ErrSignerMismatch, fmt.Errorf("expected %s, signed %s", sc.From.Hex(), signer.Hex())))
	}

	if err := ctx.Err(); err != nil {
		return sc.Abort(err)
	}
	sendErr := s.gateway.SendTransaction(ctx, signedTx)
	if sendErr == nil || errors.Is(sendErr, ErrTxAlreadyKnown) {
		sc.OldTxs[signedTx.Hash()] = signedTx
		return s.accepted(ctx, sc, signedTx)
	}

	logger.WithFields(logger.Fields{
		"label":     sc.Call.Label,
		"attempt":   sc.Attempts,
		"tx_hash":   signedTx.Hash().Hex(),
		"nonce":     signedTx.Nonce(),
		"gas_price": signedTx.GasPrice().String(),
		"gas_limit": signedTx.Gas(),
		"error":     sendErr,
	}).Debug("Unsuccessful broadcasting transaction")

	if IsRevert(sendErr) {
		return sc.Abort(sc.wrapRevert(sendErr, s.decoder))
	}
	sc.OldTxs[signedTx.Hash()] = signedTx

	switch {
	case errors.Is(sendErr, ErrNonceTooLow):
		return s.handleNonceTooLow(ctx, sc, sendErr)
	case errors.Is(sendErr, ErrReplacementUnderpriced):
		sc.BumpGasPrice(signedTx)
		return sc.Fail(sendErr)
	default:
		sc.KeepNonce(signedTx.Nonce())
		return sc.Fail(sendErr)
	}
}

func (s *Submitter) handleEstimateFailure(ctx context.Context, sc *SubmitContext, err error) *SubmitResult {
	// an earlier attempt landing makes the call revert on re-estimation
	if sc.Broadcasted() {
		if result := s.findMined(ctx, sc); result != nil {
			return result
		}
	}
	if IsRevert(err) {
		logger.WithFields(logger.Fields{
			"label": sc.Call.Label,
			"error": err,
		}).Warn("Gas estimation shows the call reverts, not retrying")
		return sc.Abort(sc.wrapRevert(err, s.decoder))
	}
	logger.WithFields(logger.Fields{
		"label":   sc.Call.Label,
		"attempt": sc.Attempts,
		"error":   err,
	}).Debug("Gas estimation failed, retrying")
	return sc.Fail(errors.Join(ErrEstimateGasFailed, err))
}

func (s *Submitter) handleNonceTooLow(ctx context.Context, sc *SubmitContext, err error) *SubmitResult {
	if result := s.findMined(ctx, sc); result != nil {
		return result
	}
	sc.ForgetNonce()
	s.nonces.Reset(sc.From)
	return sc.Fail(err)
}

// findMined looks for a receipt among the txs this call already sent.
func (s *Submitter) findMined(ctx context.Context, sc *SubmitContext) *SubmitResult {
	for hash, tx := range sc.OldTxs {
		receipt, err := s.gateway.Receipt(ctx, hash)
		if err != nil {
			logger.WithFields(logger.Fields{
				"tx_hash": hash.Hex(),
				"error":   err,
			}).Debug("Getting receipt of an earlier attempt failed. Ignore and continue")
			continue
		}
		if receipt == nil {
			continue
		}
		status := ActionStatusMined
		if receipt.Status == types.ReceiptStatusFailed {
			status = ActionStatusReverted
		}
		now := s.clock.Now()
		action := s.newAction(sc, tx, now)
		action.Status = status
		action.Receipt = receipt
		s.nonces.Commit(sc.From, tx.Nonce())
		s.save(ctx, action)
		logger.WithFields(logger.Fields{
			"label":   sc.Call.Label,
			"tx_hash": hash.Hex(),
			"status":  status,
		}).Info("Earlier attempt is already mined")
		return returnResult(action, receipt, nil)
	}
	return nil
}

func (s *Submitter) accepted(ctx context.Context, sc *SubmitContext, tx *types.Transaction) *SubmitResult {
	s.nonces.Commit(sc.From, tx.Nonce())
	action := s.newAction(sc, tx, s.clock.Now())
	s.save(ctx, action)

	logger.WithFields(logger.Fields{
		"label":     sc.Call.Label,
		"position":  s.state.Position,
		"attempt":   sc.Attempts,
		"tx_hash":   tx.Hash().Hex(),
		"nonce":     tx.Nonce(),
		"gas_price": tx.GasPrice().String(),
		"gas_limit": tx.Gas(),
	}).Info("Signed and broadcasted transaction")
	return returnResult(action, nil, nil)
}

func (s *Submitter) newAction(sc *SubmitContext, tx *types.Transaction, now time.Time) *PendingAction {
	var replaced []common.Hash
	for hash := range sc.OldTxs {
		if hash != tx.Hash() {
			replaced = append(replaced, hash)
		}
	}
	slices.SortFunc(replaced, func(a, b common.Hash) int { return bytes.Compare(a[:], b[:]) })
	return &PendingAction{
		Hash:        tx.Hash(),
		Label:       sc.Call.Label,
		Position:    s.state.Position,
		Nonce:       tx.Nonce(),
		SubmittedAt: now,
		Deadline:    sc.Deadline,
		Status:      ActionStatusBroadcasted,
		Transaction: tx,
		Replaced:    replaced,
		UpdatedAt:   now,
	}
}

func (s *Submitter) save(ctx context.Context, action *PendingAction) {
	if s.actions == nil {
		return
	}
	if err := s.actions.Save(ctx, action); err != nil {
		logger.WithFields(logger.Fields{
			"tx_hash": action.Hash.Hex(),
			"error":   err,
		}).Error("Failed to persist pending action. Ignore and continue")
	}
}
