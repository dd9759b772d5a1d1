package rolloverbot

import (
	"context"
	"fmt"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Waiter polls for receipts of broadcast transactions.
type Waiter struct {
	gateway      ChainGateway
	clock        Clock
	actions      ActionStore
	pollInterval time.Duration
	// timeout bounds Confirm; zero waits for as long as the context allows
	timeout time.Duration
}

// NewWaiter creates a waiter polling every DefaultReceiptPollInterval with
// the DefaultConfirmationTimeout.
func NewWaiter(gateway ChainGateway, opts ...WaiterOption) (*Waiter, error) {
	if gateway == nil {
		return nil, ErrGatewayNil
	}
	w := &Waiter{
		gateway:      gateway,
		clock:        SystemClock(),
		pollInterval: DefaultReceiptPollInterval,
		timeout:      DefaultConfirmationTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.pollInterval <= 0 {
		w.pollInterval = DefaultReceiptPollInterval
	}
	return w, nil
}

// WaitForReceipt polls until hash is mined. A zero deadline never times out.
// Lookup errors are logged and polling continues.
func (w *Waiter) WaitForReceipt(ctx context.Context, hash common.Hash, deadline time.Time) (*types.Receipt, error) {
	_, receipt, err := w.WaitForAny(ctx, []common.Hash{hash}, deadline)
	return receipt, err
}

// WaitForAny polls every hash on each round until one of them is mined and
// returns that hash with its receipt.
func (w *Waiter) WaitForAny(ctx context.Context, hashes []common.Hash, deadline time.Time) (common.Hash, *types.Receipt, error) {
	if len(hashes) == 0 {
		return common.Hash{}, nil, fmt.Errorf("no transaction hash to wait for")
	}
	polls := 0
	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			return common.Hash{}, nil, err
		}
		polls++
		for _, hash := range hashes {
			receipt, err := w.gateway.Receipt(ctx, hash)
			if err != nil {
				lastErr = err
				logger.WithFields(logger.Fields{
					"tx_hash": hash.Hex(),
					"poll":    polls,
					"error":   err,
				}).Debug("Receipt lookup failed, polling again")
				continue
			}
			if receipt != nil {
				return hash, receipt, nil
			}
		}

		now := w.clock.Now()
		wait := w.pollInterval
		if !deadline.IsZero() {
			if !now.Before(deadline) {
				return common.Hash{}, nil, &TimeoutError{
					Phase:    "confirm " + hashes[0].Hex(),
					Deadline: deadline,
					Attempts: polls,
					LastErr:  lastErr,
				}
			}
			if remaining := deadline.Sub(now); remaining < wait {
				wait = remaining
			}
		}
		if err := w.clock.Sleep(ctx, wait); err != nil {
			return common.Hash{}, nil, err
		}
	}
}

// Confirm waits for action within the configured timeout and records the
// outcome in the action store.
func (w *Waiter) Confirm(ctx context.Context, action *PendingAction) (*types.Receipt, error) {
	var deadline time.Time
	if w.timeout > 0 {
		deadline = w.clock.Now().Add(w.timeout)
	}

	logger.WithFields(logger.Fields{
		"label":    action.Label,
		"tx_hash":  action.Hash.Hex(),
		"deadline": deadline,
	}).Info("Waiting for receipt")

	mined, receipt, err := w.WaitForAny(ctx, action.Hashes(), deadline)
	if err != nil {
		if IsTimeout(err) {
			// the bot stops caring about it; restart recovery will still look it up
			w.updateStatus(ctx, action, ActionStatusDropped, nil)
		}
		return nil, err
	}

	status := ActionStatusMined
	if receipt.Status == types.ReceiptStatusFailed {
		status = ActionStatusReverted
	}
	if mined != action.Hash {
		logger.WithFields(logger.Fields{
			"label":    action.Label,
			"tx_hash":  action.Hash.Hex(),
			"mined_tx": mined.Hex(),
		}).Info("An earlier variant of the transaction was mined")
	}
	w.updateStatus(ctx, action, status, receipt)

	logger.WithFields(logger.Fields{
		"label":    action.Label,
		"tx_hash":  mined.Hex(),
		"status":   status,
		"block":    receipt.BlockNumber,
		"gas_used": receipt.GasUsed,
	}).Info("Transaction mined")

	return receipt, CheckReceipt(action.Label, receipt)
}

func (w *Waiter) updateStatus(ctx context.Context, action *PendingAction, status ActionStatus, receipt *types.Receipt) {
	action.Status = status
	if receipt != nil {
		action.Receipt = receipt
	}
	if w.actions == nil {
		return
	}
	if err := w.actions.UpdateStatus(ctx, action.Hash, status, receipt); err != nil {
		logger.WithFields(logger.Fields{
			"tx_hash": action.Hash.Hex(),
			"status":  status,
			"error":   err,
		}).Debug("Failed to update pending action status. Ignore and continue")
	}
}

// CheckReceipt returns a *RevertError for a failed receipt.
func CheckReceipt(op string, receipt *types.Receipt) error {
	if receipt == nil {
		return fmt.Errorf("%s: nil receipt", op)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return &RevertError{
			Op:     op,
			Reason: fmt.Sprintf("tx %s failed in block %v", receipt.TxHash.Hex(), receipt.BlockNumber),
		}
	}
	return nil
}
