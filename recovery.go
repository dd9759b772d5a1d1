package rolloverbot

import (
	"context"
	"errors"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/tranvictor/rolloverbot/idempotency"
)

// RecoveryResult summarises what Recover found in the action store.
type RecoveryResult struct {
	Mined    int
	Reverted int
	Dropped  int
	Resumed  int
	Errors   []error
}

// Recover reconciles actions persisted by a previous process with the chain
// before the loop starts:
//   - a receipt exists: the action is closed as mined or reverted
//   - no receipt and past its deadline: the action is dropped
//   - no receipt within its deadline: the action is confirmed now, keeping a
//     single action in flight
//
// It should be called once during startup, before Run.
func (s *Scheduler) Recover(ctx context.Context) (*RecoveryResult, error) {
	result := &RecoveryResult{}
	actions, err := s.submitter.Actions().ListPending(ctx)
	if err != nil {
		return result, err
	}

	for _, action := range actions {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		receipt, err := s.lookupReceipt(ctx, action)
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}

		switch {
		case receipt != nil:
			s.closeRecovered(ctx, action, receipt, result)
		case action.Expired(s.clock.Now()):
			result.Dropped++
			s.updateRecoveredStatus(ctx, action, ActionStatusDropped, nil)
			s.closeRoundRecord(action, nil, &TimeoutError{Phase: "recover " + action.Label, Deadline: action.Deadline})
			logger.WithFields(logger.Fields{
				"label":   action.Label,
				"tx_hash": action.Hash.Hex(),
			}).Warn("Recovered action expired without a receipt, dropping")
		default:
			result.Resumed++
			s.resumeRecovered(ctx, action, result)
		}
	}

	logger.WithFields(logger.Fields{
		"mined":    result.Mined,
		"reverted": result.Reverted,
		"dropped":  result.Dropped,
		"resumed":  result.Resumed,
		"errors":   len(result.Errors),
	}).Info("Recovery finished")
	return result, nil
}

func (s *Scheduler) closeRecovered(ctx context.Context, action *PendingAction, receipt *types.Receipt, result *RecoveryResult) {
	status := ActionStatusMined
	var cause error
	if receipt.Status == types.ReceiptStatusFailed {
		status = ActionStatusReverted
		cause = CheckReceipt(action.Label, receipt)
		result.Reverted++
	} else {
		result.Mined++
	}
	s.updateRecoveredStatus(ctx, action, status, receipt)
	s.closeRoundRecord(action, receipt, cause)
	logger.WithFields(logger.Fields{
		"label":   action.Label,
		"tx_hash": action.Hash.Hex(),
		"mined":   receipt.TxHash.Hex(),
		"status":  status,
	}).Info("Recovered action already mined")
}

// lookupReceipt checks the action and its replaced variants. An error is
// returned only when no receipt was found and some lookup failed.
func (s *Scheduler) lookupReceipt(ctx context.Context, action *PendingAction) (*types.Receipt, error) {
	var lastErr error
	for _, hash := range action.Hashes() {
		receipt, err := s.gateway.Receipt(ctx, hash)
		if err != nil {
			lastErr = err
			continue
		}
		if receipt != nil {
			return receipt, nil
		}
	}
	return nil, lastErr
}

func (s *Scheduler) updateRecoveredStatus(ctx context.Context, action *PendingAction, status ActionStatus, receipt *types.Receipt) {
	if err := s.submitter.Actions().UpdateStatus(ctx, action.Hash, status, receipt); err != nil {
		logger.WithFields(logger.Fields{
			"tx_hash": action.Hash.Hex(),
			"status":  status,
			"error":   err,
		}).Warn("Failed to update pending action status. Ignore and continue")
	}
}

func (s *Scheduler) resumeRecovered(ctx context.Context, action *PendingAction, result *RecoveryResult) {
	if err := s.beginAction(); err != nil {
		result.Errors = append(result.Errors, err)
		return
	}
	defer s.endAction()
	s.setPending(action)

	logger.WithFields(logger.Fields{
		"label":    action.Label,
		"tx_hash":  action.Hash.Hex(),
		"deadline": action.Deadline,
	}).Info("Waiting for recovered action")

	receipt, err := s.waiter.Confirm(ctx, action)
	if err != nil && ctx.Err() != nil {
		result.Errors = append(result.Errors, err)
		return
	}
	s.closeRoundRecord(action, receipt, err)
	if err != nil {
		result.Errors = append(result.Errors, err)
	}
}

// closeRoundRecord mirrors an action outcome into its round record.
func (s *Scheduler) closeRoundRecord(action *PendingAction, receipt *types.Receipt, cause error) {
	if action.RoundKey == "" {
		return
	}
	record, err := s.store.Get(action.RoundKey)
	if errors.Is(err, idempotency.ErrKeyNotFound) {
		record, err = s.store.Create(action.RoundKey)
		if err == nil {
			record.TxHash = action.Hash
			record.Transaction = action.Transaction
		}
	}
	if err != nil {
		logger.WithFields(logger.Fields{
			"key":   action.RoundKey,
			"error": err,
		}).Debug("Cannot load round record during recovery. Ignore and continue")
		return
	}
	s.closeRecord(record, receipt, cause)
}
