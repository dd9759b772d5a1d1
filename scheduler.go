package rolloverbot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/tranvictor/rolloverbot/idempotency"
)

// SchedulerState is a state of the rollover state machine.
type SchedulerState string

const (
	StateIdle          SchedulerState = "idle"
	StateWaiting       SchedulerState = "waiting"
	StateArmed         SchedulerState = "armed"
	StateSubmitting    SchedulerState = "submitting"
	StateConfirming    SchedulerState = "confirming"
	StateSwapping      SchedulerState = "swapping"
	StateErrorRecovery SchedulerState = "error_recovery"
)

// RoundKey identifies one rollover of one position: the contract reports a
// new deadline once a round has been rolled over.
func RoundKey(position uint64, deadline time.Time) string {
	return fmt.Sprintf("rollover:%d:%d", position, deadline.Unix())
}

// Scheduler drives one position through its rounds: it sleeps relative to
// the round deadline, submits the rollover at the boundary, confirms it and
// then swaps the rewards.
type Scheduler struct {
	gateway   ChainGateway
	submitter *Submitter
	waiter    *Waiter
	swapper   *Swapper
	contracts *Contracts
	state     *BotState
	clock     Clock
	store     idempotency.Store
	timings   Timings

	mu       sync.Mutex
	current  SchedulerState
	inFlight bool
	pending  *PendingAction
	history  *transitionLog
}

// NewScheduler wires a scheduler. The waiter defaults to the submitter's.
func NewScheduler(
	gateway ChainGateway,
	submitter *Submitter,
	swapper *Swapper,
	contracts *Contracts,
	state *BotState,
	opts ...SchedulerOption,
) (*Scheduler, error) {
	if gateway == nil {
		return nil, ErrGatewayNil
	}
	if submitter == nil || swapper == nil {
		return nil, fmt.Errorf("submitter and swapper are required")
	}
	if contracts == nil {
		return nil, NewConfigurationError("contracts", errors.New("contracts cannot be nil"))
	}
	if state == nil || state.Wallet == nil {
		return nil, ErrWalletNil
	}
	s := &Scheduler{
		gateway:   gateway,
		submitter: submitter,
		waiter:    submitter.Waiter(),
		swapper:   swapper,
		contracts: contracts,
		state:     state,
		clock:     SystemClock(),
		store:     idempotency.NewInMemoryStore(0),
		timings:   DefaultTimings(),
		current:   StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.timings = s.timings.withDefaults()
	s.history = newTransitionLog(s.timings.HistoryLimit)
	return s, nil
}

// State returns the current state.
func (s *Scheduler) State() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// History returns the recorded transitions, oldest first.
func (s *Scheduler) History() []Transition {
	return s.history.list()
}

// Pending returns the action in flight, if any.
func (s *Scheduler) Pending() *PendingAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return nil
	}
	cp := *s.pending
	return &cp
}

func (s *Scheduler) transition(to SchedulerState, reason string, err error) {
	s.mu.Lock()
	from := s.current
	s.current = to
	s.mu.Unlock()

	s.history.add(Transition{From: from, To: to, At: s.clock.Now(), Reason: reason, Err: err})
	logger.WithFields(logger.Fields{
		"position": s.state.Position,
		"from":     from,
		"to":       to,
		"reason":   reason,
	}).Debug("Scheduler transition")
}

// beginAction enforces a single action in flight per position.
func (s *Scheduler) beginAction() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight {
		return ErrActionInFlight
	}
	s.inFlight = true
	return nil
}

func (s *Scheduler) setPending(action *PendingAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = action
}

func (s *Scheduler) endAction() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false
	s.pending = nil
}

// Run loops until ctx is cancelled. A failing cycle goes through
// ErrorRecovery and the loop starts over; Run only returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	logger.WithFields(logger.Fields{
		"position": s.state.Position,
		"wallet":   s.state.Address().Hex(),
	}).Info("Starting rollover bot")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.RunCycle(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.transition(StateErrorRecovery, "cycle failed", err)
		logger.WithFields(logger.Fields{
			"position": s.state.Position,
			"error":    err,
		}).Error("Rollover cycle failed")
		if sleepErr := s.clock.Sleep(ctx, s.timings.ErrorRecoveryPause); sleepErr != nil {
			return sleepErr
		}
		s.transition(StateIdle, "recovered", nil)
	}
}

// RunCycle performs one pass Idle → ... → Idle. Returned errors are the
// cycle's failures; sleeping far from the deadline is a successful cycle.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	position := s.state.Position
	deadline, err := s.gateway.RoundDeadline(ctx, position)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	remaining := deadline.Sub(now)

	if remaining > s.timings.LongSleepThreshold {
		wake := deadline.Add(-s.timings.WakeBeforeDeadline)
		s.transition(StateWaiting, "round deadline is far", nil)
		logger.WithFields(logger.Fields{
			"position":       position,
			"round_deadline": deadline,
			"wake_at":        wake,
			"sleep":          wake.Sub(now).String(),
		}).Info("Sleeping")
		if err := s.clock.Sleep(ctx, wake.Sub(now)); err != nil {
			return err
		}
		s.transition(StateIdle, "woke up", nil)
		return nil
	}

	armAt := deadline.Add(-s.timings.GuardBand)
	if now.Before(armAt) {
		s.transition(StateWaiting, "before guard band", nil)
		if err := s.clock.Sleep(ctx, armAt.Sub(now)); err != nil {
			return err
		}
		s.transition(StateIdle, "re-check deadline", nil)
		return nil
	}

	s.transition(StateArmed, "inside guard band", nil)
	s.logAvailability(ctx, position, now, deadline)
	return s.rollover(ctx, position, deadline)
}

func (s *Scheduler) logAvailability(ctx context.Context, position uint64, now, deadline time.Time) {
	fields := logger.Fields{
		"position":          position,
		"machine_timestamp": now.Unix(),
		"round_timestamp":   deadline.Unix(),
	}
	if chainTime, err := s.gateway.CurrentTime(ctx); err == nil {
		fields["chain_timestamp"] = chainTime.Unix()
	}
	logger.WithFields(fields).Info("Rollover available")
}

func (s *Scheduler) rollover(ctx context.Context, position uint64, deadline time.Time) error {
	key := RoundKey(position, deadline)
	record, err := s.store.Create(key)
	switch {
	case errors.Is(err, idempotency.ErrDuplicateKey):
		if record.Status == idempotency.StatusConfirmed {
			logger.WithFields(logger.Fields{
				"key":     key,
				"tx_hash": record.TxHash.Hex(),
			}).Info("Round already rolled over, waiting for the next deadline")
			s.transition(StateIdle, ErrRoundAlreadyHandled.Error(), nil)
			return s.clock.Sleep(ctx, s.timings.RoundRefreshInterval)
		}
		if record.Status == idempotency.StatusPending && record.TxHash != (common.Hash{}) {
			return s.resume(ctx, record)
		}
	case err != nil:
		return fmt.Errorf("create idempotency record %s: %w", key, err)
	}

	submitDeadline := deadline.Add(s.timings.RolloverGrace)
	if now := s.clock.Now(); now.After(submitDeadline) {
		logger.WithFields(logger.Fields{
			"key":             key,
			"submit_deadline": submitDeadline,
		}).Warn("Round is stale, waiting for the contract to report a new deadline")
		s.transition(StateIdle, "round stale", nil)
		return s.clock.Sleep(ctx, s.timings.RoundRefreshInterval)
	}

	if err := s.beginAction(); err != nil {
		return err
	}
	defer s.endAction()

	call, err := s.contracts.RolloverCall(position)
	if err != nil {
		return err
	}

	s.transition(StateSubmitting, "submit rollover", nil)
	action, err := s.submitter.Submit(ctx, call, submitDeadline)
	if err != nil {
		if ctx.Err() == nil {
			s.closeRecord(record, nil, err)
		}
		return err
	}
	action.RoundKey = key
	s.setPending(action)
	s.saveAction(ctx, action)

	record.Status = idempotency.StatusPending
	record.TxHash = action.Hash
	record.Transaction = action.Transaction
	record.Error = nil
	if err := s.store.Update(record); err != nil {
		logger.WithFields(logger.Fields{
			"key":   key,
			"error": err,
		}).Warn("Failed to record rollover hash. Ignore and continue")
	}

	logger.WithFields(logger.Fields{
		"position": position,
		"tx_hash":  action.Hash.Hex(),
	}).Info("Claimed rollover rewards")

	return s.confirmAndSwap(ctx, record, action)
}

// resume picks up a rollover broadcast by an earlier cycle or process.
func (s *Scheduler) resume(ctx context.Context, record *idempotency.Record) error {
	if err := s.beginAction(); err != nil {
		return err
	}
	defer s.endAction()

	action, err := s.submitter.Actions().Get(ctx, record.TxHash)
	if err != nil {
		action = &PendingAction{
			Hash:        record.TxHash,
			Label:       LabelRollover,
			Position:    s.state.Position,
			Status:      ActionStatusBroadcasted,
			Transaction: record.Transaction,
			RoundKey:    record.Key,
		}
	}
	logger.WithFields(logger.Fields{
		"key":     record.Key,
		"tx_hash": record.TxHash.Hex(),
	}).Info("Resuming confirmation of an earlier rollover")
	s.setPending(action)
	return s.confirmAndSwap(ctx, record, action)
}

func (s *Scheduler) confirmAndSwap(ctx context.Context, record *idempotency.Record, action *PendingAction) error {
	s.transition(StateConfirming, "wait for rollover receipt", nil)

	var receipt *types.Receipt
	var err error
	if action.Receipt != nil {
		receipt, err = action.Receipt, CheckReceipt(action.Label, action.Receipt)
	} else {
		receipt, err = s.waiter.Confirm(ctx, action)
	}
	if err != nil {
		if ctx.Err() == nil {
			s.closeRecord(record, receipt, err)
		}
		return err
	}
	s.closeRecord(record, receipt, nil)

	if balance, balanceErr := s.gateway.TokenBalance(ctx, s.contracts.RewardToken, s.state.Address()); balanceErr == nil {
		logger.WithFields(logger.Fields{
			"position": s.state.Position,
			"balance":  balance.String(),
		}).Info("Reward balance")
	}

	if err := s.cooldown(ctx); err != nil {
		return err
	}

	s.transition(StateSwapping, "swap rewards", nil)
	if _, err := s.swapper.Swap(ctx); err != nil {
		if !errors.Is(err, ErrNothingToSwap) {
			return err
		}
		logger.WithFields(logger.Fields{
			"position": s.state.Position,
		}).Info("No rewards to swap")
	}

	if err := s.cooldown(ctx); err != nil {
		return err
	}
	s.transition(StateIdle, "cycle complete", nil)
	return nil
}

func (s *Scheduler) cooldown(ctx context.Context) error {
	logger.WithFields(logger.Fields{
		"duration": s.timings.Cooldown.String(),
	}).Debug("Cooling down")
	return s.clock.Sleep(ctx, s.timings.Cooldown)
}

// closeRecord finalises the round record. A failed round may be attempted
// again by a later cycle as long as its submit deadline has not passed.
func (s *Scheduler) closeRecord(record *idempotency.Record, receipt *types.Receipt, cause error) {
	if record == nil {
		return
	}
	if cause == nil {
		record.Status = idempotency.StatusConfirmed
	} else {
		record.Status = idempotency.StatusFailed
		record.Error = cause
	}
	if receipt != nil {
		record.Receipt = receipt
	}
	if err := s.store.Update(record); err != nil {
		logger.WithFields(logger.Fields{
			"key":   record.Key,
			"error": err,
		}).Warn("Failed to update idempotency record. Ignore and continue")
	}
}

func (s *Scheduler) saveAction(ctx context.Context, action *PendingAction) {
	if err := s.submitter.Actions().Save(ctx, action); err != nil {
		logger.WithFields(logger.Fields{
			"tx_hash": action.Hash.Hex(),
			"error":   err,
		}).Warn("Failed to persist rollover action. Ignore and continue")
	}
}
