package rolloverbot

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tranvictor/rolloverbot/idempotency"
)

func fixedDeadline(d time.Time) func(uint64) (time.Time, error) {
	return func(uint64) (time.Time, error) { return d, nil }
}

func withRewards(ts *testSetup, amount int64) {
	ts.Gateway.TokenBalanceFn = func(token, owner common.Address) (*big.Int, error) {
		return big.NewInt(amount), nil
	}
}

func transitionTargets(history []Transition) []SchedulerState {
	out := make([]SchedulerState, 0, len(history))
	for _, tr := range history {
		out = append(out, tr.To)
	}
	return out
}

func TestNewScheduler_Validation(t *testing.T) {
	ts := newTestSetup(t)

	_, err := NewScheduler(nil, ts.Submitter, ts.Swapper, ts.Contracts, ts.State)
	assert.ErrorIs(t, err, ErrGatewayNil)

	_, err = NewScheduler(ts.Gateway, nil, ts.Swapper, ts.Contracts, ts.State)
	assert.Error(t, err)

	_, err = NewScheduler(ts.Gateway, ts.Submitter, ts.Swapper, nil, ts.State)
	assert.True(t, IsConfiguration(err))

	_, err = NewScheduler(ts.Gateway, ts.Submitter, ts.Swapper, ts.Contracts, nil)
	assert.ErrorIs(t, err, ErrWalletNil)

	s, err := NewScheduler(ts.Gateway, ts.Submitter, ts.Swapper, ts.Contracts, ts.State)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, s.State())
	assert.Nil(t, s.Pending())
}

func TestRoundKey(t *testing.T) {
	assert.Equal(t, "rollover:3:1700000600", RoundKey(3, time.Unix(1_700_000_600, 0)))
}

func TestRunCycle_FarDeadlineSleepsWithoutSubmitting(t *testing.T) {
	ts := newTestSetup(t)
	ts.Gateway.RoundDeadlineFn = fixedDeadline(testStart.Add(600 * time.Second))

	require.NoError(t, ts.Scheduler.RunCycle(context.Background()))

	assert.Equal(t, []time.Duration{350 * time.Second}, ts.Clock.Sleeps())
	assert.Empty(t, ts.Gateway.sent())
	assert.Equal(t, 0, ts.Gateway.GasPriceCalls)
	assert.Equal(t, StateIdle, ts.Scheduler.State())
	assert.Equal(t, []SchedulerState{StateWaiting, StateIdle}, transitionTargets(ts.Scheduler.History()))
}

func TestRunCycle_BeforeGuardBandWaitsForIt(t *testing.T) {
	ts := newTestSetup(t)
	ts.Gateway.RoundDeadlineFn = fixedDeadline(testStart.Add(250 * time.Second))

	require.NoError(t, ts.Scheduler.RunCycle(context.Background()))

	assert.Equal(t, []time.Duration{245 * time.Second}, ts.Clock.Sleeps())
	assert.Empty(t, ts.Gateway.sent())
}

func TestRunCycle_InsideGuardBandSubmitsOnce(t *testing.T) {
	ts := newTestSetup(t)
	deadline := testStart.Add(3 * time.Second)
	ts.Gateway.RoundDeadlineFn = fixedDeadline(deadline)

	require.NoError(t, ts.Scheduler.RunCycle(context.Background()))

	rollovers := ts.rolloverTxs()
	require.Len(t, rollovers, 1)
	assert.Empty(t, ts.swapTxs(), "nothing to swap with a zero balance")
	assert.Equal(t, []time.Duration{DefaultCooldown, DefaultCooldown}, ts.Clock.Sleeps())

	record, err := ts.Idempotency.Get(RoundKey(3, deadline))
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusConfirmed, record.Status)
	assert.Equal(t, rollovers[0].Hash(), record.TxHash)
	assert.NotNil(t, record.Receipt)

	stored, err := ts.Actions.Get(context.Background(), rollovers[0].Hash())
	require.NoError(t, err)
	assert.Equal(t, ActionStatusMined, stored.Status)
	assert.Equal(t, RoundKey(3, deadline), stored.RoundKey)
}

func TestRun_FullRound(t *testing.T) {
	ts := newTestSetup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deadline := testStart.Add(600 * time.Second)
	next := deadline.Add(24 * time.Hour)
	ts.Gateway.RoundDeadlineFn = func(uint64) (time.Time, error) {
		if len(ts.rolloverTxs()) > 0 {
			return next, nil
		}
		return deadline, nil
	}
	withRewards(ts, 1000)

	var sentAt []time.Time
	ts.Gateway.SendTransactionFn = func(tx *types.Transaction) error {
		sentAt = append(sentAt, ts.Clock.Now())
		return nil
	}
	ts.Clock.OnSleep = func(time.Duration) error {
		if len(ts.Clock.Sleeps()) == 5 {
			cancel()
		}
		return nil
	}

	err := ts.Scheduler.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []time.Duration{
		350 * time.Second,
		245 * time.Second,
		DefaultCooldown,
		DefaultCooldown,
		next.Add(-DefaultWakeBeforeDeadline).Sub(testStart.Add(1095 * time.Second)),
	}, ts.Clock.Sleeps())

	require.Len(t, ts.rolloverTxs(), 1)
	require.Len(t, ts.swapTxs(), 1)
	require.Len(t, sentAt, 2)
	assert.Equal(t, testStart.Add(595*time.Second), sentAt[0], "rollover goes out at the guard band")
	assert.Equal(t, testStart.Add(845*time.Second), sentAt[1], "swap goes out after the cooldown")

	assert.Equal(t, []SchedulerState{
		StateWaiting, StateIdle,
		StateWaiting, StateIdle,
		StateArmed, StateSubmitting, StateConfirming, StateSwapping, StateIdle,
		StateWaiting,
	}, transitionTargets(ts.Scheduler.History()))
}

func TestRunCycle_RevertIsNotRetriedAndSkipsSwap(t *testing.T) {
	ts := newTestSetup(t)
	deadline := testStart.Add(2 * time.Second)
	ts.Gateway.RoundDeadlineFn = fixedDeadline(deadline)
	withRewards(ts, 1000)
	ts.Gateway.EstimateGasFn = func(from common.Address, call Call) (uint64, error) {
		return 0, newRevertError("estimate_gas:"+call.Label, "round not ended")
	}

	err := ts.Scheduler.RunCycle(context.Background())

	assert.True(t, IsRevert(err))
	assert.Len(t, ts.Gateway.EstimateGasCalls, 1)
	assert.Empty(t, ts.Gateway.sent())
	assert.Empty(t, ts.Gateway.AmountsOutCalls)
	assert.Empty(t, ts.Clock.Sleeps())

	record, err := ts.Idempotency.Get(RoundKey(3, deadline))
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusFailed, record.Status)
	assert.True(t, IsRevert(record.Error))
}

func TestRunCycle_SubmitTimeoutSkipsSwap(t *testing.T) {
	ts := newTestSetup(t)
	deadline := testStart
	ts.Gateway.RoundDeadlineFn = fixedDeadline(deadline)
	withRewards(ts, 1000)
	ts.Gateway.SendTransactionFn = func(tx *types.Transaction) error {
		if *tx.To() == ts.Contracts.Rollover {
			return &NetworkError{Op: "send_transaction", Err: errors.New("connection reset")}
		}
		return nil
	}

	err := ts.Scheduler.RunCycle(context.Background())

	assert.True(t, IsTimeout(err))
	assert.Equal(t, deadline.Add(DefaultRolloverGrace), ts.Clock.Now())
	assert.Empty(t, ts.swapTxs())

	record, err := ts.Idempotency.Get(RoundKey(3, deadline))
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusFailed, record.Status)
}

func TestRunCycle_ConfirmationTimeoutSkipsSwap(t *testing.T) {
	ts := newTestSetup(t)
	ts.Gateway.RoundDeadlineFn = fixedDeadline(testStart)
	withRewards(ts, 1000)
	ts.Gateway.ReceiptFn = func(hash common.Hash) (*types.Receipt, error) {
		return nil, nil
	}

	err := ts.Scheduler.RunCycle(context.Background())

	assert.True(t, IsTimeout(err))
	assert.Equal(t, testStart.Add(DefaultConfirmationTimeout), ts.Clock.Now())
	assert.Len(t, ts.rolloverTxs(), 1)
	assert.Empty(t, ts.swapTxs())

	stored, err := ts.Actions.Get(context.Background(), ts.rolloverTxs()[0].Hash())
	require.NoError(t, err)
	assert.Equal(t, ActionStatusDropped, stored.Status)
}

func TestRunCycle_RevertedReceiptSkipsSwap(t *testing.T) {
	ts := newTestSetup(t)
	ts.Gateway.RoundDeadlineFn = fixedDeadline(testStart)
	withRewards(ts, 1000)
	ts.Gateway.ReceiptFn = func(hash common.Hash) (*types.Receipt, error) {
		for _, tx := range ts.Gateway.sent() {
			if tx.Hash() == hash {
				return newFailedReceipt(tx), nil
			}
		}
		return nil, nil
	}

	err := ts.Scheduler.RunCycle(context.Background())

	assert.True(t, IsRevert(err))
	assert.Len(t, ts.rolloverTxs(), 1)
	assert.Empty(t, ts.swapTxs())
}

func TestRunCycle_ConfirmedRoundIsNotRolledTwice(t *testing.T) {
	ts := newTestSetup(t)
	deadline := testStart.Add(2 * time.Second)
	ts.Gateway.RoundDeadlineFn = fixedDeadline(deadline)

	require.NoError(t, ts.Scheduler.RunCycle(context.Background()))
	require.Len(t, ts.rolloverTxs(), 1)
	before := len(ts.Clock.Sleeps())

	// the contract keeps reporting the same deadline
	require.NoError(t, ts.Scheduler.RunCycle(context.Background()))

	assert.Len(t, ts.rolloverTxs(), 1)
	assert.Equal(t, []time.Duration{DefaultRoundRefreshInterval}, ts.Clock.Sleeps()[before:])
	assert.Equal(t, StateIdle, ts.Scheduler.State())
}

func TestRunCycle_FailedRoundIsRetried(t *testing.T) {
	ts := newTestSetup(t)
	deadline := testStart.Add(2 * time.Second)
	ts.Gateway.RoundDeadlineFn = fixedDeadline(deadline)
	reverting := true
	ts.Gateway.EstimateGasFn = func(from common.Address, call Call) (uint64, error) {
		if reverting {
			return 0, newRevertError("estimate_gas:rollover", "not yet")
		}
		return 100_000, nil
	}

	require.Error(t, ts.Scheduler.RunCycle(context.Background()))
	reverting = false
	require.NoError(t, ts.Scheduler.RunCycle(context.Background()))

	assert.Len(t, ts.rolloverTxs(), 1)
	record, err := ts.Idempotency.Get(RoundKey(3, deadline))
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusConfirmed, record.Status)
	assert.Nil(t, record.Error)
}

func TestRunCycle_ResumesPendingRound(t *testing.T) {
	ts := newTestSetup(t)
	deadline := testStart.Add(2 * time.Second)
	ts.Gateway.RoundDeadlineFn = fixedDeadline(deadline)

	earlier := newTestTx(7, ts.Contracts.Rollover)
	record, err := ts.Idempotency.Create(RoundKey(3, deadline))
	require.NoError(t, err)
	record.TxHash = earlier.Hash()
	record.Transaction = earlier
	require.NoError(t, ts.Idempotency.Update(record))
	ts.Gateway.ReceiptFn = func(hash common.Hash) (*types.Receipt, error) {
		if hash == earlier.Hash() {
			return newSuccessReceipt(earlier), nil
		}
		return nil, nil
	}

	require.NoError(t, ts.Scheduler.RunCycle(context.Background()))

	assert.Empty(t, ts.Gateway.sent())
	record, err = ts.Idempotency.Get(RoundKey(3, deadline))
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusConfirmed, record.Status)
}

func TestRunCycle_StaleRoundWaitsForNewDeadline(t *testing.T) {
	ts := newTestSetup(t)
	ts.Gateway.RoundDeadlineFn = fixedDeadline(testStart.Add(-200 * time.Second))

	require.NoError(t, ts.Scheduler.RunCycle(context.Background()))

	assert.Empty(t, ts.Gateway.sent())
	assert.Equal(t, []time.Duration{DefaultRoundRefreshInterval}, ts.Clock.Sleeps())
}

func TestRunCycle_ActionInFlight(t *testing.T) {
	ts := newTestSetup(t)
	ts.Gateway.RoundDeadlineFn = fixedDeadline(testStart)
	require.NoError(t, ts.Scheduler.beginAction())

	err := ts.Scheduler.RunCycle(context.Background())

	assert.ErrorIs(t, err, ErrActionInFlight)
	assert.Empty(t, ts.Gateway.sent())
}

func TestRunCycle_PendingWhileConfirming(t *testing.T) {
	ts := newTestSetup(t)
	ts.Gateway.RoundDeadlineFn = fixedDeadline(testStart)

	var seen *PendingAction
	var state SchedulerState
	ts.Gateway.ReceiptFn = func(hash common.Hash) (*types.Receipt, error) {
		seen = ts.Scheduler.Pending()
		state = ts.Scheduler.State()
		return newSuccessReceipt(ts.rolloverTxs()[0]), nil
	}

	require.NoError(t, ts.Scheduler.RunCycle(context.Background()))

	require.NotNil(t, seen)
	assert.Equal(t, ts.rolloverTxs()[0].Hash(), seen.Hash)
	assert.Equal(t, StateConfirming, state)
	assert.Nil(t, ts.Scheduler.Pending(), "the action is released once the cycle ends")
}

func TestRun_RecoversFromCycleErrors(t *testing.T) {
	ts := newTestSetup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ts.Gateway.RoundDeadlineFn = func(uint64) (time.Time, error) {
		return time.Time{}, &NetworkError{Op: "round_deadline", Err: errors.New("connection refused")}
	}
	ts.Clock.OnSleep = func(time.Duration) error {
		if len(ts.Clock.Sleeps()) == 2 {
			cancel()
		}
		return nil
	}

	err := ts.Scheduler.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, ts.Gateway.RoundDeadlineCalls)
	assert.Equal(t, []time.Duration{DefaultErrorRecoveryPause, DefaultErrorRecoveryPause}, ts.Clock.Sleeps())
	assert.Equal(t, StateErrorRecovery, ts.Scheduler.State())

	history := ts.Scheduler.History()
	require.Len(t, history, 3)
	assert.Equal(t, StateErrorRecovery, history[0].To)
	assert.True(t, IsNetwork(history[0].Err))
	assert.Equal(t, StateIdle, history[1].To)
}

func TestRun_SwapFailureKeepsRoundConfirmed(t *testing.T) {
	ts := newTestSetup(t)
	deadline := testStart
	ts.Gateway.RoundDeadlineFn = fixedDeadline(deadline)
	withRewards(ts, 1000)
	ts.Gateway.AmountsOutFn = func(amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
		return nil, &NetworkError{Op: "amounts_out", Err: errors.New("timeout")}
	}

	err := ts.Scheduler.RunCycle(context.Background())

	assert.ErrorIs(t, err, ErrQuoteFailed)
	record, getErr := ts.Idempotency.Get(RoundKey(3, deadline))
	require.NoError(t, getErr)
	assert.Equal(t, idempotency.StatusConfirmed, record.Status)
}

func TestTransitionLog_KeepsMostRecent(t *testing.T) {
	l := newTransitionLog(2)
	l.add(Transition{To: StateWaiting})
	l.add(Transition{To: StateArmed})
	l.add(Transition{To: StateSubmitting})

	assert.Equal(t, []SchedulerState{StateArmed, StateSubmitting}, transitionTargets(l.list()))
}

func TestScheduler_HistoryLimit(t *testing.T) {
	ts := newTestSetup(t)
	timings := testTimings()
	timings.HistoryLimit = 3
	s, err := NewScheduler(ts.Gateway, ts.Submitter, ts.Swapper, ts.Contracts, ts.State,
		WithSchedulerClock(ts.Clock),
		WithTimings(timings),
	)
	require.NoError(t, err)
	ts.Gateway.RoundDeadlineFn = fixedDeadline(testStart.Add(time.Hour))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RunCycle(context.Background()))
	}

	assert.Len(t, s.History(), 3)
}
