package rolloverbot

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tranvictor/rolloverbot/idempotency"
	"github.com/tranvictor/rolloverbot/internal/nonce"
)

// Timings groups every scheduling constant so they can be tuned from
// configuration and driven deterministically in tests.
type Timings struct {
	LongSleepThreshold   time.Duration
	WakeBeforeDeadline   time.Duration
	GuardBand            time.Duration
	RolloverGrace        time.Duration
	Cooldown             time.Duration
	SwapDeadline         time.Duration
	ConfirmationTimeout  time.Duration
	ReceiptPollInterval  time.Duration
	SubmitRetryInterval  time.Duration
	RoundRefreshInterval time.Duration
	ErrorRecoveryPause   time.Duration
	HistoryLimit         int
}

// DefaultTimings returns the production timings.
func DefaultTimings() Timings {
	return Timings{
		LongSleepThreshold:   DefaultLongSleepThreshold,
		WakeBeforeDeadline:   DefaultWakeBeforeDeadline,
		GuardBand:            DefaultGuardBand,
		RolloverGrace:        DefaultRolloverGrace,
		Cooldown:             DefaultCooldown,
		SwapDeadline:         DefaultSwapDeadline,
		ConfirmationTimeout:  DefaultConfirmationTimeout,
		ReceiptPollInterval:  DefaultReceiptPollInterval,
		SubmitRetryInterval:  DefaultSubmitRetryInterval,
		RoundRefreshInterval: DefaultRoundRefreshInterval,
		ErrorRecoveryPause:   DefaultErrorRecoveryPause,
		HistoryLimit:         DefaultHistoryLimit,
	}
}

// withDefaults fills unset fields. ConfirmationTimeout is left alone since
// zero means waiting without bound.
func (t Timings) withDefaults() Timings {
	def := DefaultTimings()
	if t.LongSleepThreshold <= 0 {
		t.LongSleepThreshold = def.LongSleepThreshold
	}
	if t.WakeBeforeDeadline <= 0 {
		t.WakeBeforeDeadline = def.WakeBeforeDeadline
	}
	if t.GuardBand <= 0 {
		t.GuardBand = def.GuardBand
	}
	if t.RolloverGrace <= 0 {
		t.RolloverGrace = def.RolloverGrace
	}
	if t.Cooldown < 0 {
		t.Cooldown = def.Cooldown
	}
	if t.SwapDeadline <= 0 {
		t.SwapDeadline = def.SwapDeadline
	}
	if t.ReceiptPollInterval <= 0 {
		t.ReceiptPollInterval = def.ReceiptPollInterval
	}
	if t.SubmitRetryInterval <= 0 {
		t.SubmitRetryInterval = def.SubmitRetryInterval
	}
	if t.RoundRefreshInterval <= 0 {
		t.RoundRefreshInterval = def.RoundRefreshInterval
	}
	if t.ErrorRecoveryPause <= 0 {
		t.ErrorRecoveryPause = def.ErrorRecoveryPause
	}
	if t.HistoryLimit <= 0 {
		t.HistoryLimit = def.HistoryLimit
	}
	return t
}

// SubmitterOption is a function that configures a Submitter
type SubmitterOption func(*Submitter)

// WithSubmitterClock sets the clock used for deadlines and retry pauses
func WithSubmitterClock(clock Clock) SubmitterOption {
	return func(s *Submitter) {
		s.clock = clock
	}
}

// WithNonceTracker shares a nonce tracker between submitters
func WithNonceTracker(tracker *nonce.Tracker) SubmitterOption {
	return func(s *Submitter) {
		s.nonces = tracker
	}
}

// WithActionStore sets where broadcast actions are persisted.
// This enables crash recovery for in-flight transactions.
func WithActionStore(store ActionStore) SubmitterOption {
	return func(s *Submitter) {
		s.actions = store
	}
}

// WithErrorDecoder sets the decoder used to render revert reasons
func WithErrorDecoder(decoder *ErrorDecoder) SubmitterOption {
	return func(s *Submitter) {
		s.decoder = decoder
	}
}

// WithWaiter sets the waiter Ensure confirms with
func WithWaiter(w *Waiter) SubmitterOption {
	return func(s *Submitter) {
		s.waiter = w
	}
}

// WithRetryInterval sets the pause between submission attempts
func WithRetryInterval(d time.Duration) SubmitterOption {
	return func(s *Submitter) {
		s.retryInterval = d
	}
}

// WithTxType sets the transaction type, legacy by default
func WithTxType(txType uint8) SubmitterOption {
	return func(s *Submitter) {
		s.txType = txType
	}
}

// WaiterOption is a function that configures a Waiter
type WaiterOption func(*Waiter)

// WithWaiterClock sets the clock used for polling and timeouts
func WithWaiterClock(clock Clock) WaiterOption {
	return func(w *Waiter) {
		w.clock = clock
	}
}

// WithPollInterval sets the receipt polling period
func WithPollInterval(d time.Duration) WaiterOption {
	return func(w *Waiter) {
		w.pollInterval = d
	}
}

// WithConfirmationTimeout bounds Confirm. Zero waits without bound.
func WithConfirmationTimeout(d time.Duration) WaiterOption {
	return func(w *Waiter) {
		w.timeout = d
	}
}

// WithWaiterActionStore sets the store Confirm records outcomes in
func WithWaiterActionStore(store ActionStore) WaiterOption {
	return func(w *Waiter) {
		w.actions = store
	}
}

// SwapperOption is a function that configures a Swapper
type SwapperOption func(*Swapper)

// WithSwapperClock sets the clock used for swap deadlines
func WithSwapperClock(clock Clock) SwapperOption {
	return func(s *Swapper) {
		s.clock = clock
	}
}

// WithSlippage sets the tolerated relative loss, 0.01 being 1%
func WithSlippage(slippage decimal.Decimal) SwapperOption {
	return func(s *Swapper) {
		s.slippage = slippage
	}
}

// WithSwapDeadline sets how long the router accepts the swap
func WithSwapDeadline(d time.Duration) SwapperOption {
	return func(s *Swapper) {
		s.swapDeadline = d
	}
}

// SchedulerOption is a function that configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithSchedulerClock sets the clock driving sleeps and deadlines
func WithSchedulerClock(clock Clock) SchedulerOption {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

// WithIdempotencyStore sets where round records are kept
func WithIdempotencyStore(store idempotency.Store) SchedulerOption {
	return func(s *Scheduler) {
		s.store = store
	}
}

// WithDefaultIdempotencyStore sets up an in-memory idempotency store with the given TTL
func WithDefaultIdempotencyStore(ttl time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.store = idempotency.NewInMemoryStore(ttl)
	}
}

// WithTimings sets all scheduling constants at once
func WithTimings(t Timings) SchedulerOption {
	return func(s *Scheduler) {
		s.timings = t
	}
}

// WithSchedulerWaiter overrides the waiter taken from the submitter
func WithSchedulerWaiter(w *Waiter) SchedulerOption {
	return func(s *Scheduler) {
		s.waiter = w
	}
}
