package rolloverbot

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Scheduling constants. All of them can be overridden through Timings.
const (
	// DefaultLongSleepThreshold is how far from the round deadline the bot
	// must be before it takes a single coarse sleep.
	DefaultLongSleepThreshold = 500 * time.Second
	// DefaultWakeBeforeDeadline is where the coarse sleep ends, relative to the deadline.
	DefaultWakeBeforeDeadline = 250 * time.Second
	// DefaultGuardBand is how close to the deadline the bot must be to act.
	DefaultGuardBand = 5 * time.Second
	// DefaultRolloverGrace bounds rollover retries past the round deadline.
	DefaultRolloverGrace = 100 * time.Second
	// DefaultCooldown is slept after confirmation and again after the swap.
	DefaultCooldown = 250 * time.Second
	// DefaultSwapDeadline is the router deadline given to a swap.
	DefaultSwapDeadline = 100 * time.Second
	// DefaultConfirmationTimeout bounds receipt polling. Zero means unbounded.
	DefaultConfirmationTimeout = 5 * time.Minute
	// DefaultReceiptPollInterval is the receipt polling period.
	DefaultReceiptPollInterval = 500 * time.Millisecond
	// DefaultSubmitRetryInterval is the fixed pause between submission attempts.
	DefaultSubmitRetryInterval = 500 * time.Millisecond
	// DefaultRoundRefreshInterval is slept when the current round was already handled.
	DefaultRoundRefreshInterval = 5 * time.Second
	// DefaultErrorRecoveryPause is slept in ErrorRecovery before going back to Idle.
	DefaultErrorRecoveryPause = 5 * time.Second
	// DefaultHistoryLimit is the number of state transitions the scheduler keeps.
	DefaultHistoryLimit = 256
)

// Gas constants.
const (
	RolloverGasLimitMultiplier = 1.1
	RolloverGasPriceMultiplier = 1.05
	SwapGasLimitMultiplier     = 1.5
	SwapGasPriceMultiplier     = 1.0

	// ReplacementGasPriceBump is applied on top of the profile when the node
	// refuses a same-nonce replacement as underpriced.
	ReplacementGasPriceBump = 1.2
	// EstimateGasCap is the gas ceiling used when estimating calls.
	EstimateGasCap = 10_000_000
)

// DefaultSlippage is the tolerated relative loss between quote and execution.
const DefaultSlippage = "0.01"

// Call labels, used in logs, errors and persisted actions.
const (
	LabelRollover = "rollover"
	LabelSwap     = "swap"
	LabelApprove  = "approve"
)

// GasProfile describes how aggressively a call is priced.
type GasProfile struct {
	// GasLimitMultiplier is applied to the node gas estimate.
	GasLimitMultiplier float64
	// GasPriceMultiplier is applied to the quoted gas price.
	GasPriceMultiplier float64
}

var (
	// RolloverGasProfile outbids the network slightly because landing close
	// to the round boundary matters.
	RolloverGasProfile = GasProfile{
		GasLimitMultiplier: RolloverGasLimitMultiplier,
		GasPriceMultiplier: RolloverGasPriceMultiplier,
	}
	// SwapGasProfile pays the quoted price with a generous gas limit.
	SwapGasProfile = GasProfile{
		GasLimitMultiplier: SwapGasLimitMultiplier,
		GasPriceMultiplier: SwapGasPriceMultiplier,
	}
)

// Call is a contract invocation the submitter can price, sign and send.
type Call struct {
	Label   string
	To      common.Address
	Data    []byte
	Value   *big.Int
	Profile GasProfile
}

// GasQuote is fetched right before each submission attempt and never reused.
type GasQuote struct {
	Price    *big.Int
	GasUnits uint64
}

// SwapQuote is computed right before a swap submission.
type SwapQuote struct {
	AmountIn    *big.Int
	ExpectedOut *big.Int
	MinOut      *big.Int
	Path        []common.Address
	Deadline    time.Time
}

// ActionStatus is the lifecycle status of a PendingAction.
type ActionStatus string

const (
	ActionStatusBroadcasted ActionStatus = "broadcasted"
	ActionStatusMined       ActionStatus = "mined"
	ActionStatusReverted    ActionStatus = "reverted"
	ActionStatusDropped     ActionStatus = "dropped"
)

// IsFinal reports whether no further status change is expected.
func (s ActionStatus) IsFinal() bool {
	return s == ActionStatusMined || s == ActionStatusReverted || s == ActionStatusDropped
}

// PendingAction is a submitted but not yet confirmed transaction.
type PendingAction struct {
	Hash        common.Hash
	Label       string
	Position    uint64
	Nonce       uint64
	SubmittedAt time.Time
	Deadline    time.Time
	Status      ActionStatus
	Transaction *types.Transaction
	Receipt     *types.Receipt
	// Replaced holds earlier signed variants of the same call. The node may
	// have taken any of them even when it reported an error.
	Replaced []common.Hash
	// RoundKey links a rollover action to its idempotency record.
	RoundKey  string
	UpdatedAt time.Time
}

// Hashes returns Hash followed by the replaced variants.
func (a *PendingAction) Hashes() []common.Hash {
	return append([]common.Hash{a.Hash}, a.Replaced...)
}

// Expired reports whether the action outlived its deadline at now.
func (a *PendingAction) Expired(now time.Time) bool {
	return !a.Deadline.IsZero() && now.After(a.Deadline)
}
