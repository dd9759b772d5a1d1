package rolloverbot

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	jarviscommon "github.com/tranvictor/jarvis/common"
)

// SubmitContext holds the state of one Submit call across its attempts.
// All fields are public to allow for testing.
type SubmitContext struct {
	Call     Call
	From     common.Address
	Deadline time.Time

	// Attempts counts every pass through the attempt loop
	Attempts int
	LastErr  error

	// RetryNonce is kept once a tx was handed to the node so later attempts
	// replace it instead of queueing a second action.
	RetryNonce *uint64
	// PriceBump multiplies the profile price, raised on underpriced replacements
	PriceBump float64
	// Quote is the node quote of the latest attempt, before any multiplier
	Quote *GasQuote

	// OldTxs are the signed txs this call already handed to the node
	OldTxs map[common.Hash]*types.Transaction
}

// SubmitResult is the outcome of a single attempt. Exactly one of
// ShouldRetry and ShouldReturn is set.
type SubmitResult struct {
	Action       *PendingAction
	Receipt      *types.Receipt
	ShouldRetry  bool
	ShouldReturn bool
	Error        error
}

func retryResult() *SubmitResult {
	return &SubmitResult{ShouldRetry: true}
}

func returnResult(action *PendingAction, receipt *types.Receipt, err error) *SubmitResult {
	return &SubmitResult{Action: action, Receipt: receipt, ShouldReturn: true, Error: err}
}

// NewSubmitContext validates the call and prepares a fresh attempt state.
func NewSubmitContext(call Call, from common.Address, deadline time.Time) (*SubmitContext, error) {
	if from == (common.Address{}) {
		return nil, fmt.Errorf("from address cannot be zero")
	}
	if call.To == (common.Address{}) {
		return nil, fmt.Errorf("%s: target address cannot be zero", call.Label)
	}
	if deadline.IsZero() {
		return nil, fmt.Errorf("%s: submission deadline is required", call.Label)
	}
	if call.Value == nil {
		call.Value = big.NewInt(0)
	}
	if call.Profile.GasLimitMultiplier <= 0 {
		call.Profile.GasLimitMultiplier = 1
	}
	if call.Profile.GasPriceMultiplier <= 0 {
		call.Profile.GasPriceMultiplier = 1
	}
	return &SubmitContext{
		Call:      call,
		From:      from,
		Deadline:  deadline,
		PriceBump: 1,
		OldTxs:    make(map[common.Hash]*types.Transaction),
	}, nil
}

// Expired reports whether no further attempt may start at now.
func (sc *SubmitContext) Expired(now time.Time) bool {
	return now.After(sc.Deadline)
}

// Timeout builds the error returned when the deadline is exhausted.
func (sc *SubmitContext) Timeout() *TimeoutError {
	return &TimeoutError{
		Phase:    "submit " + sc.Call.Label,
		Deadline: sc.Deadline,
		Attempts: sc.Attempts,
		LastErr:  sc.LastErr,
	}
}

// Broadcasted reports whether any attempt reached the node.
func (sc *SubmitContext) Broadcasted() bool {
	return len(sc.OldTxs) > 0
}

// NewQuote records the price and estimate fetched for the current attempt.
func (sc *SubmitContext) NewQuote(price *big.Int, estimate uint64) *GasQuote {
	sc.Quote = &GasQuote{Price: new(big.Int).Set(price), GasUnits: estimate}
	return sc.Quote
}

// GasLimit scales the node estimate by the call profile.
func (sc *SubmitContext) GasLimit(estimate uint64) uint64 {
	return uint64(float64(estimate) * sc.Call.Profile.GasLimitMultiplier)
}

// GasPriceGwei scales the quoted price by the profile and the current bump.
func (sc *SubmitContext) GasPriceGwei(quote *big.Int) float64 {
	return jarviscommon.BigToFloat(quote, 9) * sc.Call.Profile.GasPriceMultiplier * sc.PriceBump
}

// BumpGasPrice raises the price of the next attempt and keeps the nonce of tx.
func (sc *SubmitContext) BumpGasPrice(tx *types.Transaction) {
	sc.PriceBump *= ReplacementGasPriceBump
	sc.KeepNonce(tx.Nonce())
}

// KeepNonce pins the nonce for the following attempts.
func (sc *SubmitContext) KeepNonce(n uint64) {
	sc.RetryNonce = &n
}

// ForgetNonce makes the next attempt acquire a fresh nonce.
func (sc *SubmitContext) ForgetNonce() {
	sc.RetryNonce = nil
}

// Fail records err as the last error of the call and asks for a retry.
func (sc *SubmitContext) Fail(err error) *SubmitResult {
	sc.LastErr = err
	return retryResult()
}

// Abort records err and asks the loop to return it.
func (sc *SubmitContext) Abort(err error) *SubmitResult {
	sc.LastErr = err
	return returnResult(nil, nil, err)
}

// wrapRevert attaches the call label to a revert seen while preparing or
// sending, decoding the reason when the node did not render one.
func (sc *SubmitContext) wrapRevert(err error, decoder *ErrorDecoder) error {
	var revertErr *RevertError
	if !errors.As(err, &revertErr) {
		return err
	}
	reason := revertErr.Reason
	if reason == "" {
		reason = decoder.Reason(revertErr.Data)
	}
	return &RevertError{
		Op:     sc.Call.Label,
		Reason: reason,
		Data:   revertErr.Data,
		Err:    err,
	}
}
