package rolloverbot

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrActionInFlight      = fmt.Errorf("a rollover action is already in flight")
	ErrNothingToSwap       = fmt.Errorf("reward balance is zero, nothing to swap")
	ErrSignerMismatch      = fmt.Errorf("signed from unexpected address")
	ErrSignFailed          = fmt.Errorf("sign transaction failed")
	ErrEstimateGasFailed   = fmt.Errorf("estimate gas failed")
	ErrGetGasPriceFailed   = fmt.Errorf("get gas price failed")
	ErrAcquireNonceFailed  = fmt.Errorf("acquire nonce failed")
	ErrRoundAlreadyHandled = fmt.Errorf("rollover for this round was already attempted")
	ErrQuoteFailed         = fmt.Errorf("swap quote failed")
	ErrWalletNil           = fmt.Errorf("bot wallet cannot be nil")
	ErrGatewayNil          = fmt.Errorf("chain gateway cannot be nil")

	// Broadcast rejections the submitter reacts to. The gateway joins them
	// with the node error inside a NetworkError.
	ErrNonceTooLow            = fmt.Errorf("nonce too low")
	ErrTxAlreadyKnown         = fmt.Errorf("tx already known")
	ErrReplacementUnderpriced = fmt.Errorf("replacement tx underpriced")
	ErrCircuitOpen            = fmt.Errorf("circuit breaker is open")
)

// ConfigurationError is returned when required startup input is missing or
// malformed. It is fatal and only ever raised before the scheduler loop starts.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NewConfigurationError builds a ConfigurationError for the given setting.
func NewConfigurationError(field string, err error) *ConfigurationError {
	return &ConfigurationError{Field: field, Err: err}
}

// NetworkError wraps a transient RPC or connectivity failure. The submitter
// retries these within the current phase budget.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RevertError means the chain deterministically rejected a call, either while
// estimating or simulating it, on broadcast, or in a mined receipt.
type RevertError struct {
	Op     string
	Reason string
	Data   []byte
	Err    error
}

func (e *RevertError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s reverted: %s", e.Op, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s reverted: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s reverted", e.Op)
}

func (e *RevertError) Unwrap() error { return e.Err }

// TimeoutError is returned when a phase exceeds its wall-clock deadline.
type TimeoutError struct {
	Phase    string
	Deadline time.Time
	Attempts int
	LastErr  error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s timed out at %s after %d attempts", e.Phase, e.Deadline.UTC().Format(time.RFC3339), e.Attempts)
	if e.LastErr != nil {
		msg += fmt.Sprintf(": last error: %v", e.LastErr)
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.LastErr }

// IsRevert reports whether err carries a RevertError.
func IsRevert(err error) bool {
	var revertErr *RevertError
	return errors.As(err, &revertErr)
}

// IsTimeout reports whether err carries a TimeoutError.
func IsTimeout(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}

// IsNetwork reports whether err carries a NetworkError.
func IsNetwork(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// IsConfiguration reports whether err carries a ConfigurationError.
func IsConfiguration(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
