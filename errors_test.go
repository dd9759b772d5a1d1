package rolloverbot

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	base := errors.New("boom")

	netErr := fmt.Errorf("wrapped: %w", &NetworkError{Op: "gas_price", Err: base})
	assert.True(t, IsNetwork(netErr))
	assert.False(t, IsRevert(netErr))
	assert.ErrorIs(t, netErr, base)

	revertErr := &RevertError{Op: "rollover", Reason: "too early"}
	assert.True(t, IsRevert(revertErr))
	assert.Equal(t, "rollover reverted: too early", revertErr.Error())
	assert.Equal(t, "rollover reverted: boom", (&RevertError{Op: "rollover", Err: base}).Error())
	assert.Equal(t, "rollover reverted", (&RevertError{Op: "rollover"}).Error())

	cfgErr := NewConfigurationError("private_key", base)
	assert.True(t, IsConfiguration(cfgErr))
	assert.Equal(t, "configuration error: private_key: boom", cfgErr.Error())
}

func TestTimeoutError(t *testing.T) {
	lastErr := &NetworkError{Op: "send_transaction", Err: errors.New("reset")}
	err := &TimeoutError{
		Phase:    "submit rollover",
		Deadline: time.Unix(1_700_000_100, 0),
		Attempts: 4,
		LastErr:  lastErr,
	}

	assert.True(t, IsTimeout(err))
	assert.True(t, IsNetwork(err), "the last attempt failure stays reachable")
	assert.Equal(t,
		"submit rollover timed out at 2023-11-14T22:15:00Z after 4 attempts: last error: network error during send_transaction: reset",
		err.Error())

	assert.Equal(t,
		"confirm timed out at 2023-11-14T22:15:00Z after 1 attempts",
		(&TimeoutError{Phase: "confirm", Deadline: time.Unix(1_700_000_100, 0), Attempts: 1}).Error())
}
