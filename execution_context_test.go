package rolloverbot

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestNewSubmitContext_Validation(t *testing.T) {
	deadline := testStart.Add(time.Minute)
	call := Call{Label: LabelRollover, To: testAddr2}

	if _, err := NewSubmitContext(call, common.Address{}, deadline); err == nil {
		t.Error("expected an error for a zero from address")
	}
	if _, err := NewSubmitContext(Call{Label: LabelRollover}, testAddr1, deadline); err == nil {
		t.Error("expected an error for a zero target address")
	}
	if _, err := NewSubmitContext(call, testAddr1, time.Time{}); err == nil {
		t.Error("expected an error for a zero deadline")
	}

	sc, err := NewSubmitContext(call, testAddr1, deadline)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sc.Call.Value == nil || sc.Call.Value.Sign() != 0 {
		t.Errorf("expected a zero value, got %v", sc.Call.Value)
	}
	if sc.Call.Profile.GasLimitMultiplier != 1 || sc.Call.Profile.GasPriceMultiplier != 1 {
		t.Errorf("expected unit multipliers, got %+v", sc.Call.Profile)
	}
	if sc.PriceBump != 1 {
		t.Errorf("expected price bump 1, got %f", sc.PriceBump)
	}
	if sc.Broadcasted() {
		t.Error("a fresh context has broadcast nothing")
	}
}

func TestSubmitContext_Expired(t *testing.T) {
	deadline := testStart.Add(time.Minute)
	sc, err := NewSubmitContext(Call{Label: LabelSwap, To: testAddr2}, testAddr1, deadline)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sc.Expired(deadline) {
		t.Error("the deadline itself still allows an attempt")
	}
	if !sc.Expired(deadline.Add(time.Nanosecond)) {
		t.Error("expected the context to expire right after the deadline")
	}
}

func TestSubmitContext_GasLimitAndPrice(t *testing.T) {
	sc, err := NewSubmitContext(Call{Label: LabelRollover, To: testAddr2, Profile: RolloverGasProfile}, testAddr1, testStart.Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := sc.GasLimit(100_000); got != 110_000 {
		t.Errorf("expected gas limit 110000, got %d", got)
	}

	const epsilon = 0.0001
	if got := sc.GasPriceGwei(twentyGwei); got < 21-epsilon || got > 21+epsilon {
		t.Errorf("expected 21 gwei, got %f", got)
	}

	sc.BumpGasPrice(newTestTx(9, testAddr2))
	if got := sc.GasPriceGwei(twentyGwei); got < 25.2-epsilon || got > 25.2+epsilon {
		t.Errorf("expected 25.2 gwei after a bump, got %f", got)
	}
	if sc.RetryNonce == nil || *sc.RetryNonce != 9 {
		t.Errorf("expected the bumped tx nonce to be kept, got %v", sc.RetryNonce)
	}
}

func TestSubmitContext_NewQuote(t *testing.T) {
	sc, err := NewSubmitContext(Call{Label: LabelRollover, To: testAddr2, Profile: RolloverGasProfile}, testAddr1, testStart.Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sc.Quote != nil {
		t.Fatal("a fresh context has no quote")
	}

	price := big.NewInt(20_000_000_000)
	quote := sc.NewQuote(price, 100_000)
	if sc.Quote != quote {
		t.Error("expected the quote to be kept on the context")
	}
	if quote.Price.Cmp(twentyGwei) != 0 || quote.GasUnits != 100_000 {
		t.Errorf("expected the raw node quote, got %+v", quote)
	}
	price.SetInt64(1)
	if quote.Price.Cmp(twentyGwei) != 0 {
		t.Error("the quote must not alias the caller's price")
	}
	if got := sc.GasLimit(quote.GasUnits); got != 110_000 {
		t.Errorf("expected gas limit 110000, got %d", got)
	}

	next := sc.NewQuote(big.NewInt(30_000_000_000), 90_000)
	if sc.Quote != next || next.GasUnits != 90_000 {
		t.Errorf("expected every attempt to replace the quote, got %+v", sc.Quote)
	}
}

func TestSubmitContext_NonceHandling(t *testing.T) {
	sc, err := NewSubmitContext(Call{Label: LabelSwap, To: testAddr2}, testAddr1, testStart.Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sc.KeepNonce(4)
	if sc.RetryNonce == nil || *sc.RetryNonce != 4 {
		t.Fatalf("expected nonce 4 to be kept, got %v", sc.RetryNonce)
	}
	sc.ForgetNonce()
	if sc.RetryNonce != nil {
		t.Errorf("expected the nonce to be forgotten, got %d", *sc.RetryNonce)
	}
}

func TestSubmitContext_FailAndAbort(t *testing.T) {
	sc, err := NewSubmitContext(Call{Label: LabelSwap, To: testAddr2}, testAddr1, testStart.Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	netErr := &NetworkError{Op: "gas_price", Err: errors.New("timeout")}
	result := sc.Fail(netErr)
	if !result.ShouldRetry || result.ShouldReturn {
		t.Errorf("Fail should ask for a retry, got %+v", result)
	}
	if sc.LastErr != netErr {
		t.Errorf("expected LastErr to be recorded, got %v", sc.LastErr)
	}

	revertErr := newRevertError(LabelSwap, "expired")
	result = sc.Abort(revertErr)
	if result.ShouldRetry || !result.ShouldReturn {
		t.Errorf("Abort should ask for a return, got %+v", result)
	}
	if result.Error != revertErr {
		t.Errorf("expected the revert to be returned, got %v", result.Error)
	}

	sc.Attempts = 3
	timeout := sc.Timeout()
	if timeout.Attempts != 3 || timeout.LastErr != revertErr || timeout.Phase != "submit swap" {
		t.Errorf("unexpected timeout error %+v", timeout)
	}
}

func TestSubmitContext_WrapRevert(t *testing.T) {
	a := roundABI(t)
	decoder, err := NewErrorDecoder(a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sc, err := NewSubmitContext(Call{Label: LabelRollover, To: testAddr2}, testAddr1, testStart.Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raw := &RevertError{Op: "estimate_gas:rollover", Data: a.Errors["NothingToRoll"].ID.Bytes()[:4]}
	wrapped := sc.wrapRevert(raw, decoder)

	var revertErr *RevertError
	if !errors.As(wrapped, &revertErr) {
		t.Fatalf("expected a RevertError, got %T", wrapped)
	}
	if revertErr.Op != LabelRollover {
		t.Errorf("expected op %q, got %q", LabelRollover, revertErr.Op)
	}
	if revertErr.Reason != "NothingToRoll []" {
		t.Errorf("expected the decoded reason, got %q", revertErr.Reason)
	}
	if !errors.Is(wrapped, raw) {
		t.Error("the wrapped error should keep the original")
	}

	plain := errors.New("not a revert")
	if got := sc.wrapRevert(plain, decoder); got != plain {
		t.Errorf("expected non reverts to pass through, got %v", got)
	}
}

func TestSubmitContext_ZeroValueKept(t *testing.T) {
	value := big.NewInt(5)
	sc, err := NewSubmitContext(Call{Label: LabelSwap, To: testAddr2, Value: value}, testAddr1, testStart.Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sc.Call.Value.Cmp(value) != 0 {
		t.Errorf("expected value %v, got %v", value, sc.Call.Value)
	}
}
