package rolloverbot

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/tranvictor/rolloverbot/idempotency"
)

// ============================================================
// Mock Implementations
// ============================================================

// mockGateway implements ChainGateway for testing
type mockGateway struct {
	mu sync.Mutex

	// Function hooks - set these to customize behavior
	CurrentTimeFn     func() (time.Time, error)
	RoundDeadlineFn   func(position uint64) (time.Time, error)
	GasPriceFn        func() (*big.Int, error)
	EstimateGasFn     func(from common.Address, call Call) (uint64, error)
	TokenBalanceFn    func(token, owner common.Address) (*big.Int, error)
	AllowanceFn       func(token, owner, spender common.Address) (*big.Int, error)
	AmountsOutFn      func(amountIn *big.Int, path []common.Address) ([]*big.Int, error)
	PendingNonceFn    func(addr common.Address) (uint64, error)
	ReceiptFn         func(hash common.Hash) (*types.Receipt, error)
	SendTransactionFn func(tx *types.Transaction) error

	// Call tracking for assertions
	RoundDeadlineCalls int
	GasPriceCalls      int
	EstimateGasCalls   []Call
	PendingNonceCalls  int
	ReceiptCalls       []common.Hash
	AmountsOutCalls    []*big.Int
	SentTxs            []*types.Transaction
	AcceptedTxs        []*types.Transaction
}

func (m *mockGateway) CurrentTime(ctx context.Context) (time.Time, error) {
	if m.CurrentTimeFn != nil {
		return m.CurrentTimeFn()
	}
	return time.Unix(1_700_000_000, 0), nil
}

func (m *mockGateway) RoundDeadline(ctx context.Context, position uint64) (time.Time, error) {
	m.mu.Lock()
	m.RoundDeadlineCalls++
	m.mu.Unlock()
	if m.RoundDeadlineFn != nil {
		return m.RoundDeadlineFn(position)
	}
	return time.Unix(1_700_000_000, 0).Add(time.Hour), nil
}

func (m *mockGateway) GasPrice(ctx context.Context) (*big.Int, error) {
	m.mu.Lock()
	m.GasPriceCalls++
	m.mu.Unlock()
	if m.GasPriceFn != nil {
		return m.GasPriceFn()
	}
	return new(big.Int).Set(twentyGwei), nil
}

func (m *mockGateway) EstimateGas(ctx context.Context, from common.Address, call Call) (uint64, error) {
	m.mu.Lock()
	m.EstimateGasCalls = append(m.EstimateGasCalls, call)
	m.mu.Unlock()
	if m.EstimateGasFn != nil {
		return m.EstimateGasFn(from, call)
	}
	return 100_000, nil
}

func (m *mockGateway) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	if m.TokenBalanceFn != nil {
		return m.TokenBalanceFn(token, owner)
	}
	return big.NewInt(0), nil
}

func (m *mockGateway) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	if m.AllowanceFn != nil {
		return m.AllowanceFn(token, owner, spender)
	}
	return new(big.Int).Set(math.MaxBig256), nil
}

func (m *mockGateway) AmountsOut(ctx context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	m.mu.Lock()
	m.AmountsOutCalls = append(m.AmountsOutCalls, amountIn)
	m.mu.Unlock()
	if m.AmountsOutFn != nil {
		return m.AmountsOutFn(amountIn, path)
	}
	return []*big.Int{amountIn, new(big.Int).Mul(amountIn, big.NewInt(2))}, nil
}

func (m *mockGateway) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	m.mu.Lock()
	m.PendingNonceCalls++
	m.mu.Unlock()
	if m.PendingNonceFn != nil {
		return m.PendingNonceFn(addr)
	}
	return 7, nil
}

func (m *mockGateway) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(testChainID), nil
}

// Receipt defaults to a successful receipt for every tx the mock accepted.
func (m *mockGateway) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	m.ReceiptCalls = append(m.ReceiptCalls, hash)
	m.mu.Unlock()
	if m.ReceiptFn != nil {
		return m.ReceiptFn(hash)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.AcceptedTxs {
		if tx.Hash() == hash {
			return newSuccessReceipt(tx), nil
		}
	}
	return nil, nil
}

func (m *mockGateway) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	m.mu.Lock()
	m.SentTxs = append(m.SentTxs, tx)
	m.mu.Unlock()
	var err error
	if m.SendTransactionFn != nil {
		err = m.SendTransactionFn(tx)
	}
	if err == nil {
		m.mu.Lock()
		m.AcceptedTxs = append(m.AcceptedTxs, tx)
		m.mu.Unlock()
	}
	return err
}

func (m *mockGateway) sent() []*types.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.Transaction(nil), m.SentTxs...)
}

func (m *mockGateway) sentTo(target common.Address) []*types.Transaction {
	var out []*types.Transaction
	for _, tx := range m.sent() {
		if tx.To() != nil && *tx.To() == target {
			out = append(out, tx)
		}
	}
	return out
}

var _ ChainGateway = (*mockGateway)(nil)

// fakeClock advances instantly on Sleep and records every requested duration.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration

	// OnSleep runs after the clock advanced; returning an error aborts the sleep
	OnSleep func(d time.Duration) error
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
	c.sleeps = append(c.sleeps, d)
	hook := c.OnSleep
	c.mu.Unlock()
	if hook != nil {
		if err := hook(d); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

var _ Clock = (*fakeClock)(nil)

// ============================================================
// Test Fixtures
// ============================================================

const testPrivateKeyHex = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

var (
	testChainID = big.NewInt(250)
	testStart   = time.Unix(1_700_000_000, 0)

	testAddr1 = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testAddr2 = common.HexToAddress("0x2222222222222222222222222222222222222222")

	twentyGwei = big.NewInt(20_000_000_000)
)

func newTestWallet(t *testing.T) *Wallet {
	t.Helper()
	w, err := NewWallet(testPrivateKeyHex, testChainID)
	require.NoError(t, err)
	return w
}

func newTestContracts(t *testing.T) *Contracts {
	t.Helper()
	c, err := NewContracts(DefaultContractsConfig())
	require.NoError(t, err)
	return c
}

func newTestTx(nonce uint64, to common.Address) *types.Transaction {
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: twentyGwei,
		Gas:      100_000,
		To:       &to,
		Value:    big.NewInt(0),
	})
}

func newTestReceipt(tx *types.Transaction, status uint64) *types.Receipt {
	return &types.Receipt{
		Status:            status,
		TxHash:            tx.Hash(),
		BlockNumber:       big.NewInt(12345678),
		BlockHash:         common.HexToHash("0xabcdef1234567890abcdef1234567890abcdef1234567890abcdef1234567890"),
		GasUsed:           tx.Gas(),
		CumulativeGasUsed: tx.Gas(),
	}
}

func newSuccessReceipt(tx *types.Transaction) *types.Receipt {
	return newTestReceipt(tx, types.ReceiptStatusSuccessful)
}

func newFailedReceipt(tx *types.Transaction) *types.Receipt {
	return newTestReceipt(tx, types.ReceiptStatusFailed)
}

// ============================================================
// Test Helpers
// ============================================================

// testSetup contains all the pieces a typical test needs
type testSetup struct {
	Gateway     *mockGateway
	Clock       *fakeClock
	State       *BotState
	Contracts   *Contracts
	Actions     *InMemoryActionStore
	Idempotency *idempotency.InMemoryStore
	Submitter   *Submitter
	Waiter      *Waiter
	Swapper     *Swapper
	Scheduler   *Scheduler
}

// testTimings keeps production values except the sub-second ones, which
// only matter to a real clock.
func testTimings() Timings {
	t := DefaultTimings()
	t.ReceiptPollInterval = time.Second
	t.SubmitRetryInterval = time.Second
	return t
}

// newTestSetup wires every component on a mock gateway and a fake clock
// starting at testStart.
func newTestSetup(t *testing.T) *testSetup {
	t.Helper()

	gateway := &mockGateway{}
	clock := newFakeClock(testStart)
	state, err := NewBotState(3, newTestWallet(t))
	require.NoError(t, err)
	contracts := newTestContracts(t)
	actions := NewInMemoryActionStore()
	store := idempotency.NewInMemoryStore(0)
	timings := testTimings()

	waiter, err := NewWaiter(gateway,
		WithWaiterClock(clock),
		WithPollInterval(timings.ReceiptPollInterval),
		WithConfirmationTimeout(timings.ConfirmationTimeout),
		WithWaiterActionStore(actions),
	)
	require.NoError(t, err)

	submitter, err := NewSubmitter(gateway, state,
		WithSubmitterClock(clock),
		WithActionStore(actions),
		WithWaiter(waiter),
		WithRetryInterval(timings.SubmitRetryInterval),
		WithErrorDecoder(contracts.ErrorDecoder()),
	)
	require.NoError(t, err)

	swapper, err := NewSwapper(gateway, submitter, contracts, state, WithSwapperClock(clock))
	require.NoError(t, err)

	scheduler, err := NewScheduler(gateway, submitter, swapper, contracts, state,
		WithSchedulerClock(clock),
		WithIdempotencyStore(store),
		WithTimings(timings),
	)
	require.NoError(t, err)

	return &testSetup{
		Gateway:     gateway,
		Clock:       clock,
		State:       state,
		Contracts:   contracts,
		Actions:     actions,
		Idempotency: store,
		Submitter:   submitter,
		Waiter:      waiter,
		Swapper:     swapper,
		Scheduler:   scheduler,
	}
}

// rolloverTxs returns the txs sent to the rollover contract.
func (ts *testSetup) rolloverTxs() []*types.Transaction {
	return ts.Gateway.sentTo(ts.Contracts.Rollover)
}

// swapTxs returns the txs sent to the router.
func (ts *testSetup) swapTxs() []*types.Transaction {
	return ts.Gateway.sentTo(ts.Contracts.Router)
}

// newRevertError mimics what the gateway returns for a reverting call.
func newRevertError(op, reason string) error {
	return &RevertError{Op: op, Reason: reason}
}

// newTestKeyHex generates a fresh private key in hex form.
func newTestKeyHex(t *testing.T) string {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return common.Bytes2Hex(crypto.FromECDSA(key))
}

func bigInt(v int64) *big.Int {
	return big.NewInt(v)
}
