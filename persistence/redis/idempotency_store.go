package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/tranvictor/rolloverbot"
	"github.com/tranvictor/rolloverbot/idempotency"
)

const (
	idempotencyRecordKeyPrefix = "rolloverbot:round:" // record data by round key

	// DefaultIdempotencyStoreTimeout bounds each call, since idempotency.Store
	// methods take no context.
	DefaultIdempotencyStoreTimeout = 5 * time.Second
)

// Stored error kinds. Reverts and timeouts are kept typed so that
// rolloverbot.IsRevert and rolloverbot.IsTimeout still hold after a restart.
const (
	errorKindOther   = ""
	errorKindRevert  = "revert"
	errorKindTimeout = "timeout"
)

// IdempotencyStore provides Redis-based persistence for per-round records.
// It implements the idempotency.Store interface.
//
// Records expire automatically when a TTL is set via WithIdempotencyStoreTTL.
type IdempotencyStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	timeout   time.Duration
}

// IdempotencyStoreOption configures an IdempotencyStore.
type IdempotencyStoreOption func(*IdempotencyStore)

// WithIdempotencyStoreKeyPrefix sets a custom prefix for all Redis keys.
func WithIdempotencyStoreKeyPrefix(prefix string) IdempotencyStoreOption {
	return func(s *IdempotencyStore) {
		s.keyPrefix = prefix
	}
}

// WithIdempotencyStoreTTL sets a TTL for records. Redis will expire records
// after the specified duration.
func WithIdempotencyStoreTTL(ttl time.Duration) IdempotencyStoreOption {
	return func(s *IdempotencyStore) {
		s.ttl = ttl
	}
}

// WithIdempotencyStoreTimeout bounds the duration of every store call.
func WithIdempotencyStoreTimeout(timeout time.Duration) IdempotencyStoreOption {
	return func(s *IdempotencyStore) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// NewIdempotencyStore creates a new Redis-based idempotency store.
func NewIdempotencyStore(client redis.UniversalClient, opts ...IdempotencyStoreOption) *IdempotencyStore {
	s := &IdempotencyStore{
		client:  client,
		timeout: DefaultIdempotencyStoreTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *IdempotencyStore) recordKey(key string) string {
	if s.keyPrefix != "" {
		return s.keyPrefix + ":" + idempotencyRecordKeyPrefix + key
	}
	return idempotencyRecordKeyPrefix + key
}

// recordData is the JSON-serializable form of idempotency.Record
type recordData struct {
	Key         string         `json:"key"`
	Status      int            `json:"status"`
	TxHash      string         `json:"tx_hash,omitempty"`
	TxRLP       []byte         `json:"tx_rlp,omitempty"`
	ReceiptJSON []byte         `json:"receipt_json,omitempty"`
	Error       *recordedError `json:"error,omitempty"`
	CreatedAt   int64          `json:"created_at"` // Nanoseconds
	UpdatedAt   int64          `json:"updated_at"`
}

type recordedError struct {
	Kind     string `json:"kind,omitempty"`
	Message  string `json:"message"`
	Op       string `json:"op,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Data     []byte `json:"data,omitempty"`
	Deadline int64  `json:"deadline,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// Get retrieves an existing record by key.
func (s *IdempotencyStore) Get(key string) (*idempotency.Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	return s.get(ctx, s.client, s.recordKey(key))
}

// Create creates a new pending record. If the key exists, it returns the
// existing record along with idempotency.ErrDuplicateKey.
func (s *IdempotencyStore) Create(key string) (*idempotency.Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	recordKey := s.recordKey(key)
	now := time.Now()
	record := &idempotency.Record{
		Key:       key,
		Status:    idempotency.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	data, err := s.serializeRecord(record)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize record: %w", err)
	}

	// the key may expire between SETNX and GET, so try a few times
	for i := 0; i < maxWatchRetries; i++ {
		created, err := s.client.SetNX(ctx, recordKey, data, s.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to create record: %w", err)
		}
		if created {
			return record, nil
		}

		existing, err := s.get(ctx, s.client, recordKey)
		if errors.Is(err, idempotency.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get existing record: %w", err)
		}
		return existing, idempotency.ErrDuplicateKey
	}

	return nil, fmt.Errorf("failed to create record %s: key keeps vanishing", key)
}

// Update replaces an existing record and refreshes its TTL.
func (s *IdempotencyStore) Update(record *idempotency.Record) error {
	if record == nil {
		return fmt.Errorf("record cannot be nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	recordKey := s.recordKey(record.Key)

	return watchWithRetry(ctx, s.client, "update record", func(rtx *redis.Tx) error {
		exists, err := rtx.Exists(ctx, recordKey).Result()
		if err != nil {
			return fmt.Errorf("failed to check record existence: %w", err)
		}
		if exists == 0 {
			return idempotency.ErrKeyNotFound
		}

		record.UpdatedAt = time.Now()
		data, err := s.serializeRecord(record)
		if err != nil {
			return fmt.Errorf("failed to serialize record: %w", err)
		}

		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recordKey, data, s.ttl)
			return nil
		})
		return err
	}, recordKey)
}

// Delete removes a record by key.
func (s *IdempotencyStore) Delete(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.client.Del(ctx, s.recordKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func (s *IdempotencyStore) get(ctx context.Context, c getter, recordKey string) (*idempotency.Record, error) {
	data, err := c.Get(ctx, recordKey).Bytes()
	if err == redis.Nil {
		return nil, idempotency.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return s.deserializeRecord(data)
}

func (s *IdempotencyStore) serializeRecord(record *idempotency.Record) ([]byte, error) {
	data := recordData{
		Key:       record.Key,
		Status:    int(record.Status),
		CreatedAt: record.CreatedAt.UnixNano(),
		UpdatedAt: record.UpdatedAt.UnixNano(),
	}
	if record.TxHash != (common.Hash{}) {
		data.TxHash = record.TxHash.Hex()
	}

	if record.Transaction != nil {
		txRLP, err := record.Transaction.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal transaction: %w", err)
		}
		data.TxRLP = txRLP
	}

	if record.Receipt != nil {
		receiptJSON, err := record.Receipt.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal receipt: %w", err)
		}
		data.ReceiptJSON = receiptJSON
	}

	if record.Error != nil {
		data.Error = encodeError(record.Error)
	}

	return json.Marshal(data)
}

func (s *IdempotencyStore) deserializeRecord(data []byte) (*idempotency.Record, error) {
	var d recordData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	record := &idempotency.Record{
		Key:       d.Key,
		Status:    idempotency.Status(d.Status),
		CreatedAt: time.Unix(0, d.CreatedAt),
		UpdatedAt: time.Unix(0, d.UpdatedAt),
	}
	if d.TxHash != "" {
		record.TxHash = common.HexToHash(d.TxHash)
	}

	if len(d.TxRLP) > 0 {
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(d.TxRLP); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
		}
		record.Transaction = tx
	}

	if len(d.ReceiptJSON) > 0 {
		receipt := new(types.Receipt)
		if err := receipt.UnmarshalJSON(d.ReceiptJSON); err != nil {
			return nil, fmt.Errorf("failed to unmarshal receipt: %w", err)
		}
		record.Receipt = receipt
	}

	if d.Error != nil {
		record.Error = decodeError(d.Error)
	}

	return record, nil
}

func encodeError(err error) *recordedError {
	e := &recordedError{Kind: errorKindOther, Message: err.Error()}

	var revertErr *rolloverbot.RevertError
	var timeoutErr *rolloverbot.TimeoutError
	switch {
	case errors.As(err, &revertErr):
		e.Kind = errorKindRevert
		e.Op = revertErr.Op
		e.Reason = revertErr.Reason
		e.Data = revertErr.Data
	case errors.As(err, &timeoutErr):
		e.Kind = errorKindTimeout
		e.Op = timeoutErr.Phase
		e.Deadline = timeoutErr.Deadline.UnixNano()
		e.Attempts = timeoutErr.Attempts
	}
	return e
}

// decodeError rebuilds the typed error. Wrapped causes are flattened to
// their message.
func decodeError(e *recordedError) error {
	switch e.Kind {
	case errorKindRevert:
		revertErr := &rolloverbot.RevertError{Op: e.Op, Reason: e.Reason, Data: e.Data}
		if e.Reason == "" {
			revertErr.Err = errors.New(e.Message)
		}
		return revertErr
	case errorKindTimeout:
		return &rolloverbot.TimeoutError{
			Phase:    e.Op,
			Deadline: time.Unix(0, e.Deadline),
			Attempts: e.Attempts,
		}
	default:
		return errors.New(e.Message)
	}
}

// Verify IdempotencyStore implements idempotency.Store
var _ idempotency.Store = (*IdempotencyStore)(nil)
