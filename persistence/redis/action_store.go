package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/tranvictor/rolloverbot"
)

// Key prefixes for action storage
const (
	actionKeyPrefix       = "rolloverbot:action:"          // action data by hash
	actionPendingKey      = "rolloverbot:action:pending"   // non-final hashes scored by submitted_at
	actionPositionKey     = "rolloverbot:action:position:" // hashes per position
	actionTimestampSetKey = "rolloverbot:action:timestamp" // all hashes scored by last update
)

// ActionStore provides Redis-based persistence for submitted actions.
// It implements the rolloverbot.ActionStore interface.
//
// Actions do not expire on their own. Use DeleteOlderThan for periodic cleanup.
type ActionStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// ActionStoreOption configures an ActionStore.
type ActionStoreOption func(*ActionStore)

// WithActionStoreKeyPrefix sets a custom prefix for all Redis keys, so that
// bots for different positions can share one Redis instance.
func WithActionStoreKeyPrefix(prefix string) ActionStoreOption {
	return func(s *ActionStore) {
		s.keyPrefix = prefix
	}
}

// NewActionStore creates a new Redis-based action store.
func NewActionStore(client redis.UniversalClient, opts ...ActionStoreOption) *ActionStore {
	s := &ActionStore{
		client: client,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ActionStore) key(parts ...string) string {
	key := strings.Join(parts, "")
	if s.keyPrefix != "" {
		return s.keyPrefix + ":" + key
	}
	return key
}

// actionData is the JSON-serializable form of rolloverbot.PendingAction
type actionData struct {
	Hash        string   `json:"hash"`
	Label       string   `json:"label"`
	Position    uint64   `json:"position"`
	Nonce       uint64   `json:"nonce"`
	Status      string   `json:"status"`
	RoundKey    string   `json:"round_key,omitempty"`
	Replaced    []string `json:"replaced,omitempty"`
	TxRLP       []byte   `json:"tx_rlp,omitempty"`
	ReceiptJSON []byte   `json:"receipt_json,omitempty"`
	SubmittedAt int64    `json:"submitted_at"` // Nanoseconds
	Deadline    int64    `json:"deadline,omitempty"`
	UpdatedAt   int64    `json:"updated_at"`
}

// Save persists an action. An action already stored in a final status is
// left untouched when the new status is not final.
func (s *ActionStore) Save(ctx context.Context, action *rolloverbot.PendingAction) error {
	if action == nil {
		return fmt.Errorf("action cannot be nil")
	}

	hashKey := s.actionKey(action.Hash)
	hashHex := action.Hash.Hex()

	return watchWithRetry(ctx, s.client, "save action", func(rtx *redis.Tx) error {
		existing, err := s.load(ctx, rtx, hashKey)
		if err != nil && !errors.Is(err, rolloverbot.ErrActionNotFound) {
			return err
		}
		if existing != nil && existing.Status.IsFinal() && !action.Status.IsFinal() {
			return nil
		}

		cp := *action
		if cp.UpdatedAt.IsZero() {
			cp.UpdatedAt = time.Now()
		}
		data, err := s.serializeAction(&cp)
		if err != nil {
			return fmt.Errorf("failed to serialize action: %w", err)
		}

		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, hashKey, data, 0)
			s.indexStatus(ctx, pipe, &cp)
			pipe.SAdd(ctx, s.positionKey(cp.Position), hashHex)
			pipe.ZAdd(ctx, s.key(actionTimestampSetKey), redis.Z{
				Score:  float64(cp.UpdatedAt.Unix()),
				Member: hashHex,
			})
			return nil
		})
		return err
	}, hashKey)
}

// Get retrieves an action by hash. It returns rolloverbot.ErrActionNotFound
// when the hash is unknown.
func (s *ActionStore) Get(ctx context.Context, hash common.Hash) (*rolloverbot.PendingAction, error) {
	return s.load(ctx, s.client, s.actionKey(hash))
}

// ListPending returns every non-final action ordered by submission time.
func (s *ActionStore) ListPending(ctx context.Context) ([]*rolloverbot.PendingAction, error) {
	hashes, err := s.client.ZRange(ctx, s.key(actionPendingKey), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get pending action hashes: %w", err)
	}
	return s.getActionsByHashes(ctx, hashes)
}

// ListByPosition returns every stored action of a position, in no particular order.
func (s *ActionStore) ListByPosition(ctx context.Context, position uint64) ([]*rolloverbot.PendingAction, error) {
	hashes, err := s.client.SMembers(ctx, s.positionKey(position)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get action hashes of position %d: %w", position, err)
	}
	return s.getActionsByHashes(ctx, hashes)
}

// UpdateStatus sets the status and, when given, the receipt of an action.
// A final status is never downgraded.
func (s *ActionStore) UpdateStatus(ctx context.Context, hash common.Hash, status rolloverbot.ActionStatus, receipt *types.Receipt) error {
	hashKey := s.actionKey(hash)

	return watchWithRetry(ctx, s.client, "update action status", func(rtx *redis.Tx) error {
		action, err := s.load(ctx, rtx, hashKey)
		if err != nil {
			return err
		}
		if action.Status.IsFinal() && !status.IsFinal() {
			return nil
		}

		action.Status = status
		if receipt != nil {
			action.Receipt = receipt
		}
		action.UpdatedAt = time.Now()

		data, err := s.serializeAction(action)
		if err != nil {
			return fmt.Errorf("failed to serialize action: %w", err)
		}

		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, hashKey, data, 0)
			s.indexStatus(ctx, pipe, action)
			pipe.ZAdd(ctx, s.key(actionTimestampSetKey), redis.Z{
				Score:  float64(action.UpdatedAt.Unix()),
				Member: hash.Hex(),
			})
			return nil
		})
		return err
	}, hashKey)
}

// Delete removes an action and its index entries.
func (s *ActionStore) Delete(ctx context.Context, hash common.Hash) error {
	hashKey := s.actionKey(hash)
	hashHex := hash.Hex()

	return watchWithRetry(ctx, s.client, "delete action", func(rtx *redis.Tx) error {
		action, err := s.load(ctx, rtx, hashKey)
		if errors.Is(err, rolloverbot.ErrActionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, hashKey)
			pipe.ZRem(ctx, s.key(actionPendingKey), hashHex)
			pipe.SRem(ctx, s.positionKey(action.Position), hashHex)
			pipe.ZRem(ctx, s.key(actionTimestampSetKey), hashHex)
			return nil
		})
		return err
	}, hashKey)
}

// DeleteOlderThan removes final actions whose last update is older than age.
// Non-final actions are kept no matter how old they are, since recovery still
// needs them.
func (s *ActionStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age).Unix()

	hashes, err := s.client.ZRangeByScore(ctx, s.key(actionTimestampSetKey), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get old actions: %w", err)
	}
	if len(hashes) == 0 {
		return 0, nil
	}

	// undecodable entries are absent from found and get deleted
	actions, loadErr := s.getActionsByHashes(ctx, hashes)
	if actions == nil && loadErr != nil {
		return 0, loadErr
	}
	found := make(map[string]*rolloverbot.PendingAction, len(actions))
	for _, a := range actions {
		found[a.Hash.Hex()] = a
	}

	pipe := s.client.TxPipeline()
	deleted := 0
	for _, hashHex := range hashes {
		a, ok := found[hashHex]
		if ok && !a.Status.IsFinal() {
			continue
		}
		pipe.Del(ctx, s.key(actionKeyPrefix, hashHex))
		pipe.ZRem(ctx, s.key(actionTimestampSetKey), hashHex)
		pipe.ZRem(ctx, s.key(actionPendingKey), hashHex)
		if ok {
			pipe.SRem(ctx, s.positionKey(a.Position), hashHex)
		}
		deleted++
	}
	if deleted > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("failed to execute batch delete: %w", err)
		}
	}

	return deleted, loadErr
}

// Helper methods

// getter is satisfied by both the client and a watched transaction.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *ActionStore) actionKey(hash common.Hash) string {
	return s.key(actionKeyPrefix, hash.Hex())
}

func (s *ActionStore) positionKey(position uint64) string {
	return s.key(actionPositionKey, strconv.FormatUint(position, 10))
}

// indexStatus keeps the pending sorted set in line with the action's status.
func (s *ActionStore) indexStatus(ctx context.Context, pipe redis.Pipeliner, action *rolloverbot.PendingAction) {
	hashHex := action.Hash.Hex()
	if action.Status.IsFinal() {
		pipe.ZRem(ctx, s.key(actionPendingKey), hashHex)
		return
	}
	pipe.ZAdd(ctx, s.key(actionPendingKey), redis.Z{
		Score:  float64(action.SubmittedAt.UnixMilli()),
		Member: hashHex,
	})
}

func (s *ActionStore) load(ctx context.Context, c getter, hashKey string) (*rolloverbot.PendingAction, error) {
	data, err := c.Get(ctx, hashKey).Bytes()
	if err == redis.Nil {
		return nil, rolloverbot.ErrActionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	return s.deserializeAction(data)
}

func (s *ActionStore) getActionsByHashes(ctx context.Context, hashes []string) ([]*rolloverbot.PendingAction, error) {
	if len(hashes) == 0 {
		return nil, nil
	}

	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = s.key(actionKeyPrefix, h)
	}

	results, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get actions: %w", err)
	}

	actions := make([]*rolloverbot.PendingAction, 0, len(results))
	var deserializeErrors []string

	for i, result := range results {
		if result == nil {
			continue
		}

		data, ok := result.(string)
		if !ok {
			deserializeErrors = append(deserializeErrors, fmt.Sprintf("hash %s: unexpected type %T", hashes[i], result))
			continue
		}

		action, err := s.deserializeAction([]byte(data))
		if err != nil {
			deserializeErrors = append(deserializeErrors, fmt.Sprintf("hash %s: %v", hashes[i], err))
			continue
		}
		actions = append(actions, action)
	}

	if len(deserializeErrors) > 0 {
		return actions, fmt.Errorf("failed to deserialize %d actions: %s", len(deserializeErrors), strings.Join(deserializeErrors, "; "))
	}

	return actions, nil
}

func (s *ActionStore) serializeAction(action *rolloverbot.PendingAction) ([]byte, error) {
	data := actionData{
		Hash:        action.Hash.Hex(),
		Label:       action.Label,
		Position:    action.Position,
		Nonce:       action.Nonce,
		Status:      string(action.Status),
		RoundKey:    action.RoundKey,
		SubmittedAt: action.SubmittedAt.UnixNano(),
		UpdatedAt:   action.UpdatedAt.UnixNano(),
	}
	if !action.Deadline.IsZero() {
		data.Deadline = action.Deadline.UnixNano()
	}
	for _, h := range action.Replaced {
		data.Replaced = append(data.Replaced, h.Hex())
	}

	if action.Transaction != nil {
		txRLP, err := action.Transaction.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal transaction: %w", err)
		}
		data.TxRLP = txRLP
	}

	// receipts have no canonical binary form that keeps the tx hash, so JSON
	if action.Receipt != nil {
		receiptJSON, err := action.Receipt.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal receipt: %w", err)
		}
		data.ReceiptJSON = receiptJSON
	}

	return json.Marshal(data)
}

func (s *ActionStore) deserializeAction(data []byte) (*rolloverbot.PendingAction, error) {
	var d actionData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal action: %w", err)
	}

	action := &rolloverbot.PendingAction{
		Hash:        common.HexToHash(d.Hash),
		Label:       d.Label,
		Position:    d.Position,
		Nonce:       d.Nonce,
		Status:      rolloverbot.ActionStatus(d.Status),
		RoundKey:    d.RoundKey,
		SubmittedAt: time.Unix(0, d.SubmittedAt),
		UpdatedAt:   time.Unix(0, d.UpdatedAt),
	}
	if d.Deadline != 0 {
		action.Deadline = time.Unix(0, d.Deadline)
	}
	for _, h := range d.Replaced {
		action.Replaced = append(action.Replaced, common.HexToHash(h))
	}

	if len(d.TxRLP) > 0 {
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(d.TxRLP); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
		}
		action.Transaction = tx
	}

	if len(d.ReceiptJSON) > 0 {
		receipt := new(types.Receipt)
		if err := receipt.UnmarshalJSON(d.ReceiptJSON); err != nil {
			return nil, fmt.Errorf("failed to unmarshal receipt: %w", err)
		}
		action.Receipt = receipt
	}

	return action, nil
}

// Verify ActionStore implements rolloverbot.ActionStore
var _ rolloverbot.ActionStore = (*ActionStore)(nil)
