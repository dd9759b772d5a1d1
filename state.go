package rolloverbot

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Wallet holds the single signing credential of a bot instance.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
}

// NewWallet parses a hex private key (with or without 0x) for the given chain.
func NewWallet(privateKeyHex string, chainID *big.Int) (*Wallet, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if raw == "" {
		return nil, NewConfigurationError("private_key", errors.New("private key is required"))
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, NewConfigurationError("private_key", fmt.Errorf("invalid private key: %w", err))
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, NewConfigurationError("chain_id", fmt.Errorf("invalid chain id %v", chainID))
	}
	return &Wallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: new(big.Int).Set(chainID),
	}, nil
}

// Address returns the wallet address.
func (w *Wallet) Address() common.Address { return w.address }

// ChainID returns a copy of the signing chain id.
func (w *Wallet) ChainID() *big.Int { return new(big.Int).Set(w.chainID) }

// SignTx signs tx with the latest signer for the wallet's chain.
func (w *Wallet) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(w.chainID), w.key)
	if err != nil {
		return nil, errors.Join(ErrSignFailed, err)
	}
	return signed, nil
}

// BotState is the per-process context shared by every component: which
// position the instance manages and which wallet signs for it. It is built
// once at startup and passed explicitly at construction time.
type BotState struct {
	Position uint64
	Wallet   *Wallet
}

// NewBotState validates and builds the process state.
func NewBotState(position uint64, wallet *Wallet) (*BotState, error) {
	if wallet == nil {
		return nil, ErrWalletNil
	}
	return &BotState{Position: position, Wallet: wallet}, nil
}

// Address is shorthand for the signing address.
func (s *BotState) Address() common.Address { return s.Wallet.Address() }
