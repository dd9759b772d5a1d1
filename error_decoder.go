package rolloverbot

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
)

// ErrorDecoder decodes custom solidity errors out of revert data using the
// error definitions of the contracts the bot talks to.
type ErrorDecoder struct {
	errors map[[4]byte]abi.Error
}

// NewErrorDecoder merges the error definitions of all given ABIs.
func NewErrorDecoder(abis ...abi.ABI) (*ErrorDecoder, error) {
	if len(abis) == 0 {
		return nil, fmt.Errorf("at least one ABI must be provided")
	}
	d := &ErrorDecoder{errors: map[[4]byte]abi.Error{}}
	for _, a := range abis {
		for _, e := range a.Errors {
			var selector [4]byte
			copy(selector[:], e.ID[:4])
			d.errors[selector] = e
		}
	}
	return d, nil
}

// Decode extracts revert data from an rpc.DataError and matches it against
// known errors. The returned error always wraps the original one.
func (d *ErrorDecoder) Decode(err error) (*abi.Error, any, error) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil, nil, fmt.Errorf("not a data error: %w", err)
	}
	data := dataErr.ErrorData()
	if data == nil {
		return nil, nil, fmt.Errorf("no error data: %w", err)
	}
	hexData, ok := data.(string)
	if !ok {
		return nil, nil, fmt.Errorf("error data is not a string (%T): %w", data, err)
	}
	raw, decodeErr := hex.DecodeString(strings.TrimPrefix(hexData, "0x"))
	if decodeErr != nil {
		return nil, nil, fmt.Errorf("invalid error data %q: %w", hexData, errors.Join(decodeErr, err))
	}
	return d.DecodeData(raw, err)
}

// DecodeData matches raw revert data against known errors.
func (d *ErrorDecoder) DecodeData(raw []byte, err error) (*abi.Error, any, error) {
	if len(raw) < 4 {
		return nil, nil, fmt.Errorf("error data too short (%d bytes): %w", len(raw), err)
	}
	if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
		return nil, reason, fmt.Errorf("revert reason: %s: %w", reason, err)
	}
	var selector [4]byte
	copy(selector[:], raw[:4])
	abiErr, ok := d.errors[selector]
	if !ok {
		return nil, nil, fmt.Errorf("unknown error selector 0x%s: %w", common.Bytes2Hex(raw[:4]), err)
	}
	params, unpackErr := abiErr.Unpack(raw)
	if unpackErr != nil {
		return &abiErr, nil, fmt.Errorf("failed to unpack error selector %s: %w", abiErr.Name, errors.Join(unpackErr, err))
	}
	return &abiErr, params, fmt.Errorf("contract error: %s %+v: %w", abiErr.Name, params, err)
}

// Reason renders a short human readable revert reason, or "" when nothing
// useful can be decoded.
func (d *ErrorDecoder) Reason(raw []byte) string {
	if len(raw) < 4 {
		return ""
	}
	if reason, err := abi.UnpackRevert(raw); err == nil {
		return reason
	}
	if d == nil {
		return ""
	}
	abiErr, params, _ := d.DecodeData(raw, errors.New("revert"))
	if abiErr == nil {
		return ""
	}
	if params == nil {
		return abiErr.Name
	}
	return strings.TrimSpace(fmt.Sprintf("%s %+v", abiErr.Name, params))
}
