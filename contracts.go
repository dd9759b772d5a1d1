package rolloverbot

import (
	"fmt"
	"math"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const (
	methodRoundEndTimestamp = "roundEndTimestamp"
	methodRollover          = "rollover"
	methodBalanceOf         = "balanceOf"
	methodAllowance         = "allowance"
	methodApprove           = "approve"
	methodGetAmountsOut     = "getAmountsOut"
	methodSwapTokensForETH  = "swapExactTokensForETH"
)

// Default contract set, Fantom opera mainnet.
const (
	DefaultRolloverAddress = "0x46d303b6829aDc7AC3217D92f71B1DbbE77eBBA2"
	DefaultRewardToken     = "0x8F9bCCB6Dd999148Da1808aC290F2274b13D7994"
	DefaultBaseAsset       = "0x21be370d5312f44cb42ce377bc9b8a0cef1a4c83"
	DefaultRouterAddress   = "0xF491e7B69E4244ad4002BC14e878a34207E38c29"
)

const DefaultRolloverABI = `[
	{"type":"function","name":"roundEndTimestamp","stateMutability":"view","inputs":[{"name":"_position","type":"uint8"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"rollover","stateMutability":"nonpayable","inputs":[{"name":"_position","type":"uint8"}],"outputs":[]}
]`

const DefaultTokenABI = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const DefaultRouterABI = `[
	{"type":"function","name":"getAmountsOut","stateMutability":"view","inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
	{"type":"function","name":"swapExactTokensForETH","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

// Contracts holds the static addresses and ABIs the bot interacts with.
type Contracts struct {
	Rollover    common.Address
	RewardToken common.Address
	BaseAsset   common.Address
	Router      common.Address

	RolloverABI abi.ABI
	TokenABI    abi.ABI
	RouterABI   abi.ABI
}

// ContractsConfig is the raw form of Contracts, as it appears in configuration.
// Empty ABI paths fall back to the embedded ABIs.
type ContractsConfig struct {
	Rollover        string
	RewardToken     string
	BaseAsset       string
	Router          string
	RolloverABIPath string
	TokenABIPath    string
	RouterABIPath   string
}

// DefaultContractsConfig returns the original deployment addresses.
func DefaultContractsConfig() ContractsConfig {
	return ContractsConfig{
		Rollover:    DefaultRolloverAddress,
		RewardToken: DefaultRewardToken,
		BaseAsset:   DefaultBaseAsset,
		Router:      DefaultRouterAddress,
	}
}

// NewContracts validates addresses and parses ABIs.
func NewContracts(cfg ContractsConfig) (*Contracts, error) {
	c := &Contracts{}
	addrs := []struct {
		field string
		raw   string
		dst   *common.Address
	}{
		{"rollover", cfg.Rollover, &c.Rollover},
		{"reward_token", cfg.RewardToken, &c.RewardToken},
		{"base_asset", cfg.BaseAsset, &c.BaseAsset},
		{"router", cfg.Router, &c.Router},
	}
	for _, a := range addrs {
		if !common.IsHexAddress(a.raw) {
			return nil, NewConfigurationError("contracts."+a.field, fmt.Errorf("invalid address %q", a.raw))
		}
		*a.dst = common.HexToAddress(a.raw)
	}

	var err error
	if c.RolloverABI, err = loadABI(cfg.RolloverABIPath, DefaultRolloverABI); err != nil {
		return nil, NewConfigurationError("contracts.rollover_abi", err)
	}
	if c.TokenABI, err = loadABI(cfg.TokenABIPath, DefaultTokenABI); err != nil {
		return nil, NewConfigurationError("contracts.token_abi", err)
	}
	if c.RouterABI, err = loadABI(cfg.RouterABIPath, DefaultRouterABI); err != nil {
		return nil, NewConfigurationError("contracts.router_abi", err)
	}
	for _, required := range []struct {
		a      abi.ABI
		method string
	}{
		{c.RolloverABI, methodRoundEndTimestamp},
		{c.RolloverABI, methodRollover},
		{c.TokenABI, methodBalanceOf},
		{c.TokenABI, methodAllowance},
		{c.TokenABI, methodApprove},
		{c.RouterABI, methodGetAmountsOut},
		{c.RouterABI, methodSwapTokensForETH},
	} {
		if _, ok := required.a.Methods[required.method]; !ok {
			return nil, NewConfigurationError("contracts", fmt.Errorf("ABI is missing method %s", required.method))
		}
	}
	return c, nil
}

func loadABI(path, fallback string) (abi.ABI, error) {
	raw := fallback
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return abi.ABI{}, fmt.Errorf("read ABI file %s: %w", path, err)
		}
		raw = string(data)
	}
	return abi.JSON(strings.NewReader(raw))
}

// SwapPath is the fixed [rewardToken, baseAsset] router path.
func (c *Contracts) SwapPath() []common.Address {
	return []common.Address{c.RewardToken, c.BaseAsset}
}

// ErrorDecoder returns a decoder aware of every custom error in the ABIs.
func (c *Contracts) ErrorDecoder() *ErrorDecoder {
	d, _ := NewErrorDecoder(c.RolloverABI, c.TokenABI, c.RouterABI)
	return d
}

// PackRoundEndTimestamp encodes the roundEndTimestamp(position) read.
func (c *Contracts) PackRoundEndTimestamp(position uint64) ([]byte, error) {
	return packPositionCall(c.RolloverABI, methodRoundEndTimestamp, position)
}

// RolloverCall builds the rollover(position) write.
func (c *Contracts) RolloverCall(position uint64) (Call, error) {
	data, err := packPositionCall(c.RolloverABI, methodRollover, position)
	if err != nil {
		return Call{}, err
	}
	return Call{
		Label:   LabelRollover,
		To:      c.Rollover,
		Data:    data,
		Value:   big.NewInt(0),
		Profile: RolloverGasProfile,
	}, nil
}

// SwapCall builds swapExactTokensForETH(amountIn, minOut, path, to, deadline).
func (c *Contracts) SwapCall(quote *SwapQuote, to common.Address) (Call, error) {
	data, err := c.RouterABI.Pack(
		methodSwapTokensForETH,
		quote.AmountIn,
		quote.MinOut,
		quote.Path,
		to,
		big.NewInt(quote.Deadline.Unix()),
	)
	if err != nil {
		return Call{}, fmt.Errorf("pack %s: %w", methodSwapTokensForETH, err)
	}
	return Call{
		Label:   LabelSwap,
		To:      c.Router,
		Data:    data,
		Value:   big.NewInt(0),
		Profile: SwapGasProfile,
	}, nil
}

// ApproveCall builds approve(spender, amount) on the reward token.
func (c *Contracts) ApproveCall(spender common.Address, amount *big.Int) (Call, error) {
	data, err := c.TokenABI.Pack(methodApprove, spender, amount)
	if err != nil {
		return Call{}, fmt.Errorf("pack %s: %w", methodApprove, err)
	}
	return Call{
		Label:   LabelApprove,
		To:      c.RewardToken,
		Data:    data,
		Value:   big.NewInt(0),
		Profile: SwapGasProfile,
	}, nil
}

func packPositionCall(a abi.ABI, method string, position uint64) ([]byte, error) {
	m, ok := a.Methods[method]
	if !ok {
		return nil, fmt.Errorf("ABI has no method %s", method)
	}
	if len(m.Inputs) != 1 {
		return nil, fmt.Errorf("%s takes %d arguments, expected 1", method, len(m.Inputs))
	}
	arg, err := integerArg(m.Inputs[0].Type, position)
	if err != nil {
		return nil, fmt.Errorf("%s position argument: %w", method, err)
	}
	data, err := a.Pack(method, arg)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	return data, nil
}

// integerArg converts v to the Go type the ABI packer expects for t.
func integerArg(t abi.Type, v uint64) (any, error) {
	switch t.T {
	case abi.UintTy:
		switch t.Size {
		case 8:
			if v > math.MaxUint8 {
				return nil, fmt.Errorf("%d overflows uint8", v)
			}
			return uint8(v), nil
		case 16:
			if v > math.MaxUint16 {
				return nil, fmt.Errorf("%d overflows uint16", v)
			}
			return uint16(v), nil
		case 32:
			if v > math.MaxUint32 {
				return nil, fmt.Errorf("%d overflows uint32", v)
			}
			return uint32(v), nil
		case 64:
			return v, nil
		default:
			return new(big.Int).SetUint64(v), nil
		}
	case abi.IntTy:
		switch t.Size {
		case 8:
			if v > math.MaxInt8 {
				return nil, fmt.Errorf("%d overflows int8", v)
			}
			return int8(v), nil
		case 16:
			if v > math.MaxInt16 {
				return nil, fmt.Errorf("%d overflows int16", v)
			}
			return int16(v), nil
		case 32:
			if v > math.MaxInt32 {
				return nil, fmt.Errorf("%d overflows int32", v)
			}
			return int32(v), nil
		case 64:
			if v > math.MaxInt64 {
				return nil, fmt.Errorf("%d overflows int64", v)
			}
			return int64(v), nil
		default:
			return new(big.Int).SetUint64(v), nil
		}
	default:
		return nil, fmt.Errorf("unsupported argument type %s", t.String())
	}
}

// toBigInt normalizes an unpacked integer output.
func toBigInt(v any) (*big.Int, error) {
	switch n := v.(type) {
	case *big.Int:
		return new(big.Int).Set(n), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case int8:
		return big.NewInt(int64(n)), nil
	case int16:
		return big.NewInt(int64(n)), nil
	case int32:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	default:
		return nil, fmt.Errorf("unexpected integer output type %T", v)
	}
}

// unpackSingleInt unpacks a method returning exactly one integer.
func unpackSingleInt(a abi.ABI, method string, data []byte) (*big.Int, error) {
	out, err := a.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unpack %s: got %d outputs, expected 1", method, len(out))
	}
	return toBigInt(out[0])
}
