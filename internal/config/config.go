// Package config loads the bot settings. Values come from an optional TOML
// file, then a .env file, then the process environment, each layer
// overriding the one before.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/shopspring/decimal"

	"github.com/tranvictor/rolloverbot"
)

const (
	DefaultRPCURL  = "https://rpc.ftm.tools/"
	DefaultChainID = 250
	DefaultEnvFile = ".env"

	TxTypeLegacy  = "legacy"
	TxTypeDynamic = "dynamic"
)

var ErrPrivateKeyMissing = fmt.Errorf("PRIVATE_KEY is not set")

// Duration is a time.Duration written as "250s" or "5m" in TOML.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

type Contracts struct {
	Rollover    string `toml:"rollover"`
	RewardToken string `toml:"reward_token"`
	BaseAsset   string `toml:"base_asset"`
	Router      string `toml:"router"`
	RolloverABI string `toml:"rollover_abi"`
	TokenABI    string `toml:"token_abi"`
	RouterABI   string `toml:"router_abi"`
}

// Timings overrides scheduler timings. Zero fields keep the defaults.
// ConfirmationTimeout is a pointer so that an explicit "0s" can select an
// unbounded wait.
type Timings struct {
	GuardBand           Duration `toml:"guard_band"`
	WakeBeforeDeadline  Duration `toml:"wake_before_deadline"`
	LongSleepThreshold  Duration `toml:"long_sleep_threshold"`
	RolloverGrace       Duration `toml:"rollover_grace"`
	Cooldown            Duration `toml:"cooldown"`
	SwapDeadline        Duration `toml:"swap_deadline"`
	ConfirmationTimeout *Duration `toml:"confirmation_timeout"`
	PollInterval        Duration `toml:"poll_interval"`
	RetryInterval       Duration `toml:"retry_interval"`
}

type Redis struct {
	URL       string   `toml:"url"`
	KeyPrefix string   `toml:"key_prefix"`
	RoundTTL  Duration `toml:"round_ttl"`
}

type Log struct {
	File  string `toml:"file"`
	Level string `toml:"level"`
}

// Config holds every setting of one bot process.
type Config struct {
	RPCURL   string `toml:"rpc_url"`
	ChainID  uint64 `toml:"chain_id"`
	Slippage string `toml:"slippage"`
	TxType   string `toml:"tx_type"`

	// PrivateKey is only read from the environment.
	PrivateKey string `toml:"-"`

	Contracts Contracts `toml:"contracts"`
	Timings   Timings   `toml:"timings"`
	Redis     Redis     `toml:"redis"`
	Log       Log       `toml:"log"`
}

// Default returns the settings of the original Fantom deployment.
func Default() *Config {
	c := rolloverbot.DefaultContractsConfig()
	return &Config{
		RPCURL:   DefaultRPCURL,
		ChainID:  DefaultChainID,
		Slippage: rolloverbot.DefaultSlippage,
		TxType:   TxTypeLegacy,
		Contracts: Contracts{
			Rollover:    c.Rollover,
			RewardToken: c.RewardToken,
			BaseAsset:   c.BaseAsset,
			Router:      c.Router,
		},
		Redis: Redis{RoundTTL: Duration(7 * 24 * time.Hour)},
		Log:   Log{Level: "info"},
	}
}

// Load reads tomlPath (skipped when empty), then envFile (skipped when it
// does not exist), then the environment, and validates the result.
func Load(tomlPath, envFile string) (*Config, error) {
	cfg := Default()

	if tomlPath != "" {
		data, err := os.ReadFile(tomlPath)
		if err != nil {
			return nil, rolloverbot.NewConfigurationError("config", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, rolloverbot.NewConfigurationError("config", fmt.Errorf("parse %s: %w", tomlPath, err))
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, rolloverbot.NewConfigurationError("env_file", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// getenv reads KEY, then key.
func getenv(key string) (string, bool) {
	for _, k := range []string{key, strings.ToLower(key)} {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v, true
		}
	}
	return "", false
}

func (c *Config) applyEnv() error {
	strs := []struct {
		key string
		dst *string
	}{
		{"RPC_URL", &c.RPCURL},
		{"PRIVATE_KEY", &c.PrivateKey},
		{"SLIPPAGE", &c.Slippage},
		{"TX_TYPE", &c.TxType},
		{"ROLLOVER_ADDRESS", &c.Contracts.Rollover},
		{"REWARD_TOKEN", &c.Contracts.RewardToken},
		{"BASE_ASSET", &c.Contracts.BaseAsset},
		{"ROUTER_ADDRESS", &c.Contracts.Router},
		{"ROLLOVER_ABI", &c.Contracts.RolloverABI},
		{"TOKEN_ABI", &c.Contracts.TokenABI},
		{"ROUTER_ABI", &c.Contracts.RouterABI},
		{"REDIS_URL", &c.Redis.URL},
		{"REDIS_KEY_PREFIX", &c.Redis.KeyPrefix},
		{"LOG_FILE", &c.Log.File},
		{"LOG_LEVEL", &c.Log.Level},
	}
	for _, s := range strs {
		if v, ok := getenv(s.key); ok {
			*s.dst = v
		}
	}

	if v, ok := getenv("CHAIN_ID"); ok {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return rolloverbot.NewConfigurationError("CHAIN_ID", err)
		}
		c.ChainID = id
	}

	durations := []struct {
		key string
		dst *Duration
	}{
		{"GUARD_BAND", &c.Timings.GuardBand},
		{"WAKE_BEFORE_DEADLINE", &c.Timings.WakeBeforeDeadline},
		{"LONG_SLEEP_THRESHOLD", &c.Timings.LongSleepThreshold},
		{"ROLLOVER_GRACE", &c.Timings.RolloverGrace},
		{"COOLDOWN", &c.Timings.Cooldown},
		{"SWAP_DEADLINE", &c.Timings.SwapDeadline},
		{"POLL_INTERVAL", &c.Timings.PollInterval},
		{"RETRY_INTERVAL", &c.Timings.RetryInterval},
		{"ROUND_TTL", &c.Redis.RoundTTL},
	}
	for _, d := range durations {
		v, ok := getenv(d.key)
		if !ok {
			continue
		}
		if err := d.dst.UnmarshalText([]byte(v)); err != nil {
			return rolloverbot.NewConfigurationError(d.key, err)
		}
	}

	if v, ok := getenv("CONFIRMATION_TIMEOUT"); ok {
		d := new(Duration)
		if err := d.UnmarshalText([]byte(v)); err != nil {
			return rolloverbot.NewConfigurationError("CONFIRMATION_TIMEOUT", err)
		}
		c.Timings.ConfirmationTimeout = d
	}
	return nil
}

// Validate checks the settings that cannot fall back to a default.
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return rolloverbot.NewConfigurationError("PRIVATE_KEY", ErrPrivateKeyMissing)
	}
	if err := validateRPCURL(c.RPCURL); err != nil {
		return rolloverbot.NewConfigurationError("rpc_url", err)
	}
	if c.ChainID == 0 {
		return rolloverbot.NewConfigurationError("chain_id", errors.New("must be positive"))
	}
	if _, err := c.SlippageDecimal(); err != nil {
		return err
	}
	if _, err := c.TxTypeByte(); err != nil {
		return err
	}
	return nil
}

// validateRPCURL accepts the transports the node client can dial. A URL
// without a scheme is an IPC socket path.
func validateRPCURL(raw string) error {
	if raw == "" {
		return errors.New("empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss", "":
		return nil
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

// ContractsConfig returns the contract settings in the form NewContracts takes.
func (c *Config) ContractsConfig() rolloverbot.ContractsConfig {
	return rolloverbot.ContractsConfig{
		Rollover:        c.Contracts.Rollover,
		RewardToken:     c.Contracts.RewardToken,
		BaseAsset:       c.Contracts.BaseAsset,
		Router:          c.Contracts.Router,
		RolloverABIPath: c.Contracts.RolloverABI,
		TokenABIPath:    c.Contracts.TokenABI,
		RouterABIPath:   c.Contracts.RouterABI,
	}
}

// SchedulerTimings overlays the configured timings on the defaults.
func (c *Config) SchedulerTimings() rolloverbot.Timings {
	t := rolloverbot.DefaultTimings()
	overlay := []struct {
		src Duration
		dst *time.Duration
	}{
		{c.Timings.GuardBand, &t.GuardBand},
		{c.Timings.WakeBeforeDeadline, &t.WakeBeforeDeadline},
		{c.Timings.LongSleepThreshold, &t.LongSleepThreshold},
		{c.Timings.RolloverGrace, &t.RolloverGrace},
		{c.Timings.Cooldown, &t.Cooldown},
		{c.Timings.SwapDeadline, &t.SwapDeadline},
		{c.Timings.PollInterval, &t.ReceiptPollInterval},
		{c.Timings.RetryInterval, &t.SubmitRetryInterval},
	}
	for _, o := range overlay {
		if o.src > 0 {
			*o.dst = time.Duration(o.src)
		}
	}
	if ct := c.Timings.ConfirmationTimeout; ct != nil && *ct >= 0 {
		t.ConfirmationTimeout = time.Duration(*ct)
	}
	return t
}

func (c *Config) SlippageDecimal() (decimal.Decimal, error) {
	s, err := decimal.NewFromString(c.Slippage)
	if err != nil {
		return decimal.Zero, rolloverbot.NewConfigurationError("slippage", err)
	}
	if s.IsNegative() || s.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, rolloverbot.NewConfigurationError("slippage", fmt.Errorf("%s is outside [0, 1)", c.Slippage))
	}
	return s, nil
}

// TxTypeByte maps the tx_type setting to a transaction type.
func (c *Config) TxTypeByte() (uint8, error) {
	switch strings.ToLower(c.TxType) {
	case "", TxTypeLegacy:
		return 0, nil
	case TxTypeDynamic:
		return 2, nil
	default:
		return 0, rolloverbot.NewConfigurationError("tx_type", fmt.Errorf("unknown type %q", c.TxType))
	}
}

// LogFile returns the configured log file, or rollover_<unix>.log.
func (c *Config) LogFile(now time.Time) string {
	if c.Log.File != "" {
		return c.Log.File
	}
	return fmt.Sprintf("rollover_%d.log", now.Unix())
}
