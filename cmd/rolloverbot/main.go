package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/KyberNetwork/logger"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/tranvictor/rolloverbot"
	"github.com/tranvictor/rolloverbot/idempotency"
	"github.com/tranvictor/rolloverbot/internal/config"
	redisstore "github.com/tranvictor/rolloverbot/persistence/redis"
)

// final actions older than this are pruned from Redis at startup
const actionRetention = 7 * 24 * time.Hour

type flags struct {
	configPath string
	envFile    string
	logFile    string
	logLevel   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:          "rolloverbot <position>",
		Short:        "Roll over a position at every round boundary and swap the rewards",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			position, err := parsePosition(args[0])
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, position, f)
		},
	}
	cmd.Flags().StringVar(&f.configPath, "config", "", "optional TOML config file")
	cmd.Flags().StringVar(&f.envFile, "env-file", config.DefaultEnvFile, ".env file read before the environment")
	cmd.Flags().StringVar(&f.logFile, "log-file", "", "log file (default rollover_<unix>.log)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	return cmd
}

func parsePosition(arg string) (uint64, error) {
	position, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, rolloverbot.NewConfigurationError("position", fmt.Errorf("%q is not a non-negative integer", arg))
	}
	return position, nil
}

func initLogger(cfg *config.Config, f *flags) (string, error) {
	if f.logFile != "" {
		cfg.Log.File = f.logFile
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	file := cfg.LogFile(time.Now())
	_, err := logger.InitLogger(logger.Configuration{
		EnableConsole: true,
		ConsoleLevel:  cfg.Log.Level,
		EnableFile:    true,
		FileLevel:     cfg.Log.Level,
		FileLocation:  file,
	}, logger.LoggerBackendZap)
	return file, err
}

func run(ctx context.Context, position uint64, f *flags) error {
	cfg, err := config.Load(f.configPath, f.envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	logFile, err := initLogger(cfg, f)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	bot, err := build(ctx, position, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		logger.WithFields(logger.Fields{
			"position": position,
			"error":    err,
		}).Error("failed to start")
		return err
	}
	defer bot.close()

	logger.WithFields(logger.Fields{
		"position": position,
		"wallet":   bot.state.Address().Hex(),
		"rpc":      cfg.RPCURL,
		"chain_id": cfg.ChainID,
		"redis":    cfg.Redis.URL != "",
		"log_file": logFile,
	}).Info("rollover bot starting")

	recoverPending(ctx, bot.scheduler)

	err = bot.scheduler.Run(ctx)
	if ctx.Err() != nil {
		logger.WithFields(logger.Fields{
			"position": position,
			"state":    bot.scheduler.State(),
		}).Info("rollover bot stopped")
		return nil
	}
	return err
}

type recoverer interface {
	Recover(ctx context.Context) (*rolloverbot.RecoveryResult, error)
}

// recoverPending reconciles actions left by an earlier process. A failure is
// logged and the loop starts regardless; the actions stay pending for the
// next restart.
func recoverPending(ctx context.Context, r recoverer) *rolloverbot.RecoveryResult {
	result, err := r.Recover(ctx)
	if err != nil {
		logger.WithFields(logger.Fields{
			"error": err,
		}).Warn("recovery failed. Ignore and continue")
		return result
	}
	logger.WithFields(logger.Fields{
		"mined":    result.Mined,
		"reverted": result.Reverted,
		"dropped":  result.Dropped,
		"resumed":  result.Resumed,
		"errors":   len(result.Errors),
	}).Info("recovery finished")
	return result
}

// retryStartup runs fn until it succeeds, pausing between attempts. Only a
// configuration error, or ctx ending, stops it early.
func retryStartup(ctx context.Context, clock rolloverbot.Clock, pause time.Duration, op string, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if rolloverbot.IsConfiguration(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		logger.WithFields(logger.Fields{
			"op":      op,
			"attempt": attempt,
			"pause":   pause,
			"error":   err,
		}).Warn("startup check failed, retrying")
		if err := clock.Sleep(ctx, pause); err != nil {
			return err
		}
	}
}

type chainIDReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// checkChainID fails with a configuration error when the node serves another chain.
func checkChainID(ctx context.Context, node chainIDReader, want uint64) (*big.Int, error) {
	id, err := node.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	if id.Uint64() != want {
		return nil, rolloverbot.NewConfigurationError("chain_id", fmt.Errorf("node reports chain %s, configured %d", id, want))
	}
	return id, nil
}

type bot struct {
	state     *rolloverbot.BotState
	scheduler *rolloverbot.Scheduler
	redis     goredis.UniversalClient
}

func (b *bot) close() {
	if b.redis != nil {
		_ = b.redis.Close()
	}
}

func build(ctx context.Context, position uint64, cfg *config.Config) (*bot, error) {
	contracts, err := rolloverbot.NewContracts(cfg.ContractsConfig())
	if err != nil {
		return nil, err
	}

	timings := cfg.SchedulerTimings()
	clock := rolloverbot.SystemClock()

	var gateway *rolloverbot.EthGateway
	var chainID *big.Int
	err = retryStartup(ctx, clock, timings.ErrorRecoveryPause, "connect_node", func(ctx context.Context) error {
		if gateway == nil {
			g, dialErr := rolloverbot.DialEthGateway(ctx, cfg.RPCURL, contracts)
			if dialErr != nil {
				return dialErr
			}
			gateway = g
		}
		id, checkErr := checkChainID(ctx, gateway, cfg.ChainID)
		if checkErr != nil {
			return checkErr
		}
		chainID = id
		return nil
	})
	if err != nil {
		return nil, err
	}

	wallet, err := rolloverbot.NewWallet(cfg.PrivateKey, chainID)
	if err != nil {
		return nil, err
	}
	state, err := rolloverbot.NewBotState(position, wallet)
	if err != nil {
		return nil, err
	}

	b := &bot{state: state}
	var actions rolloverbot.ActionStore = rolloverbot.NewInMemoryActionStore()
	var rounds idempotency.Store = idempotency.NewInMemoryStore(time.Duration(cfg.Redis.RoundTTL))
	if cfg.Redis.URL != "" {
		opts, err := goredis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, rolloverbot.NewConfigurationError("redis.url", err)
		}
		b.redis = goredis.NewClient(opts)
		err = retryStartup(ctx, clock, timings.ErrorRecoveryPause, "redis_ping", func(ctx context.Context) error {
			if pingErr := b.redis.Ping(ctx).Err(); pingErr != nil {
				return &rolloverbot.NetworkError{Op: "redis_ping", Err: pingErr}
			}
			return nil
		})
		if err != nil {
			b.close()
			return nil, err
		}
		prefix := cfg.Redis.KeyPrefix
		if prefix == "" {
			prefix = fmt.Sprintf("position-%d", position)
		}
		redisActions := redisstore.NewActionStore(b.redis, redisstore.WithActionStoreKeyPrefix(prefix))
		if pruned, err := redisActions.DeleteOlderThan(ctx, actionRetention); err != nil {
			logger.WithFields(logger.Fields{"error": err}).Warn("pruning old actions failed")
		} else if pruned > 0 {
			logger.WithFields(logger.Fields{"pruned": pruned}).Info("pruned old actions")
		}
		actions = redisActions
		rounds = redisstore.NewIdempotencyStore(b.redis,
			redisstore.WithIdempotencyStoreKeyPrefix(prefix),
			redisstore.WithIdempotencyStoreTTL(time.Duration(cfg.Redis.RoundTTL)),
		)
	}

	txType, err := cfg.TxTypeByte()
	if err != nil {
		b.close()
		return nil, err
	}
	slippage, err := cfg.SlippageDecimal()
	if err != nil {
		b.close()
		return nil, err
	}

	waiter, err := rolloverbot.NewWaiter(gateway,
		rolloverbot.WithPollInterval(timings.ReceiptPollInterval),
		rolloverbot.WithConfirmationTimeout(timings.ConfirmationTimeout),
		rolloverbot.WithWaiterActionStore(actions),
	)
	if err != nil {
		b.close()
		return nil, err
	}
	submitter, err := rolloverbot.NewSubmitter(gateway, state,
		rolloverbot.WithActionStore(actions),
		rolloverbot.WithWaiter(waiter),
		rolloverbot.WithErrorDecoder(contracts.ErrorDecoder()),
		rolloverbot.WithRetryInterval(timings.SubmitRetryInterval),
		rolloverbot.WithTxType(txType),
	)
	if err != nil {
		b.close()
		return nil, err
	}
	swapper, err := rolloverbot.NewSwapper(gateway, submitter, contracts, state,
		rolloverbot.WithSlippage(slippage),
		rolloverbot.WithSwapDeadline(timings.SwapDeadline),
	)
	if err != nil {
		b.close()
		return nil, err
	}
	b.scheduler, err = rolloverbot.NewScheduler(gateway, submitter, swapper, contracts, state,
		rolloverbot.WithIdempotencyStore(rounds),
		rolloverbot.WithTimings(timings),
	)
	if err != nil {
		b.close()
		return nil, err
	}
	return b, nil
}
