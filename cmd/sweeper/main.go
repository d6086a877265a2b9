// sweeper expires overdue signature requests and sends expiration
// warnings. With --once it performs a single sweep for an external
// scheduler; otherwise it sweeps on an interval until interrupted.
// Concurrent instances coordinate through an optional Redis lease.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"signflow/app"
	"signflow/config"
	"signflow/expiration"
)

type options struct {
	configPath string
	once       bool
	interval   time.Duration
	redisAddr  string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("sweeper", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", os.Getenv(config.EnvConfigPath), "path to a YAML configuration file")
	flagSet.BoolVar(&opts.once, "once", false, "run a single sweep and exit")
	flagSet.DurationVar(&opts.interval, "interval", 0, "sweep interval (default: sweep.interval from config)")
	flagSet.StringVar(&opts.redisAddr, "redis-addr", "", "redis address for the sweep lease (default: sweep.redis_addr from config)")
	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return options{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	cfg, err := config.LoadFile(opts.configPath)
	if err != nil {
		return err
	}
	if opts.interval > 0 {
		cfg.Sweep.Interval = opts.interval
	}
	if opts.redisAddr != "" {
		cfg.Sweep.RedisAddr = opts.redisAddr
	}
	if violations := cfg.Validate(); len(violations) > 0 {
		for _, v := range violations {
			fmt.Fprintln(os.Stderr, v)
		}
		return errors.New("invalid configuration")
	}

	log := app.NewLogger(slog.LevelInfo)
	deps, err := app.Open(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("bootstrap storage: %w", err)
	}
	defer deps.Close()

	var locker expiration.Locker = expiration.NoopLocker{}
	if cfg.Sweep.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Sweep.RedisAddr})
		defer client.Close()
		locker = expiration.NewRedisLocker(client)
	}

	mgr := expiration.NewManager(deps.Store, deps.Audit, deps.Notifier, cfg, log)
	sweeper := expiration.NewSweeper(mgr, locker, cfg.Sweep.LockTTL, log)
	return sweep(ctx, sweeper, opts.once, cfg.Sweep.Interval, stdout)
}

func sweep(ctx context.Context, sweeper *expiration.Sweeper, once bool, interval time.Duration, stdout io.Writer) error {
	enc := json.NewEncoder(stdout)
	if once {
		res, ran, err := sweeper.RunOnce(ctx)
		if err != nil {
			return err
		}
		return enc.Encode(report{Ran: ran, Result: res})
	}

	err := sweeper.Run(ctx, interval, func(res expiration.CheckResult) {
		_ = enc.Encode(report{Ran: true, Result: res})
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type report struct {
	Ran    bool                   `json:"ran"`
	Result expiration.CheckResult `json:"result"`
}
