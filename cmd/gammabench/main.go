package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/gammastm/gamma/pkg/barrier"
	"github.com/gammastm/gamma/pkg/gamma"
)

type options struct {
	configPath string
	logLevel   string
	workers    int
	iterations int
	refs       int
}

func main() {
	os.Exit(realMain())
}

func realMain() int {
	var opts options
	root := &cobra.Command{
		Use:          "gammabench",
		Short:        "stress the gamma transactional memory",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "toml file with the transaction config")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	root.PersistentFlags().IntVarP(&opts.workers, "workers", "w", 8, "number of concurrent workers")
	root.PersistentFlags().IntVarP(&opts.iterations, "iterations", "n", 10000, "transactions per worker")
	root.PersistentFlags().IntVar(&opts.refs, "refs", 4, "refs touched by every transaction")

	root.AddCommand(
		&cobra.Command{
			Use:   "counter",
			Short: "increment shared counters and check no update is lost",
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd.Context(), &opts, benchCounter)
			},
		},
		&cobra.Command{
			Use:   "handoff",
			Short: "pass a token between workers through blocking retries",
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd.Context(), &opts, benchHandoff)
			},
		},
		&cobra.Command{
			Use:   "barrier",
			Short: "commit groups of transactions through commit barriers",
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd.Context(), &opts, benchBarrier)
			},
		},
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "gammabench: %v\n", err)
		return 1
	}
	return 0
}

type bench func(ctx context.Context, s *gamma.Stm, opts *options, logger *zap.Logger) error

func run(ctx context.Context, opts *options, b bench) error {
	logger, err := newLogger(opts.logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	cfg := gamma.DefaultTxnConfig()
	if opts.configPath != "" {
		if cfg, err = gamma.LoadTxnConfig(opts.configPath); err != nil {
			return errors.WithMessagef(err, "load %s", opts.configPath)
		}
	}

	reg := prometheus.NewRegistry()
	metrics, err := gamma.NewMetrics(reg)
	if err != nil {
		return err
	}
	s, err := gamma.New(
		gamma.WithLogger(logger),
		gamma.WithMetrics(metrics),
		gamma.WithDefaultTxnConfig(cfg),
	)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := b(ctx, s, opts, logger); err != nil {
		return err
	}
	logger.Info("bench finished",
		zap.Duration("elapsed", time.Since(start)),
		zap.Uint64("global-conflicts", s.GlobalConflictCount()),
		zap.Stringer("speculative-configuration", s.DefaultTxnFactory().SpeculativeConfiguration()))
	return report(reg, logger)
}

func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, errors.WithStack(err)
	}
	cfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	return logger, errors.WithStack(err)
}

// report logs every non zero counter gathered from reg.
func report(reg *prometheus.Registry, logger *zap.Logger) error {
	families, err := reg.Gather()
	if err != nil {
		return errors.WithStack(err)
	}
	for _, family := range families {
		for _, m := range family.GetMetric() {
			fields := []zap.Field{zap.Float64("value", m.GetCounter().GetValue())}
			for _, label := range m.GetLabel() {
				fields = append(fields, zap.String(label.GetName(), label.GetValue()))
			}
			logger.Info(family.GetName(), fields...)
		}
	}
	return nil
}

func benchCounter(ctx context.Context, s *gamma.Stm, opts *options, logger *zap.Logger) error {
	refs := make([]*gamma.Ref[int], opts.refs)
	for i := range refs {
		refs[i] = gamma.NewRef(s, 0)
	}

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.workers; w++ {
		g.Go(func() error {
			for i := 0; i < opts.iterations; i++ {
				err := s.Atomic(ctx, func(txn *gamma.Txn) error {
					for _, ref := range refs {
						if _, err := ref.Alter(txn, func(v int) int { return v + 1 }); err != nil {
							return err
						}
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	want := opts.workers * opts.iterations
	for i, ref := range refs {
		got, err := ref.AtomicGet()
		if err != nil {
			return err
		}
		if got != want {
			return errors.Errorf("ref %d: lost updates, got %d want %d", i, got, want)
		}
	}
	logger.Info("counters consistent", zap.Int("value", want), zap.Int("refs", len(refs)))
	return nil
}

// benchHandoff passes a token around a ring of workers. Each worker waits
// with a blocking retry until the token reaches it.
func benchHandoff(ctx context.Context, s *gamma.Stm, opts *options, logger *zap.Logger) error {
	turn := gamma.NewRef(s, 0)
	rounds := gamma.NewRef(s, 0)
	workers := opts.workers

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		id := w
		g.Go(func() error {
			for i := 0; i < opts.iterations; i++ {
				err := s.Atomic(ctx, func(txn *gamma.Txn) error {
					current, err := turn.Get(txn)
					if err != nil {
						return err
					}
					if current != id {
						return txn.Retry()
					}
					if err := turn.Set(txn, (id+1)%workers); err != nil {
						return err
					}
					return rounds.Commute(txn, func(v int) int { return v + 1 })
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	total, err := rounds.AtomicGet()
	if err != nil {
		return err
	}
	logger.Info("token passed", zap.Int("handoffs", total))
	return nil
}

// benchBarrier transfers between two accounts per worker pair, committing
// both halves of every transfer through one CountDownCommitBarrier.
func benchBarrier(ctx context.Context, s *gamma.Stm, opts *options, logger *zap.Logger) error {
	const initial = 1000000
	accounts := make([]*gamma.Ref[int], 2*opts.workers)
	for i := range accounts {
		accounts[i] = gamma.NewRef(s, initial)
	}

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.workers; w++ {
		from, to := accounts[2*w], accounts[2*w+1]
		g.Go(func() error {
			for i := 0; i < opts.iterations; i++ {
				if err := transfer(ctx, s, from, to); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	sum := 0
	for _, account := range accounts {
		v, err := account.AtomicGet()
		if err != nil {
			return err
		}
		sum += v
	}
	if sum != initial*len(accounts) {
		return errors.Errorf("barrier commits not atomic, total %d want %d", sum, initial*len(accounts))
	}
	logger.Info("barrier transfers consistent", zap.Int("total", sum))
	return nil
}

// transfer withdraws and deposits in two transactions that commit together.
// A failed attempt aborts the barrier and is tried again.
func transfer(ctx context.Context, s *gamma.Stm, from, to *gamma.Ref[int]) error {
	for {
		b, err := barrier.NewCountDownCommitBarrier(2, barrier.WithLogger(s.Logger()), barrier.WithMetrics(s.Metrics()))
		if err != nil {
			return err
		}

		withdraw, deposit := s.Begin(), s.Begin()
		if _, err := from.Alter(withdraw, func(v int) int { return v - 1 }); err != nil {
			deposit.Abort() //nolint:errcheck
			if gamma.IsControlFlow(err) {
				continue
			}
			return err
		}
		if _, err := to.Alter(deposit, func(v int) int { return v + 1 }); err != nil {
			withdraw.Abort() //nolint:errcheck
			if gamma.IsControlFlow(err) {
				continue
			}
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return b.JoinCommit(gctx, withdraw) })
		g.Go(func() error { return b.JoinCommit(gctx, deposit) })
		err = g.Wait()
		if err == nil {
			return nil
		}
		// A prepare that failed was not counted, the other party is still
		// waiting.
		b.Abort()        //nolint:errcheck
		withdraw.Abort() //nolint:errcheck
		deposit.Abort()  //nolint:errcheck
		if !gamma.IsControlFlow(err) && !errors.Is(err, barrier.ErrCommitBarrierAborted) {
			return err
		}
	}
}
