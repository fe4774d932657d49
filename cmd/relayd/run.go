package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/erfanmomeniii/relay"
	"github.com/erfanmomeniii/relay/config"
	"github.com/erfanmomeniii/relay/messagebox"
)

func newRunCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run every configured instance until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log.With("component", "cmd.run"))
		},
	}
}

// run provisions every instance of cfg and blocks until ctx is done.
func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	repo, repoCloser, err := cfg.OpenRepository(ctx)
	if err != nil {
		return fmt.Errorf("open messagebox: %w", err)
	}
	defer repoCloser.Close()

	registry, err := relay.NewInstanceRegistry()
	if err != nil {
		return err
	}
	box := messagebox.New(repo, registry, messagebox.WithLogger(log))
	engine := relay.NewEngine(box, registry,
		relay.WithEngineLogger(log),
		relay.WithSweeper(messagebox.NewSweeper(box, cfg.SweepInterval(), log)),
	)

	var (
		counters = &relay.Counters{}
		dlq      = cfg.NewDeadLetterQueue()
		health   = make(map[string]*relay.HealthCheck, len(cfg.Instances))
		closers  []io.Closer
	)
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				log.Warn("failed to close connector", "error", err)
			}
		}
	}()

	factories := cfg.Factories(log)
	for _, ic := range cfg.Instances {
		h := relay.NewHealthCheck(0, 0)
		opts := append(cfg.AdapterOptions(ic),
			relay.WithDeadLetterQueue(dlq),
			relay.WithMetrics(counters),
			relay.WithHealthCheck(h),
		)
		pollOpts := append(ic.PollingOptions(), relay.WithPollMetrics(counters))
		c, err := engine.Provision(factories, ic.Instance(), pollOpts, opts...)
		if err != nil {
			return fmt.Errorf("provision instance %q: %w", ic.ID, err)
		}
		if closer, ok := c.Adapter().Connector().(io.Closer); ok {
			closers = append(closers, closer)
		}
		health[ic.ID] = h
	}

	log.Info("relay started", "instances", len(cfg.Instances), "store", storeDriver(cfg))
	err = engine.Run(ctx)
	report(ctx, log, counters, health, dlq)
	return err
}

func storeDriver(cfg *config.Config) string {
	if cfg.Store.Driver == "" {
		return config.DriverMemory
	}
	return cfg.Store.Driver
}

// report logs the totals of the run and the health of every instance.
func report(ctx context.Context, log *slog.Logger, counters *relay.Counters, health map[string]*relay.HealthCheck, dlq relay.DeadLetterQueue) {
	s := counters.Snapshot()
	dead, err := dlq.Count(context.WithoutCancel(ctx))
	if err != nil {
		log.Warn("failed to count dead letters", "error", err)
	}
	log.Info("relay stopped",
		"read", s.Read,
		"stored", s.Stored,
		"written", s.Written,
		"skipped", s.Skipped,
		"errors", s.Errors,
		"dead_letters", dead,
	)
	for id, h := range health {
		d := h.Details()
		if d.Status != relay.HealthStatusHealthy {
			log.Warn("instance unhealthy", "instance", id, "status", d.Status, "last_error", d.LastError)
		}
	}
}
