package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lxsystems/pgreactive/pkg/change"
	"github.com/lxsystems/pgreactive/pkg/dbsession/pgxadapter"
	"github.com/lxsystems/pgreactive/pkg/metrics"
	"github.com/lxsystems/pgreactive/pkg/tailer"
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print decoded change events as they arrive",
	RunE:  runTail,
}

func runTail(cmd *cobra.Command, args []string) error {
	if cfg.Postgres.ConnString == "" {
		return fmt.Errorf("postgres.connString is not set")
	}
	if len(cfg.Tailer.OnlyIncludeTables) == 0 {
		return fmt.Errorf("tailer.onlyIncludeTables must be non-empty")
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	pool, err := pgxadapter.NewPool(ctx, cfg.Postgres.ConnString)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()

	var wg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metrics.StartServer(ctx, &wg, &metrics.ServerOpts{Addr: cfg.Metrics.Addr})
	}

	t, err := tailer.New(ctx, pool, tailer.Config{
		SlotID:            cfg.Tailer.SlotID,
		PollInterval:      cfg.Tailer.PollInterval,
		AssumeSchema:      cfg.Tailer.AssumeSchema,
		PrimaryKeyMap:     cfg.Tailer.PrimaryKeyMap,
		OnlyIncludeTables: cfg.Tailer.OnlyIncludeTables,
	}, logger)
	if err != nil {
		return fmt.Errorf("start tailer: %w", err)
	}

	done := make(chan struct{})
	enc := json.NewEncoder(os.Stdout)
	t.Subscribe(&change.Observer{
		OnNext: func(evt change.Event) {
			enc.Encode(map[string]any{
				"table":   evt.Table,
				"kind":    evt.Kind,
				"payload": evt.Payload(),
			})
		},
		OnError: func(err error) {
			logger.Error("change stream terminated", zap.Error(err))
			close(done)
		},
		OnComplete: func() {
			close(done)
		},
	})

	logger.Info("tailing", zap.String("slot", t.SlotName()), zap.Strings("tables", cfg.Tailer.OnlyIncludeTables))

	select {
	case <-ctx.Done():
	case <-done:
	}

	t.Teardown(context.Background())
	cancel()
	wg.Wait()
	return nil
}
