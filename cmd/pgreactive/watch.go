package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lxsystems/pgreactive/pkg/dbsession/pgxadapter"
	"github.com/lxsystems/pgreactive/pkg/metrics"
	"github.com/lxsystems/pgreactive/pkg/reactive"
	"github.com/lxsystems/pgreactive/pkg/tailer"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Re-run a row-count query on the first tailed table whenever it changes",
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	if cfg.Postgres.ConnString == "" {
		return fmt.Errorf("postgres.connString is not set")
	}
	if len(cfg.Tailer.OnlyIncludeTables) == 0 {
		return fmt.Errorf("tailer.onlyIncludeTables must be non-empty")
	}
	watched := cfg.Tailer.OnlyIncludeTables[0]

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

	countQuery := fmt.Sprintf("select count(*) from %s", watched)
	query := func(qctx context.Context) (int64, error) {
		rows, err := pool.Query(qctx, countQuery)
		if err != nil {
			return 0, err
		}
		defer rows.Close()

		var count int64
		if rows.Next() {
			if err := rows.Scan(&count); err != nil {
				return 0, err
			}
		}
		return count, rows.Err()
	}

	alwaysInvalidate := func(_ context.Context, _ map[string]any, _ int64) (bool, error) {
		return true, nil
	}

	done := make(chan struct{})
	var once sync.Once
	closeDone := func() { once.Do(func() { close(done) }) }

	runner := reactive.New[int64](ctx, t.Stream(), query, reactive.Handlers[int64]{
		watched: {
			Insert: alwaysInvalidate,
			Update: alwaysInvalidate,
			Delete: alwaysInvalidate,
		},
	}, reactive.Observer[int64]{
		OnNext: func(count int64) {
			fmt.Printf("%s: %d rows\n", watched, count)
		},
		OnError: func(err error) {
			logger.Error("reactive query runner terminated", zap.Error(err))
			closeDone()
		},
	}, logger)

	logger.Info("watching", zap.String("table", watched), zap.String("slot", t.SlotName()))

	select {
	case <-ctx.Done():
	case <-done:
	}

	runner.Unsubscribe()
	t.Teardown(context.Background())
	cancel()
	wg.Wait()
	return nil
}
