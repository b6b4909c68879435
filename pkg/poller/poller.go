// Package poller implements the Change Poller: a ticker-driven loop
// that pulls one batch of decoded changes from a slot per tick, decodes
// them, and publishes them to a Change Stream.
package poller

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/lxsystems/pgreactive/pkg/change"
	"github.com/lxsystems/pgreactive/pkg/dbsession"
	"github.com/lxsystems/pgreactive/pkg/metrics"
	"github.com/lxsystems/pgreactive/pkg/slot"
)

// DefaultInterval is the caller-overridable default poll_interval.
const DefaultInterval = 50 * time.Millisecond

// Poller periodically issues pg_logical_slot_get_changes against one slot
// and hands decoded events to a Stream. The overlap guard below is a field
// on this struct, never package-level state.
type Poller struct {
	session   dbsession.Session
	slotMgr   *slot.Manager
	decoder   *change.Decoder
	stream    *change.Stream
	addTables string
	interval  time.Duration
	logger    *zap.Logger

	polling atomic.Bool // overlap guard, stream-scoped

	cancel context.CancelFunc
	done   chan struct{}
}

// Config bundles the fixed, per-stream inputs a Poller needs.
type Config struct {
	Session   dbsession.Session
	SlotMgr   *slot.Manager
	Decoder   *change.Decoder
	Stream    *change.Stream
	AddTables string
	Interval  time.Duration
	Logger    *zap.Logger
}

// New builds a Poller. It does not start polling until Start is called.
func New(cfg Config) *Poller {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		session:   cfg.Session,
		slotMgr:   cfg.SlotMgr,
		decoder:   cfg.Decoder,
		stream:    cfg.Stream,
		addTables: cfg.AddTables,
		interval:  interval,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start launches the polling goroutine against a child of ctx.
func (p *Poller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	go p.loop(ctx)
}

// Stop cancels the polling goroutine's context and blocks until an
// in-flight poll has finished and the loop has exited.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick runs at most one poll per call and is itself guarded by the overlap
// flag: if the previous tick's poll is still executing, this tick is
// skipped entirely; the next tick is the next opportunity.
func (p *Poller) tick(ctx context.Context) {
	if !p.polling.CompareAndSwap(false, true) {
		metrics.PollsTotal.WithLabelValues(p.slotMgr.Name(), "skipped_overlap").Inc()
		return
	}
	defer p.polling.Store(false)

	if err := p.poll(ctx); err != nil {
		if ctx.Err() != nil {
			// Context was canceled (teardown); not a transport error.
			return
		}
		p.logger.Error("poll failed, terminating stream", zap.Error(err))
		metrics.PollsTotal.WithLabelValues(p.slotMgr.Name(), "error").Inc()
		p.stream.Error(err)
		p.cancel()
		return
	}
	metrics.PollsTotal.WithLabelValues(p.slotMgr.Name(), "ok").Inc()
}

// poll issues one "get changes" request, decodes it, and publishes the
// resulting events in decoder order. A 42704 ("slot missing") error
// triggers a one-shot slot recreate followed by a single retry.
func (p *Poller) poll(ctx context.Context) error {
	timer := prometheus.NewTimer(metrics.PollDuration.WithLabelValues(p.slotMgr.Name()))
	defer timer.ObserveDuration()

	rows, err := p.getChanges(ctx)
	if err != nil {
		if slot.IsSlotMissing(err) {
			if recErr := p.slotMgr.Recover(ctx); recErr != nil {
				return recErr
			}
			rows, err = p.getChanges(ctx)
			if err != nil {
				return err
			}
		} else {
			return err
		}
	}

	for _, row := range rows {
		if _, parseErr := pglogrepl.ParseLSN(row.lsn); parseErr != nil {
			p.logger.Debug("could not parse lsn, continuing", zap.String("lsn", row.lsn), zap.Error(parseErr))
		}

		events, decErr := p.decoder.Decode(row.data)
		if decErr != nil {
			metrics.DecodeErrors.WithLabelValues(p.slotMgr.Name()).Inc()
			return errors.New("decode change batch: " + decErr.Error())
		}

		for _, evt := range events {
			metrics.EventsDecoded.WithLabelValues(p.slotMgr.Name(), evt.Table, string(evt.Kind)).Inc()
			p.stream.Next(evt)
		}
	}

	return nil
}

type changeRow struct {
	lsn  string
	data []byte
}

// getChanges issues the literal pg_logical_slot_get_changes statement,
// scanning every (lsn, data) row of the batch before returning.
func (p *Poller) getChanges(ctx context.Context) ([]changeRow, error) {
	rows, err := p.session.Query(ctx,
		`select lsn, data from pg_catalog.pg_logical_slot_get_changes($1, $2, $3, 'include-transaction', 'false', 'add-tables', $4)`,
		p.slotMgr.Name(), nil, nil, p.addTables)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []changeRow
	for rows.Next() {
		var r changeRow
		if err := rows.Scan(&r.lsn, &r.data); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
