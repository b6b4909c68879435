// Package tailer wires the Slot Manager, Change Poller, Event
// Decoder, and Change Stream into the single owning handle
// owning handle: the Tailer owns the slot, the held session, and the
// poller's goroutine for its entire lifetime, and Teardown is the
// only way to release them in order.
package tailer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/lxsystems/pgreactive/pkg/change"
	"github.com/lxsystems/pgreactive/pkg/dbsession"
	"github.com/lxsystems/pgreactive/pkg/poller"
	"github.com/lxsystems/pgreactive/pkg/slot"
)

// ErrNoTables is returned when Config.OnlyIncludeTables is empty.
var ErrNoTables = errors.New("only_include_tables must be non-empty")

// Tailer is a live Change Stream: one slot, one held session, one poller,
// fanning decoded events out to subscribers.
type Tailer struct {
	pool    dbsession.Pool
	session dbsession.Session
	slotMgr *slot.Manager
	poller  *poller.Poller
	stream  *change.Stream
	logger  *zap.Logger

	teardownOnce sync.Once
}

// New creates the slot, acquires the dedicated session, and starts polling.
// On any error other than a successfully-handled one, resources acquired so
// far are released before returning.
func New(ctx context.Context, pool dbsession.Pool, cfg Config, logger *zap.Logger) (*Tailer, error) {
	if len(cfg.OnlyIncludeTables) == 0 {
		return nil, ErrNoTables
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	session, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire dedicated session: %w", err)
	}

	slotMgr := slot.New(session, cfg.SlotID, logger)
	if err := slotMgr.Create(ctx); err != nil {
		session.Release()
		return nil, err
	}

	tables := change.NewTableSet(cfg.OnlyIncludeTables, cfg.assumeSchema())
	identity := change.NewIdentityPolicy(cfg.PrimaryKeyMap)
	decoder := change.NewDecoder(tables, identity)
	stream := change.NewStream(logger)

	p := poller.New(poller.Config{
		Session:   session,
		SlotMgr:   slotMgr,
		Decoder:   decoder,
		Stream:    stream,
		AddTables: tables.AddTables(),
		Interval:  cfg.PollInterval,
		Logger:    logger,
	})
	p.Start(ctx)

	return &Tailer{
		pool:    pool,
		session: session,
		slotMgr: slotMgr,
		poller:  p,
		stream:  stream,
		logger:  logger,
	}, nil
}

// Subscribe registers obs against the underlying Change Stream.
func (t *Tailer) Subscribe(obs *change.Observer) *change.Subscription {
	return t.stream.Subscribe(obs)
}

// SlotName returns the opaque slot name this tailer owns.
func (t *Tailer) SlotName() string { return t.slotMgr.Name() }

// Stream exposes the underlying Change Stream for callers, such as the
// reactive query runner, that need to construct their own Observer
// rather than go through Subscribe.
func (t *Tailer) Stream() *change.Stream { return t.stream }

// Teardown is idempotent and strictly ordered: stop
// polling, drop the slot (best effort), release the session, then complete
// the stream. After it returns, new Subscribe calls get an immediate
// complete with no events.
func (t *Tailer) Teardown(ctx context.Context) {
	t.teardownOnce.Do(func() {
		t.poller.Stop()
		t.slotMgr.Drop(ctx)
		t.session.Release()
		t.stream.Complete()
		t.logger.Info("tailer torn down", zap.String("slot", t.slotMgr.Name()))
	})
}
