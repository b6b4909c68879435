package tailer_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lxsystems/pgreactive/internal/testutil/pgtest"
	"github.com/lxsystems/pgreactive/pkg/change"
	"github.com/lxsystems/pgreactive/pkg/dbsession/pgxadapter"
	"github.com/lxsystems/pgreactive/pkg/reactive"
	"github.com/lxsystems/pgreactive/pkg/slot"
	"github.com/lxsystems/pgreactive/pkg/tailer"
)

// These tests need a live PostgreSQL with wal_level=logical and the wal2json
// plugin installed, pointed at by TEST_DATABASE.
func integrationPool(t *testing.T, ctx context.Context) *pgxadapter.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in -short mode")
	}
	if os.Getenv("TEST_DATABASE") == "" {
		t.Skip("TEST_DATABASE not set")
	}

	pool := pgxadapter.NewPoolFromPgxPool(pgtest.Pool(t, ctx))

	for _, stmt := range []string{
		`drop table if exists widgets`,
		`drop table if exists other_table_on_public`,
		`create table widgets (id serial primary key, kind text)`,
		`create table other_table_on_public (id serial primary key, note text)`,
	} {
		rows, err := pool.Query(ctx, stmt)
		require.NoError(t, err)
		rows.Close()
	}
	t.Cleanup(func() {
		for _, stmt := range []string{
			`drop table if exists widgets`,
			`drop table if exists other_table_on_public`,
		} {
			if rows, err := pool.Query(context.Background(), stmt); err == nil {
				rows.Close()
			}
		}
	})

	return pool
}

func exec(t *testing.T, ctx context.Context, pool *pgxadapter.Pool, sql string, args ...any) {
	t.Helper()
	rows, err := pool.Query(ctx, sql, args...)
	require.NoError(t, err)
	rows.Close()
	require.NoError(t, rows.Err())
}

// eventRecorder subscribes to a tailer and collects everything delivered.
type eventRecorder struct {
	mu     sync.Mutex
	events []change.Event
	ch     chan change.Event
}

func record(tl *tailer.Tailer) *eventRecorder {
	rec := &eventRecorder{ch: make(chan change.Event, 64)}
	tl.Subscribe(&change.Observer{OnNext: func(e change.Event) {
		rec.mu.Lock()
		rec.events = append(rec.events, e)
		rec.mu.Unlock()
		rec.ch <- e
	}})
	return rec
}

func (r *eventRecorder) next(t *testing.T, timeout time.Duration) change.Event {
	t.Helper()
	select {
	case e := <-r.ch:
		return e
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a change event")
		return change.Event{}
	}
}

func (r *eventRecorder) all() []change.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]change.Event(nil), r.events...)
}

func startTailer(t *testing.T, ctx context.Context, pool *pgxadapter.Pool, cfg tailer.Config) *tailer.Tailer {
	t.Helper()
	tl, err := tailer.New(ctx, pool, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { tl.Teardown(context.Background()) })
	return tl
}

func TestIntegration_SlotLifecycle(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t, ctx)

	tl := startTailer(t, ctx, pool, tailer.Config{
		SlotID:            "lifecycle",
		OnlyIncludeTables: []string{"widgets"},
	})

	slots, err := slot.List(ctx, pool)
	require.NoError(t, err)
	names := make([]string, 0, len(slots))
	for _, d := range slots {
		names = append(names, d.SlotName)
	}
	assert.Contains(t, names, "app_slot_lifecycle")

	tl.Teardown(ctx)

	slots, err = slot.List(ctx, pool)
	require.NoError(t, err)
	for _, d := range slots {
		assert.NotEqual(t, "app_slot_lifecycle", d.SlotName, "slot must be gone after teardown")
	}
}

func TestIntegration_InsertVisible(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t, ctx)

	tl := startTailer(t, ctx, pool, tailer.Config{OnlyIncludeTables: []string{"widgets"}})
	rec := record(tl)

	exec(t, ctx, pool, `insert into widgets (kind) values ('baseball')`)

	evt := rec.next(t, 200*time.Millisecond)
	assert.Equal(t, change.Insert, evt.Kind)
	assert.Equal(t, "widgets", evt.Table)
	assert.Equal(t, "baseball", evt.Row["kind"])
}

func TestIntegration_FilterExcludesOtherTables(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t, ctx)

	tl := startTailer(t, ctx, pool, tailer.Config{OnlyIncludeTables: []string{"widgets"}})
	rec := record(tl)

	exec(t, ctx, pool, `insert into widgets (kind) values ('baseball')`)
	exec(t, ctx, pool, `insert into other_table_on_public (note) values ('noise')`)

	evt := rec.next(t, time.Second)
	assert.Equal(t, "widgets", evt.Table)

	time.Sleep(200 * time.Millisecond)
	for _, e := range rec.all() {
		assert.Equal(t, "widgets", e.Table, "no event may leak from an unconfigured table")
	}
	assert.Len(t, rec.all(), 1)
}

func TestIntegration_UpdateShape(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t, ctx)

	exec(t, ctx, pool, `insert into widgets (kind) values ('baseball')`)

	tl := startTailer(t, ctx, pool, tailer.Config{OnlyIncludeTables: []string{"widgets"}})
	rec := record(tl)

	exec(t, ctx, pool, `update widgets set kind = 'basketball'`)

	evt := rec.next(t, time.Second)
	assert.Equal(t, change.Update, evt.Kind)
	assert.Equal(t, "widgets", evt.Table)
	assert.Equal(t, "basketball", evt.Row["kind"])
	assert.Nil(t, evt.Identity)
}

func TestIntegration_DeleteDefaultIdentity(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t, ctx)

	exec(t, ctx, pool, `insert into widgets (kind) values ('baseball')`)

	tl := startTailer(t, ctx, pool, tailer.Config{OnlyIncludeTables: []string{"widgets"}})
	rec := record(tl)

	exec(t, ctx, pool, `delete from widgets`)

	evt := rec.next(t, time.Second)
	assert.Equal(t, change.Delete, evt.Kind)
	assert.Nil(t, evt.Row)
	require.Len(t, evt.Identity, 1, "default identity is exactly the id column")
	assert.Contains(t, evt.Identity, "id")
}

func TestIntegration_DeleteIdentityOverride(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t, ctx)

	// Full replica identity so oldkeys carries non-pk columns too.
	exec(t, ctx, pool, `alter table widgets replica identity full`)
	exec(t, ctx, pool, `insert into widgets (kind) values ('baseball')`)

	tl := startTailer(t, ctx, pool, tailer.Config{
		OnlyIncludeTables: []string{"widgets"},
		PrimaryKeyMap:     map[string][]string{"widgets": {"id", "kind"}},
	})
	rec := record(tl)

	exec(t, ctx, pool, `delete from widgets`)

	evt := rec.next(t, time.Second)
	assert.Equal(t, change.Delete, evt.Kind)
	require.Len(t, evt.Identity, 2)
	assert.Contains(t, evt.Identity, "id")
	assert.Equal(t, "baseball", evt.Identity["kind"])
}

func TestIntegration_RunnerCoalescesUnderLoad(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t, ctx)

	tl := startTailer(t, ctx, pool, tailer.Config{OnlyIncludeTables: []string{"widgets"}})

	var calls atomic.Int32
	query := func(qctx context.Context) (int32, error) {
		time.Sleep(100 * time.Millisecond)
		return calls.Add(1), nil
	}

	var emissions atomic.Int32
	runner := reactive.New(ctx, tl.Stream(), query, reactive.Handlers[int32]{
		"widgets": {Insert: func(_ context.Context, _ map[string]any, _ int32) (bool, error) {
			return true, nil
		}},
	}, reactive.Observer[int32]{
		OnNext:  func(int32) { emissions.Add(1) },
		OnError: func(err error) { t.Error("runner errored:", err) },
	}, nil)
	defer runner.Unsubscribe()

	exec(t, ctx, pool, `insert into widgets (kind) values ('a')`)
	time.Sleep(10 * time.Millisecond)
	exec(t, ctx, pool, `insert into widgets (kind) values ('b')`)

	require.Eventually(t, func() bool { return emissions.Load() >= 2 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(2), emissions.Load(), "initial emission plus one coalesced follow-up")
}

func TestIntegration_RunnerUnsubscribeStopsWork(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t, ctx)

	tl := startTailer(t, ctx, pool, tailer.Config{OnlyIncludeTables: []string{"widgets"}})

	var calls atomic.Int32
	query := func(qctx context.Context) (int32, error) {
		return calls.Add(1), nil
	}

	var emissions atomic.Int32
	runner := reactive.New(ctx, tl.Stream(), query, reactive.Handlers[int32]{
		"widgets": {Insert: func(_ context.Context, _ map[string]any, _ int32) (bool, error) {
			return true, nil
		}},
	}, reactive.Observer[int32]{
		OnNext: func(int32) { emissions.Add(1) },
	}, nil)

	exec(t, ctx, pool, `insert into widgets (kind) values ('a')`)
	require.Eventually(t, func() bool { return emissions.Load() >= 2 }, 3*time.Second, 10*time.Millisecond)

	runner.Unsubscribe()

	exec(t, ctx, pool, `insert into widgets (kind) values ('b')`)
	exec(t, ctx, pool, `insert into widgets (kind) values ('c')`)
	time.Sleep(500 * time.Millisecond)

	assert.Equal(t, int32(2), calls.Load(), "query must run exactly twice in total")
	assert.Equal(t, int32(2), emissions.Load())
}

func TestIntegration_RunnerLastResultGating(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t, ctx)

	tl := startTailer(t, ctx, pool, tailer.Config{OnlyIncludeTables: []string{"widgets"}})

	countWidgets := func(qctx context.Context) (int64, error) {
		rows, err := pool.Query(qctx, `select count(*) from widgets`)
		if err != nil {
			return 0, err
		}
		defer rows.Close()
		var n int64
		if rows.Next() {
			if err := rows.Scan(&n); err != nil {
				return 0, err
			}
		}
		return n, rows.Err()
	}

	var emissions atomic.Int32
	// Re-run only while fewer than 2 rows have been observed.
	runner := reactive.New(ctx, tl.Stream(), countWidgets, reactive.Handlers[int64]{
		"widgets": {Insert: func(_ context.Context, _ map[string]any, last int64) (bool, error) {
			return last < 2, nil
		}},
	}, reactive.Observer[int64]{
		OnNext: func(int64) { emissions.Add(1) },
	}, nil)
	defer runner.Unsubscribe()

	require.Eventually(t, func() bool { return emissions.Load() == 1 }, 3*time.Second, 10*time.Millisecond)

	exec(t, ctx, pool, `insert into widgets (kind) values ('a')`)
	require.Eventually(t, func() bool { return emissions.Load() == 2 }, 3*time.Second, 10*time.Millisecond)

	exec(t, ctx, pool, `insert into widgets (kind) values ('b')`)
	require.Eventually(t, func() bool { return emissions.Load() == 3 }, 3*time.Second, 10*time.Millisecond)

	// lastResult is now 2: the predicate rejects further inserts.
	exec(t, ctx, pool, `insert into widgets (kind) values ('c')`)
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, int32(3), emissions.Load(), "predicate over lastResult must stop further re-runs")
}

func TestIntegration_MultiSchemaQualifiedEvents(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t, ctx)

	exec(t, ctx, pool, `create schema if not exists billing`)
	exec(t, ctx, pool, `drop table if exists billing.invoices`)
	exec(t, ctx, pool, `create table billing.invoices (id serial primary key, total int)`)
	t.Cleanup(func() {
		if rows, err := pool.Query(context.Background(), `drop table if exists billing.invoices`); err == nil {
			rows.Close()
		}
	})

	tl := startTailer(t, ctx, pool, tailer.Config{
		OnlyIncludeTables: []string{"public.widgets", "billing.invoices"},
	})
	rec := record(tl)

	exec(t, ctx, pool, `insert into billing.invoices (total) values (100)`)

	evt := rec.next(t, time.Second)
	assert.Equal(t, "billing.invoices", evt.Table, "mixed-schema streams deliver qualified table names")
	assert.Equal(t, float64(100), evt.Row["total"])
}

func TestIntegration_TeardownWhileInserting(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t, ctx)

	tl := startTailer(t, ctx, pool, tailer.Config{OnlyIncludeTables: []string{"widgets"}})

	completed := make(chan struct{})
	tl.Subscribe(&change.Observer{OnComplete: func() { close(completed) }})

	exec(t, ctx, pool, fmt.Sprintf(`insert into widgets (kind) values ('%s')`, "x"))
	tl.Teardown(ctx)

	select {
	case <-completed:
	case <-time.After(time.Second):
		t.Fatal("stream not completed by teardown")
	}
}
