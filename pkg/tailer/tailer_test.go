package tailer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lxsystems/pgreactive/pkg/change"
	"github.com/lxsystems/pgreactive/pkg/dbsession"
)

type fakeRows struct{}

func (fakeRows) Next() bool             { return false }
func (fakeRows) Scan(dest ...any) error { return nil }
func (fakeRows) Err() error             { return nil }
func (fakeRows) Close()                 {}

type fakeSession struct {
	mu         sync.Mutex
	createErr  error
	released   bool
	statements []string
}

func (s *fakeSession) Query(ctx context.Context, sql string, args ...any) (dbsession.Rows, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statements = append(s.statements, sql)
	if s.createErr != nil && strings.Contains(sql, "pg_create_logical_replication_slot") {
		return nil, s.createErr
	}
	return fakeRows{}, nil
}

func (s *fakeSession) QueryRow(ctx context.Context, sql string, args ...any) dbsession.Row {
	return nil
}

func (s *fakeSession) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
}

func (s *fakeSession) isReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

func (s *fakeSession) sawStatement(fragment string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stmt := range s.statements {
		if strings.Contains(stmt, fragment) {
			return true
		}
	}
	return false
}

type fakePool struct {
	session    *fakeSession
	acquireErr error
}

func (p *fakePool) Acquire(ctx context.Context) (dbsession.Session, error) {
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	return p.session, nil
}

func (p *fakePool) Query(ctx context.Context, sql string, args ...any) (dbsession.Rows, error) {
	return fakeRows{}, nil
}

func TestNew_RequiresTables(t *testing.T) {
	_, err := New(context.Background(), &fakePool{session: &fakeSession{}}, Config{}, nil)
	assert.ErrorIs(t, err, ErrNoTables)
}

func TestNew_ReleasesSessionWhenSlotCreationFails(t *testing.T) {
	session := &fakeSession{createErr: errors.New("permission denied")}
	pool := &fakePool{session: session}

	_, err := New(context.Background(), pool, Config{OnlyIncludeTables: []string{"widgets"}}, nil)
	require.Error(t, err)
	assert.True(t, session.isReleased(), "failed construction must not leak the held session")
}

func TestTeardown_DropsSlotReleasesSessionAndCompletes(t *testing.T) {
	session := &fakeSession{}
	pool := &fakePool{session: session}

	tl, err := New(context.Background(), pool, Config{
		SlotID:            "teardown",
		OnlyIncludeTables: []string{"widgets"},
		PollInterval:      5 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "app_slot_teardown", tl.SlotName())

	completed := make(chan struct{})
	tl.Subscribe(&change.Observer{OnComplete: func() { close(completed) }})

	tl.Teardown(context.Background())

	assert.True(t, session.sawStatement("pg_drop_replication_slot"))
	assert.True(t, session.isReleased())
	select {
	case <-completed:
	case <-time.After(time.Second):
		t.Fatal("stream was not completed by teardown")
	}

	// Idempotent: a second Teardown is a no-op.
	tl.Teardown(context.Background())
}

func TestSubscribeAfterTeardownCompletesImmediately(t *testing.T) {
	session := &fakeSession{}
	pool := &fakePool{session: session}

	tl, err := New(context.Background(), pool, Config{
		OnlyIncludeTables: []string{"widgets"},
		PollInterval:      5 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	tl.Teardown(context.Background())

	completed := false
	tl.Subscribe(&change.Observer{
		OnNext:     func(change.Event) { t.Error("late subscriber must see no events") },
		OnComplete: func() { completed = true },
	})
	assert.True(t, completed, "late subscriber must be completed immediately")
}
