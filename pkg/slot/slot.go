// Package slot implements the Slot Manager: creation, best-effort
// drop, and one-shot recovery of a temporary logical replication slot on a
// single held database session.
package slot

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lxsystems/pgreactive/pkg/dbsession"
	"github.com/lxsystems/pgreactive/pkg/metrics"
	"github.com/lxsystems/pgreactive/pkg/util/rand"
)

const (
	namePrefix = "app_slot_"
	pluginName = "wal2json"
	minDigits  = 15
)

// ErrDecoderMissing is returned when the wal2json plugin is not installed in
// the target database. It is fatal and non-retryable.
var ErrDecoderMissing = errors.New("wal2json decoder plugin not installed")

// Manager owns the lifecycle of one replication slot on one Session.
type Manager struct {
	session dbsession.Session
	name    string
	logger  *zap.Logger
}

// New builds a Manager for the slot "app_slot_<slotID>". If slotID is empty
// a random ≥15-digit id is generated.
func New(session dbsession.Session, slotID string, logger *zap.Logger) *Manager {
	if slotID == "" {
		slotID = rand.NewDigits(minDigits)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		session: session,
		name:    namePrefix + slotID,
		logger:  logger.With(zap.String("slot", namePrefix+slotID)),
	}
}

// Name returns the slot's opaque name, e.g. "app_slot_482910583671044".
func (m *Manager) Name() string { return m.name }

// Create asks the database to create a temporary wal2json slot on the held
// session. A 58P01 failure is reported as ErrDecoderMissing; all
// other errors propagate unwrapped-but-annotated.
func (m *Manager) Create(ctx context.Context) error {
	rows, err := m.session.Query(ctx,
		`select pg_catalog.pg_create_logical_replication_slot($1, $2, $3)`,
		m.name, pluginName, true)
	if err == nil {
		// Server-side execution errors (58P01 included) only surface via
		// Err after the result set is consumed; Close also frees the held
		// session's connection for the poller's subsequent queries.
		rows.Close()
		err = rows.Err()
	}
	if err == nil {
		return nil
	}

	var driverErr *dbsession.DriverError
	if errors.As(err, &driverErr) && driverErr.Code == dbsession.CodeDecoderPluginMissing {
		return ErrDecoderMissing
	}
	return fmt.Errorf("create replication slot %s: %w", m.name, err)
}

// Recover re-creates the slot after it has gone missing out from under a
// poll. Callers are expected to retry the failing
// poll exactly once after Recover succeeds; Recover itself performs no
// retry loop.
func (m *Manager) Recover(ctx context.Context) error {
	m.logger.Warn("replication slot missing, recreating")
	metrics.SlotRecoveries.WithLabelValues(m.name).Inc()
	if err := m.Create(ctx); err != nil {
		return fmt.Errorf("recover replication slot %s: %w", m.name, err)
	}
	return nil
}

// IsSlotMissing reports whether err is the "slot does not exist" condition
// that warrants a one-shot Recover.
func IsSlotMissing(err error) bool {
	var driverErr *dbsession.DriverError
	return errors.As(err, &driverErr) && driverErr.Code == dbsession.CodeSlotMissing
}

// Drop is best-effort: all errors are swallowed, including "already
// gone". Teardown must always be able to proceed.
func (m *Manager) Drop(ctx context.Context) {
	rows, err := m.session.Query(ctx,
		`select pg_catalog.pg_drop_replication_slot($1)`, m.name)
	if err == nil {
		rows.Close()
		err = rows.Err()
	}
	if err != nil {
		m.logger.Debug("drop replication slot failed (ignored)", zap.Error(err))
	}
}

// Descriptor is one row of the pg_replication_slots inspection query.
type Descriptor struct {
	SlotName  string
	Plugin    string
	SlotType  string
	Database  string
	Temporary bool
	Active    bool
}

// List inspects pg_replication_slots, used for diagnostics and for
// tests that assert on slot lifecycle.
func List(ctx context.Context, pool dbsession.Pool) ([]Descriptor, error) {
	rows, err := pool.Query(ctx,
		`select slot_name, plugin, slot_type, database, temporary, active from pg_replication_slots`)
	if err != nil {
		return nil, fmt.Errorf("list replication slots: %w", err)
	}
	defer rows.Close()

	var out []Descriptor
	for rows.Next() {
		var d Descriptor
		if err := rows.Scan(&d.SlotName, &d.Plugin, &d.SlotType, &d.Database, &d.Temporary, &d.Active); err != nil {
			return nil, fmt.Errorf("scan replication slot row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
