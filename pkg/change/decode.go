package change

import (
	"encoding/json"
	"fmt"
)

// wal2jsonPayload mirrors the 'data' document produced by pg_logical_slot_get_changes
// with the wal2json plugin. Only the fields this decoder needs are modeled.
type wal2jsonPayload struct {
	Change []wal2jsonChange `json:"change"`
}

type wal2jsonChange struct {
	Kind         string        `json:"kind"`
	Schema       string        `json:"schema"`
	Table        string        `json:"table"`
	ColumnNames  []string      `json:"columnnames"`
	ColumnValues []interface{} `json:"columnvalues"`
	OldKeys      *wal2jsonKeys `json:"oldkeys"`
}

type wal2jsonKeys struct {
	KeyNames  []string      `json:"keynames"`
	KeyValues []interface{} `json:"keyvalues"`
}

// Decoder converts raw wal2json payloads into typed Events, applying
// the table filter, the table-name qualification policy, and identity
// narrowing along the way.
type Decoder struct {
	tables   *TableSet
	identity *IdentityPolicy
}

// NewDecoder builds a Decoder bound to the stream's fixed table set and
// identity policy.
func NewDecoder(tables *TableSet, identity *IdentityPolicy) *Decoder {
	return &Decoder{tables: tables, identity: identity}
}

// Decode parses one poll batch's JSON payload into zero or more Events, in
// the order wal2json emitted them. Unknown "kind" values are ignored
// for forward compatibility. A malformed payload is a decoder format
// error.
func (d *Decoder) Decode(data []byte) ([]Event, error) {
	var payload wal2jsonPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode wal2json payload: %w", err)
	}

	events := make([]Event, 0, len(payload.Change))
	for _, c := range payload.Change {
		// The slot's add-tables option already filters at the source;
		// verify again here so a misbehaving plugin can't leak rows.
		if d.tables != nil && !d.tables.Contains(c.Schema, c.Table) {
			continue
		}

		table := c.Table
		if d.tables != nil {
			table = d.tables.Emit(c.Schema, c.Table)
		}

		switch c.Kind {
		case "insert":
			events = append(events, Event{
				Table: table,
				Kind:  Insert,
				Row:   zipColumns(c.ColumnNames, c.ColumnValues),
			})
		case "update":
			events = append(events, Event{
				Table: table,
				Kind:  Update,
				Row:   zipColumns(c.ColumnNames, c.ColumnValues),
			})
		case "delete":
			events = append(events, Event{
				Table:    table,
				Kind:     Delete,
				Identity: d.narrowIdentity(table, c.OldKeys),
			})
		default:
			// forward-compatible: unrecognized kinds are dropped.
		}
	}

	return events, nil
}

func zipColumns(names []string, values []interface{}) map[string]any {
	row := make(map[string]any, len(names))
	for i, name := range names {
		if i >= len(values) {
			break
		}
		row[name] = values[i]
	}
	return row
}

// narrowIdentity builds the delete Identity map, keeping only the columns
// the IdentityPolicy declares for this table even though oldkeys may carry
// more.
func (d *Decoder) narrowIdentity(table string, keys *wal2jsonKeys) map[string]any {
	if keys == nil {
		return map[string]any{}
	}

	full := zipColumns(keys.KeyNames, keys.KeyValues)
	if d.identity == nil {
		return full
	}

	declared := d.identity.ColumnsFor(table)
	identity := make(map[string]any, len(declared))
	for _, col := range declared {
		if v, ok := full[col]; ok {
			identity[col] = v
		}
	}
	return identity
}
