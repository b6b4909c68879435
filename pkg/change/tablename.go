package change

import "strings"

// TableSet captures the table-qualification policy that is fixed
// once at stream creation: whether emitted events carry bare table names or
// fully qualified schema.table names, and how configured table names map
// onto the add-tables filter string passed to pg_logical_slot_get_changes.
type TableSet struct {
	assumeSchema string
	// singleSchema is true when none of the configured tables contained a
	// dot: in that case emitted events use bare table names.
	singleSchema bool
	// qualified is the full set of schema.table names the slot filters to,
	// used for membership checks.
	qualified map[string]struct{}
}

// NewTableSet applies the default-schema qualification rule to the
// caller's only_include_tables list and records whether any entry was
// already dotted, fixing the single-vs-multi-schema emission policy.
func NewTableSet(tables []string, assumeSchema string) *TableSet {
	if assumeSchema == "" {
		assumeSchema = "public"
	}

	ts := &TableSet{
		assumeSchema: assumeSchema,
		singleSchema: true,
		qualified:    make(map[string]struct{}, len(tables)),
	}

	for _, t := range tables {
		if strings.Contains(t, ".") {
			ts.singleSchema = false
			ts.qualified[t] = struct{}{}
			continue
		}
		ts.qualified[assumeSchema+"."+t] = struct{}{}
	}

	return ts
}

// AddTables renders the comma-joined filter string for the
// pg_logical_slot_get_changes 'add-tables' option.
func (ts *TableSet) AddTables() string {
	names := make([]string, 0, len(ts.qualified))
	for q := range ts.qualified {
		names = append(names, q)
	}
	return strings.Join(names, ",")
}

// Contains reports whether schema.table is one of the configured tables.
func (ts *TableSet) Contains(schema, table string) bool {
	_, ok := ts.qualified[schema+"."+table]
	return ok
}

// Emit returns the table name to place on an Event: bare when the
// stream was configured with a single implicit schema, fully qualified
// otherwise.
func (ts *TableSet) Emit(schema, table string) string {
	if ts.singleSchema {
		return table
	}
	return schema + "." + table
}
