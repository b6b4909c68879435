package tailer

import "time"

// Config enumerates the caller-supplied stream options. Only
// OnlyIncludeTables is required; everything else has a sensible default.
type Config struct {
	// SlotID, if empty, is replaced by a random ≥15-digit string.
	SlotID string

	// PollInterval defaults to 50ms when zero.
	PollInterval time.Duration

	// AssumeSchema defaults to "public" when empty.
	AssumeSchema string

	// PrimaryKeyMap declares identity columns per table; tables it
	// omits default to []string{"id"}.
	PrimaryKeyMap map[string][]string

	// OnlyIncludeTables is required and non-empty: the tables this stream
	// tails, each either bare or schema-qualified.
	OnlyIncludeTables []string
}

func (c Config) assumeSchema() string {
	if c.AssumeSchema == "" {
		return "public"
	}
	return c.AssumeSchema
}
