package memory

import "errors"

var (
	// ErrHistoryChanged means the history no longer matches the snapshot a
	// prefix replacement was computed from. Nothing was modified.
	ErrHistoryChanged = errors.New("conversation history changed during compaction")

	// ErrCompactionInProgress is returned when a user already has a
	// compaction in flight.
	ErrCompactionInProgress = errors.New("compaction already in progress")

	// ErrNothingToCompact means history is no longer than the tail kept.
	ErrNothingToCompact = errors.New("not enough history to compact")
)
