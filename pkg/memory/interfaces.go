package memory

import "context"

// Store provides durable persistence for all per-user state. Implementations
// make each call atomic; cross-call serialization is the Service's job.
type Store interface {
	Close() error

	GetPreference(ctx context.Context, user UserID) (Preference, error)
	SetPreferenceModel(ctx context.Context, user UserID, model string) error
	SetPreferenceShowUsage(ctx context.Context, user UserID, show bool) error
	SetPreferenceAutoCompact(ctx context.Context, user UserID, enabled bool) error
	SetPreferenceThreshold(ctx context.Context, user UserID, threshold int) error

	AppendMessage(ctx context.Context, msg Message) (Message, error)
	AppendMessages(ctx context.Context, user UserID, msgs []Message) ([]Message, error)
	// ListMessages, CountMessages and DeleteMessages see active messages only.
	ListMessages(ctx context.Context, user UserID) ([]Message, error)
	CountMessages(ctx context.Context, user UserID) (int, error)
	DeleteMessages(ctx context.Context, user UserID) (int, error)
	ReplacePrefix(ctx context.Context, user UserID, compactedCount int, tail []Message) error

	CountArchived(ctx context.Context, user UserID) (int, error)
	DeleteArchived(ctx context.Context, user UserID) (int, error)
	SearchArchived(ctx context.Context, user UserID, keywords []string, limit int) ([]Message, error)

	GetSummary(ctx context.Context, user UserID) (Summary, bool, error)
	SetSummary(ctx context.Context, user UserID, text string, representedCount int) error
	DeleteSummary(ctx context.Context, user UserID) error
	// CommitCompaction stores the summary and archives the compacted prefix
	// in one transaction. It fails without changes when history no longer
	// starts with compacted followed by tail.
	CommitCompaction(ctx context.Context, user UserID, text string, representedCount int, compacted, tail []Message) error

	AppendUsage(ctx context.Context, rec UsageRecord) error
	SumUsage(ctx context.Context, user UserID, sinceMS int64) (UsageTotals, error)

	StartCompaction(ctx context.Context, user UserID, sourceCount, retainedCount int, checkpoint map[string]string) (string, error)
	CheckpointCompaction(ctx context.Context, compactionID string, checkpoint map[string]string) error
	CompleteCompaction(ctx context.Context, compactionID, summary string) error
	FailCompaction(ctx context.Context, compactionID, errMsg string) error
	LatestCompaction(ctx context.Context, user UserID) (Compaction, bool, error)
}
