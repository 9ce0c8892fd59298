package memory

import "time"

// UserID is the front end's identity for a user.
type UserID int64

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Preference holds per-user settings. The zero value means "use defaults".
type Preference struct {
	UserID    UserID
	Model     string // empty means unset
	ShowUsage bool
	// AutoCompact is nil until the user toggles it.
	AutoCompact *bool
	// Threshold is 0 until the user sets one.
	Threshold int
	UpdatedAt time.Time
}

// Message is one entry of a user's conversation history. Compaction
// archives messages instead of deleting them; archived messages are out of
// the active history but can still be recalled.
type Message struct {
	ID         string
	UserID     UserID
	Seq        int64
	Role       Role
	Content    string
	TokenCount int // 0 when unknown
	CreatedAt  time.Time
	Archived   bool
	ChunkID    int64 // compaction chunk; 0 while active
}

// Summary is the long-term memory that replaces compacted history.
type Summary struct {
	UserID           UserID
	Text             string
	RepresentedCount int
	UpdatedAt        time.Time
}

type UsageKind string

const (
	UsageChat       UsageKind = "chat"
	UsageCompaction UsageKind = "compaction"
)

// UsageRecord is one completion call's token accounting.
type UsageRecord struct {
	ID               string
	UserID           UserID
	Model            string
	Kind             UsageKind
	PromptTokens     int
	CompletionTokens int
	Cost             float64
	CostKnown        bool
	CreatedAt        time.Time
}

// UsageTotals aggregates UsageRecords.
type UsageTotals struct {
	PromptTokens     int
	CompletionTokens int
	Cost             float64
	Calls            int
	UnpricedCalls    int
}

type CompactionStatus string

const (
	CompactionRunning   CompactionStatus = "running"
	CompactionCompleted CompactionStatus = "completed"
	CompactionFailed    CompactionStatus = "failed"
)

// Compaction is the audit row of one compaction attempt.
type Compaction struct {
	ID            string
	UserID        UserID
	Status        CompactionStatus
	SourceCount   int
	RetainedCount int
	Summary       string
	Checkpoint    map[string]string
	Error         string
	StartedAt     time.Time
	CompletedAt   time.Time
}
