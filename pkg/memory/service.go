package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/dotchat/pkg/chaterr"
)

// Config configures the memory subsystem.
type Config struct {
	DBPath         string
	AutoCompact    bool
	Threshold      int
	TailKeep       int
	SummaryTimeout time.Duration
	// RecallBudget caps the estimated tokens of archived messages Recall
	// returns. 0 disables recall.
	RecallBudget int
}

// Service is the per-user preference, conversation and summary store.
// Every mutation for a user runs under that user's lock.
type Service struct {
	cfg     Config
	store   Store
	locks   *UserLocks
	manager *Manager

	closeOnce sync.Once
	closeErr  error
}

func NewService(cfg Config, summarize SummaryFunc) (*Service, error) {
	if strings.TrimSpace(cfg.DBPath) == "" {
		return nil, fmt.Errorf("memory db path is required")
	}
	store, err := NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, chaterr.Storage("open", err)
	}
	return NewServiceWithStore(cfg, store, summarize), nil
}

// NewServiceWithStore wires a Service over an existing store.
func NewServiceWithStore(cfg Config, store Store, summarize SummaryFunc) *Service {
	if cfg.TailKeep < 0 {
		cfg.TailKeep = 0
	}
	if cfg.Threshold <= cfg.TailKeep {
		cfg.Threshold = cfg.TailKeep + 1
	}
	if cfg.Threshold > MaxThreshold {
		cfg.Threshold = MaxThreshold
	}
	if cfg.RecallBudget < 0 {
		cfg.RecallBudget = 0
	}
	if cfg.SummaryTimeout <= 0 {
		cfg.SummaryTimeout = 60 * time.Second
	}
	svc := &Service{
		cfg:   cfg,
		store: store,
		locks: NewUserLocks(),
	}
	svc.manager = newManager(svc, summarize)
	return svc
}

func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.store.Close()
	})
	return s.closeErr
}

// Manager returns the summarization manager bound to this service.
func (s *Service) Manager() *Manager {
	return s.manager
}

func (s *Service) GetPreference(ctx context.Context, user UserID) (Preference, error) {
	pref, err := s.store.GetPreference(ctx, user)
	return pref, chaterr.Storage("get preference", err)
}

// GetUserModel returns the stored model or "" when unset.
func (s *Service) GetUserModel(ctx context.Context, user UserID) (string, error) {
	pref, err := s.GetPreference(ctx, user)
	if err != nil {
		return "", err
	}
	return pref.Model, nil
}

func (s *Service) SetUserModel(ctx context.Context, user UserID, model string) error {
	unlock := s.locks.Lock(user)
	defer unlock()
	return chaterr.Storage("set user model", s.store.SetPreferenceModel(ctx, user, model))
}

func (s *Service) GetShowUsage(ctx context.Context, user UserID) (bool, error) {
	pref, err := s.GetPreference(ctx, user)
	if err != nil {
		return false, err
	}
	return pref.ShowUsage, nil
}

func (s *Service) SetShowUsage(ctx context.Context, user UserID, show bool) error {
	unlock := s.locks.Lock(user)
	defer unlock()
	return chaterr.Storage("set show usage", s.store.SetPreferenceShowUsage(ctx, user, show))
}

// Append adds msg to the end of user's history and returns it as stored.
func (s *Service) Append(ctx context.Context, user UserID, msg Message) (Message, error) {
	msg.UserID = user
	unlock := s.locks.Lock(user)
	defer unlock()
	stored, err := s.store.AppendMessage(ctx, msg)
	if err != nil {
		return Message{}, chaterr.Storage("append message", err)
	}
	return stored, nil
}

// AppendTurn appends msgs atomically; either all are stored or none.
func (s *Service) AppendTurn(ctx context.Context, user UserID, msgs ...Message) ([]Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	unlock := s.locks.Lock(user)
	defer unlock()
	stored, err := s.store.AppendMessages(ctx, user, msgs)
	if err != nil {
		return nil, chaterr.Storage("append turn", err)
	}
	return stored, nil
}

// GetHistory returns user's active messages oldest first.
func (s *Service) GetHistory(ctx context.Context, user UserID) ([]Message, error) {
	msgs, err := s.store.ListMessages(ctx, user)
	return msgs, chaterr.Storage("get history", err)
}

func (s *Service) Count(ctx context.Context, user UserID) (int, error) {
	n, err := s.store.CountMessages(ctx, user)
	return n, chaterr.Storage("count messages", err)
}

// Clear removes user's active messages and returns how many were removed.
// Archived messages stay.
func (s *Service) Clear(ctx context.Context, user UserID) (int, error) {
	unlock := s.locks.Lock(user)
	defer unlock()
	n, err := s.store.DeleteMessages(ctx, user)
	return n, chaterr.Storage("clear history", err)
}

// ClearArchive removes user's archived messages.
func (s *Service) ClearArchive(ctx context.Context, user UserID) (int, error) {
	unlock := s.locks.Lock(user)
	defer unlock()
	n, err := s.store.DeleteArchived(ctx, user)
	return n, chaterr.Storage("clear archive", err)
}

func (s *Service) CountArchived(ctx context.Context, user UserID) (int, error) {
	n, err := s.store.CountArchived(ctx, user)
	return n, chaterr.Storage("count archived", err)
}

// ReplacePrefix archives the oldest compactedCount messages, leaving tail at
// the head of history. ErrHistoryChanged means nothing was archived.
func (s *Service) ReplacePrefix(ctx context.Context, user UserID, compactedCount int, tail []Message) error {
	unlock := s.locks.Lock(user)
	defer unlock()
	return chaterr.Storage("replace prefix", s.store.ReplacePrefix(ctx, user, compactedCount, tail))
}

// GetSummary returns user's summary; ok is false when none is stored.
func (s *Service) GetSummary(ctx context.Context, user UserID) (Summary, bool, error) {
	sum, ok, err := s.store.GetSummary(ctx, user)
	return sum, ok, chaterr.Storage("get summary", err)
}

func (s *Service) SetSummary(ctx context.Context, user UserID, text string, representedCount int) error {
	unlock := s.locks.Lock(user)
	defer unlock()
	return chaterr.Storage("set summary", s.store.SetSummary(ctx, user, text, representedCount))
}

func (s *Service) ClearSummary(ctx context.Context, user UserID) error {
	unlock := s.locks.Lock(user)
	defer unlock()
	return chaterr.Storage("clear summary", s.store.DeleteSummary(ctx, user))
}

func (s *Service) commitCompaction(ctx context.Context, user UserID, text string, represented int, compacted, tail []Message) error {
	unlock := s.locks.Lock(user)
	defer unlock()
	return chaterr.Storage("commit compaction", s.store.CommitCompaction(ctx, user, text, represented, compacted, tail))
}

// AppendUsage persists one usage record.
func (s *Service) AppendUsage(ctx context.Context, rec UsageRecord) error {
	return chaterr.Storage("append usage", s.store.AppendUsage(ctx, rec))
}

// SumUsage aggregates user's usage since the given time; the zero time
// means all time.
func (s *Service) SumUsage(ctx context.Context, user UserID, since time.Time) (UsageTotals, error) {
	var sinceMS int64
	if !since.IsZero() {
		sinceMS = since.UnixMilli()
	}
	totals, err := s.store.SumUsage(ctx, user, sinceMS)
	return totals, chaterr.Storage("sum usage", err)
}

// EstimateTokens approximates token count at four characters per token.
func EstimateTokens(content string) int {
	n := len([]rune(content))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
