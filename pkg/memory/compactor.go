package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/dotchat/pkg/chaterr"
	"github.com/dotsetgreg/dotchat/pkg/logger"
)

// MaxThreshold caps a per-user compaction threshold.
const MaxThreshold = 500

// SummaryFunc generates a merged summary from previous summary + transcript.
type SummaryFunc func(ctx context.Context, existingSummary, transcript string) (string, error)

type userKey struct{}

// ContextWithUser tags ctx with the user a summary is generated for.
func ContextWithUser(ctx context.Context, user UserID) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the user set by ContextWithUser. SummaryFuncs use
// it to attribute token usage.
func UserFromContext(ctx context.Context) (UserID, bool) {
	user, ok := ctx.Value(userKey{}).(UserID)
	return user, ok
}

type State string

const (
	StateActive     State = "active"
	StateCompacting State = "compacting"
)

// CompactionResult describes a successful compaction.
type CompactionResult struct {
	CompactionID     string
	Compacted        int
	Retained         int
	RepresentedCount int
	Summary          string
}

// Status is the per-user view of summarization state.
type Status struct {
	State            State
	Enabled          bool
	Threshold        int
	TailKeep         int
	MessageCount     int
	ArchivedCount    int
	EstimatedTokens  int
	HasSummary       bool
	RepresentedCount int
	LastSummaryAt    time.Time
	UntilNext        int
	LastCompaction   *Compaction
}

// Manager moves a user's older history into the summary once the history
// reaches the threshold. At most one compaction per user runs at a time.
type Manager struct {
	svc       *Service
	summarize SummaryFunc

	mu         sync.Mutex
	compacting map[UserID]struct{}
}

func newManager(svc *Service, summarize SummaryFunc) *Manager {
	return &Manager{
		svc:        svc,
		summarize:  summarize,
		compacting: make(map[UserID]struct{}),
	}
}

// SetSummaryFunc replaces the summarizer. Used when the gateway is built
// after the store.
func (m *Manager) SetSummaryFunc(fn SummaryFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summarize = fn
}

func (m *Manager) State(user UserID) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.compacting[user]; ok {
		return StateCompacting
	}
	return StateActive
}

func (m *Manager) TailKeep() int { return m.svc.cfg.TailKeep }

func (m *Manager) begin(user UserID) (SummaryFunc, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.compacting[user]; ok {
		return nil, false
	}
	m.compacting[user] = struct{}{}
	return m.summarize, true
}

func (m *Manager) end(user UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.compacting, user)
}

// ClampThreshold bounds a threshold to (tail keep, MaxThreshold].
func (m *Manager) ClampThreshold(threshold int) int {
	floor := m.svc.cfg.TailKeep + 1
	if threshold < floor {
		return floor
	}
	if threshold > MaxThreshold {
		return MaxThreshold
	}
	return threshold
}

func (m *Manager) effective(pref Preference) (enabled bool, threshold int) {
	enabled = m.svc.cfg.AutoCompact
	if pref.AutoCompact != nil {
		enabled = *pref.AutoCompact
	}
	threshold = m.svc.cfg.Threshold
	if pref.Threshold > 0 {
		threshold = m.ClampThreshold(pref.Threshold)
	}
	return enabled, threshold
}

// AfterAppend compacts when automatic compaction is on for user and the
// history has reached the threshold. A failed compaction is logged and left
// for the next call to retry.
func (m *Manager) AfterAppend(ctx context.Context, user UserID) (bool, error) {
	pref, err := m.svc.GetPreference(ctx, user)
	if err != nil {
		return false, err
	}
	enabled, threshold := m.effective(pref)
	if !enabled {
		return false, nil
	}
	count, err := m.svc.Count(ctx, user)
	if err != nil {
		return false, err
	}
	if count < threshold {
		return false, nil
	}
	if m.State(user) == StateCompacting {
		return false, nil
	}

	res, err := m.Compact(ctx, user)
	if err != nil {
		if errors.Is(err, ErrCompactionInProgress) || errors.Is(err, ErrNothingToCompact) {
			return false, nil
		}
		logger.WarnCF("memory", "Automatic compaction deferred", map[string]interface{}{
			"user_id": int64(user),
			"count":   count,
			"error":   chaterr.SanitizeError(err),
		})
		return false, err
	}
	logger.InfoCF("memory", "Compacted conversation history", map[string]interface{}{
		"user_id":     int64(user),
		"compacted":   res.Compacted,
		"retained":    res.Retained,
		"represented": res.RepresentedCount,
	})
	return true, nil
}

// Compact summarizes everything except the newest TailKeep messages,
// regardless of threshold. History and summary change only if the summary
// call succeeds; the only wait outside the store is that call.
func (m *Manager) Compact(ctx context.Context, user UserID) (CompactionResult, error) {
	summarize, ok := m.begin(user)
	if !ok {
		return CompactionResult{}, ErrCompactionInProgress
	}
	defer m.end(user)

	history, err := m.svc.GetHistory(ctx, user)
	if err != nil {
		return CompactionResult{}, err
	}
	keep := m.svc.cfg.TailKeep
	if len(history) <= keep {
		return CompactionResult{}, ErrNothingToCompact
	}
	compacted := history[:len(history)-keep]
	tail := history[len(history)-keep:]

	existing, _, err := m.svc.GetSummary(ctx, user)
	if err != nil {
		return CompactionResult{}, err
	}

	compactionID, err := m.svc.store.StartCompaction(ctx, user, len(history), len(tail), map[string]string{
		"phase":        "started",
		"source_count": fmt.Sprintf("%d", len(history)),
		"retain_count": fmt.Sprintf("%d", len(tail)),
	})
	if err != nil {
		return CompactionResult{}, chaterr.Storage("start compaction", err)
	}
	fail := func(err error) (CompactionResult, error) {
		_ = m.svc.store.FailCompaction(context.WithoutCancel(ctx), compactionID, chaterr.SanitizeError(err))
		return CompactionResult{}, err
	}

	transcript := buildCompactionTranscript(compacted)
	summary := ""
	if summarize != nil {
		sctx, cancel := context.WithTimeout(ContextWithUser(ctx, user), m.svc.cfg.SummaryTimeout)
		summary, err = summarize(sctx, existing.Text, transcript)
		cancel()
		if err != nil {
			return fail(err)
		}
	}
	if strings.TrimSpace(summary) == "" {
		summary = fallbackSummary(existing.Text, compacted)
	}
	summary = strings.TrimSpace(summary)

	if err := m.svc.store.CheckpointCompaction(ctx, compactionID, map[string]string{
		"phase":          "summary_ready",
		"summary_length": fmt.Sprintf("%d", len(summary)),
	}); err != nil {
		return fail(chaterr.Storage("checkpoint compaction", err))
	}

	represented := existing.RepresentedCount + len(compacted)
	if err := m.svc.commitCompaction(ctx, user, summary, represented, compacted, tail); err != nil {
		return fail(err)
	}

	if err := m.svc.store.CompleteCompaction(ctx, compactionID, summary); err != nil {
		logger.WarnCF("memory", "Failed to mark compaction complete", map[string]interface{}{
			"compaction_id": compactionID,
			"error":         err.Error(),
		})
	}
	return CompactionResult{
		CompactionID:     compactionID,
		Compacted:        len(compacted),
		Retained:         len(tail),
		RepresentedCount: represented,
		Summary:          summary,
	}, nil
}

// Enable turns automatic compaction on. A positive threshold is clamped and
// stored; zero keeps the current one. It returns the threshold in effect.
func (m *Manager) Enable(ctx context.Context, user UserID, threshold int) (int, error) {
	unlock := m.svc.locks.Lock(user)
	defer unlock()
	if threshold > 0 {
		threshold = m.ClampThreshold(threshold)
		if err := m.svc.store.SetPreferenceThreshold(ctx, user, threshold); err != nil {
			return 0, chaterr.Storage("set threshold", err)
		}
	}
	if err := m.svc.store.SetPreferenceAutoCompact(ctx, user, true); err != nil {
		return 0, chaterr.Storage("enable compaction", err)
	}
	pref, err := m.svc.store.GetPreference(ctx, user)
	if err != nil {
		return 0, chaterr.Storage("get preference", err)
	}
	_, effective := m.effective(pref)
	return effective, nil
}

func (m *Manager) Disable(ctx context.Context, user UserID) error {
	unlock := m.svc.locks.Lock(user)
	defer unlock()
	return chaterr.Storage("disable compaction", m.svc.store.SetPreferenceAutoCompact(ctx, user, false))
}

// SetThreshold stores a clamped threshold without changing enablement.
func (m *Manager) SetThreshold(ctx context.Context, user UserID, threshold int) (int, error) {
	threshold = m.ClampThreshold(threshold)
	unlock := m.svc.locks.Lock(user)
	defer unlock()
	if err := m.svc.store.SetPreferenceThreshold(ctx, user, threshold); err != nil {
		return 0, chaterr.Storage("set threshold", err)
	}
	return threshold, nil
}

// ClearResult counts what ClearHistory removed.
type ClearResult struct {
	Messages int
	Archived int
}

// ClearHistory empties the active conversation. The summary and the archive
// behind it survive unless alsoSummary is set.
func (m *Manager) ClearHistory(ctx context.Context, user UserID, alsoSummary bool) (ClearResult, error) {
	var res ClearResult
	n, err := m.svc.Clear(ctx, user)
	if err != nil {
		return res, err
	}
	res.Messages = n
	if !alsoSummary {
		return res, nil
	}
	if err := m.svc.ClearSummary(ctx, user); err != nil {
		return res, err
	}
	res.Archived, err = m.svc.ClearArchive(ctx, user)
	return res, err
}

func (m *Manager) Status(ctx context.Context, user UserID) (Status, error) {
	pref, err := m.svc.GetPreference(ctx, user)
	if err != nil {
		return Status{}, err
	}
	history, err := m.svc.GetHistory(ctx, user)
	if err != nil {
		return Status{}, err
	}
	sum, hasSummary, err := m.svc.GetSummary(ctx, user)
	if err != nil {
		return Status{}, err
	}
	archived, err := m.svc.CountArchived(ctx, user)
	if err != nil {
		return Status{}, err
	}
	last, hasLast, err := m.svc.store.LatestCompaction(ctx, user)
	if err != nil {
		return Status{}, chaterr.Storage("latest compaction", err)
	}

	enabled, threshold := m.effective(pref)
	st := Status{
		State:            m.State(user),
		Enabled:          enabled,
		Threshold:        threshold,
		TailKeep:         m.svc.cfg.TailKeep,
		MessageCount:     len(history),
		ArchivedCount:    archived,
		EstimatedTokens:  estimateMessageTokens(history),
		HasSummary:       hasSummary && strings.TrimSpace(sum.Text) != "",
		RepresentedCount: sum.RepresentedCount,
		LastSummaryAt:    sum.UpdatedAt,
	}
	if enabled {
		st.UntilNext = threshold - len(history)
		if st.UntilNext < 0 {
			st.UntilNext = 0
		}
	}
	if hasLast {
		st.LastCompaction = &last
	}
	return st, nil
}

func estimateMessageTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		if m.TokenCount > 0 {
			total += m.TokenCount
			continue
		}
		total += EstimateTokens(m.Content)
	}
	return total
}

const maxTranscriptChars = 2000

func buildCompactionTranscript(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		if r := []rune(content); len(r) > maxTranscriptChars {
			content = string(r[:maxTranscriptChars]) + "..."
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strings.ToUpper(string(m.Role)))
		b.WriteString(": ")
		b.WriteString(content)
	}
	return b.String()
}

func fallbackSummary(existing string, msgs []Message) string {
	parts := []string{}
	if strings.TrimSpace(existing) != "" {
		parts = append(parts, strings.TrimSpace(existing))
	}
	if len(msgs) > 0 {
		start := msgs[0].CreatedAt.Format(time.RFC3339)
		end := msgs[len(msgs)-1].CreatedAt.Format(time.RFC3339)
		parts = append(parts, fmt.Sprintf("Compacted conversation window %s - %s (%d messages).", start, end, len(msgs)))
	}

	bulletCount := 0
	for _, m := range msgs {
		if m.Role != RoleUser {
			continue
		}
		line := strings.TrimSpace(m.Content)
		if line == "" {
			continue
		}
		if r := []rune(line); len(r) > 160 {
			line = string(r[:160]) + "..."
		}
		parts = append(parts, "- User topic: "+line)
		bulletCount++
		if bulletCount >= 6 {
			break
		}
	}

	return strings.Join(parts, "\n")
}
