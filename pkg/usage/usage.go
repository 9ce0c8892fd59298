package usage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/dotsetgreg/dotchat/pkg/chaterr"
	"github.com/dotsetgreg/dotchat/pkg/memory"
	"github.com/dotsetgreg/dotchat/pkg/models"
)

// Window selects the period a report covers.
type Window int

const (
	AllTime Window = iota
	SinceReset
)

// Sink persists and aggregates usage records.
type Sink interface {
	AppendUsage(ctx context.Context, rec memory.UsageRecord) error
	SumUsage(ctx context.Context, user memory.UserID, since time.Time) (memory.UsageTotals, error)
}

// Call is the accounting of one completion call.
type Call struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
	Cost             float64
	CostKnown        bool
}

func (c Call) TotalTokens() int { return c.PromptTokens + c.CompletionTokens }

// Report aggregates a user's calls over a window.
type Report struct {
	Window           Window
	Since            time.Time
	PromptTokens     int
	CompletionTokens int
	Cost             float64
	Calls            int
	UnpricedCalls    int
}

func (r Report) TotalTokens() int { return r.PromptTokens + r.CompletionTokens }

// Recorder prices completion calls from the model registry and appends them
// to the usage log.
type Recorder struct {
	sink          Sink
	registry      *models.Registry
	resetSchedule string
	now           func() time.Time
}

// NewRecorder validates the reset schedule, a five-field cron expression.
// An empty schedule disables the SinceReset window.
func NewRecorder(sink Sink, registry *models.Registry, resetSchedule string) (*Recorder, error) {
	resetSchedule = strings.TrimSpace(resetSchedule)
	if resetSchedule != "" && !gronx.New().IsValid(resetSchedule) {
		return nil, chaterr.Configf("usage.reset_schedule", "invalid cron expression %q", resetSchedule)
	}
	return &Recorder{
		sink:          sink,
		registry:      registry,
		resetSchedule: resetSchedule,
		now:           time.Now,
	}, nil
}

// Price computes the cost of a call. Models missing from the registry are
// reported as unpriced rather than as an error.
func (r *Recorder) Price(model string, prompt, completion int) Call {
	call := Call{Model: model, PromptTokens: prompt, CompletionTokens: completion}
	if r.registry == nil {
		return call
	}
	d, ok := r.registry.Get(model)
	if !ok {
		return call
	}
	call.Cost = float64(prompt)/1e6*d.InputPricePer1M + float64(completion)/1e6*d.OutputPricePer1M
	call.CostKnown = true
	return call
}

// Record prices and persists a chat completion call.
func (r *Recorder) Record(ctx context.Context, user memory.UserID, model string, prompt, completion int) (Call, error) {
	return r.record(ctx, user, memory.UsageChat, model, prompt, completion)
}

// RecordCompaction persists a summarization call.
func (r *Recorder) RecordCompaction(ctx context.Context, user memory.UserID, model string, prompt, completion int) (Call, error) {
	return r.record(ctx, user, memory.UsageCompaction, model, prompt, completion)
}

func (r *Recorder) record(ctx context.Context, user memory.UserID, kind memory.UsageKind, model string, prompt, completion int) (Call, error) {
	if prompt < 0 || completion < 0 {
		return Call{}, fmt.Errorf("negative token count (prompt=%d completion=%d)", prompt, completion)
	}
	call := r.Price(model, prompt, completion)
	err := r.sink.AppendUsage(ctx, memory.UsageRecord{
		ID:               "use-" + uuid.NewString(),
		UserID:           user,
		Model:            model,
		Kind:             kind,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		Cost:             call.Cost,
		CostKnown:        call.CostKnown,
		CreatedAt:        r.now(),
	})
	if err != nil {
		return Call{}, err
	}
	return call, nil
}

// LastReset is the most recent tick of the reset schedule at or before now.
func (r *Recorder) LastReset() (time.Time, bool) {
	if r.resetSchedule == "" {
		return time.Time{}, false
	}
	t, err := gronx.PrevTickBefore(r.resetSchedule, r.now(), true)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Report aggregates user's usage. A user with no calls gets a zero report.
func (r *Recorder) Report(ctx context.Context, user memory.UserID, window Window) (Report, error) {
	var since time.Time
	if window == SinceReset {
		if t, ok := r.LastReset(); ok {
			since = t
		}
	}
	totals, err := r.sink.SumUsage(ctx, user, since)
	if err != nil {
		return Report{}, err
	}
	return Report{
		Window:           window,
		Since:            since,
		PromptTokens:     totals.PromptTokens,
		CompletionTokens: totals.CompletionTokens,
		Cost:             totals.Cost,
		Calls:            totals.Calls,
		UnpricedCalls:    totals.UnpricedCalls,
	}, nil
}

// Format renders a report for the chat front end.
func Format(r Report) string {
	var b strings.Builder
	if r.Window == SinceReset && !r.Since.IsZero() {
		fmt.Fprintf(&b, "Usage since %s\n", r.Since.Format("2006-01-02"))
	} else {
		b.WriteString("Usage (all time)\n")
	}
	fmt.Fprintf(&b, "Prompt tokens: %d\n", r.PromptTokens)
	fmt.Fprintf(&b, "Completion tokens: %d\n", r.CompletionTokens)
	fmt.Fprintf(&b, "Total tokens: %d\n", r.TotalTokens())
	fmt.Fprintf(&b, "Requests: %d\n", r.Calls)
	fmt.Fprintf(&b, "Estimated cost: $%.4f", r.Cost)
	if r.UnpricedCalls > 0 {
		fmt.Fprintf(&b, " (%d requests with unknown pricing excluded)", r.UnpricedCalls)
	}
	return b.String()
}

// FormatCall renders the per-reply usage footer.
func FormatCall(c Call) string {
	cost := "cost unavailable"
	if c.CostKnown {
		cost = fmt.Sprintf("$%.6f", c.Cost)
	}
	return fmt.Sprintf("Tokens: %d in / %d out (%d total) | %s", c.PromptTokens, c.CompletionTokens, c.TotalTokens(), cost)
}
