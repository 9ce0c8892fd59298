package memory

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/dotsetgreg/dotchat/pkg/chaterr"
)

const (
	maxRecallKeywords = 8
	recallCandidates  = 25
	// Per-message overhead for role and formatting.
	recallMessageOverhead = 4
)

var recallStopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		the and are was were been being have has had does did will would could
		should may might must shall can need for with from into through during
		before after above below between under again further then once here
		there when where why how all each few more most other some such nor not
		only own same than too very just about also what which who whom this
		that these those you your yours our ours they them their its
		please tell know remember like
		это как что они она оно для так нет или еще уже был была были мне меня
		тебя тебе тоже вот там тут где когда почему`) {
		recallStopWords[w] = struct{}{}
	}
}

// RecallKeywords extracts up to maxRecallKeywords distinct lowercase search
// terms from text, dropping stop words and terms shorter than three runes.
func RecallKeywords(text string) []string {
	parts := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := map[string]struct{}{}
	out := make([]string, 0, maxRecallKeywords)
	for _, p := range parts {
		if len([]rune(p)) < 3 {
			continue
		}
		if _, stop := recallStopWords[p]; stop {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
		if len(out) == maxRecallKeywords {
			break
		}
	}
	return out
}

// Recall returns archived messages relevant to query, most relevant first,
// whose estimated tokens fit the configured recall budget. Messages that
// match more keywords rank higher; ties go to the newer message.
func (s *Service) Recall(ctx context.Context, user UserID, query string) ([]Message, error) {
	budget := s.cfg.RecallBudget
	if budget <= 0 {
		return nil, nil
	}
	keywords := RecallKeywords(query)
	if len(keywords) == 0 {
		return nil, nil
	}
	candidates, err := s.store.SearchArchived(ctx, user, keywords, recallCandidates)
	if err != nil {
		return nil, chaterr.Storage("search archive", err)
	}
	return rankRecalled(candidates, keywords, budget), nil
}

func rankRecalled(candidates []Message, keywords []string, budget int) []Message {
	type scored struct {
		msg   Message
		score int
	}
	ranked := make([]scored, 0, len(candidates))
	for _, m := range candidates {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		lower := strings.ToLower(m.Content)
		score := 0
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if score > 0 {
			ranked = append(ranked, scored{msg: m, score: score})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score == ranked[j].score {
			return ranked[i].msg.Seq > ranked[j].msg.Seq
		}
		return ranked[i].score > ranked[j].score
	})

	out := make([]Message, 0, len(ranked))
	used := 0
	for _, r := range ranked {
		cost := EstimateTokens(r.msg.Content) + recallMessageOverhead
		if used+cost > budget {
			continue
		}
		used += cost
		out = append(out, r.msg)
	}
	return out
}
