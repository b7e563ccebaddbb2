package models

import (
	"reflect"

	"github.com/shopspring/decimal"
)

// Usage payload keys understood by the normalizer.
const (
	StatPromptTokens     = "prompt_tokens"
	StatCompletionTokens = "completion_tokens"
	StatTotalTokens      = "total_tokens"
	StatTotalCost        = "total_cost"
	StatTimeTaken        = "time_taken_in_seconds"
	StatCaveats          = "caveats"
)

// Stats is a normalized, flat usage record. Zero value is the empty record.
type Stats struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	TotalCost        decimal.Decimal
	TimeTakenSeconds decimal.Decimal
	Caveats          []string

	// Extra keeps fields the normalizer does not interpret.
	Extra map[string]any
}

// Add returns the sum of s and o. Counters and decimals are summed, caveats
// are appended in order and Extra keys already present in s win.
func (s Stats) Add(o Stats) Stats {
	out := Stats{
		PromptTokens:     s.PromptTokens + o.PromptTokens,
		CompletionTokens: s.CompletionTokens + o.CompletionTokens,
		TotalTokens:      s.TotalTokens + o.TotalTokens,
		TotalCost:        s.TotalCost.Add(o.TotalCost),
		TimeTakenSeconds: s.TimeTakenSeconds.Add(o.TimeTakenSeconds),
	}

	if n := len(s.Caveats) + len(o.Caveats); n > 0 {
		out.Caveats = make([]string, 0, n)
		out.Caveats = append(out.Caveats, s.Caveats...)
		out.Caveats = append(out.Caveats, o.Caveats...)
	}

	if len(s.Extra)+len(o.Extra) > 0 {
		out.Extra = make(map[string]any, len(s.Extra)+len(o.Extra))
		for k, v := range o.Extra {
			out.Extra[k] = v
		}
		for k, v := range s.Extra {
			out.Extra[k] = v
		}
	}

	return out
}

// Equal reports whether two records carry the same values. Decimals are
// compared numerically so 0.1 and 0.10 are equal.
func (s Stats) Equal(o Stats) bool {
	if s.PromptTokens != o.PromptTokens ||
		s.CompletionTokens != o.CompletionTokens ||
		s.TotalTokens != o.TotalTokens ||
		!s.TotalCost.Equal(o.TotalCost) ||
		!s.TimeTakenSeconds.Equal(o.TimeTakenSeconds) ||
		len(s.Caveats) != len(o.Caveats) ||
		len(s.Extra) != len(o.Extra) {
		return false
	}
	if len(s.Extra) > 0 && !reflect.DeepEqual(s.Extra, o.Extra) {
		return false
	}
	for i := range s.Caveats {
		if s.Caveats[i] != o.Caveats[i] {
			return false
		}
	}
	return true
}
