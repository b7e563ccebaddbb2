package usage

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"usage_sink/internal/models"
)

var maxInt64 = decimal.NewFromInt(math.MaxInt64)

// Normalize turns a usage payload into one flat Stats record.
//
// Dispatch rule:
//   - empty payload: zero Stats
//   - every value is a mapping: the payload is keyed by provider; each entry
//     is parsed as a flat payload and the entries are summed in sorted
//     provider order
//   - no value is a mapping: the payload is parsed as flat metrics
//   - anything else is a NormalizationError wrapping ErrMixedPayload
//
// Summing is the only nested rule, so a single provider entry normalizes to
// exactly what its inner mapping would normalize to on its own.
func Normalize(payload map[string]any) (models.Stats, error) {
	if len(payload) == 0 {
		return models.Stats{}, nil
	}

	nested := 0
	for _, v := range payload {
		if _, ok := asMapping(v); ok {
			nested++
		}
	}

	switch nested {
	case 0:
		return parseFlat(payload, "")
	case len(payload):
		return sumProviders(payload)
	default:
		return models.Stats{}, &NormalizationError{Err: ErrMixedPayload}
	}
}

func sumProviders(payload map[string]any) (models.Stats, error) {
	providers := make([]string, 0, len(payload))
	for p := range payload {
		providers = append(providers, p)
	}
	sort.Strings(providers)

	var total models.Stats
	for _, p := range providers {
		inner, _ := asMapping(payload[p])
		s, err := parseFlat(inner, p)
		if err != nil {
			return models.Stats{}, err
		}
		if field, ok := countsOverflow(total, s); ok {
			return models.Stats{}, &NormalizationError{
				Provider: p,
				Field:    field,
				Err:      fmt.Errorf("%w: summed token count overflows", ErrInvalidMetric),
			}
		}
		total = total.Add(s)
	}
	return total, nil
}

// countsOverflow reports the first token counter whose sum would exceed
// MaxInt64. Both operands are non-negative.
func countsOverflow(a, b models.Stats) (string, bool) {
	switch {
	case b.PromptTokens > math.MaxInt64-a.PromptTokens:
		return models.StatPromptTokens, true
	case b.CompletionTokens > math.MaxInt64-a.CompletionTokens:
		return models.StatCompletionTokens, true
	case b.TotalTokens > math.MaxInt64-a.TotalTokens:
		return models.StatTotalTokens, true
	}
	return "", false
}

func parseFlat(m map[string]any, provider string) (models.Stats, error) {
	var (
		s   models.Stats
		err error
	)

	for k, v := range m {
		if v == nil {
			continue
		}

		switch k {
		case models.StatPromptTokens:
			s.PromptTokens, err = toCount(v)
		case models.StatCompletionTokens:
			s.CompletionTokens, err = toCount(v)
		case models.StatTotalTokens:
			s.TotalTokens, err = toCount(v)
		case models.StatTotalCost:
			s.TotalCost, err = toAmount(v)
		case models.StatTimeTaken:
			s.TimeTakenSeconds, err = toAmount(v)
		case models.StatCaveats:
			s.Caveats, err = toStrings(v)
		default:
			if s.Extra == nil {
				s.Extra = make(map[string]any)
			}
			s.Extra[k] = v
		}

		if err != nil {
			return models.Stats{}, &NormalizationError{Provider: provider, Field: k, Err: err}
		}
	}

	return s, nil
}

func asMapping(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case models.JSONB:
		return map[string]any(t), true
	}
	return nil, false
}

// toAmount parses a non-negative decimal from any numeric representation the
// payload may carry: Go numbers, json.Number or numeric strings.
func toAmount(v any) (decimal.Decimal, error) {
	var d decimal.Decimal

	switch t := v.(type) {
	case decimal.Decimal:
		d = t
	case int:
		d = decimal.NewFromInt(int64(t))
	case int32:
		d = decimal.NewFromInt32(t)
	case int64:
		d = decimal.NewFromInt(t)
	case uint:
		d = fromUint(uint64(t))
	case uint32:
		d = fromUint(uint64(t))
	case uint64:
		d = fromUint(t)
	case float32:
		if math.IsNaN(float64(t)) || math.IsInf(float64(t), 0) {
			return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidMetric, t)
		}
		d = decimal.NewFromFloat32(t)
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidMetric, t)
		}
		d = decimal.NewFromFloat(t)
	case json.Number:
		parsed, err := decimal.NewFromString(t.String())
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidMetric, t.String())
		}
		d = parsed
	case string:
		parsed, err := decimal.NewFromString(strings.TrimSpace(t))
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidMetric, t)
		}
		d = parsed
	default:
		return decimal.Zero, fmt.Errorf("%w: unsupported type %T", ErrInvalidMetric, v)
	}

	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative value %s", ErrInvalidMetric, d.String())
	}
	return d, nil
}

func fromUint(u uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(u), 0)
}

func toCount(v any) (int64, error) {
	d, err := toAmount(v)
	if err != nil {
		return 0, err
	}
	if !d.IsInteger() {
		return 0, fmt.Errorf("%w: token count %s is not an integer", ErrInvalidMetric, d.String())
	}
	if d.GreaterThan(maxInt64) {
		return 0, fmt.Errorf("%w: token count %s overflows", ErrInvalidMetric, d.String())
	}
	return d.IntPart(), nil
}

func toStrings(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		return []string{t}, nil
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: caveat of type %T", ErrInvalidMetric, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: caveats of type %T", ErrInvalidMetric, v)
	}
}
