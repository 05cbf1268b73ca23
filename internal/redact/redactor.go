// Package redact masks sensitive sub-strings in fragment text according to a
// classification-parameterized pattern catalog. It is pure: no I/O, no
// panics, deterministic and idempotent output.
package redact

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/infiligence/governed-rag/internal/models"
)

// Category classifies a pattern's sensitivity domain.
type Category string

const (
	CategoryPII Category = "PII"
	CategoryPHI Category = "PHI"
)

// StrategyKind selects how a matched sub-string is masked.
type StrategyKind string

const (
	// StrategyFixed replaces the whole match with a fixed string.
	StrategyFixed StrategyKind = "fixed"
	// StrategyKeepLast keeps the last Keep characters and masks the rest.
	StrategyKeepLast StrategyKind = "keep_last"
)

// MaskStrategy describes the replacement applied to a match.
type MaskStrategy struct {
	Kind        StrategyKind
	Replacement string
	Keep        int
	MaskChar    rune
}

// Pattern is one catalog entry.
type Pattern struct {
	ID       string
	Regex    string
	Category Category
	Strategy MaskStrategy
}

// compiledPattern pairs a Pattern with its compiled expression.
type compiledPattern struct {
	Pattern
	re *regexp.Regexp
}

// Result is the outcome of one redaction pass.
type Result struct {
	Text            string
	PatternsMatched []string
	Changed         bool
}

// Redactor applies an ordered pattern catalog. The catalog is read-only after
// construction.
type Redactor struct {
	patterns []compiledPattern
}

// DefaultCatalog is the ordered pattern catalog shipped with the gateway.
// Replacements are chosen so no pattern can rematch its own output.
func DefaultCatalog() []Pattern {
	return []Pattern{
		{
			ID:       "email",
			Regex:    `[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`,
			Category: CategoryPII,
			Strategy: MaskStrategy{Kind: StrategyFixed, Replacement: "***@***.***"},
		},
		{
			ID:       "ssn",
			Regex:    `\b\d{3}-\d{2}-\d{4}\b`,
			Category: CategoryPII,
			Strategy: MaskStrategy{Kind: StrategyFixed, Replacement: "XXX-XX-XXXX"},
		},
		{
			ID:       "credit_card",
			Regex:    `\b\d{4}[ -]?\d{4}[ -]?\d{4}[ -]?\d{4}\b`,
			Category: CategoryPII,
			Strategy: MaskStrategy{Kind: StrategyKeepLast, Keep: 4, MaskChar: '*'},
		},
		{
			ID:       "phone",
			Regex:    `\b\d{3}[-. ]\d{3}[-. ]\d{4}\b`,
			Category: CategoryPII,
			Strategy: MaskStrategy{Kind: StrategyKeepLast, Keep: 4, MaskChar: '*'},
		},
		{
			ID:       "mrn",
			Regex:    `\bMRN[-: ]?\d{6,10}\b`,
			Category: CategoryPHI,
			Strategy: MaskStrategy{Kind: StrategyFixed, Replacement: "MRN-REDACTED"},
		},
		{
			ID:       "icd10",
			Regex:    `\b[A-TV-Z]\d{2}\.\d{1,4}\b`,
			Category: CategoryPHI,
			Strategy: MaskStrategy{Kind: StrategyFixed, Replacement: "[diagnosis withheld]"},
		},
		{
			ID:       "npi",
			Regex:    `\bNPI[-: ]?\d{10}\b`,
			Category: CategoryPHI,
			Strategy: MaskStrategy{Kind: StrategyKeepLast, Keep: 2, MaskChar: '#'},
		},
	}
}

// New compiles a catalog into a Redactor. Malformed patterns fail closed:
// the service must refuse to start on error.
func New(catalog []Pattern) (*Redactor, error) {
	if len(catalog) == 0 {
		return nil, fmt.Errorf("pattern catalog is empty")
	}
	seen := make(map[string]struct{}, len(catalog))
	compiled := make([]compiledPattern, 0, len(catalog))
	for _, p := range catalog {
		if p.ID == "" {
			return nil, fmt.Errorf("pattern with empty id")
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("duplicate pattern id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.Category != CategoryPII && p.Category != CategoryPHI {
			return nil, fmt.Errorf("pattern %q: unknown category %q", p.ID, p.Category)
		}
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p.ID, err)
		}
		switch p.Strategy.Kind {
		case StrategyFixed:
			if p.Strategy.Replacement == "" {
				return nil, fmt.Errorf("pattern %q: fixed strategy needs a replacement", p.ID)
			}
		case StrategyKeepLast:
			if p.Strategy.Keep <= 0 || p.Strategy.MaskChar == 0 {
				return nil, fmt.Errorf("pattern %q: keep_last strategy needs keep > 0 and a mask char", p.ID)
			}
		default:
			return nil, fmt.Errorf("pattern %q: unknown mask strategy %q", p.ID, p.Strategy.Kind)
		}
		compiled = append(compiled, compiledPattern{Pattern: p, re: re})
	}
	return &Redactor{patterns: compiled}, nil
}

// categoriesFor maps a classification label to the pattern categories applied.
func categoriesFor(label models.Label) map[Category]bool {
	switch label {
	case models.LabelPublic:
		return nil
	case models.LabelInternal:
		return map[Category]bool{CategoryPII: true}
	case models.LabelConfidential, models.LabelRegulated:
		return map[Category]bool{CategoryPII: true, CategoryPHI: true}
	default:
		// Unknown labels get the widest masking.
		return map[Category]bool{CategoryPII: true, CategoryPHI: true}
	}
}

// Redact masks text according to the label's policy. The operation is
// idempotent: redacting its own output is a no-op.
func (r *Redactor) Redact(text string, label models.Label) Result {
	cats := categoriesFor(label)
	if len(cats) == 0 {
		return Result{Text: text}
	}

	out := text
	matched := make([]string, 0, 2)
	for _, p := range r.patterns {
		if !cats[p.Category] {
			continue
		}
		hit := false
		out = p.re.ReplaceAllStringFunc(out, func(m string) string {
			hit = true
			return p.Strategy.apply(m)
		})
		if hit {
			matched = append(matched, p.ID)
		}
	}
	sort.Strings(matched)
	return Result{
		Text:            out,
		PatternsMatched: matched,
		Changed:         out != text,
	}
}

func (s MaskStrategy) apply(match string) string {
	switch s.Kind {
	case StrategyFixed:
		return s.Replacement
	case StrategyKeepLast:
		runes := []rune(match)
		if len(runes) <= s.Keep {
			return strings.Repeat(string(s.MaskChar), len(runes))
		}
		return strings.Repeat(string(s.MaskChar), len(runes)-s.Keep) + string(runes[len(runes)-s.Keep:])
	default:
		return match
	}
}
