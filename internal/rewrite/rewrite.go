// Package rewrite holds the metered text operations. The transformations
// here are the deterministic local pipeline; model-backed generation runs in
// a separate inference service and is out of scope for this repository.
package rewrite

import (
	"context"
	"strings"
	"unicode"

	"rewritely/internal/types"
)

// maxSummarySentences bounds the summarize output.
const maxSummarySentences = 2

// maxInputRunes bounds the accepted input length.
const maxInputRunes = 20000

// Service applies one metered text operation per call. It is stateless and
// safe for concurrent use.
type Service struct{}

// NewService creates a rewrite service.
func NewService() *Service {
	return &Service{}
}

// Apply runs the operation named by scope over text. Callers must have
// reserved quota before calling and commit only when Apply succeeds.
func (s *Service) Apply(ctx context.Context, scope types.Scope, text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", types.NewAppError(types.ErrCodeValidationMissingField, "text must not be empty", nil)
	}
	if len([]rune(trimmed)) > maxInputRunes {
		return "", types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidAmount,
			"text exceeds maximum length", nil, map[string]any{"max_runes": maxInputRunes})
	}

	switch scope {
	case types.ScopePolish:
		return polish(trimmed), nil
	case types.ScopeSummarize:
		return summarize(trimmed), nil
	default:
		return "", types.NewAppError(types.ErrCodeValidationInvalidScope, "unknown rewrite scope", nil)
	}
}

// polish normalizes whitespace and sentence capitalization.
func polish(text string) string {
	words := strings.Fields(text)
	out := strings.Join(words, " ")

	runes := []rune(out)
	capitalizeNext := true
	for i, r := range runes {
		if capitalizeNext && unicode.IsLetter(r) {
			runes[i] = unicode.ToUpper(r)
			capitalizeNext = false
		}
		if r == '.' || r == '!' || r == '?' {
			capitalizeNext = true
		}
	}
	return string(runes)
}

// summarize keeps the leading sentences of the input.
func summarize(text string) string {
	normalized := strings.Join(strings.Fields(text), " ")

	var b strings.Builder
	sentences := 0
	for _, r := range normalized {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			sentences++
			if sentences >= maxSummarySentences {
				break
			}
		}
	}
	return strings.TrimSpace(b.String())
}
