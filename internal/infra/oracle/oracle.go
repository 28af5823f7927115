// Package oracle is the single fallible boundary to the natural-language
// analysis model. Both the resolver and the classifier consume it through
// the same interface and treat any returned error as "oracle unavailable".
package oracle

import (
	"context"
	"errors"

	"mika/internal/domain"
)

// ErrUnavailable reports that no analysis model is configured. Callers map
// it to their own failure semantics; it is not part of the error taxonomy.
var ErrUnavailable = errors.New("analysis model is not configured")

// Oracle maps free text to structured suggestions and failures to advice.
type Oracle interface {
	// AnalyzeRequest turns a natural-language request into a capability
	// suggestion. The suggestion's tool may not exist and its capability
	// may be empty; callers decide what that means.
	AnalyzeRequest(ctx context.Context, text string) (domain.IntentSuggestion, error)

	// AnalyzeError produces a human explanation and suggestion for a
	// failure. Only text comes back; error typing stays with the caller.
	AnalyzeError(ctx context.Context, errText, request string, meta map[string]string) (domain.Advice, error)
}

// Unavailable is the Oracle used when no model is configured. Every call
// fails with ErrUnavailable, which downstream turns into an unresolvable
// request or template advice text.
type Unavailable struct{}

func (Unavailable) AnalyzeRequest(context.Context, string) (domain.IntentSuggestion, error) {
	return domain.IntentSuggestion{}, ErrUnavailable
}

func (Unavailable) AnalyzeError(context.Context, string, string, map[string]string) (domain.Advice, error) {
	return domain.Advice{}, ErrUnavailable
}
