// Package classifier turns internal failures into the caller-facing
// structured error shape. Classification is rule-based and total: every
// input error maps to exactly one type, and Classify never fails.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"mika/internal/domain"
	"mika/internal/infra/oracle"
)

// Classifier maps errors to StructuredError values. An optional oracle can
// enrich the explanation and suggestion text; it never influences the type
// or the requires_user_action decision.
type Classifier struct {
	oracle oracle.Oracle
	logger *zap.Logger
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithOracle enables model-written explanation text. Classification itself
// stays rule-based.
func WithOracle(o oracle.Oracle) Option {
	return func(c *Classifier) { c.oracle = o }
}

func New(logger *zap.Logger, opts ...Option) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Classifier{logger: logger.Named("classifier")}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify produces the terminal error shape for err. The request text and
// meta are only used to enrich the human-readable fields.
func (c *Classifier) Classify(ctx context.Context, err error, request string, meta map[string]string) domain.StructuredError {
	out := classify(err, meta)
	c.enrich(ctx, &out, err, request, meta)
	return out
}

func classify(err error, meta map[string]string) domain.StructuredError {
	out := domain.StructuredError{
		Status:    domain.StatusError,
		ErrorType: domain.TypeUnknownError,
	}
	if err == nil {
		out.Message = "unknown failure"
		out.Explanation = "The request failed but no error detail was recorded."
		out.Suggestion = "Retry the request; if it keeps failing, check the logs."
		return out
	}

	out.Message = err.Error()
	if t, ok := domain.TypeFrom(err); ok {
		out.ErrorType = t
	}

	capability, tool := identifiers(err, meta)
	out.Capability = capability
	out.Tool = tool

	switch out.ErrorType {
	case domain.TypeCapabilityNotFound:
		out.Explanation = fmt.Sprintf("No server in the catalog provides the %q capability.", orAny(capability))
		out.Suggestion = "Add a server for this capability to the catalog, or rephrase the request."
		out.RequiresUserAction = true

	case domain.TypeToolNotFound:
		out.Explanation = fmt.Sprintf("A server for %q exists, but none of its tools match %q.", orAny(capability), orAny(tool))
		out.Suggestion = "Check the server's tool list and update the catalog schema if it is stale."

	case domain.TypeUnresolvableRequest:
		out.Explanation = "The request could not be mapped to any known capability."
		out.Suggestion = "Rephrase the request to name what you want done, for example \"weather in Paris\"."

	case domain.TypeInstallationError:
		if credentialCaused(err) {
			out.Explanation = fmt.Sprintf("The server for %q needs credentials that are not set.", orAny(capability))
			out.Suggestion = "Set the required environment variables listed in the catalog entry and retry."
			out.RequiresUserAction = true
		} else {
			out.Explanation = fmt.Sprintf("Installing the server for %q failed.", orAny(capability))
			out.Suggestion = "Check that the package manager is on PATH and the package name is correct."
		}

	case domain.TypeConnectionError:
		out.Explanation = fmt.Sprintf("The server for %q could not be reached or its session was lost.", orAny(capability))
		out.Suggestion = "Retry the request; the session is re-established on the next call."

	case domain.TypeInvocationError:
		out.Explanation = fmt.Sprintf("The %q tool ran but reported a failure.", orAny(tool))
		out.Suggestion = "Check the parameters passed to the tool; the error text usually names the bad one."

	case domain.TypeCatalogLoadError:
		out.Explanation = "The capability catalog could not be read or failed validation."
		out.Suggestion = "Fix the catalog file; the error text names the offending entry."

	default:
		out.Explanation = "The request failed in an unexpected way."
		out.Suggestion = "Check the logs for the underlying error."
	}

	return out
}

// credentialCaused reports whether an installation failure stems from
// missing credentials or configuration rather than from the install itself.
func credentialCaused(err error) bool {
	if errors.Is(err, domain.ErrMissingCredential) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"api key", "api_key", "credential", "token", "environment variable"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func identifiers(err error, meta map[string]string) (capability, tool string) {
	var typed *domain.Error
	if errors.As(err, &typed) {
		capability = typed.Capability
		tool = typed.Tool
	}
	if capability == "" {
		capability = meta["capability"]
	}
	if tool == "" {
		tool = meta["tool"]
	}
	return capability, tool
}

func orAny(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// enrich replaces the templated explanation and suggestion with model text
// when an oracle is configured. Oracle failures are logged and ignored; the
// templates already cover every type.
func (c *Classifier) enrich(ctx context.Context, out *domain.StructuredError, err error, request string, meta map[string]string) {
	if c.oracle == nil || err == nil {
		return
	}
	advice, adviceErr := c.oracle.AnalyzeError(ctx, err.Error(), request, meta)
	if adviceErr != nil {
		c.logger.Debug("error analysis unavailable", zap.Error(adviceErr))
		return
	}
	if advice.Explanation != "" {
		out.Explanation = advice.Explanation
	}
	if advice.Suggestion != "" {
		out.Suggestion = advice.Suggestion
	}
}
