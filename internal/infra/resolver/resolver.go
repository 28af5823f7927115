package resolver

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"mika/internal/domain"
	"mika/internal/infra/oracle"
)

// MatchStrategy picks a concrete tool out of one server's schema for a
// suggested (capability, tool) pair. Returning false advances the resolver
// to the next candidate server.
type MatchStrategy func(capability, suggested string, schema domain.ToolSchema) (string, bool)

// Ladder is the default strategy. The order is a policy decision and must
// hold exactly: exact name, then the canonical get_<capability> form, then
// the first (sorted) name containing the capability. Predictable beats
// fuzzy.
func Ladder(capability, suggested string, schema domain.ToolSchema) (string, bool) {
	if len(schema) == 0 {
		return "", false
	}
	if suggested != "" {
		if _, ok := schema[suggested]; ok {
			return suggested, true
		}
	}
	if canonical := "get_" + capability; canonical != "get_" {
		if _, ok := schema[canonical]; ok {
			return canonical, true
		}
	}
	for _, name := range schema.Names() {
		if strings.Contains(name, capability) {
			return name, true
		}
	}
	return "", false
}

// Catalog is the registry surface the resolver needs.
type Catalog interface {
	FindServers(capability string) []domain.CatalogEntry
}

// Resolver turns an oracle suggestion into a concrete invocation against a
// real server and tool.
type Resolver struct {
	oracle  oracle.Oracle
	catalog Catalog
	match   MatchStrategy
	logger  *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMatchStrategy replaces the default ladder.
func WithMatchStrategy(match MatchStrategy) Option {
	return func(r *Resolver) {
		if match != nil {
			r.match = match
		}
	}
}

func New(o oracle.Oracle, catalog Catalog, logger *zap.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		oracle:  o,
		catalog: catalog,
		match:   Ladder,
		logger:  logger.Named("resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve maps a natural-language request to a {capability, server, tool,
// parameters} tuple. Overrides win over oracle-suggested parameters on key
// collision. Resolution is deterministic for fixed inputs and catalog.
func (r *Resolver) Resolve(ctx context.Context, request string, overrides map[string]any) (domain.ResolvedInvocation, error) {
	const op = "resolve"

	suggestion, err := r.oracle.AnalyzeRequest(ctx, request)
	if err != nil {
		return domain.ResolvedInvocation{}, &domain.Error{
			Type:    domain.TypeUnresolvableRequest,
			Op:      op,
			Message: "request analysis failed",
			Cause:   err,
		}
	}
	if suggestion.Capability == "" {
		return domain.ResolvedInvocation{}, &domain.Error{
			Type:    domain.TypeUnresolvableRequest,
			Op:      op,
			Message: "no capability identified for request",
			Cause:   domain.ErrUnresolvableRequest,
		}
	}

	candidates := r.catalog.FindServers(suggestion.Capability)
	if len(candidates) == 0 {
		return domain.ResolvedInvocation{}, &domain.Error{
			Type:       domain.TypeCapabilityNotFound,
			Op:         op,
			Capability: suggestion.Capability,
			Cause:      domain.ErrCapabilityNotFound,
		}
	}

	for _, entry := range candidates {
		tool, ok := r.match(suggestion.Capability, suggestion.Tool, entry.Tools)
		if !ok {
			continue
		}
		if tool != suggestion.Tool {
			r.logger.Debug("tool matched by ladder",
				zap.String("suggested", suggestion.Tool),
				zap.String("matched", tool),
				zap.String("server", entry.Name),
			)
		}
		return domain.ResolvedInvocation{
			Capability: suggestion.Capability,
			Server:     entry.Name,
			Tool:       tool,
			Parameters: mergeParams(suggestion.Parameters, overrides),
		}, nil
	}

	// Do not fabricate a tool: surface the suggestion as-is.
	return domain.ResolvedInvocation{}, &domain.Error{
		Type:       domain.TypeToolNotFound,
		Op:         op,
		Capability: suggestion.Capability,
		Tool:       suggestion.Tool,
		Cause:      domain.ErrToolNotFound,
	}
}

func mergeParams(suggested, overrides map[string]any) map[string]any {
	merged := make(map[string]any, len(suggested)+len(overrides))
	for k, v := range suggested {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
