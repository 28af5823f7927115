package resolver

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"mika/internal/domain"
)

type fakeOracle struct {
	suggestion domain.IntentSuggestion
	err        error
}

func (f *fakeOracle) AnalyzeRequest(context.Context, string) (domain.IntentSuggestion, error) {
	return f.suggestion, f.err
}

func (f *fakeOracle) AnalyzeError(context.Context, string, string, map[string]string) (domain.Advice, error) {
	return domain.Advice{}, errors.New("not used")
}

type fakeCatalog struct {
	entries []domain.CatalogEntry
}

func (c *fakeCatalog) FindServers(capability string) []domain.CatalogEntry {
	var out []domain.CatalogEntry
	for _, e := range c.entries {
		if e.HasCapability(capability) {
			out = append(out, e)
		}
	}
	return out
}

func weatherEntry(name string, tools ...string) domain.CatalogEntry {
	schema := make(domain.ToolSchema, len(tools))
	for _, t := range tools {
		schema[t] = domain.ToolDef{}
	}
	return domain.CatalogEntry{
		Name:         name,
		Capabilities: []string{"weather"},
		Tools:        schema,
		Cmd:          []string{name},
	}
}

func suggest(capability, tool string, params map[string]any) *fakeOracle {
	return &fakeOracle{suggestion: domain.IntentSuggestion{
		Capability: capability,
		Tool:       tool,
		Parameters: params,
		Confidence: 0.9,
	}}
}

func TestResolveExactToolMatch(t *testing.T) {
	catalog := &fakeCatalog{entries: []domain.CatalogEntry{
		weatherEntry("weather-server", "get_forecast", "get_hourly_weather"),
	}}
	r := New(suggest("weather", "get_forecast", nil), catalog, nil)

	inv, err := r.Resolve(context.Background(), "weather in Paris", nil)
	require.NoError(t, err)
	require.Equal(t, "weather-server", inv.Server)
	require.Equal(t, "get_forecast", inv.Tool)
}

func TestResolveCanonicalFallback(t *testing.T) {
	catalog := &fakeCatalog{entries: []domain.CatalogEntry{
		weatherEntry("weather-server", "get_weather", "list_locations"),
	}}
	r := New(suggest("weather", "fetch_forecast", nil), catalog, nil)

	inv, err := r.Resolve(context.Background(), "weather in Paris", nil)
	require.NoError(t, err)
	require.Equal(t, "get_weather", inv.Tool)
}

func TestResolveSubstringFallback(t *testing.T) {
	catalog := &fakeCatalog{entries: []domain.CatalogEntry{
		weatherEntry("weather-server", "get_hourly_weather", "list_locations"),
	}}
	r := New(suggest("weather", "get_weather", nil), catalog, nil)

	inv, err := r.Resolve(context.Background(), "what's the weather in Paris", nil)
	require.NoError(t, err)
	require.Equal(t, "get_hourly_weather", inv.Tool)
}

func TestResolveSubstringIsDeterministic(t *testing.T) {
	catalog := &fakeCatalog{entries: []domain.CatalogEntry{
		weatherEntry("weather-server", "weather_now", "weather_daily", "weather_alerts"),
	}}
	r := New(suggest("weather", "forecast", nil), catalog, nil)

	for i := 0; i < 20; i++ {
		inv, err := r.Resolve(context.Background(), "weather", nil)
		require.NoError(t, err)
		require.Equal(t, "weather_alerts", inv.Tool)
	}
}

func TestResolveAdvancesToNextServer(t *testing.T) {
	catalog := &fakeCatalog{entries: []domain.CatalogEntry{
		weatherEntry("radar-server", "get_radar_image"),
		weatherEntry("weather-server", "get_forecast"),
	}}
	r := New(suggest("weather", "get_forecast", nil), catalog, nil)

	inv, err := r.Resolve(context.Background(), "weather", nil)
	require.NoError(t, err)
	require.Equal(t, "weather-server", inv.Server)
}

func TestResolveToolNotFoundOnAnyServer(t *testing.T) {
	catalog := &fakeCatalog{entries: []domain.CatalogEntry{
		weatherEntry("radar-server", "get_radar_image"),
	}}
	r := New(suggest("weather", "summon_rain", nil), catalog, nil)

	// "get_radar_image" has no "weather" substring and no canonical form.
	_, err := r.Resolve(context.Background(), "make it rain", nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrToolNotFound))

	var typed *domain.Error
	require.True(t, errors.As(err, &typed))
	require.Equal(t, "weather", typed.Capability)
	require.Equal(t, "summon_rain", typed.Tool)
}

func TestResolveCapabilityNotFound(t *testing.T) {
	r := New(suggest("math", "add", nil), &fakeCatalog{}, nil)

	_, err := r.Resolve(context.Background(), "what is 2+2", nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrCapabilityNotFound))

	typ, ok := domain.TypeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.TypeCapabilityNotFound, typ)
}

func TestResolveEmptyCapabilityIsUnresolvable(t *testing.T) {
	r := New(suggest("", "", nil), &fakeCatalog{}, nil)

	_, err := r.Resolve(context.Background(), "do the thing", nil)
	require.Error(t, err)

	typ, ok := domain.TypeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.TypeUnresolvableRequest, typ)
}

func TestResolveOracleFailureIsUnresolvable(t *testing.T) {
	r := New(&fakeOracle{err: fmt.Errorf("model timeout")}, &fakeCatalog{}, nil)

	_, err := r.Resolve(context.Background(), "weather", nil)
	require.Error(t, err)

	typ, ok := domain.TypeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.TypeUnresolvableRequest, typ)
}

func TestResolveMergesOverridesOverSuggestion(t *testing.T) {
	catalog := &fakeCatalog{entries: []domain.CatalogEntry{
		weatherEntry("weather-server", "get_forecast"),
	}}
	r := New(suggest("weather", "get_forecast", map[string]any{
		"location": "London",
		"units":    "metric",
	}), catalog, nil)

	inv, err := r.Resolve(context.Background(), "weather", map[string]any{"location": "Paris"})
	require.NoError(t, err)
	require.Equal(t, "Paris", inv.Parameters["location"])
	require.Equal(t, "metric", inv.Parameters["units"])
}

func TestResolveCustomMatchStrategy(t *testing.T) {
	catalog := &fakeCatalog{entries: []domain.CatalogEntry{
		weatherEntry("weather-server", "tool_a", "tool_b"),
	}}
	fixed := func(capability, suggested string, schema domain.ToolSchema) (string, bool) {
		return "tool_b", true
	}
	r := New(suggest("weather", "anything", nil), catalog, nil, WithMatchStrategy(fixed))

	inv, err := r.Resolve(context.Background(), "weather", nil)
	require.NoError(t, err)
	require.Equal(t, "tool_b", inv.Tool)
}

func TestLadderOrder(t *testing.T) {
	schema := domain.ToolSchema{
		"get_weather":        {},
		"get_hourly_weather": {},
		"exact_tool":         {},
	}

	tool, ok := Ladder("weather", "exact_tool", schema)
	require.True(t, ok)
	require.Equal(t, "exact_tool", tool)

	tool, ok = Ladder("weather", "missing", schema)
	require.True(t, ok)
	require.Equal(t, "get_weather", tool)

	delete(schema, "get_weather")
	tool, ok = Ladder("weather", "missing", schema)
	require.True(t, ok)
	require.Equal(t, "get_hourly_weather", tool)

	_, ok = Ladder("search", "missing", schema)
	require.False(t, ok)
}

func TestLadderEmptySchema(t *testing.T) {
	_, ok := Ladder("weather", "get_weather", nil)
	require.False(t, ok)
}
