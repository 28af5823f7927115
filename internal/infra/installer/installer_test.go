package installer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"mika/internal/domain"
)

type fakeRunner struct {
	lookErr  error
	runErr   error
	output   []byte
	runCalls []string
}

func (f *fakeRunner) Look(name string) (string, error) {
	if f.lookErr != nil {
		return "", f.lookErr
	}
	return "/usr/bin/" + name, nil
}

func (f *fakeRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	f.runCalls = append(f.runCalls, name+" "+strings.Join(args, " "))
	return f.output, f.runErr
}

func envWith(vars map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

func npmEntry() domain.CatalogEntry {
	return domain.CatalogEntry{
		Name:         "weather-server",
		Capabilities: []string{"weather"},
		Install: domain.InstallSpec{
			Kind:    domain.InstallNPM,
			Package: "@example/weather-mcp",
		},
		Cmd: []string{"npx", "@example/weather-mcp"},
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "installs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEnsureInstalledRunsNpmInstall(t *testing.T) {
	run := &fakeRunner{}
	inst := New(nil, withRunner(run), withEnvLookup(envWith(nil)), WithStore(openTestStore(t)))

	outcome, err := inst.EnsureInstalled(context.Background(), npmEntry())
	require.NoError(t, err)
	require.Equal(t, domain.InstallCompleted, outcome)
	require.Equal(t, []string{"npm install --no-save @example/weather-mcp"}, run.runCalls)
}

func TestEnsureInstalledIsIdempotent(t *testing.T) {
	run := &fakeRunner{}
	inst := New(nil, withRunner(run), withEnvLookup(envWith(nil)), WithStore(openTestStore(t)))

	entry := npmEntry()
	_, err := inst.EnsureInstalled(context.Background(), entry)
	require.NoError(t, err)

	outcome, err := inst.EnsureInstalled(context.Background(), entry)
	require.NoError(t, err)
	require.Equal(t, domain.InstallAlreadyPresent, outcome)
	require.Len(t, run.runCalls, 1)
}

func TestEnsureInstalledMissingCredential(t *testing.T) {
	run := &fakeRunner{}
	inst := New(nil, withRunner(run), withEnvLookup(envWith(nil)))

	entry := npmEntry()
	entry.Install.RequiredEnv = []string{"WEATHER_API_KEY"}

	outcome, err := inst.EnsureInstalled(context.Background(), entry)
	require.Equal(t, domain.InstallFailed, outcome)
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrMissingCredential))
	require.Contains(t, err.Error(), "WEATHER_API_KEY")
	require.Empty(t, run.runCalls)
}

func TestEnsureInstalledCredentialPresent(t *testing.T) {
	run := &fakeRunner{}
	inst := New(nil,
		withRunner(run),
		withEnvLookup(envWith(map[string]string{"WEATHER_API_KEY": "secret"})),
		WithStore(openTestStore(t)),
	)

	entry := npmEntry()
	entry.Install.RequiredEnv = []string{"WEATHER_API_KEY"}

	outcome, err := inst.EnsureInstalled(context.Background(), entry)
	require.NoError(t, err)
	require.Equal(t, domain.InstallCompleted, outcome)
}

func TestEnsureInstalledNoneKindSkipsInstall(t *testing.T) {
	run := &fakeRunner{}
	inst := New(nil, withRunner(run), withEnvLookup(envWith(nil)))

	entry := domain.CatalogEntry{
		Name:         "time-server",
		Capabilities: []string{"time"},
		Install:      domain.InstallSpec{Kind: domain.InstallNone},
		Cmd:          []string{"mcp-time"},
	}

	outcome, err := inst.EnsureInstalled(context.Background(), entry)
	require.NoError(t, err)
	require.Equal(t, domain.InstallAlreadyPresent, outcome)
	require.Empty(t, run.runCalls)
}

func TestEnsureInstalledToolMissingFromPath(t *testing.T) {
	run := &fakeRunner{lookErr: fmt.Errorf("not found")}
	inst := New(nil, withRunner(run), withEnvLookup(envWith(nil)))

	outcome, err := inst.EnsureInstalled(context.Background(), npmEntry())
	require.Equal(t, domain.InstallFailed, outcome)
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrInstallation))
	require.Contains(t, err.Error(), "npm not found on PATH")
}

func TestEnsureInstalledCommandFailure(t *testing.T) {
	run := &fakeRunner{runErr: fmt.Errorf("exit status 1"), output: []byte("E404 not found")}
	inst := New(nil, withRunner(run), withEnvLookup(envWith(nil)))

	outcome, err := inst.EnsureInstalled(context.Background(), npmEntry())
	require.Equal(t, domain.InstallFailed, outcome)
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrInstallation))
	require.Contains(t, err.Error(), "E404")
}

func TestInstalledProbe(t *testing.T) {
	store := openTestStore(t)
	run := &fakeRunner{}
	inst := New(nil, withRunner(run), withEnvLookup(envWith(nil)), WithStore(store))

	entry := npmEntry()
	require.False(t, inst.Installed(entry))

	require.NoError(t, store.MarkInstalled(entry.Install.Package))
	require.True(t, inst.Installed(entry))
}

func TestInstalledProbeNoneKindChecksPath(t *testing.T) {
	entry := domain.CatalogEntry{
		Name:    "time-server",
		Install: domain.InstallSpec{Kind: domain.InstallNone},
		Cmd:     []string{"mcp-time"},
	}

	inst := New(nil, withRunner(&fakeRunner{}), withEnvLookup(envWith(nil)))
	require.True(t, inst.Installed(entry))

	inst = New(nil, withRunner(&fakeRunner{lookErr: fmt.Errorf("not found")}), withEnvLookup(envWith(nil)))
	require.False(t, inst.Installed(entry))
}

// packageManagerRunner mimics a real package manager: probes fail until an
// install happened, then succeed.
type packageManagerRunner struct {
	installed bool
	installs  int
	listing   string
}

func (r *packageManagerRunner) Look(name string) (string, error) {
	return "/usr/bin/" + name, nil
}

func (r *packageManagerRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := name + " " + strings.Join(args, " ")
	switch {
	case strings.HasPrefix(cmd, "npm ls"), strings.HasPrefix(cmd, "pip show"):
		if r.installed {
			return []byte("ok"), nil
		}
		return []byte("(empty)"), fmt.Errorf("exit status 1")
	case strings.HasPrefix(cmd, "uv tool list"):
		return []byte(r.listing), nil
	default:
		r.installed = true
		r.installs++
		return nil, nil
	}
}

func TestEnsureInstalledIdempotentWithoutStore(t *testing.T) {
	run := &packageManagerRunner{}
	inst := New(nil, withRunner(run), withEnvLookup(envWith(nil)))

	entry := npmEntry()
	outcome, err := inst.EnsureInstalled(context.Background(), entry)
	require.NoError(t, err)
	require.Equal(t, domain.InstallCompleted, outcome)

	outcome, err = inst.EnsureInstalled(context.Background(), entry)
	require.NoError(t, err)
	require.Equal(t, domain.InstallAlreadyPresent, outcome)
	require.Equal(t, 1, run.installs)
}

func TestInstalledProbesPackageManagerWithoutStore(t *testing.T) {
	run := &packageManagerRunner{}
	inst := New(nil, withRunner(run), withEnvLookup(envWith(nil)))

	entry := npmEntry()
	require.False(t, inst.Installed(entry))

	run.installed = true
	require.True(t, inst.Installed(entry))
}

func TestInstalledProbeUVChecksListing(t *testing.T) {
	entry := domain.CatalogEntry{
		Name:    "uv-server",
		Install: domain.InstallSpec{Kind: domain.InstallUV, Package: "mcp-weather"},
		Cmd:     []string{"mcp-weather"},
	}

	run := &packageManagerRunner{listing: "mcp-weather v1.0.0"}
	inst := New(nil, withRunner(run), withEnvLookup(envWith(nil)))
	require.True(t, inst.Installed(entry))

	run.listing = "some-other-tool v2.0.0"
	require.False(t, inst.Installed(entry))
}

func TestProbeCommandPerKind(t *testing.T) {
	tool, args := probeCommand(domain.InstallSpec{Kind: domain.InstallNPM, Package: "pkg"})
	require.Equal(t, "npm", tool)
	require.Equal(t, []string{"ls", "pkg"}, args)

	tool, args = probeCommand(domain.InstallSpec{Kind: domain.InstallPip, Package: "pkg"})
	require.Equal(t, "pip", tool)
	require.Equal(t, []string{"show", "pkg"}, args)

	tool, args = probeCommand(domain.InstallSpec{Kind: domain.InstallUV, Package: "pkg"})
	require.Equal(t, "uv", tool)
	require.Equal(t, []string{"tool", "list"}, args)
}

func TestStoreMarkersSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "installs.db")

	store, err := OpenStore(path)
	require.NoError(t, err)
	require.NoError(t, store.MarkInstalled("@example/weather-mcp"))
	require.NoError(t, store.Close())

	reopened, err := OpenStore(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	require.True(t, reopened.IsInstalled("@example/weather-mcp"))
	require.False(t, reopened.IsInstalled("@example/other"))
}

func TestInstallCommandPerKind(t *testing.T) {
	tool, args := installCommand(domain.InstallSpec{Kind: domain.InstallNPM, Package: "pkg", Global: true})
	require.Equal(t, "npm", tool)
	require.Equal(t, []string{"install", "--global", "pkg"}, args)

	tool, args = installCommand(domain.InstallSpec{Kind: domain.InstallPip, Package: "pkg"})
	require.Equal(t, "pip", tool)
	require.Equal(t, []string{"install", "pkg"}, args)

	tool, args = installCommand(domain.InstallSpec{Kind: domain.InstallUV, Package: "pkg"})
	require.Equal(t, "uv", tool)
	require.Equal(t, []string{"tool", "install", "pkg"}, args)
}
