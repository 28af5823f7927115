package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"mika/internal/domain"
)

func searchEntry(name string) domain.CatalogEntry {
	return domain.CatalogEntry{
		Name:         name,
		Capabilities: []string{"search"},
		Install:      domain.InstallSpec{Kind: domain.InstallNone},
		Cmd:          []string{name + "-bin"},
	}
}

func TestAddPersistsToUserCatalog(t *testing.T) {
	userPath := filepath.Join(t.TempDir(), "user.yaml")
	reg := New(writeCatalog(t, sampleCatalog), nil, WithUserCatalog(userPath))
	require.NoError(t, reg.Load(context.Background()))
	require.Len(t, reg.Entries(), 2)

	require.NoError(t, reg.Add(context.Background(), searchEntry("search-server")))
	require.Len(t, reg.Entries(), 3)

	got, err := reg.Get("search-server")
	require.NoError(t, err)
	require.Equal(t, []string{"search-server-bin"}, got.Cmd)

	// A fresh registry over the same files sees the persisted entry.
	fresh := New(reg.path, nil, WithUserCatalog(userPath))
	require.NoError(t, fresh.Load(context.Background()))
	_, err = fresh.Get("search-server")
	require.NoError(t, err)
}

func TestAddReplacesUserEntryByName(t *testing.T) {
	userPath := filepath.Join(t.TempDir(), "user.yaml")
	reg := New(writeCatalog(t, sampleCatalog), nil, WithUserCatalog(userPath))
	require.NoError(t, reg.Load(context.Background()))

	require.NoError(t, reg.Add(context.Background(), searchEntry("search-server")))

	updated := searchEntry("search-server")
	updated.Cmd = []string{"new-bin"}
	require.NoError(t, reg.Add(context.Background(), updated))

	require.Len(t, reg.Entries(), 3)
	got, err := reg.Get("search-server")
	require.NoError(t, err)
	require.Equal(t, []string{"new-bin"}, got.Cmd)
}

func TestAddValidatesEntry(t *testing.T) {
	userPath := filepath.Join(t.TempDir(), "user.yaml")
	reg := New(writeCatalog(t, sampleCatalog), nil, WithUserCatalog(userPath))
	require.NoError(t, reg.Load(context.Background()))

	bad := domain.CatalogEntry{Name: "broken"}
	err := reg.Add(context.Background(), bad)
	require.Error(t, err)
	require.Contains(t, err.Error(), "capability is required")
	require.Len(t, reg.Entries(), 2)
}

func TestAddWithoutUserCatalog(t *testing.T) {
	reg := New(writeCatalog(t, sampleCatalog), nil)
	require.NoError(t, reg.Load(context.Background()))

	err := reg.Add(context.Background(), searchEntry("search-server"))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNoUserCatalog))
}

func TestRemoveDeletesUserEntry(t *testing.T) {
	userPath := filepath.Join(t.TempDir(), "user.yaml")
	reg := New(writeCatalog(t, sampleCatalog), nil, WithUserCatalog(userPath))
	require.NoError(t, reg.Load(context.Background()))
	require.NoError(t, reg.Add(context.Background(), searchEntry("search-server")))

	require.NoError(t, reg.Remove(context.Background(), "search-server"))
	require.Len(t, reg.Entries(), 2)

	_, err := reg.Get("search-server")
	require.Error(t, err)
}

func TestRemoveUnknownOrDefaultEntry(t *testing.T) {
	userPath := filepath.Join(t.TempDir(), "user.yaml")
	reg := New(writeCatalog(t, sampleCatalog), nil, WithUserCatalog(userPath))
	require.NoError(t, reg.Load(context.Background()))

	err := reg.Remove(context.Background(), "nope")
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrServerNotFound))

	// Default catalog entries are not removable, only overridable.
	err = reg.Remove(context.Background(), "weather-server")
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrServerNotFound))
	require.Len(t, reg.Entries(), 2)
}

func TestLoadToleratesAbsentUserCatalog(t *testing.T) {
	userPath := filepath.Join(t.TempDir(), "user.yaml")
	reg := New(writeCatalog(t, sampleCatalog), nil, WithUserCatalog(userPath))
	require.NoError(t, reg.Load(context.Background()))
	require.Len(t, reg.Entries(), 2)
}
