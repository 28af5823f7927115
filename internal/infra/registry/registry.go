package registry

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"

	"mika/internal/domain"
)

// Registry is the in-memory capability catalog. The entry set is loaded at
// setup and swapped atomically on explicit reload; read paths never observe
// a partially applied catalog.
type Registry struct {
	logger    *zap.Logger
	loader    *Loader
	path      string
	userPath  string
	remoteURL string

	mu      sync.RWMutex
	entries []domain.CatalogEntry
	byName  map[string]int
	remote  []domain.CatalogEntry
}

// Option configures a Registry.
type Option func(*Registry)

// WithUserCatalog overlays a second catalog file whose entries override
// default entries by name and append otherwise. The file may not exist yet;
// Add creates it on first write.
func WithUserCatalog(path string) Option {
	return func(r *Registry) {
		r.userPath = path
	}
}

// WithRemoteSource configures the catalog URL Refresh pulls from.
func WithRemoteSource(url string) Option {
	return func(r *Registry) {
		r.remoteURL = url
	}
}

func New(path string, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		logger: logger.Named("registry"),
		loader: NewLoader(logger),
		path:   path,
		byName: make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load reads the catalog and applies the overlays: fetched remote entries
// first, then the user catalog, so user entries always win. Fatal to setup
// on failure; callers do not retry.
func (r *Registry) Load(ctx context.Context) error {
	entries, err := r.loader.Load(ctx, r.path)
	if err != nil {
		return err
	}

	r.mu.RLock()
	remote := r.remote
	r.mu.RUnlock()
	if len(remote) > 0 {
		entries = overlay(entries, remote)
	}

	if r.userPath != "" {
		if _, statErr := os.Stat(r.userPath); statErr == nil {
			userEntries, err := r.loader.Load(ctx, r.userPath)
			if err != nil {
				return err
			}
			entries = overlay(entries, userEntries)
		}
	}

	byName := make(map[string]int, len(entries))
	for i, e := range entries {
		byName[e.Name] = i
	}

	r.mu.Lock()
	r.entries = entries
	r.byName = byName
	r.mu.Unlock()

	r.logger.Info("catalog ready", zap.Int("servers", len(entries)))
	return nil
}

// Reload re-reads the backing files. On failure the previous catalog stays
// in effect.
func (r *Registry) Reload(ctx context.Context) error {
	return r.Load(ctx)
}

// FindServers returns every entry serving the capability, in catalog order.
// An absent capability yields an empty slice, never an error.
func (r *Registry) FindServers(capability string) []domain.CatalogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.CatalogEntry
	for _, e := range r.entries {
		if e.HasCapability(capability) {
			out = append(out, e)
		}
	}
	return out
}

// Get returns the entry with the given server name.
func (r *Registry) Get(name string) (domain.CatalogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.byName[name]
	if !ok {
		return domain.CatalogEntry{}, domain.E(domain.TypeCatalogLoadError, "registry get", name, domain.ErrServerNotFound)
	}
	return r.entries[i], nil
}

// Entries returns a copy of the full catalog in load order.
func (r *Registry) Entries() []domain.CatalogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.CatalogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// overlay merges user entries over defaults: same name replaces in place,
// new names append in overlay order.
func overlay(defaults, user []domain.CatalogEntry) []domain.CatalogEntry {
	index := make(map[string]int, len(defaults))
	merged := make([]domain.CatalogEntry, len(defaults))
	copy(merged, defaults)
	for i, e := range merged {
		index[e.Name] = i
	}
	for _, e := range user {
		if i, ok := index[e.Name]; ok {
			merged[i] = e
			continue
		}
		index[e.Name] = len(merged)
		merged = append(merged, e)
	}
	return merged
}
