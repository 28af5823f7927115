package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"mika/internal/domain"
)

const (
	refreshTimeout  = 15 * time.Second
	maxCatalogBytes = 4 << 20
)

// Refresh fetches the remote catalog and overlays its entries onto the
// default set (user entries still win). On any failure the current catalog
// stays in effect.
func (r *Registry) Refresh(ctx context.Context) error {
	const op = "registry refresh"
	if r.remoteURL == "" {
		return domain.E(domain.TypeCatalogLoadError, op, "no remote catalog source configured", domain.ErrCatalogLoad)
	}

	reqCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, r.remoteURL, nil)
	if err != nil {
		return domain.E(domain.TypeCatalogLoadError, op, fmt.Sprintf("build request: %v", err), domain.ErrCatalogLoad)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return domain.E(domain.TypeCatalogLoadError, op, fmt.Sprintf("fetch remote catalog: %v", err), domain.ErrCatalogLoad)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return domain.E(domain.TypeCatalogLoadError, op, fmt.Sprintf("remote catalog returned %s", resp.Status), domain.ErrCatalogLoad)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogBytes))
	if err != nil {
		return domain.E(domain.TypeCatalogLoadError, op, fmt.Sprintf("read remote catalog: %v", err), domain.ErrCatalogLoad)
	}

	entries, err := r.loader.parse(data)
	if err != nil {
		return domain.E(domain.TypeCatalogLoadError, op, err.Error(), domain.ErrCatalogLoad)
	}

	r.mu.Lock()
	r.remote = entries
	r.mu.Unlock()

	r.logger.Info("remote catalog fetched", zap.String("url", r.remoteURL), zap.Int("servers", len(entries)))
	return r.Load(ctx)
}
