// Package app wires the registry, installer, connector, resolver and
// classifier into the request-processing agent.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"mika/internal/domain"
	"mika/internal/infra/classifier"
	"mika/internal/infra/connector"
	"mika/internal/infra/installer"
	"mika/internal/infra/oracle"
	"mika/internal/infra/registry"
	"mika/internal/infra/resolver"
)

const clientName = "mika"
const clientVersion = "0.1.0"

// Config is everything the agent needs to assemble its components.
type Config struct {
	CatalogPath     string
	UserCatalogPath string
	RegistryURL     string
	StorePath       string
	ServerDir       string
	AutoInstall     bool
	WatchCatalog    bool
	Oracle          oracle.Config
	Metrics         prometheus.Registerer
}

// Agent is the top-level request processor. Build with New, initialize with
// Setup, then call ProcessRequest any number of times, concurrently if
// desired. Close releases every held resource and is idempotent.
type Agent struct {
	logger *zap.Logger
	config Config

	registry   *registry.Registry
	store      *installer.Store
	installer  *installer.Installer
	connector  *connector.Connector
	resolver   *resolver.Resolver
	classifier *classifier.Classifier
	oracle     oracle.Oracle
	dialer     connector.Dialer

	closeOnce sync.Once
	watchStop context.CancelFunc
}

// Option overrides a component the agent would otherwise build itself.
type Option func(*Agent)

// WithDialer replaces the stdio dialer, for embedding and tests.
func WithDialer(d connector.Dialer) Option {
	return func(a *Agent) { a.dialer = d }
}

// WithOracle replaces the configured analysis model.
func WithOracle(o oracle.Oracle) Option {
	return func(a *Agent) { a.oracle = o }
}

func New(config Config, logger *zap.Logger, opts ...Option) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Agent{
		logger: logger.Named("agent"),
		config: config,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Setup loads the catalog and wires the components. A catalog failure is
// fatal; a missing marker store or unconfigured oracle degrades gracefully.
func (a *Agent) Setup(ctx context.Context) error {
	var regOpts []registry.Option
	if a.config.UserCatalogPath != "" {
		regOpts = append(regOpts, registry.WithUserCatalog(a.config.UserCatalogPath))
	}
	if a.config.RegistryURL != "" {
		regOpts = append(regOpts, registry.WithRemoteSource(a.config.RegistryURL))
	}
	a.registry = registry.New(a.config.CatalogPath, a.logger, regOpts...)
	if err := a.registry.Load(ctx); err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	if a.config.RegistryURL != "" {
		// The local catalog already loaded; a stale remote is not fatal.
		if err := a.registry.Refresh(ctx); err != nil {
			a.logger.Warn("remote catalog refresh failed", zap.Error(err))
		}
	}

	if a.config.StorePath != "" {
		store, err := installer.OpenStore(a.config.StorePath)
		if err != nil {
			a.logger.Warn("install marker store unavailable", zap.Error(err))
		} else {
			a.store = store
		}
	}

	instOpts := []installer.Option{installer.WithStore(a.store)}
	if a.config.ServerDir != "" {
		instOpts = append(instOpts, installer.WithServerDir(a.config.ServerDir))
	}
	a.installer = installer.New(a.logger, instOpts...)

	if a.oracle == nil {
		a.oracle = a.buildOracle(ctx)
	}
	if a.dialer == nil {
		a.dialer = connector.NewStdioDialer(clientName, clientVersion)
	}

	connOpts := []connector.Option{connector.WithAutoInstall(a.config.AutoInstall)}
	if a.config.Metrics != nil {
		connOpts = append(connOpts, connector.WithMetrics(connector.NewMetrics(a.config.Metrics)))
	}
	a.connector = connector.New(a.registry, a.installer, a.dialer, a.logger, connOpts...)

	a.resolver = resolver.New(a.oracle, a.registry, a.logger)
	a.classifier = classifier.New(a.logger, classifier.WithOracle(a.oracle))

	if a.config.WatchCatalog {
		watchCtx, cancel := context.WithCancel(context.Background())
		a.watchStop = cancel
		go func() {
			if err := a.registry.Watch(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn("catalog watch stopped", zap.Error(err))
			}
		}()
	}

	a.logger.Info("agent ready",
		zap.String("catalog", a.config.CatalogPath),
		zap.Bool("autoInstall", a.config.AutoInstall),
	)
	return nil
}

func (a *Agent) buildOracle(ctx context.Context) oracle.Oracle {
	cfg := a.config.Oracle
	if cfg.Model == "" {
		a.logger.Info("no analysis model configured, requests must fail as unresolvable")
		return oracle.Unavailable{}
	}
	o, err := oracle.New(ctx, cfg, a.logger)
	if err != nil {
		a.logger.Warn("analysis model unavailable", zap.Error(err))
		return oracle.Unavailable{}
	}
	return o
}

// ProcessRequest runs the full pipeline for one natural-language request:
// resolve, connect, invoke. It always returns a well-formed response; every
// failure comes back classified, never as a bare error.
func (a *Agent) ProcessRequest(ctx context.Context, text string, overrides map[string]any) domain.Response {
	requestID := uuid.NewString()
	logger := a.logger.With(zap.String("requestId", requestID))
	logger.Info("processing request", zap.String("request", text))

	inv, err := a.resolver.Resolve(ctx, text, overrides)
	if err != nil {
		logger.Warn("resolution failed", zap.Error(err))
		return a.fail(ctx, requestID, err, text, nil)
	}

	logger.Info("request resolved",
		zap.String("capability", inv.Capability),
		zap.String("server", inv.Server),
		zap.String("tool", inv.Tool),
	)

	result, err := a.connector.Invoke(ctx, inv)
	if err != nil {
		logger.Warn("invocation failed", zap.Error(err))
		meta := map[string]string{
			"capability": inv.Capability,
			"server":     inv.Server,
			"tool":       inv.Tool,
		}
		return a.fail(ctx, requestID, err, text, meta)
	}

	logger.Info("request completed", zap.String("tool", inv.Tool))
	resp := domain.SuccessResponse(requestID, inv.Capability, inv.Tool, result)
	resp.CompletedAt = time.Now()
	return resp
}

func (a *Agent) fail(ctx context.Context, requestID string, err error, request string, meta map[string]string) domain.Response {
	failure := a.classifier.Classify(ctx, err, request, meta)
	resp := domain.ErrorResponse(requestID, failure)
	resp.CompletedAt = time.Now()
	return resp
}

// CheckServerStatus reports install and availability state for the first
// server providing the capability, without connecting or installing.
func (a *Agent) CheckServerStatus(capability string) domain.ServerStatus {
	return a.connector.CheckStatus(capability)
}

// Catalog returns the loaded catalog entries in order.
func (a *Agent) Catalog() []domain.CatalogEntry {
	return a.registry.Entries()
}

// AddServer validates and persists a server entry to the user catalog.
func (a *Agent) AddServer(ctx context.Context, entry domain.CatalogEntry) error {
	return a.registry.Add(ctx, entry)
}

// RemoveServer deletes a user catalog entry by name.
func (a *Agent) RemoveServer(ctx context.Context, name string) error {
	return a.registry.Remove(ctx, name)
}

// RefreshCatalog re-fetches the remote catalog, when one is configured.
func (a *Agent) RefreshCatalog(ctx context.Context) error {
	return a.registry.Refresh(ctx)
}

// Close releases all sessions and the marker store. Safe to call more than
// once and while requests are in flight; those requests fail cleanly.
func (a *Agent) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.watchStop != nil {
			a.watchStop()
		}
		if a.connector != nil {
			a.connector.DisconnectAll()
		}
		if a.store != nil {
			err = a.store.Close()
		}
		a.logger.Info("agent closed")
	})
	return err
}
