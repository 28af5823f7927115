package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mika/internal/domain"
)

// Catalog is the registry surface the connector needs.
type Catalog interface {
	FindServers(capability string) []domain.CatalogEntry
	Get(name string) (domain.CatalogEntry, error)
}

// InstallManager is the installer surface the connector needs.
type InstallManager interface {
	EnsureInstalled(ctx context.Context, entry domain.CatalogEntry) (domain.InstallOutcome, error)
	Installed(entry domain.CatalogEntry) bool
}

// serverConn is the cached connection record for one server name.
// Invariant: at most one live session per server name, ever.
type serverConn struct {
	state        domain.ConnectionState
	session      Session
	capabilities []string
	lastUsed     time.Time

	// establishment guard: the first caller dials, later callers wait on
	// waitCh and re-check.
	establishing bool
	waitCh       chan struct{}
}

// Connector owns server session lifecycle and tool invocation. The
// connection cache is explicit and instance-scoped; there is no package
// state.
type Connector struct {
	logger      *zap.Logger
	catalog     Catalog
	installer   InstallManager
	dialer      Dialer
	metrics     *Metrics
	autoInstall bool

	mu            sync.Mutex
	conns         map[string]*serverConn
	installGuards map[string]*sync.Mutex
	closed        bool
	closeOnce     sync.Once
}

// Option configures a Connector.
type Option func(*Connector)

func WithMetrics(m *Metrics) Option {
	return func(c *Connector) { c.metrics = m }
}

// WithAutoInstall controls whether missing servers are installed on first
// use. When disabled, an uninstalled server fails instead of shelling out.
func WithAutoInstall(enabled bool) Option {
	return func(c *Connector) { c.autoInstall = enabled }
}

func New(catalog Catalog, installer InstallManager, dialer Dialer, logger *zap.Logger, opts ...Option) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Connector{
		logger:        logger.Named("connector"),
		catalog:       catalog,
		installer:     installer,
		dialer:        dialer,
		autoInstall:   true,
		conns:         make(map[string]*serverConn),
		installGuards: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExecuteCapability resolves the capability to its first catalog server and
// invokes the named tool on it.
func (c *Connector) ExecuteCapability(ctx context.Context, capability, tool string, params map[string]any) (any, error) {
	servers := c.catalog.FindServers(capability)
	if len(servers) == 0 {
		return nil, &domain.Error{
			Type:       domain.TypeCapabilityNotFound,
			Op:         "execute capability",
			Capability: capability,
			Cause:      domain.ErrCapabilityNotFound,
		}
	}
	return c.invoke(ctx, servers[0], capability, tool, params)
}

// Invoke executes a resolution produced upstream.
func (c *Connector) Invoke(ctx context.Context, inv domain.ResolvedInvocation) (any, error) {
	entry, err := c.catalog.Get(inv.Server)
	if err != nil {
		return nil, &domain.Error{
			Type:       domain.TypeCapabilityNotFound,
			Op:         "invoke",
			Capability: inv.Capability,
			Server:     inv.Server,
			Cause:      err,
		}
	}
	return c.invoke(ctx, entry, inv.Capability, inv.Tool, inv.Parameters)
}

func (c *Connector) invoke(ctx context.Context, entry domain.CatalogEntry, capability, tool string, params map[string]any) (any, error) {
	if err := c.ensureInstalled(ctx, entry); err != nil {
		c.metrics.observeInstall(entry.Name, "failed")
		return nil, err
	}

	sess, err := c.acquireSession(ctx, entry)
	if err != nil {
		return nil, err
	}

	if err := c.checkTool(ctx, sess, entry, capability, tool); err != nil {
		return nil, err
	}

	result, err := sess.CallTool(ctx, tool, params)
	if err != nil {
		if sessionDead(err) {
			c.dropSession(entry.Name, sess)
			c.metrics.observeToolCall(entry.Name, "connection_lost")
			return nil, &domain.Error{
				Type:       domain.TypeConnectionError,
				Op:         "call tool",
				Capability: capability,
				Server:     entry.Name,
				Tool:       tool,
				Cause:      fmt.Errorf("%w: %v", domain.ErrSessionDead, err),
			}
		}
		c.metrics.observeToolCall(entry.Name, "error")
		return nil, &domain.Error{
			Type:       domain.TypeInvocationError,
			Op:         "call tool",
			Capability: capability,
			Server:     entry.Name,
			Tool:       tool,
			Cause:      err,
		}
	}

	c.metrics.observeToolCall(entry.Name, "success")
	return result, nil
}

// checkTool verifies the tool exists before calling it. The catalog schema
// is authoritative when present; otherwise the live session is asked once.
func (c *Connector) checkTool(ctx context.Context, sess Session, entry domain.CatalogEntry, capability, tool string) error {
	if len(entry.Tools) > 0 {
		if _, ok := entry.Tools[tool]; ok {
			return nil
		}
	} else {
		schema, err := sess.ListTools(ctx)
		if err != nil {
			// The session answered the handshake but not list_tools; let
			// the call itself surface the real failure.
			c.logger.Debug("list tools failed", zap.String("server", entry.Name), zap.Error(err))
			return nil
		}
		if _, ok := schema[tool]; ok {
			return nil
		}
	}
	return &domain.Error{
		Type:       domain.TypeToolNotFound,
		Op:         "check tool",
		Capability: capability,
		Server:     entry.Name,
		Tool:       tool,
		Cause:      domain.ErrToolNotFound,
	}
}

func (c *Connector) ensureInstalled(ctx context.Context, entry domain.CatalogEntry) error {
	guard := c.installGuard(entry.Name)
	guard.Lock()
	defer guard.Unlock()

	if !c.autoInstall {
		if c.installer.Installed(entry) {
			return nil
		}
		return &domain.Error{
			Type:    domain.TypeInstallationError,
			Op:      "ensure installed",
			Server:  entry.Name,
			Message: fmt.Sprintf("server %s is not installed and auto-install is disabled", entry.Name),
			Cause:   domain.ErrInstallation,
		}
	}

	outcome, err := c.installer.EnsureInstalled(ctx, entry)
	if err != nil {
		return err
	}
	if outcome == domain.InstallCompleted {
		c.metrics.observeInstall(entry.Name, string(outcome))
	}
	return nil
}

func (c *Connector) installGuard(name string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.installGuards[name]
	if !ok {
		g = &sync.Mutex{}
		c.installGuards[name] = g
	}
	return g
}

// acquireSession returns the cached live session for the entry, or
// establishes one. Concurrent callers for the same server serialize here:
// the first dials, the rest wait and reuse.
func (c *Connector) acquireSession(ctx context.Context, entry domain.CatalogEntry) (Session, error) {
	const op = "acquire session"
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, connectionError(op, entry, domain.ErrConnectorClosed)
		}

		st, ok := c.conns[entry.Name]
		if !ok {
			st = &serverConn{state: domain.StateUnconnected}
			c.conns[entry.Name] = st
		}

		if st.state == domain.StateConnected && st.session != nil {
			st.lastUsed = time.Now()
			sess := st.session
			c.mu.Unlock()
			return sess, nil
		}

		if st.establishing {
			ch := st.waitCh
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, connectionError(op, entry, ctx.Err())
			case <-ch:
			}
			continue
		}

		st.establishing = true
		st.state = domain.StateConnecting
		st.waitCh = make(chan struct{})
		c.mu.Unlock()

		sess, err := c.dialer.Dial(ctx, entry)

		c.mu.Lock()
		st.establishing = false
		close(st.waitCh)
		st.waitCh = nil
		if err != nil {
			st.state = domain.StateFailed
			c.mu.Unlock()
			return nil, connectionError(op, entry, fmt.Errorf("%w: %v", domain.ErrConnection, err))
		}
		if c.closed {
			st.state = domain.StateClosed
			c.mu.Unlock()
			_ = sess.Close()
			return nil, connectionError(op, entry, domain.ErrConnectorClosed)
		}
		if ctx.Err() != nil {
			// The caller is gone; a half-established session must not be
			// cached as healthy.
			st.state = domain.StateUnconnected
			c.mu.Unlock()
			_ = sess.Close()
			return nil, connectionError(op, entry, ctx.Err())
		}

		st.session = sess
		st.state = domain.StateConnected
		st.capabilities = entry.Capabilities
		st.lastUsed = time.Now()
		c.mu.Unlock()

		c.metrics.observeSessionEstablished(entry.Name)
		c.logger.Info("session established", zap.String("server", entry.Name))
		return sess, nil
	}
}

// dropSession removes a dead session from the cache so the next call
// re-establishes from scratch. Only the exact session that failed is
// dropped; a replacement established meanwhile stays.
func (c *Connector) dropSession(name string, sess Session) {
	c.mu.Lock()
	st := c.conns[name]
	if st != nil && st.session == sess {
		st.session = nil
		st.state = domain.StateFailed
	}
	c.mu.Unlock()
	_ = sess.Close()

	c.logger.Warn("session lost", zap.String("server", name))
}

// CheckStatus is a non-mutating probe for the capability's first server.
func (c *Connector) CheckStatus(capability string) domain.ServerStatus {
	servers := c.catalog.FindServers(capability)
	if len(servers) == 0 {
		return domain.ServerStatus{}
	}
	entry := servers[0]

	installed := c.installer.Installed(entry)

	c.mu.Lock()
	st := c.conns[entry.Name]
	live := st != nil && st.state == domain.StateConnected && st.session != nil
	closed := c.closed
	c.mu.Unlock()

	return domain.ServerStatus{
		Installed: installed,
		Available: live || (!closed && len(entry.Cmd) > 0),
	}
}

// DisconnectAll releases every cached session. Idempotent, and safe while
// requests are in flight: later and in-flight acquisitions fail with a
// connection error instead of hanging.
func (c *Connector) DisconnectAll() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		conns := c.conns
		c.conns = make(map[string]*serverConn)

		var sessions []Session
		for _, st := range conns {
			if st.session != nil {
				sessions = append(sessions, st.session)
				st.session = nil
			}
			st.state = domain.StateClosed
		}
		c.mu.Unlock()

		for _, sess := range sessions {
			_ = sess.Close()
		}
		c.logger.Info("all sessions released", zap.Int("count", len(sessions)))
	})
}

func connectionError(op string, entry domain.CatalogEntry, cause error) *domain.Error {
	return &domain.Error{
		Type:   domain.TypeConnectionError,
		Op:     op,
		Server: entry.Name,
		Cause:  cause,
	}
}
