package installer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"mika/internal/domain"
)

// runner abstracts the package-manager shell-outs so tests never touch the
// host environment.
type runner interface {
	Look(name string) (string, error)
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Look(name string) (string, error) {
	return exec.LookPath(name)
}

func (execRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	return cmd.CombinedOutput()
}

// Installer provisions a server's runtime dependencies on the host. It is
// idempotent and holds no state beyond one attempt; failures surface
// immediately and are never retried here.
type Installer struct {
	logger    *zap.Logger
	store     *Store
	run       runner
	serverDir string
	lookupEnv func(string) (string, bool)
}

// Option configures an Installer.
type Option func(*Installer)

// WithStore records successful installs so AlreadyPresent survives restarts.
// A nil store degrades to per-process memory of nothing.
func WithStore(store *Store) Option {
	return func(i *Installer) { i.store = store }
}

// WithServerDir sets the working directory for local package installs.
func WithServerDir(dir string) Option {
	return func(i *Installer) { i.serverDir = dir }
}

func withRunner(r runner) Option {
	return func(i *Installer) { i.run = r }
}

func withEnvLookup(fn func(string) (string, bool)) Option {
	return func(i *Installer) { i.lookupEnv = fn }
}

func New(logger *zap.Logger, opts ...Option) *Installer {
	if logger == nil {
		logger = zap.NewNop()
	}
	inst := &Installer{
		logger:    logger.Named("installer"),
		run:       execRunner{},
		lookupEnv: os.LookupEnv,
	}
	for _, opt := range opts {
		opt(inst)
	}
	return inst
}

// EnsureInstalled makes exactly one installation attempt for the entry.
// Calling it again once the entry is installed is a no-op.
func (i *Installer) EnsureInstalled(ctx context.Context, entry domain.CatalogEntry) (domain.InstallOutcome, error) {
	const op = "ensure installed"

	if missing := i.missingEnv(entry); len(missing) > 0 {
		err := &domain.Error{
			Type:    domain.TypeInstallationError,
			Op:      op,
			Server:  entry.Name,
			Message: fmt.Sprintf("missing required environment: %s", strings.Join(missing, ", ")),
			Cause:   domain.ErrMissingCredential,
		}
		return domain.InstallFailed, err
	}

	if entry.Install.Kind == domain.InstallNone {
		return domain.InstallAlreadyPresent, nil
	}
	if i.Installed(entry) {
		return domain.InstallAlreadyPresent, nil
	}

	tool, args := installCommand(entry.Install)
	if _, err := i.run.Look(tool); err != nil {
		wrapped := &domain.Error{
			Type:    domain.TypeInstallationError,
			Op:      op,
			Server:  entry.Name,
			Message: fmt.Sprintf("%s not found on PATH", tool),
			Cause:   fmt.Errorf("%w: %v", domain.ErrInstallation, err),
		}
		return domain.InstallFailed, wrapped
	}

	i.logger.Info("installing server",
		zap.String("server", entry.Name),
		zap.String("kind", string(entry.Install.Kind)),
		zap.String("package", entry.Install.Package),
	)

	output, err := i.run.Run(ctx, i.serverDir, tool, args...)
	if err != nil {
		wrapped := &domain.Error{
			Type:    domain.TypeInstallationError,
			Op:      op,
			Server:  entry.Name,
			Message: fmt.Sprintf("%s %s: %v: %s", tool, strings.Join(args, " "), err, excerpt(output)),
			Cause:   fmt.Errorf("%w: %v", domain.ErrInstallation, err),
		}
		return domain.InstallFailed, wrapped
	}

	if err := i.store.MarkInstalled(entry.Install.Package); err != nil {
		i.logger.Warn("failed to record install marker", zap.String("server", entry.Name), zap.Error(err))
	}

	i.logger.Info("server installed", zap.String("server", entry.Name))
	return domain.InstallCompleted, nil
}

// Installed is a non-mutating probe. The marker store answers when
// configured; without one the package manager itself is asked, so
// already-installed entries stay a no-op either way.
func (i *Installer) Installed(entry domain.CatalogEntry) bool {
	if entry.Install.Kind == domain.InstallNone {
		if len(entry.Cmd) == 0 {
			return false
		}
		_, err := i.run.Look(entry.Cmd[0])
		return err == nil
	}
	if i.store != nil {
		return i.store.IsInstalled(entry.Install.Package)
	}
	return i.probePackage(entry.Install)
}

func (i *Installer) probePackage(spec domain.InstallSpec) bool {
	tool, args := probeCommand(spec)
	if tool == "" {
		return false
	}
	if _, err := i.run.Look(tool); err != nil {
		return false
	}
	output, err := i.run.Run(context.Background(), i.serverDir, tool, args...)
	if err != nil {
		return false
	}
	// uv tool list exits zero regardless; the package must appear in the
	// listing.
	if spec.Kind == domain.InstallUV {
		return strings.Contains(string(output), spec.Package)
	}
	return true
}

func probeCommand(spec domain.InstallSpec) (string, []string) {
	switch spec.Kind {
	case domain.InstallNPM:
		if spec.Global {
			return "npm", []string{"ls", "--global", spec.Package}
		}
		return "npm", []string{"ls", spec.Package}
	case domain.InstallPip:
		return "pip", []string{"show", spec.Package}
	case domain.InstallUV:
		return "uv", []string{"tool", "list"}
	default:
		return "", nil
	}
}

func (i *Installer) missingEnv(entry domain.CatalogEntry) []string {
	var missing []string
	for _, name := range entry.Install.RequiredEnv {
		if v, ok := i.lookupEnv(name); !ok || strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

func installCommand(spec domain.InstallSpec) (string, []string) {
	switch spec.Kind {
	case domain.InstallNPM:
		if spec.Global {
			return "npm", []string{"install", "--global", spec.Package}
		}
		return "npm", []string{"install", "--no-save", spec.Package}
	case domain.InstallPip:
		return "pip", []string{"install", spec.Package}
	case domain.InstallUV:
		return "uv", []string{"tool", "install", spec.Package}
	default:
		return "", nil
	}
}

func excerpt(output []byte) string {
	const max = 300
	s := strings.TrimSpace(string(output))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
