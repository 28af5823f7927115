package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"mika/internal/domain"
)

// Loader reads and validates a capability catalog file.
type Loader struct {
	logger *zap.Logger
}

func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		return &Loader{logger: zap.NewNop()}
	}
	return &Loader{logger: logger.Named("catalog")}
}

type rawCatalog struct {
	Servers []rawServerEntry `mapstructure:"servers"`
}

type rawServerEntry struct {
	Name         string             `mapstructure:"name"`
	Description  string             `mapstructure:"description"`
	Capabilities []string           `mapstructure:"capabilities"`
	Install      rawInstallSpec     `mapstructure:"install"`
	Tools        map[string]rawTool `mapstructure:"tools"`
	Cmd          []string           `mapstructure:"cmd"`
	Env          map[string]string  `mapstructure:"env"`
	Cwd          string             `mapstructure:"cwd"`
}

type rawInstallSpec struct {
	Kind        string   `mapstructure:"kind"`
	Package     string   `mapstructure:"package"`
	SourceURL   string   `mapstructure:"sourceUrl"`
	Global      bool     `mapstructure:"global"`
	RequiredEnv []string `mapstructure:"requiredEnv"`
}

type rawTool struct {
	Description string              `mapstructure:"description"`
	Params      map[string]rawParam `mapstructure:"params"`
}

type rawParam struct {
	Type        string `mapstructure:"type"`
	Description string `mapstructure:"description"`
	Required    bool   `mapstructure:"required"`
}

// Load reads the catalog at path. Entries come back in file order; any
// validation problem fails the whole load so a broken catalog is never
// half-served.
func (l *Loader) Load(ctx context.Context, path string) ([]domain.CatalogEntry, error) {
	const op = "catalog load"
	if path == "" {
		return nil, domain.E(domain.TypeCatalogLoadError, op, "catalog path is required", domain.ErrCatalogLoad)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.E(domain.TypeCatalogLoadError, op, fmt.Sprintf("read catalog: %v", err), domain.ErrCatalogLoad)
	}

	entries, err := l.parse(data)
	if err != nil {
		return nil, domain.E(domain.TypeCatalogLoadError, op, err.Error(), domain.ErrCatalogLoad)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.logger.Debug("catalog loaded", zap.String("path", path), zap.Int("servers", len(entries)))
	return entries, nil
}

func (l *Loader) parse(data []byte) ([]domain.CatalogEntry, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewBuffer(data)); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	var cfg rawCatalog
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	entries := make([]domain.CatalogEntry, 0, len(cfg.Servers))
	var validationErrors []string
	nameSeen := make(map[string]struct{})

	for i, raw := range cfg.Servers {
		entry := normalizeEntry(raw)
		if _, exists := nameSeen[entry.Name]; exists {
			validationErrors = append(validationErrors, fmt.Sprintf("servers[%d]: duplicate name %q", i, entry.Name))
		} else if entry.Name != "" {
			nameSeen[entry.Name] = struct{}{}
		}

		if errs := validateEntry(entry, i); len(errs) > 0 {
			validationErrors = append(validationErrors, errs...)
			continue
		}
		entries = append(entries, entry)
	}

	if len(validationErrors) > 0 {
		return nil, errors.New(strings.Join(validationErrors, "; "))
	}
	return entries, nil
}

func normalizeEntry(raw rawServerEntry) domain.CatalogEntry {
	kind := domain.InstallKind(strings.ToLower(strings.TrimSpace(raw.Install.Kind)))
	if kind == "" {
		kind = domain.InstallNone
	}

	caps := make([]string, 0, len(raw.Capabilities))
	for _, c := range raw.Capabilities {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			caps = append(caps, c)
		}
	}

	var tools domain.ToolSchema
	if len(raw.Tools) > 0 {
		tools = make(domain.ToolSchema, len(raw.Tools))
		for name, t := range raw.Tools {
			def := domain.ToolDef{Description: t.Description}
			if len(t.Params) > 0 {
				def.Params = make(map[string]domain.ParamDef, len(t.Params))
				for pname, p := range t.Params {
					def.Params[pname] = domain.ParamDef{
						Type:        p.Type,
						Description: p.Description,
						Required:    p.Required,
					}
				}
			}
			tools[name] = def
		}
	}

	return domain.CatalogEntry{
		Name:         strings.TrimSpace(raw.Name),
		Description:  raw.Description,
		Capabilities: caps,
		Install: domain.InstallSpec{
			Kind:        kind,
			Package:     strings.TrimSpace(raw.Install.Package),
			SourceURL:   strings.TrimSpace(raw.Install.SourceURL),
			Global:      raw.Install.Global,
			RequiredEnv: raw.Install.RequiredEnv,
		},
		Tools: tools,
		Cmd:   raw.Cmd,
		Env:   raw.Env,
		Cwd:   raw.Cwd,
	}
}

func validateEntry(entry domain.CatalogEntry, index int) []string {
	var errs []string

	if entry.Name == "" {
		errs = append(errs, fmt.Sprintf("servers[%d]: name is required", index))
	}
	if len(entry.Capabilities) == 0 {
		errs = append(errs, fmt.Sprintf("servers[%d]: at least one capability is required", index))
	}
	if len(entry.Cmd) == 0 {
		errs = append(errs, fmt.Sprintf("servers[%d]: cmd is required", index))
	}

	switch entry.Install.Kind {
	case domain.InstallNone:
	case domain.InstallNPM, domain.InstallPip, domain.InstallUV:
		if entry.Install.Package == "" {
			errs = append(errs, fmt.Sprintf("servers[%d]: install.package is required for %s installs", index, entry.Install.Kind))
		}
	default:
		errs = append(errs, fmt.Sprintf("servers[%d]: install.kind must be one of: none, npm, pip, uv", index))
	}

	if entry.Install.SourceURL != "" {
		if parsed, err := url.ParseRequestURI(entry.Install.SourceURL); err != nil || parsed.Host == "" {
			errs = append(errs, fmt.Sprintf("servers[%d]: install.sourceUrl must be a valid URL", index))
		}
	}

	for i, env := range entry.Install.RequiredEnv {
		if strings.TrimSpace(env) == "" {
			errs = append(errs, fmt.Sprintf("servers[%d]: install.requiredEnv[%d] must not be empty", index, i))
		}
	}

	return errs
}
