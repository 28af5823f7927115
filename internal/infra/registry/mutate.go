package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"mika/internal/domain"
)

// ErrNoUserCatalog is returned by Add and Remove when the registry was built
// without a user catalog path to persist into.
var ErrNoUserCatalog = errors.New("no user catalog configured")

type yamlCatalog struct {
	Servers []yamlServerEntry `yaml:"servers"`
}

type yamlServerEntry struct {
	Name         string              `yaml:"name"`
	Description  string              `yaml:"description,omitempty"`
	Capabilities []string            `yaml:"capabilities"`
	Install      *yamlInstallSpec    `yaml:"install,omitempty"`
	Tools        map[string]yamlTool `yaml:"tools,omitempty"`
	Cmd          []string            `yaml:"cmd"`
	Env          map[string]string   `yaml:"env,omitempty"`
	Cwd          string              `yaml:"cwd,omitempty"`
}

type yamlInstallSpec struct {
	Kind        string   `yaml:"kind"`
	Package     string   `yaml:"package,omitempty"`
	SourceURL   string   `yaml:"sourceUrl,omitempty"`
	Global      bool     `yaml:"global,omitempty"`
	RequiredEnv []string `yaml:"requiredEnv,omitempty"`
}

type yamlTool struct {
	Description string               `yaml:"description,omitempty"`
	Params      map[string]yamlParam `yaml:"params,omitempty"`
}

type yamlParam struct {
	Type        string `yaml:"type"`
	Description string `yaml:"description,omitempty"`
	Required    bool   `yaml:"required,omitempty"`
}

// Add validates the entry, persists it to the user catalog (replacing a
// user entry with the same name), and reloads. The default catalog file is
// never written.
func (r *Registry) Add(ctx context.Context, entry domain.CatalogEntry) error {
	const op = "registry add"
	if r.userPath == "" {
		return domain.E(domain.TypeCatalogLoadError, op, "", ErrNoUserCatalog)
	}
	if errs := validateEntry(entry, 0); len(errs) > 0 {
		return domain.E(domain.TypeCatalogLoadError, op, strings.Join(errs, "; "), domain.ErrCatalogLoad)
	}

	userEntries, err := r.userEntries(ctx)
	if err != nil {
		return err
	}

	replaced := false
	for i, e := range userEntries {
		if e.Name == entry.Name {
			userEntries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		userEntries = append(userEntries, entry)
	}

	if err := r.writeUserCatalog(userEntries); err != nil {
		return domain.E(domain.TypeCatalogLoadError, op, fmt.Sprintf("write user catalog: %v", err), domain.ErrCatalogLoad)
	}

	r.logger.Info("server added to user catalog", zap.String("server", entry.Name))
	return r.Load(ctx)
}

// Remove deletes the named entry from the user catalog and reloads. Only
// user entries can be removed; a name that exists solely in the default
// catalog comes back as not found.
func (r *Registry) Remove(ctx context.Context, name string) error {
	const op = "registry remove"
	if r.userPath == "" {
		return domain.E(domain.TypeCatalogLoadError, op, "", ErrNoUserCatalog)
	}

	userEntries, err := r.userEntries(ctx)
	if err != nil {
		return err
	}

	kept := userEntries[:0]
	found := false
	for _, e := range userEntries {
		if e.Name == name {
			found = true
			continue
		}
		kept = append(kept, e)
	}
	if !found {
		return domain.E(domain.TypeCatalogLoadError, op, name, domain.ErrServerNotFound)
	}

	if err := r.writeUserCatalog(kept); err != nil {
		return domain.E(domain.TypeCatalogLoadError, op, fmt.Sprintf("write user catalog: %v", err), domain.ErrCatalogLoad)
	}

	r.logger.Info("server removed from user catalog", zap.String("server", name))
	return r.Load(ctx)
}

func (r *Registry) userEntries(ctx context.Context) ([]domain.CatalogEntry, error) {
	if _, err := os.Stat(r.userPath); err != nil {
		return nil, nil
	}
	return r.loader.Load(ctx, r.userPath)
}

func (r *Registry) writeUserCatalog(entries []domain.CatalogEntry) error {
	out := yamlCatalog{Servers: make([]yamlServerEntry, 0, len(entries))}
	for _, e := range entries {
		out.Servers = append(out.Servers, toYAMLEntry(e))
	}
	data, err := yaml.Marshal(out)
	if err != nil {
		return err
	}
	return os.WriteFile(r.userPath, data, 0o600)
}

func toYAMLEntry(e domain.CatalogEntry) yamlServerEntry {
	entry := yamlServerEntry{
		Name:         e.Name,
		Description:  e.Description,
		Capabilities: e.Capabilities,
		Cmd:          e.Cmd,
		Env:          e.Env,
		Cwd:          e.Cwd,
	}
	if e.Install.Kind != "" {
		entry.Install = &yamlInstallSpec{
			Kind:        string(e.Install.Kind),
			Package:     e.Install.Package,
			SourceURL:   e.Install.SourceURL,
			Global:      e.Install.Global,
			RequiredEnv: e.Install.RequiredEnv,
		}
	}
	if len(e.Tools) > 0 {
		entry.Tools = make(map[string]yamlTool, len(e.Tools))
		for name, tool := range e.Tools {
			yt := yamlTool{Description: tool.Description}
			if len(tool.Params) > 0 {
				yt.Params = make(map[string]yamlParam, len(tool.Params))
				for pname, p := range tool.Params {
					yt.Params[pname] = yamlParam{
						Type:        p.Type,
						Description: p.Description,
						Required:    p.Required,
					}
				}
			}
			entry.Tools[name] = yt
		}
	}
	return entry
}
