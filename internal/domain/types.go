package domain

import (
	"sort"
	"time"
)

// InstallKind identifies the package manager used to install a server.
type InstallKind string

const (
	// InstallNone: the server needs no installation step (already on PATH,
	// or launched through a runner like npx that fetches on demand).
	InstallNone InstallKind = "none"

	// InstallNPM: installed via npm into the shared server directory.
	InstallNPM InstallKind = "npm"

	// InstallPip: installed via pip into the active Python environment.
	InstallPip InstallKind = "pip"

	// InstallUV: installed via uv tool install.
	InstallUV InstallKind = "uv"
)

// InstallSpec describes how a server's runtime dependencies are provisioned.
type InstallSpec struct {
	Kind        InstallKind `json:"kind"`
	Package     string      `json:"package,omitempty"`
	SourceURL   string      `json:"sourceUrl,omitempty"`
	Global      bool        `json:"global,omitempty"`
	RequiredEnv []string    `json:"requiredEnv,omitempty"`
}

// ParamDef describes one tool parameter.
type ParamDef struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ToolDef describes one named tool offered by a capability server.
type ToolDef struct {
	Description string              `json:"description,omitempty"`
	Params      map[string]ParamDef `json:"params,omitempty"`
}

// ToolSchema maps tool names to their definitions.
type ToolSchema map[string]ToolDef

// Names returns the tool names in sorted order. Matching logic iterates
// names through this accessor so resolution stays deterministic.
func (s ToolSchema) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CatalogEntry is one capability server record. Entries are immutable once
// loaded; the registry hands out copies, never shared references.
type CatalogEntry struct {
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Capabilities []string          `json:"capabilities"`
	Install      InstallSpec       `json:"install"`
	Tools        ToolSchema        `json:"tools,omitempty"`
	Cmd          []string          `json:"cmd"`
	Env          map[string]string `json:"env,omitempty"`
	Cwd          string            `json:"cwd,omitempty"`
}

// HasCapability reports whether the entry serves the given capability tag.
func (e CatalogEntry) HasCapability(capability string) bool {
	for _, c := range e.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// ConnectionState tracks the lifecycle of a cached server connection.
type ConnectionState string

const (
	StateUnconnected ConnectionState = "unconnected"
	StateConnecting  ConnectionState = "connecting"
	StateConnected   ConnectionState = "connected"
	StateClosed      ConnectionState = "closed"
	StateFailed      ConnectionState = "failed"
)

// InstallOutcome is the result of one EnsureInstalled call.
type InstallOutcome string

const (
	InstallAlreadyPresent InstallOutcome = "already_present"
	InstallCompleted      InstallOutcome = "installed"
	InstallFailed         InstallOutcome = "failed"
)

// IntentSuggestion is the oracle's structured reading of a request. It is
// request-scoped and consumed exactly once by the resolver.
type IntentSuggestion struct {
	Capability string         `json:"capability"`
	Tool       string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	Rationale  string         `json:"rationale,omitempty"`
}

// ResolvedInvocation is a fully resolved {capability, server, tool, params}
// tuple, passed by value into the connector.
type ResolvedInvocation struct {
	Capability string
	Server     string
	Tool       string
	Parameters map[string]any
}

// Advice is the oracle's natural-language reading of a failure. Only the
// text fields are ever consumed; type decisions stay rule-based.
type Advice struct {
	Explanation string `json:"explanation"`
	Suggestion  string `json:"suggestion"`
}

// ServerStatus is the non-mutating probe result for one capability.
type ServerStatus struct {
	Installed bool `json:"installed"`
	Available bool `json:"available"`
}

// StructuredError is the terminal caller-facing failure shape. It is never
// retried by the core.
type StructuredError struct {
	Status             string    `json:"status"`
	Message            string    `json:"error"`
	ErrorType          ErrorType `json:"error_type"`
	Explanation        string    `json:"explanation,omitempty"`
	Suggestion         string    `json:"suggestion,omitempty"`
	RequiresUserAction bool      `json:"requires_user_action"`
	Capability         string    `json:"capability,omitempty"`
	Tool               string    `json:"tool_name,omitempty"`
}

// Response is the caller-facing result of one processed request.
type Response struct {
	Status     string `json:"status"`
	RequestID  string `json:"request_id,omitempty"`
	Capability string `json:"capability,omitempty"`
	Tool       string `json:"tool_name,omitempty"`
	Result     any    `json:"result,omitempty"`

	Failure *StructuredError `json:"-"`

	CompletedAt time.Time `json:"-"`
}

// Succeeded reports whether the response carries a result.
func (r Response) Succeeded() bool {
	return r.Status == StatusSuccess
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)
