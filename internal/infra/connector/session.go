package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"mika/internal/domain"
)

// Session is the minimal protocol contract the connector depends on. One
// Session is one live connection to one capability server.
type Session interface {
	ListTools(ctx context.Context) (domain.ToolSchema, error)
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)
	Close() error
}

// Dialer establishes a Session for a catalog entry.
type Dialer interface {
	Dial(ctx context.Context, entry domain.CatalogEntry) (Session, error)
}

// StdioDialer launches the entry's command and speaks MCP over its stdio.
type StdioDialer struct {
	client *mcp.Client
}

func NewStdioDialer(name, version string) *StdioDialer {
	return &StdioDialer{
		client: mcp.NewClient(&mcp.Implementation{Name: name, Version: version}, nil),
	}
}

func (d *StdioDialer) Dial(ctx context.Context, entry domain.CatalogEntry) (Session, error) {
	if len(entry.Cmd) == 0 {
		return nil, errors.New("catalog entry has no launch command")
	}

	cmd := exec.Command(entry.Cmd[0], entry.Cmd[1:]...)
	if entry.Cwd != "" {
		cmd.Dir = entry.Cwd
	}
	cmd.Env = append(os.Environ(), formatEnv(entry.Env)...)

	session, err := d.client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, fmt.Errorf("connect stdio: %w", err)
	}
	return &sdkSession{session: session}, nil
}

type sdkSession struct {
	session *mcp.ClientSession
}

func (s *sdkSession) ListTools(ctx context.Context) (domain.ToolSchema, error) {
	result, err := s.session.ListTools(ctx, nil)
	if err != nil {
		return nil, err
	}
	schema := make(domain.ToolSchema, len(result.Tools))
	for _, tool := range result.Tools {
		schema[tool.Name] = domain.ToolDef{
			Description: tool.Description,
			Params:      paramsFromInputSchema(tool.InputSchema),
		}
	}
	return schema, nil
}

func (s *sdkSession) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	result, err := s.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}
	if result.IsError {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvocation, textContent(result))
	}
	if result.StructuredContent != nil {
		return result.StructuredContent, nil
	}
	return textContent(result), nil
}

func (s *sdkSession) Close() error {
	return s.session.Close()
}

func textContent(result *mcp.CallToolResult) string {
	var sb strings.Builder
	for _, content := range result.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			sb.WriteString(text.Text)
		}
	}
	return sb.String()
}

// paramsFromInputSchema flattens a JSON-schema object into the catalog's
// parameter shape. Anything unexpected degrades to an empty parameter set.
func paramsFromInputSchema(schema any) map[string]domain.ParamDef {
	obj, ok := schema.(map[string]any)
	if !ok {
		return nil
	}
	props, ok := obj["properties"].(map[string]any)
	if !ok || len(props) == 0 {
		return nil
	}

	required := make(map[string]bool)
	if list, ok := obj["required"].([]any); ok {
		for _, item := range list {
			if name, ok := item.(string); ok {
				required[name] = true
			}
		}
	}

	params := make(map[string]domain.ParamDef, len(props))
	for name, raw := range props {
		def := domain.ParamDef{Required: required[name]}
		if prop, ok := raw.(map[string]any); ok {
			if t, ok := prop["type"].(string); ok {
				def.Type = t
			}
			if d, ok := prop["description"].(string); ok {
				def.Description = d
			}
		}
		params[name] = def
	}
	return params
}

func formatEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

// sessionDead reports whether err indicates the session itself is gone, as
// opposed to the tool call failing on a healthy session.
func sessionDead(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrSessionDead) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection closed") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "process exited")
}
