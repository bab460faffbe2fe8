// Package mcp bridges external MCP (Model Context Protocol) servers into
// the tool registry: it connects, performs the initialization handshake,
// discovers the server's tools, and adapts each one into a tools.Tool.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentpipe/agentpipe/internal/tools"
)

// ServerConfig describes one MCP server connection.
type ServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // stdio, sse, streamable_http
	Command   string            `yaml:"command"`   // stdio only
	Args      []string          `yaml:"args"`      // stdio only
	Env       map[string]string `yaml:"env"`       // stdio only, values env-expanded
	URL       string            `yaml:"url"`       // sse / streamable_http
	Headers   map[string]string `yaml:"headers"`   // sse / streamable_http, values env-expanded
}

// serverTool wraps one tool discovered from an MCP server.
type serverTool struct {
	namespacedName string // "mcp__<server>__<tool>", unique across servers.
	description    string
	inputSchema    map[string]any
	client         mcpclient.MCPClient
	originalName   string
	serverName     string
	logger         *slog.Logger
}

func (t *serverTool) Name() string                { return t.namespacedName }
func (t *serverTool) Description() string         { return t.description }
func (t *serverTool) InputSchema() map[string]any { return t.inputSchema }

func (t *serverTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	t.logger.InfoContext(ctx, "mcp tool executing",
		slog.String("server", t.serverName),
		slog.String("tool", t.originalName),
	)

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = t.originalName
	callReq.Params.Arguments = params

	callResult, err := t.client.CallTool(ctx, callReq)
	if err != nil {
		return "", fmt.Errorf("MCP call to %s/%s failed: %w", t.serverName, t.originalName, err)
	}

	output := formatContent(callResult.Content)
	if callResult.IsError {
		return "", fmt.Errorf("MCP tool %s/%s reported an error: %s", t.serverName, t.originalName, output)
	}
	return output, nil
}

// formatContent converts MCP content items to a single string.
func formatContent(content []mcp.Content) string {
	var sb strings.Builder
	for i, c := range content {
		if i > 0 {
			sb.WriteString("\n")
		}
		if tc, ok := mcp.AsTextContent(c); ok {
			sb.WriteString(tc.Text)
		} else {
			data, _ := json.Marshal(c)
			sb.WriteString(string(data))
		}
	}
	return sb.String()
}

// Bridge manages MCP client connections and registers discovered tools.
type Bridge struct {
	clients []mcpclient.MCPClient
	logger  *slog.Logger
}

// NewBridge creates a bridge that will manage MCP server connections.
func NewBridge(logger *slog.Logger) *Bridge {
	return &Bridge{logger: logger}
}

// ConnectAndRegister connects to one MCP server, discovers its tools, and
// registers them on the registry under namespaced names.
func (b *Bridge) ConnectAndRegister(ctx context.Context, cfg ServerConfig, registry *tools.Registry) (int, error) {
	c, err := b.createClient(cfg)
	if err != nil {
		return 0, fmt.Errorf("creating MCP client for %q: %w", cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "agentpipe",
		Version: "0.1.0",
	}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return 0, fmt.Errorf("MCP initialize for %q: %w", cfg.Name, err)
	}

	b.clients = append(b.clients, c)

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return 0, fmt.Errorf("MCP list tools for %q: %w", cfg.Name, err)
	}

	registered := 0
	for _, t := range listResp.Tools {
		st := &serverTool{
			namespacedName: fmt.Sprintf("mcp__%s__%s", cfg.Name, t.Name),
			description:    fmt.Sprintf("[MCP:%s] %s", cfg.Name, t.Description),
			inputSchema:    convertInputSchema(t.InputSchema),
			client:         c,
			originalName:   t.Name,
			serverName:     cfg.Name,
			logger:         b.logger,
		}
		if err := registry.Register(st); err != nil {
			b.logger.Warn("skipping MCP tool", slog.String("tool", st.namespacedName), slog.String("error", err.Error()))
			continue
		}
		registered++
	}

	b.logger.Info("MCP server connected",
		slog.String("server", cfg.Name),
		slog.String("transport", cfg.Transport),
		slog.Int("tools_registered", registered),
	)
	return registered, nil
}

// Close shuts down all MCP client connections.
func (b *Bridge) Close() {
	for _, c := range b.clients {
		if err := c.Close(); err != nil {
			b.logger.Error("closing MCP client", slog.String("error", err.Error()))
		}
	}
}

// createClient creates the appropriate MCP client for the transport type.
func (b *Bridge) createClient(cfg ServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio":
		return mcpclient.NewStdioMCPClient(cfg.Command, expandEnvList(cfg.Env), cfg.Args...)

	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(expandEnvMap(cfg.Headers)))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case "streamable_http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(expandEnvMap(cfg.Headers)))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
}

// convertInputSchema converts the MCP ToolInputSchema to plain JSON-schema
// maps.
func convertInputSchema(schema mcp.ToolInputSchema) map[string]any {
	result := map[string]any{
		"type": schema.Type,
	}
	if schema.Properties != nil {
		result["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		reqAny := make([]any, len(schema.Required))
		for i, r := range schema.Required {
			reqAny[i] = r
		}
		result["required"] = reqAny
	}
	return result
}

// expandEnvList converts a key/value map to "KEY=expanded_value" entries.
func expandEnvList(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+os.ExpandEnv(v))
	}
	return env
}

// expandEnvMap returns a new map with values expanded via os.ExpandEnv.
func expandEnvMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = os.ExpandEnv(v)
	}
	return out
}
