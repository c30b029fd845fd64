// Package subprocessprovider adapts an external coding-agent CLI,
// speaking MCP over stdio, to the provider.Provider contract. Grounded
// on the teacher's pkg/mcp: createStdioTransport builds the
// *mcpsdk.CommandTransport, and the connect/session bookkeeping
// mirrors mcp.Client.InitializeServer, generalized here into a
// backend.Connector the shared backend.SessionManager drives.
package subprocessprovider

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codeready-toolchain/coordinator/pkg/backend"
	"github.com/codeready-toolchain/coordinator/pkg/coordtypes"
	"github.com/codeready-toolchain/coordinator/pkg/provider"
)

// Config describes one subprocess-backed agent CLI.
type Config struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string

	// ToolName is the MCP tool invoked for a single turn; the agent CLI
	// is expected to expose it (e.g. "prompt" or "chat").
	ToolName string

	MaxConcurrentAgents int
	Priority            int
	GracePeriod         time.Duration
}

// Provider wraps a pool of subprocess sessions, one per agent, behind
// the provider.Provider contract.
type Provider struct {
	cfg     Config
	session *backend.SessionManager
}

// New builds a Provider from cfg.
func New(cfg Config) *Provider {
	return &Provider{
		cfg:     cfg,
		session: backend.NewSessionManager(&connector{cfg: cfg}, cfg.GracePeriod),
	}
}

// SessionManager exposes the provider's session manager so it can be
// registered with a backend.ProcessPool for pool-wide health/shutdown.
func (p *Provider) SessionManager() *backend.SessionManager {
	return p.session
}

// Capabilities reports this provider as tool-calling, file-editing,
// and terminal capable, matching a coding-agent CLI's typical
// surface. It does not stream chunk-by-chunk because MCP tool calls
// return their result as a single response.
func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Name:                p.cfg.Name,
		SupportsToolCalling: true,
		SupportsFileEditing: true,
		SupportsTerminal:    true,
		SupportsStreaming:   false,
		SupportsInterrupt:   false,
		SupportsHealthCheck: true,
		MaxConcurrentAgents: p.cfg.MaxConcurrentAgents,
		Priority:            p.cfg.Priority,
	}
}

// Run connects (if needed) the agentID's session and sends prompt,
// returning the assembled response text.
func (p *Provider) Run(ctx context.Context, role coordtypes.AgentRole, agentID, prompt string) (string, error) {
	if _, err := p.session.Connect(ctx, agentID, backend.SessionConfig{BackendIdentity: p.cfg.Name}); err != nil {
		return "", err
	}
	return p.session.SendPrompt(ctx, agentID, prompt)
}

// RunStreaming delivers the same single response through onChunk as a
// MessageChunk followed by MessageEnd/PromptComplete, since the
// underlying transport has no finer granularity.
func (p *Provider) RunStreaming(ctx context.Context, role coordtypes.AgentRole, agentID, prompt string, onChunk func(provider.RenderEvent)) (string, error) {
	if _, err := p.session.Connect(ctx, agentID, backend.SessionConfig{BackendIdentity: p.cfg.Name}); err != nil {
		return "", err
	}
	return p.session.SendPromptStreaming(ctx, agentID, prompt, onChunk)
}

// IsHealthy reports whether agentID's session is connected.
func (p *Provider) IsHealthy(ctx context.Context, agentID string) bool {
	s := p.session.GetOrCreate(agentID, backend.SessionConfig{BackendIdentity: p.cfg.Name})
	return s.State() == backend.StateConnected || s.State() == backend.StateWorking
}

// Cleanup disconnects agentID's session.
func (p *Provider) Cleanup(ctx context.Context, agentID string) error {
	return p.session.Disconnect(ctx, agentID)
}

// Shutdown disconnects every session this provider manages.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.session.ShutdownAll(ctx)
}

// connector spawns the configured CLI as an MCP stdio transport per
// session key, mirroring createStdioTransport.
type connector struct {
	cfg Config
}

func (c *connector) Connect(ctx context.Context, key string, _ backend.SessionConfig) (backend.Conn, error) {
	if c.cfg.Command == "" {
		return nil, fmt.Errorf("subprocess provider %q: command not configured", c.cfg.Name)
	}

	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	env := os.Environ()
	for k, v := range c.cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	transport := &mcpsdk.CommandTransport{Command: cmd}
	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    "coordinator",
		Version: "dev",
	}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect subprocess session for %q: %w", key, err)
	}

	toolName := c.cfg.ToolName
	if toolName == "" {
		toolName = "prompt"
	}
	return &conn{session: session, toolName: toolName}, nil
}

// conn drives a single MCP tool call per turn over a stdio session.
type conn struct {
	session  *mcpsdk.ClientSession
	toolName string
}

func (c *conn) SendPrompt(ctx context.Context, text string, emit func(provider.RenderEvent)) error {
	result, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      c.toolName,
		Arguments: map[string]any{"prompt": text},
	})
	if err != nil {
		return fmt.Errorf("call tool %q: %w", c.toolName, err)
	}

	full := backend.ExtractText(result)
	emit(provider.RenderEvent{Kind: provider.RenderMessageChunk, Text: full})
	emit(provider.RenderEvent{Kind: provider.RenderMessageEnd, Full: full})
	emit(provider.RenderEvent{Kind: provider.RenderPromptComplete})
	return nil
}

// CancelPrompt is a no-op: a stdio MCP tool call is a single
// synchronous request/response, so interrupting a turn is the
// caller's responsibility via the ctx passed to SendPrompt.
func (c *conn) CancelPrompt(ctx context.Context) error {
	return nil
}

func (c *conn) Close(ctx context.Context) error {
	return c.session.Close()
}
