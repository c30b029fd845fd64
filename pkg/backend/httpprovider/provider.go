// Package httpprovider adapts a remote MCP endpoint reachable over
// HTTP (streamable) or SSE to the provider.Provider contract. Grounded
// on the teacher's pkg/mcp/transport.go: createHTTPTransport,
// createSSETransport, buildHTTPClient, and bearerTokenTransport are
// reused nearly verbatim, retargeted at backend.Connector instead of
// mcp.Client's serverID-keyed session map.
package httpprovider

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codeready-toolchain/coordinator/pkg/backend"
	"github.com/codeready-toolchain/coordinator/pkg/coordtypes"
	"github.com/codeready-toolchain/coordinator/pkg/provider"
)

// TransportKind selects between the two HTTP-family MCP transports.
type TransportKind string

const (
	TransportStreamable TransportKind = "http"
	TransportSSE        TransportKind = "sse"
)

// Config describes one HTTP/SSE-backed remote endpoint.
type Config struct {
	Name      string
	Transport TransportKind
	URL       string

	BearerToken string
	VerifySSL   *bool
	Timeout     time.Duration

	ToolName string

	MaxConcurrentAgents int
	Priority            int
	GracePeriod         time.Duration
}

// Provider wraps a pool of HTTP/SSE sessions, one per agent, behind
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

// Capabilities reports a terminal-less provider: remote LLM endpoints
// answer prompts but do not offer a shell. SupportsStreaming is false:
// conn.SendPrompt makes one blocking CallTool request and delivers the
// whole response as a single chunk, the same as subprocessprovider.
func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Name:                p.cfg.Name,
		SupportsToolCalling: true,
		SupportsFileEditing: false,
		SupportsTerminal:    false,
		SupportsStreaming:   false,
		SupportsInterrupt:   false,
		SupportsHealthCheck: true,
		MaxConcurrentAgents: p.cfg.MaxConcurrentAgents,
		Priority:            p.cfg.Priority,
	}
}

func (p *Provider) Run(ctx context.Context, role coordtypes.AgentRole, agentID, prompt string) (string, error) {
	if _, err := p.session.Connect(ctx, agentID, backend.SessionConfig{BackendIdentity: p.cfg.Name}); err != nil {
		return "", err
	}
	return p.session.SendPrompt(ctx, agentID, prompt)
}

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

// connector builds the MCP transport per session key according to
// cfg.Transport, exactly as createTransport switches on
// config.TransportConfig.Type in the teacher.
type connector struct {
	cfg Config
}

func (c *connector) Connect(ctx context.Context, key string, _ backend.SessionConfig) (backend.Conn, error) {
	if c.cfg.URL == "" {
		return nil, fmt.Errorf("http provider %q: url not configured", c.cfg.Name)
	}

	transport, err := c.buildTransport()
	if err != nil {
		return nil, err
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    "coordinator",
		Version: "dev",
	}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect http session for %q: %w", key, err)
	}

	toolName := c.cfg.ToolName
	if toolName == "" {
		toolName = "prompt"
	}
	return &conn{session: session, toolName: toolName}, nil
}

func (c *connector) buildTransport() (mcpsdk.Transport, error) {
	needsClient := c.cfg.BearerToken != "" || c.cfg.VerifySSL != nil || c.cfg.Timeout > 0

	switch c.cfg.Transport {
	case TransportSSE:
		t := &mcpsdk.SSEClientTransport{Endpoint: c.cfg.URL}
		if needsClient {
			t.HTTPClient = buildHTTPClient(c.cfg)
		}
		return t, nil
	case TransportStreamable, "":
		t := &mcpsdk.StreamableClientTransport{Endpoint: c.cfg.URL}
		if needsClient {
			t.HTTPClient = buildHTTPClient(c.cfg)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported http transport kind: %s", c.cfg.Transport)
	}
}

// buildHTTPClient builds an http.Client honoring TLS verification,
// bearer-token auth, and a request timeout.
func buildHTTPClient(cfg Config) *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.VerifySSL != nil && !*cfg.VerifySSL {
		base.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // operator-configured
			MinVersion:         tls.VersionTLS12,
		}
	}

	client := &http.Client{Transport: base}
	if cfg.BearerToken != "" {
		client.Transport = &bearerTokenTransport{base: client.Transport, token: cfg.BearerToken}
	}
	if cfg.Timeout > 0 {
		client.Timeout = cfg.Timeout
	}
	return client
}

// bearerTokenTransport adds an Authorization header to every request.
type bearerTokenTransport struct {
	base  http.RoundTripper
	token string
}

func (t *bearerTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}

// conn drives a single MCP tool call per turn over an HTTP/SSE
// session.
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

// CancelPrompt is a no-op for the same reason as subprocessprovider:
// a single MCP tool call has no separate interrupt channel.
func (c *conn) CancelPrompt(ctx context.Context) error {
	return nil
}

func (c *conn) Close(ctx context.Context) error {
	return c.session.Close()
}
