package httpprovider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/coordinator/pkg/backend"
)

func TestCapabilities_NoStreamingNoTerminal(t *testing.T) {
	p := New(Config{Name: "gpt-5-http", MaxConcurrentAgents: 4, Priority: 1})
	caps := p.Capabilities()

	assert.False(t, caps.SupportsStreaming)
	assert.False(t, caps.SupportsTerminal)
	assert.False(t, caps.SupportsFileEditing)
	assert.Equal(t, 4, caps.MaxConcurrentAgents)
}

func TestBuildTransport_DefaultsToStreamable(t *testing.T) {
	c := &connector{cfg: Config{URL: "http://localhost:9000"}}
	transport, err := c.buildTransport()
	require.NoError(t, err)
	assert.NotNil(t, transport)
}

func TestBuildTransport_SSE(t *testing.T) {
	c := &connector{cfg: Config{URL: "http://localhost:9000", Transport: TransportSSE}}
	transport, err := c.buildTransport()
	require.NoError(t, err)
	assert.NotNil(t, transport)
}

func TestBuildTransport_UnsupportedKind(t *testing.T) {
	c := &connector{cfg: Config{URL: "http://localhost:9000", Transport: "carrier-pigeon"}}
	_, err := c.buildTransport()
	assert.Error(t, err)
}

func TestConnector_MissingURLErrors(t *testing.T) {
	c := &connector{cfg: Config{Name: "broken"}}
	_, err := c.Connect(context.Background(), "agent-1", backend.SessionConfig{})
	assert.Error(t, err)
}
