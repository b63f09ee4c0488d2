// Package transport implements the transport selector and the message
// endpoints: the strategy-driven attempt of HTTP-streamable versus SSE
// with fallback, and the framing-library collaborator (StdioTransport /
// SSEClientTransport / StreamableHttpTransport) that the proxy forwards
// messages through.
package transport

import (
	"encoding/json"
)

// Endpoint models the framing-library collaborator: a transport that
// sends and receives whole JSON-RPC messages and reports its own
// lifecycle. The proxy router (internal/proxyrouter) only ever talks to
// this interface, never to a concrete transport, so that forwarding
// logic is identical regardless of which transport family was selected.
type Endpoint interface {
	// Send writes one JSON-RPC message (request, response, or
	// notification) to the peer.
	Send(msg json.RawMessage) error
	// Close tears down the transport. Safe to call more than once.
	Close() error
	// OnMessage registers the callback invoked for every inbound
	// message. Must be called before the transport starts producing
	// messages.
	OnMessage(func(json.RawMessage))
	// OnClose registers the callback invoked when the peer closes the
	// connection.
	OnClose(func())
	// OnError registers the callback invoked on a non-fatal transport
	// error: logged, never a reason to tear down the connection.
	OnError(func(error))
}

// TokenSource supplies the current bearer token. It is re-consulted on
// every request by the SSE and streamable-HTTP endpoints so a token
// refreshed mid-session is picked up without reconnecting.
type TokenSource func() (string, error)

// handlers is the shared bookkeeping every concrete Endpoint embeds.
type handlers struct {
	onMessage func(json.RawMessage)
	onClose   func()
	onError   func(error)
}

func (h *handlers) OnMessage(f func(json.RawMessage)) { h.onMessage = f }
func (h *handlers) OnClose(f func())                  { h.onClose = f }
func (h *handlers) OnError(f func(error))             { h.onError = f }

func (h *handlers) deliver(msg json.RawMessage) {
	if h.onMessage != nil {
		h.onMessage(msg)
	}
}

func (h *handlers) notifyClose() {
	if h.onClose != nil {
		h.onClose()
	}
}

func (h *handlers) notifyError(err error) {
	if h.onError != nil {
		h.onError(err)
	}
}
