// Package proxyrouter wires a local stdio endpoint to a remote transport
// endpoint, forwarding JSON-RPC traffic between them while applying the
// tool filter and the one in-place rewrite (initialize's clientInfo.name)
// the broker is responsible for.
package proxyrouter

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/mcp-remote-go/mcp-remote/internal/transport"
)

const (
	errCodeInternal = -32603
	methodToolsCall = "tools/call"
	methodToolsList = "tools/list"
	methodInit      = "initialize"
)

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Router forwards messages between a local (client-facing) and a remote
// endpoint, both satisfying transport.Endpoint.
type Router struct {
	local   transport.Endpoint
	remote  transport.Endpoint
	filter  *ToolFilter
	version string
	log     *slog.Logger

	mu      sync.Mutex
	pending map[string]string // JSON-encoded id -> originating method

	closeMu      sync.Mutex
	localClosed  bool
	remoteClosed bool
	done         chan struct{}
}

// Bind wires local and remote together and starts forwarding. version is
// appended to the initialize request's clientInfo.name so the remote
// server can tell it's talking to a proxy.
func Bind(local, remote transport.Endpoint, filter *ToolFilter, version string, log *slog.Logger) *Router {
	r := &Router{
		local:   local,
		remote:  remote,
		filter:  filter,
		version: version,
		log:     log,
		pending: make(map[string]string),
		done:    make(chan struct{}),
	}

	local.OnMessage(r.handleClientMessage)
	remote.OnMessage(r.handleServerMessage)
	local.OnClose(func() { r.closeOnce("local") })
	remote.OnClose(func() { r.closeOnce("remote") })
	local.OnError(func(err error) { r.log.Error("local transport error", "error", err) })
	remote.OnError(func(err error) { r.log.Error("remote transport error", "error", err) })

	return r
}

func (r *Router) handleClientMessage(raw json.RawMessage) {
	var msg rpcMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.log.Error("discarding malformed client message", "error", err)
		return
	}

	if len(msg.ID) > 0 {
		r.mu.Lock()
		r.pending[string(msg.ID)] = msg.Method
		r.mu.Unlock()
	}

	switch msg.Method {
	case methodToolsCall:
		name, ok := toolCallName(msg.Params)
		if ok && r.filter != nil && !r.filter.ShouldInclude(name) {
			r.rejectToolCall(msg.ID, name)
			r.forgetPending(msg.ID)
			return
		}
	case methodInit:
		if updated, ok := appendClientName(msg.Params, r.version); ok {
			msg.Params = updated
			if reencoded, err := json.Marshal(msg); err == nil {
				raw = reencoded
			}
		}
	}

	if err := r.remote.Send(raw); err != nil {
		r.log.Error("forwarding client message to remote", "error", err)
	}
}

func (r *Router) handleServerMessage(raw json.RawMessage) {
	var msg rpcMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.log.Error("forwarding unparseable server message unchanged", "error", err)
		if err := r.local.Send(raw); err != nil {
			r.log.Error("forwarding server message to client", "error", err)
		}
		return
	}

	if len(msg.ID) > 0 {
		method := r.forgetPending(msg.ID)
		if method == methodToolsList && r.filter != nil && msg.Result != nil {
			if filtered, ok := filterToolsResult(msg.Result, r.filter); ok {
				msg.Result = filtered
				if reencoded, err := json.Marshal(msg); err == nil {
					raw = reencoded
				}
			}
		}
	}

	if err := r.local.Send(raw); err != nil {
		r.log.Error("forwarding server message to client", "error", err)
	}
}

func (r *Router) rejectToolCall(id json.RawMessage, name string) {
	resp := rpcMessage{
		JSONRPC: "2.0",
		ID:      id,
		Error: &rpcError{
			Code:    errCodeInternal,
			Message: `Tool "` + name + `" is not available`,
		},
	}
	b, err := json.Marshal(resp)
	if err != nil {
		r.log.Error("marshaling tool-filter rejection", "error", err)
		return
	}
	if err := r.local.Send(b); err != nil {
		r.log.Error("sending tool-filter rejection", "error", err)
	}
}

func (r *Router) forgetPending(id json.RawMessage) string {
	if len(id) == 0 {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	method := r.pending[string(id)]
	delete(r.pending, string(id))
	return method
}

// closeOnce closes the opposite endpoint the first time either side
// reports closed, guarded by two booleans so a simultaneous close from
// both sides never double-closes. The peer's Close is called outside the
// lock: closing a transport fires its own OnClose handler synchronously,
// which lands right back here.
func (r *Router) closeOnce(side string) {
	r.closeMu.Lock()
	var peer transport.Endpoint
	switch side {
	case "local":
		if !r.localClosed {
			r.localClosed, r.remoteClosed = true, true
			peer = r.remote
		}
	case "remote":
		if !r.remoteClosed {
			r.localClosed, r.remoteClosed = true, true
			peer = r.local
		}
	}
	r.closeMu.Unlock()

	if peer == nil {
		return
	}
	peer.Close() //nolint:errcheck
	close(r.done)
}

// Done returns a channel closed once either side has closed and the
// other has been torn down in response — i.e. once the session is over.
func (r *Router) Done() <-chan struct{} {
	return r.done
}

func toolCallName(params json.RawMessage) (string, bool) {
	if len(params) == 0 {
		return "", false
	}
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
		return "", false
	}
	return p.Name, true
}

// appendClientName rewrites params.clientInfo.name to "<name> (via
// mcp-remote <version>)", returning the re-encoded params and true if a
// rewrite was applied.
func appendClientName(params json.RawMessage, version string) (json.RawMessage, bool) {
	if len(params) == 0 {
		return nil, false
	}
	var p map[string]json.RawMessage
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, false
	}
	rawClientInfo, ok := p["clientInfo"]
	if !ok {
		return nil, false
	}
	var clientInfo map[string]json.RawMessage
	if err := json.Unmarshal(rawClientInfo, &clientInfo); err != nil {
		return nil, false
	}
	var name string
	if err := json.Unmarshal(clientInfo["name"], &name); err != nil {
		return nil, false
	}

	name += " (via mcp-remote " + version + ")"
	nameBytes, err := json.Marshal(name)
	if err != nil {
		return nil, false
	}
	clientInfo["name"] = nameBytes

	clientInfoBytes, err := json.Marshal(clientInfo)
	if err != nil {
		return nil, false
	}
	p["clientInfo"] = clientInfoBytes

	out, err := json.Marshal(p)
	if err != nil {
		return nil, false
	}
	return out, true
}

// filterToolsResult drops entries from result.tools[] whose name the
// filter excludes, returning the re-encoded result and true if tools was
// present.
func filterToolsResult(result json.RawMessage, filter *ToolFilter) (json.RawMessage, bool) {
	var r map[string]json.RawMessage
	if err := json.Unmarshal(result, &r); err != nil {
		return nil, false
	}
	rawTools, ok := r["tools"]
	if !ok {
		return nil, false
	}

	var tools []map[string]json.RawMessage
	if err := json.Unmarshal(rawTools, &tools); err != nil {
		return nil, false
	}

	kept := make([]map[string]json.RawMessage, 0, len(tools))
	for _, tool := range tools {
		var name string
		if err := json.Unmarshal(tool["name"], &name); err != nil {
			kept = append(kept, tool)
			continue
		}
		if filter.ShouldInclude(name) {
			kept = append(kept, tool)
		}
	}

	keptBytes, err := json.Marshal(kept)
	if err != nil {
		return nil, false
	}
	r["tools"] = keptBytes

	out, err := json.Marshal(r)
	if err != nil {
		return nil, false
	}
	return out, true
}
