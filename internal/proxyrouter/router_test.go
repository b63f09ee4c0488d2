package proxyrouter

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeEndpoint struct {
	sent       chan json.RawMessage
	onMessage  func(json.RawMessage)
	onClose    func()
	onError    func(error)
	closed     bool
	closeCalls int
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{sent: make(chan json.RawMessage, 16)}
}

func (f *fakeEndpoint) Send(msg json.RawMessage) error {
	f.sent <- msg
	return nil
}
func (f *fakeEndpoint) Close() error {
	f.closed = true
	f.closeCalls++
	if f.onClose != nil {
		f.onClose()
	}
	return nil
}
func (f *fakeEndpoint) OnMessage(fn func(json.RawMessage)) { f.onMessage = fn }
func (f *fakeEndpoint) OnClose(fn func())                  { f.onClose = fn }
func (f *fakeEndpoint) OnError(fn func(error))             { f.onError = fn }

func (f *fakeEndpoint) deliverToRouter(msg json.RawMessage) {
	f.onMessage(msg)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recv(t *testing.T, ch chan json.RawMessage) json.RawMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded message")
		return nil
	}
}

func TestRouterForwardsUnfilteredToolCall(t *testing.T) {
	local, remote := newFakeEndpoint(), newFakeEndpoint()
	Bind(local, remote, NewToolFilter(nil), "0.1.0", testLogger())

	local.deliverToRouter(json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"createTask"}}`))

	msg := recv(t, remote.sent)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"createTask"}}`, string(msg))
}

func TestRouterBlocksFilteredToolCall(t *testing.T) {
	local, remote := newFakeEndpoint(), newFakeEndpoint()
	Bind(local, remote, NewToolFilter([]string{"delete*"}), "0.1.0", testLogger())

	local.deliverToRouter(json.RawMessage(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"deleteTask"}}`))

	msg := recv(t, local.sent)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":7,"error":{"code":-32603,"message":"Tool \"deleteTask\" is not available"}}`, string(msg))

	select {
	case <-remote.sent:
		t.Fatal("blocked tool call must not reach the remote")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRouterRewritesInitializeClientName(t *testing.T) {
	local, remote := newFakeEndpoint(), newFakeEndpoint()
	Bind(local, remote, NewToolFilter(nil), "0.1.0", testLogger())

	local.deliverToRouter(json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"clientInfo":{"name":"acme-client","version":"1.0"}}}`))

	msg := recv(t, remote.sent)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"clientInfo":{"name":"acme-client (via mcp-remote 0.1.0)","version":"1.0"}}}`, string(msg))
}

func TestRouterFiltersToolsListResponse(t *testing.T) {
	local, remote := newFakeEndpoint(), newFakeEndpoint()
	Bind(local, remote, NewToolFilter([]string{"delete*", "*account"}), "0.1.0", testLogger())

	local.deliverToRouter(json.RawMessage(`{"jsonrpc":"2.0","id":9,"method":"tools/list"}`))
	recv(t, remote.sent) // drain the forwarded request

	remote.deliverToRouter(json.RawMessage(`{"jsonrpc":"2.0","id":9,"result":{"tools":[{"name":"createTask"},{"name":"deleteTask"},{"name":"getAccount"},{"name":"listTasks"}]}}`))

	msg := recv(t, local.sent)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":9,"result":{"tools":[{"name":"createTask"},{"name":"listTasks"}]}}`, string(msg))
}

func TestRouterLeavesNonToolsListResponsesUntouched(t *testing.T) {
	local, remote := newFakeEndpoint(), newFakeEndpoint()
	Bind(local, remote, NewToolFilter([]string{"delete*"}), "0.1.0", testLogger())

	local.deliverToRouter(json.RawMessage(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"createTask"}}`))
	recv(t, remote.sent)

	remote.deliverToRouter(json.RawMessage(`{"jsonrpc":"2.0","id":3,"result":{"ok":true}}`))
	msg := recv(t, local.sent)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":3,"result":{"ok":true}}`, string(msg))
}

func TestRouterClosesBothSidesExactlyOnce(t *testing.T) {
	local, remote := newFakeEndpoint(), newFakeEndpoint()
	Bind(local, remote, NewToolFilter(nil), "0.1.0", testLogger())

	// local's close notification should close remote exactly once, and
	// remote's own close callback (fired by fakeEndpoint.Close) must not
	// bounce back into another close of local.
	local.onClose()

	require.Equal(t, 1, remote.closeCalls)
	require.Equal(t, 0, local.closeCalls)
}

func TestRouterDoneClosesWhenRemoteCloses(t *testing.T) {
	local, remote := newFakeEndpoint(), newFakeEndpoint()
	r := Bind(local, remote, NewToolFilter(nil), "0.1.0", testLogger())

	remote.onClose()

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("Done was not closed after the remote side closed")
	}
	require.Equal(t, 1, local.closeCalls)
}
