package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, postHandler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)

		fmt.Fprintf(w, "event: endpoint\ndata: /messages\n\n")
		flusher.Flush()

		fmt.Fprintf(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n\n")
		flusher.Flush()

		<-r.Context().Done()
	})
	mux.HandleFunc("/messages", postHandler)
	return httptest.NewServer(mux)
}

func TestSSEReceivesEndpointAndMessage(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ep, err := NewSSE(ctx, srv.URL+"/sse", nil, nil, srv.Client())
	require.NoError(t, err)
	defer ep.Close()

	got := make(chan json.RawMessage, 1)
	ep.OnMessage(func(msg json.RawMessage) { got <- msg })

	select {
	case msg := <-got:
		require.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message event")
	}
}

func TestSSESendPostsToAdvertisedEndpoint(t *testing.T) {
	var gotBody []byte
	srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		gotBody = buf[:n]
		w.WriteHeader(http.StatusOK)
	})
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ep, err := NewSSE(ctx, srv.URL+"/sse", nil, func() (string, error) { return "abc", nil }, srv.Client())
	require.NoError(t, err)
	defer ep.Close()

	// give the endpoint event time to arrive before sending
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, ep.Send(json.RawMessage(`{"jsonrpc":"2.0","id":2,"method":"ping"}`)))
	require.Contains(t, string(gotBody), `"method":"ping"`)
}

func TestSSEConnectErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewSSE(context.Background(), srv.URL, nil, nil, srv.Client())
	require.Error(t, err)
}
