package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// SSE is an Endpoint over the classic two-leg SSE transport: a long-lived
// GET carries an "endpoint" event naming the URL outgoing messages must be
// POSTed to, and subsequent "message" events carry inbound JSON-RPC
// traffic.
type SSE struct {
	handlers

	streamURL string
	headers   map[string]string
	tokens    TokenSource
	client    *http.Client

	mu          sync.Mutex
	postURL     string
	postURLChan chan struct{}

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewSSE connects to streamURL and starts consuming the event stream in
// the background. The returned endpoint isn't usable for Send until the
// server emits its "endpoint" event; Send blocks until that happens or
// 10 seconds pass (ctx is not consulted by Send).
func NewSSE(ctx context.Context, streamURL string, headers map[string]string, tokens TokenSource, client *http.Client) (*SSE, error) {
	if client == nil {
		client = http.DefaultClient
	}
	runCtx, cancel := context.WithCancel(ctx)

	e := &SSE{
		streamURL:   streamURL,
		headers:     headers,
		tokens:      tokens,
		client:      client,
		cancel:      cancel,
		postURLChan: make(chan struct{}),
	}

	req, err := http.NewRequestWithContext(runCtx, http.MethodGet, streamURL, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := e.applyHeaders(req); err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := e.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		cancel()
		return nil, errors.Errorf("sse: connect %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	go e.readLoop(resp)
	return e, nil
}

func (e *SSE) applyHeaders(req *http.Request) error {
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}
	if e.tokens != nil {
		tok, err := e.tokens()
		if err != nil {
			return err
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	return nil
}

func (e *SSE) readLoop(resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var event string
	var dataLines []string

	flush := func() {
		if len(dataLines) == 0 {
			event = ""
			return
		}
		payload := strings.Join(dataLines, "\n")
		dataLines = nil

		switch event {
		case "endpoint":
			e.setPostURL(payload)
		case "", "message":
			if json.Valid([]byte(payload)) {
				e.deliver(json.RawMessage(payload))
			}
		}
		event = ""
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// id:/retry: and comment lines are not forwarded.
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		e.notifyError(err)
	}
	e.notifyClose()
}

// setPostURL resolves the endpoint event's payload (which may be a bare
// path) against the stream URL and unblocks any Send waiting on it.
func (e *SSE) setPostURL(raw string) {
	resolved := raw
	if base, err := url.Parse(e.streamURL); err == nil {
		if ref, err := url.Parse(raw); err == nil {
			resolved = base.ResolveReference(ref).String()
		}
	}

	e.mu.Lock()
	if e.postURL == "" {
		e.postURL = resolved
		close(e.postURLChan)
	}
	e.mu.Unlock()
}

// Send POSTs msg to the endpoint advertised by the server, waiting for
// that advertisement if it hasn't arrived yet.
func (e *SSE) Send(msg json.RawMessage) error {
	select {
	case <-e.postURLChan:
	case <-time.After(10 * time.Second):
		return fmt.Errorf("sse: timed out waiting for endpoint event")
	}

	e.mu.Lock()
	postURL := e.postURL
	e.mu.Unlock()

	req, err := http.NewRequest(http.MethodPost, postURL, bytes.NewReader(msg))
	if err != nil {
		return errors.Wrap(err, "transport: build sse post request")
	}
	req.Header.Set("Content-Type", "application/json")
	if err := e.applyHeaders(req); err != nil {
		return err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		e.notifyError(err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("sse: post %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return nil
}

func (e *SSE) Close() error {
	e.closeOnce.Do(func() {
		e.cancel()
		e.notifyClose()
	})
	return nil
}
