package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// StreamableHTTP is an Endpoint over the MCP "Streamable HTTP" transport:
// every outgoing message is POSTed to a single endpoint URL; the response
// is either a single JSON body or a text/event-stream carrying one or
// more JSON-RPC messages.
type StreamableHTTP struct {
	handlers

	url     string
	headers map[string]string
	tokens  TokenSource
	client  *http.Client

	closeOnce sync.Once
}

// NewStreamableHTTP builds a streamable-HTTP endpoint. It does not send
// anything on construction, which is why the selector issues a separate
// throwaway probe request (see Probe).
func NewStreamableHTTP(url string, headers map[string]string, tokens TokenSource, client *http.Client) *StreamableHTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &StreamableHTTP{url: url, headers: headers, tokens: tokens, client: client}
}

func (e *StreamableHTTP) applyHeaders(req *http.Request) error {
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
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

// Send POSTs msg and dispatches whatever comes back (a single JSON
// response, or a run of SSE-framed messages) to OnMessage.
func (e *StreamableHTTP) Send(msg json.RawMessage) error {
	req, err := http.NewRequest(http.MethodPost, e.url, bytes.NewReader(msg))
	if err != nil {
		return errors.Wrap(err, "transport: build streamable-http request")
	}
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
		body, _ := io.ReadAll(resp.Body)
		err := errors.Errorf("streamable-http: %d %s: %s", resp.StatusCode, http.StatusText(resp.StatusCode), string(body))
		return err
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "text/event-stream"):
		return drainSSE(resp.Body, e.deliver)
	case resp.StatusCode == http.StatusAccepted:
		return nil // notification acknowledged, no body expected
	default:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if len(body) == 0 {
			return nil
		}
		e.deliver(body)
		return nil
	}
}

// Probe issues a lightweight GET against the endpoint URL purely to force
// the server to reveal whether it actually implements this transport
// family, since a construction-time success doesn't guarantee the
// server understands the protocol. The response body is discarded; only
// the status/error matters to the caller.
func (e *StreamableHTTP) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url, nil)
	if err != nil {
		return err
	}
	if err := e.applyHeaders(req); err != nil {
		return err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return errors.Errorf("streamable-http probe: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	case http.StatusUnauthorized:
		return &Unauthorized{WWWAuthenticate: resp.Header.Get("WWW-Authenticate")}
	}
	return nil
}

func (e *StreamableHTTP) Close() error {
	e.closeOnce.Do(func() {
		e.notifyClose()
	})
	return nil
}

// drainSSE reads an SSE body, reassembling "data:" lines into complete
// JSON-RPC messages (one message per blank-line-terminated event) and
// delivering each to deliver.
func drainSSE(r io.Reader, deliver func(json.RawMessage)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var dataLines []string
	flush := func() {
		if len(dataLines) == 0 {
			return
		}
		payload := strings.Join(dataLines, "\n")
		dataLines = nil
		if json.Valid([]byte(payload)) {
			deliver(json.RawMessage(payload))
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// ignore event:/id:/retry: fields; we only forward payloads.
		}
	}
	flush()
	return scanner.Err()
}
