// Package coordinator implements cross-instance leader election: when
// several broker processes launched by the same stdio client race for
// the same remote fingerprint, only one runs the interactive browser
// flow.
package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/mcp-remote-go/mcp-remote/internal/callback"
	"github.com/mcp-remote-go/mcp-remote/internal/store"
)

const (
	lockfileValidity   = 30 * time.Minute
	healthProbeTimeout = 1 * time.Second
	// longPollRequestTimeout bounds a single /wait-for-auth round trip.
	// It must comfortably exceed any authTimeoutMs a leader might be
	// configured with (default 30s, operator-settable) so a legitimately
	// slow long-poll response is never mistaken for a dead leader.
	longPollRequestTimeout = 90 * time.Second
)

// AuthState is the result of Acquire: either the real, bound callback
// server for a leader, or a placeholder for a secondary, plus whether the
// caller should skip the interactive browser flow entirely.
type AuthState struct {
	Server          *callback.Server
	SkipBrowserAuth bool
	IsLeader        bool

	// WaitForAuthCode never resolves with a code for a secondary — it
	// only returns once ctx is canceled — since secondaries must not be
	// asked for a code; they read tokens from disk instead.
	WaitForAuthCode func(ctx context.Context) (string, error)
}

// Coordinator runs leader election for one remote-server fingerprint.
type Coordinator struct {
	store       *store.Store
	fingerprint string
	host        string
	// httpClient is reserved for quick liveness probes (hard 1s
	// ceiling). longPollClient has no fixed Timeout of its own —
	// each /wait-for-auth round trip supplies its own generous
	// per-request deadline instead, since the server can legitimately
	// hold the connection open for tens of seconds.
	httpClient     *http.Client
	longPollClient *http.Client
	flock          *flock.Flock
}

// New builds a coordinator for fingerprint, using host for the loopback
// callback server's bind address.
func New(st *store.Store, fingerprint, host string) *Coordinator {
	return &Coordinator{
		store:          st,
		fingerprint:    fingerprint,
		host:           host,
		httpClient:     &http.Client{Timeout: healthProbeTimeout},
		longPollClient: &http.Client{},
	}
}

// Acquire runs the leader-election algorithm and returns the resulting
// AuthState. preferredPort is the caller's requested callback port (0
// lets the OS choose).
func (c *Coordinator) Acquire(ctx context.Context, preferredPort int, authTimeout time.Duration) (*AuthState, error) {
	if runtime.GOOS != "windows" {
		for {
			lf, err := c.store.GetLockfile(c.fingerprint)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, errors.Wrap(err, "coordinator: read lockfile")
			}
			if lf == nil {
				break // no lockfile; become leader below.
			}

			valid, deadline := c.isValid(lf)
			if !valid || !c.probeLeader(lf.Port) {
				c.releaseLockfile()
				break
			}

			state, waited := c.waitOnLeader(ctx, lf.Port, deadline)
			if state != nil {
				return state, nil
			}
			if !waited {
				// Leader's health probe failed outright (connection
				// refused) or returned 500 — treat the lockfile as dead
				// and retry leader election.
				c.releaseLockfile()
				continue
			}
			// waited == true but state == nil means we hit the 30-minute
			// ceiling while the leader kept answering 202; give up on
			// this lockfile too.
			c.releaseLockfile()
		}
	}

	return c.becomeLeader(preferredPort, authTimeout)
}

// isValid implements the three-part lockfile validity check, minus the
// HTTP probe (done separately so callers can distinguish a timed-out
// long-poll from an outright failure).
func (c *Coordinator) isValid(lf *store.Lockfile) (bool, time.Time) {
	deadline := time.UnixMilli(lf.TimestampMs).Add(lockfileValidity)
	if time.Now().After(deadline) {
		return false, deadline
	}
	if !processExists(lf.PID) {
		return false, deadline
	}
	return true, deadline
}

// probeLeader is the third leg of lockfile validity: a bare
// poll=false health check against the recorded port, bounded by the
// 1-second probe client. 200 and 202 both mean a live leader; anything
// else (or no listener at all) marks the lockfile dead.
func (c *Coordinator) probeLeader(port int) bool {
	resp, err := c.httpClient.Get(fmt.Sprintf("http://127.0.0.1:%d/wait-for-auth?poll=false", port))
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted
}

// waitOnLeader long-polls the leader's /wait-for-auth endpoint until it
// reports completion, the 30-minute lockfile ceiling passes, or the probe
// fails outright. Returns (non-nil AuthState, true) on success, (nil,
// true) if we waited the whole window without success, or (nil, false) if
// the leader looks dead right now.
func (c *Coordinator) waitOnLeader(ctx context.Context, port int, deadline time.Time) (*AuthState, bool) {
	url := fmt.Sprintf("http://127.0.0.1:%d/wait-for-auth", port)

	for time.Now().Before(deadline) {
		reqCtx, cancel := context.WithTimeout(ctx, longPollRequestTimeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		if err != nil {
			cancel()
			return nil, false
		}
		resp, err := c.longPollClient.Do(req)
		cancel()
		if err != nil {
			return nil, false
		}
		status := resp.StatusCode
		resp.Body.Close()

		switch {
		case status == http.StatusOK:
			return c.becomeSecondary()
		case status == http.StatusAccepted:
			continue // keep polling
		default:
			return nil, false // 500 or anything else: leader looks dead
		}
	}
	return nil, true
}

func (c *Coordinator) becomeSecondary() (*AuthState, bool) {
	placeholder, err := callback.Placeholder(c.host)
	if err != nil {
		return nil, false
	}

	// No settle delay here: the leader's /wait-for-auth only answers 200
	// once tokens are already persisted (see callback.Server.MarkComplete),
	// so there's no race left to sleep past.
	return &AuthState{
		Server:          placeholder,
		SkipBrowserAuth: true,
		IsLeader:        false,
		WaitForAuthCode: func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}, true
}

func (c *Coordinator) becomeLeader(preferredPort int, authTimeout time.Duration) (*AuthState, error) {
	srv, err := callback.Listen(c.host, preferredPort, callback.WithAuthTimeout(authTimeout))
	if err != nil {
		return nil, errors.Wrap(err, "coordinator: start callback server")
	}

	fl := flock.New(c.store.LockfilePath(c.fingerprint))
	if _, err := fl.TryLock(); err != nil {
		// Best-effort: neither a locking error nor a lock already held by
		// another process stops this one from writing the lockfile and
		// proceeding as leader.
		_ = err
	}
	c.flock = fl

	if err := c.store.PutLockfile(c.fingerprint, &store.Lockfile{
		PID:         os.Getpid(),
		Port:        srv.Port(),
		TimestampMs: time.Now().UnixMilli(),
	}); err != nil {
		srv.Close()
		fl.Unlock() //nolint:errcheck
		return nil, errors.Wrap(err, "coordinator: write lockfile")
	}

	return &AuthState{
		Server:          srv,
		SkipBrowserAuth: false,
		IsLeader:        true,
		WaitForAuthCode: srv.AwaitCode,
	}, nil
}

// Release removes the lockfile. Callers must invoke this on every exit
// path from the leader — normal return and SIGINT alike.
func (c *Coordinator) Release() error {
	if c.flock != nil {
		_ = c.flock.Unlock()
	}
	return c.store.DeleteLockfile(c.fingerprint)
}

func (c *Coordinator) releaseLockfile() {
	_ = c.store.DeleteLockfile(c.fingerprint)
}
