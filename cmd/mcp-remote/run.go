package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/mcp-remote-go/mcp-remote/internal/callback"
	"github.com/mcp-remote-go/mcp-remote/internal/config"
	"github.com/mcp-remote-go/mcp-remote/internal/coordinator"
	"github.com/mcp-remote-go/mcp-remote/internal/discovery"
	"github.com/mcp-remote-go/mcp-remote/internal/fingerprint"
	"github.com/mcp-remote-go/mcp-remote/internal/logging"
	"github.com/mcp-remote-go/mcp-remote/internal/oauth"
	"github.com/mcp-remote-go/mcp-remote/internal/proxyrouter"
	"github.com/mcp-remote-go/mcp-remote/internal/store"
	"github.com/mcp-remote-go/mcp-remote/internal/transport"
)

// authorizer unifies the classical and PKCE providers behind the single
// operation the connect loop needs: produce a live access token, running
// the interactive flow if nothing usable is on disk.
type authorizer interface {
	EnsureAccessToken(ctx context.Context) (string, error)
	InvalidateCredentials(scope oauth.InvalidateScope) error
}

type classicalAdapter struct {
	c         *oauth.Classical
	endpoints oauth.Endpoints
	cb        oauth.CallbackServer
}

func (a *classicalAdapter) EnsureAccessToken(ctx context.Context) (string, error) {
	return a.c.EnsureAccessToken(ctx, a.endpoints, a.cb)
}

func (a *classicalAdapter) InvalidateCredentials(scope oauth.InvalidateScope) error {
	return a.c.InvalidateCredentials(scope)
}

type pkceAdapter struct {
	p          *oauth.PKCE
	cb         oauth.CallbackServer
	clientName string
}

func (a *pkceAdapter) EnsureAccessToken(ctx context.Context) (string, error) {
	return a.p.EnsureAccessToken(ctx, a.cb, a.clientName)
}

func (a *pkceAdapter) InvalidateCredentials(scope oauth.InvalidateScope) error {
	return a.p.InvalidateCredentials(scope)
}

const clientName = "mcp-remote"

// runBroker wires every internal package together per the data flow
// described for a cold start: acquire leadership (or fall in behind
// another instance), connect to the remote, authorizing interactively
// if needed, then forward stdio traffic until the client disconnects or
// the process is interrupted.
func runBroker(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st, err := store.New()
	if err != nil {
		return errors.Wrap(err, "broker: resolve config directory")
	}

	fp := fingerprint.Of(cfg.ServerURL)

	log, closeDebugLog, err := setupLogging(st, fp, cfg.Debug)
	if err != nil {
		return errors.Wrap(err, "broker: set up logging")
	}
	defer closeDebugLog()

	if dir, ok := config.FingerprintEnvOverride(); ok {
		log.Debug("config directory overridden by MCP_REMOTE_CONFIG_DIR", "dir", dir)
	}

	httpClient := &http.Client{}
	if cfg.EnableProxy {
		httpClient.Transport = &http.Transport{Proxy: http.ProxyFromEnvironment}
	} else {
		httpClient.Transport = &http.Transport{Proxy: nil}
	}

	headers := config.ParsedHeaders(cfg.Headers)

	preferredPort := cfg.CallbackPort
	if preferredPort == 0 {
		if p, err := fingerprint.DefaultCallbackPort(fp); err == nil {
			preferredPort = p
		}
	}

	coord := coordinator.New(st, fp, "127.0.0.1")
	authTimeout := time.Duration(cfg.AuthTimeout) * time.Second
	state, err := coord.Acquire(ctx, preferredPort, authTimeout)
	if err != nil {
		return errors.Wrap(err, "broker: acquire callback server")
	}

	var cleanupOnce sync.Once
	cleanup := func() {
		cleanupOnce.Do(func() {
			state.Server.Close() //nolint:errcheck
			if state.IsLeader {
				if err := coord.Release(); err != nil {
					log.Error("releasing lockfile", "error", err)
				}
			}
		})
	}
	defer cleanup()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			log.Info("received interrupt, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	redirectURI := fmt.Sprintf("http://%s:%d%s", cfg.Host, state.Server.Port(), callback.DefaultPath)

	az, err := buildAuthorizer(ctx, st, fp, cfg, headers, redirectURI, httpClient, state.Server)
	if err != nil {
		return err
	}

	tokens := func() (string, error) {
		return az.EnsureAccessToken(ctx)
	}

	ep, family, err := connectWithRetry(ctx, cfg, headers, tokens, httpClient, az, state)
	if err != nil {
		return errors.Wrap(hintCertError(err), "broker: connect to remote")
	}
	log.Info("connected to remote server", "transport", family)

	local := transport.NewStdio(os.Stdin, os.Stdout, os.Stdin)
	filter := proxyrouter.NewToolFilter(cfg.IgnoreTools)
	router := proxyrouter.Bind(local, ep, filter, store.Version, log)

	select {
	case <-ctx.Done():
	case <-router.Done():
	}
	return nil
}

// connectWithRetry dials the remote once; if the attempt reports
// Unauthorized, it runs the authorization flow exactly once and retries,
// per the "one reauthorization attempt" rule — a second Unauthorized is
// fatal.
func connectWithRetry(ctx context.Context, cfg *config.Config, headers map[string]string, tokens transport.TokenSource, httpClient *http.Client, az authorizer, state *coordinator.AuthState) (transport.Endpoint, string, error) {
	ep, family, err := transport.Dial(ctx, cfg.Transport, cfg.ServerURL, headers, tokens, httpClient)
	if err == nil {
		return ep, family, nil
	}

	if _, ok := transport.ExtractUnauthorized(err); !ok {
		return nil, "", err
	}
	if !state.IsLeader {
		return nil, "", errors.New("unauthorized, but this process is a secondary and cannot run the interactive authorization flow")
	}

	if err := az.InvalidateCredentials(oauth.ScopeTokens); err != nil {
		return nil, "", errors.Wrap(err, "invalidate stale tokens")
	}
	if _, err := az.EnsureAccessToken(ctx); err != nil {
		return nil, "", errors.Wrap(err, "authorize")
	}

	ep, family, err = transport.Dial(ctx, cfg.Transport, cfg.ServerURL, headers, tokens, httpClient)
	if err != nil {
		if _, ok := transport.ExtractUnauthorized(err); ok {
			return nil, "", errors.New("already attempted reauthorization")
		}
		return nil, "", err
	}
	return ep, family, nil
}

// hintCertError appends a remediation hint when the failure is a local
// trust-store problem rather than anything the broker can retry its way
// out of.
func hintCertError(err error) error {
	if err != nil && strings.Contains(err.Error(), "self-signed certificate in certificate chain") {
		return errors.Wrap(err, "the server presented a certificate signed by a private CA; point SSL_CERT_FILE (or SSL_CERT_DIR) at a bundle that includes it")
	}
	return err
}

// buildAuthorizer picks the classical flow when static client info
// supplies a confidential client (client_secret present) and the PKCE
// flow otherwise — a public client either registers dynamically or uses
// a statically supplied client_id without a secret.
func buildAuthorizer(ctx context.Context, st *store.Store, fp string, cfg *config.Config, headers map[string]string, redirectURI string, httpClient *http.Client, cb oauth.CallbackServer) (authorizer, error) {
	var clientInfo store.ClientInfo
	if len(cfg.StaticClientInfo) > 0 {
		if err := json.Unmarshal(cfg.StaticClientInfo, &clientInfo); err != nil {
			return nil, errors.Wrap(err, "parse --static-oauth-client-info")
		}
	}

	browser := oauth.SystemBrowser{}

	if clientInfo.ClientSecret != "" {
		if clientInfo.ClientID == "" {
			return nil, errors.New("--static-oauth-client-info with a client_secret must also supply client_id")
		}
		endpoints := discovery.Discover(ctx, httpClient, cfg.ServerURL, headers)
		classical := oauth.NewClassical(st, fp, clientInfo.ClientID, clientInfo.ClientSecret, redirectURI, cfg.Resource, httpClient, browser)
		return &classicalAdapter{c: classical, endpoints: endpoints, cb: cb}, nil
	}

	var scopes []string
	if len(cfg.StaticClientMetadata) > 0 {
		var meta struct {
			Scope string `json:"scope"`
		}
		if err := json.Unmarshal(cfg.StaticClientMetadata, &meta); err != nil {
			return nil, errors.Wrap(err, "parse --static-oauth-client-metadata")
		}
		if meta.Scope != "" {
			scopes = strings.Fields(meta.Scope)
		}
	}

	pkce := oauth.NewPKCE(st, fp, cfg.ServerURL, clientInfo.ClientID, clientInfo.ClientSecret, redirectURI, scopes, browser)
	return &pkceAdapter{p: pkce, cb: cb, clientName: clientName}, nil
}

// setupLogging builds the broker's logger, appending a JSON debug log to
// disk when enabled. The returned closer is always safe to call.
func setupLogging(st *store.Store, fp string, debug bool) (*slog.Logger, func(), error) {
	if !debug {
		return logging.New(nil), func() {}, nil
	}

	path, err := st.DebugLogPath(fp)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return logging.New(f), func() { f.Close() }, nil
}
