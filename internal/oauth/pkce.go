package oauth

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/pkg/errors"

	"github.com/mcp-remote-go/mcp-remote/internal/store"
)

// tokenStoreAdapter lets our credential store back mark3labs/mcp-go's
// client.OAuthConfig.TokenStore interface without either package knowing
// the other's concrete token shape — the adapter round-trips through
// JSON rather than assuming field names.
type tokenStoreAdapter struct {
	store       *store.Store
	fingerprint string
}

func (a *tokenStoreAdapter) GetToken(context.Context) (*mcptransport.Token, error) {
	b, err := a.store.Get(a.fingerprint, "tokens.json")
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, mcptransport.ErrNoToken
		}
		return nil, err
	}
	tok := &mcptransport.Token{}
	if err := json.Unmarshal(b, tok); err != nil {
		return nil, errors.Wrap(err, "oauth: parse stored PKCE token")
	}
	return tok, nil
}

func (a *tokenStoreAdapter) SaveToken(_ context.Context, token *mcptransport.Token) error {
	b, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return errors.Wrap(err, "oauth: marshal PKCE token")
	}
	return a.store.Put(a.fingerprint, "tokens.json", b)
}

// PKCE wraps mark3labs/mcp-go's standard OAuth provider, preserving its
// observable interface (persistent tokens/client-info/verifier, a
// redirect-to-authorization hook, invalidateCredentials) while routing
// persistence through our credential store and the browser/callback-server
// collaborators this repository owns.
type PKCE struct {
	Config      client.OAuthConfig
	store       *store.Store
	fingerprint string
	serverURL   string
	browser     Browser
}

// NewPKCE builds a PKCE-flow provider. clientID/clientSecret may be empty,
// in which case a client registration persisted for fingerprint is used;
// if there is none, dynamic client registration runs on first authorize.
func NewPKCE(st *store.Store, fingerprint, serverURL, clientID, clientSecret, redirectURI string, scopes []string, browser Browser) *PKCE {
	if clientID == "" {
		if info, err := st.GetClientInfo(fingerprint); err == nil && info != nil {
			clientID = info.ClientID
			clientSecret = info.ClientSecret
		}
	}

	return &PKCE{
		Config: client.OAuthConfig{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURI:  redirectURI,
			Scopes:       scopes,
			TokenStore:   &tokenStoreAdapter{store: st, fingerprint: fingerprint},
			PKCEEnabled:  true,
		},
		store:       st,
		fingerprint: fingerprint,
		serverURL:   serverURL,
		browser:     browser,
	}
}

// EnsureAccessToken returns a live access token: a cached unexpired one, or
// the result of running the PKCE flow through a throwaway
// OAuth-aware client whose only job is to surface mark3labs/mcp-go's
// authorization-required error and hand it to Authorize. The actual
// message-forwarding connection is made separately, by the transport
// selector, once a token is available.
func (p *PKCE) EnsureAccessToken(ctx context.Context, cb CallbackServer, clientName string) (string, error) {
	adapter := &tokenStoreAdapter{store: p.store, fingerprint: p.fingerprint}

	if tok, err := adapter.GetToken(ctx); err == nil && !pkceTokenExpired(tok) {
		return tok.AccessToken, nil
	}

	probe, err := client.NewOAuthStreamableHttpClient(p.serverURL, p.Config)
	if err != nil {
		return "", errors.Wrap(err, "oauth: build PKCE-aware client")
	}
	defer probe.Close()

	if startErr := probe.Start(ctx); startErr != nil {
		if !client.IsOAuthAuthorizationRequiredError(startErr) {
			return "", errors.Wrap(startErr, "oauth: starting PKCE-aware client")
		}
		if err := p.Authorize(ctx, startErr, cb, clientName); err != nil {
			return "", err
		}
	}

	tok, err := adapter.GetToken(ctx)
	if err != nil {
		return "", errors.Wrap(err, "oauth: read PKCE token after authorize")
	}
	return tok.AccessToken, nil
}

// pkceTokenExpired applies the same expiry rule Expired uses for the
// classical flow's bundle, on mark3labs/mcp-go's token shape: an absolute
// expires_at wins when the exchange recorded one, otherwise expires_in
// at or below zero means expired. The int64 field can't distinguish an
// absent expires_in from a zero one, so zero counts as expired.
func pkceTokenExpired(t *mcptransport.Token) bool {
	if t == nil || t.AccessToken == "" {
		return true
	}
	if !t.ExpiresAt.IsZero() {
		return !t.ExpiresAt.After(time.Now())
	}
	return t.ExpiresIn <= 0
}

// Authorize runs the interactive PKCE flow: dynamic client registration
// (if needed), verifier/challenge/state generation, browser redirect,
// callback wait, and response processing. oauthErr is the
// OAuth-authorization-required error mark3labs/mcp-go's client surfaced;
// its bound OAuthHandler is what actually talks to the authorization
// server.
func (p *PKCE) Authorize(ctx context.Context, oauthErr error, cb CallbackServer, clientName string) error {
	if !client.IsOAuthAuthorizationRequiredError(oauthErr) {
		return errors.New("oauth: PKCE authorize called without an authorization-required error")
	}
	handler := client.GetOAuthHandler(oauthErr)

	if handler.GetClientID() == "" {
		if err := handler.RegisterClient(ctx, clientName); err != nil {
			return errors.Wrap(err, "oauth: dynamic client registration")
		}
		if err := p.store.PutClientInfo(p.fingerprint, &store.ClientInfo{
			ClientID:     handler.GetClientID(),
			ClientSecret: handler.GetClientSecret(),
		}); err != nil {
			return errors.Wrap(err, "oauth: persist registered client")
		}
	}

	verifier, err := client.GenerateCodeVerifier()
	if err != nil {
		return errors.Wrap(err, "oauth: generate PKCE verifier")
	}
	challenge := client.GenerateCodeChallenge(verifier)

	state, err := client.GenerateState()
	if err != nil {
		return errors.Wrap(err, "oauth: generate state")
	}

	// Persist the verifier to disk, deleting it once
	// consumed below — even though, in this design, the same process that
	// writes it also consumes it moments later (the leader owns the whole
	// authorize() call), the on-disk record is the documented contract a
	// restarted leader could recover from.
	if err := p.store.PutVerifier(p.fingerprint, verifier); err != nil {
		return errors.Wrap(err, "oauth: persist PKCE verifier")
	}
	defer p.store.DeleteVerifier(p.fingerprint) //nolint:errcheck

	authURL, err := handler.GetAuthorizationURL(ctx, state, challenge)
	if err != nil {
		return errors.Wrap(err, "oauth: build authorization URL")
	}

	if p.browser != nil {
		_ = p.browser.Open(authURL) // best-effort, non-fatal
	}

	code, err := cb.AwaitCode(ctx)
	if err != nil {
		return errors.Wrap(err, "oauth: waiting for authorization callback")
	}

	if err := handler.ProcessAuthorizationResponse(ctx, code, state, verifier); err != nil {
		return errors.Wrap(err, "oauth: process authorization response")
	}
	// The token is persisted by the handler's ProcessAuthorizationResponse
	// (it calls TokenStore.SaveToken) before this returns, so it's already
	// on disk by the time secondaries are told authorization is complete.
	cb.MarkComplete()
	return nil
}

// InvalidateCredentials clears persisted PKCE state per scope.
func (p *PKCE) InvalidateCredentials(scope InvalidateScope) error {
	switch scope {
	case ScopeTokens:
		return p.store.DeleteTokens(p.fingerprint)
	case ScopeClient:
		return p.store.DeleteClientInfo(p.fingerprint)
	case ScopeVerifier:
		return p.store.DeleteVerifier(p.fingerprint)
	case ScopeAll:
		if err := p.store.DeleteTokens(p.fingerprint); err != nil {
			return err
		}
		if err := p.store.DeleteClientInfo(p.fingerprint); err != nil {
			return err
		}
		return p.store.DeleteVerifier(p.fingerprint)
	default:
		return errors.Errorf("oauth: unknown invalidate scope %q", scope)
	}
}
