package oauth

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/mcp-remote-go/mcp-remote/internal/store"
)

// CallbackServer is the narrow view of the loopback callback server that
// the classical flow needs: its resolved port, and a way to block until a
// code arrives. Keeping this as a local interface, rather than importing
// internal/callback, avoids a cyclic ownership between the two packages —
// the broker owns the concrete server and passes it in.
type CallbackServer interface {
	Port() int
	AwaitCode(ctx context.Context) (string, error)
	State() string
	MarkComplete()
}

// Browser opens a URL in the user's default browser. Failure is
// non-fatal.
type Browser interface {
	Open(url string) error
}

// Classical implements the classical (non-PKCE) authorization-code flow
// in full: no delegation to the framing library.
type Classical struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Resource     string

	state string

	store       *store.Store
	fingerprint string
	httpClient  *http.Client
	browser     Browser
}

// NewClassical builds a classical-flow provider. state is generated once
// per instance and reused for every authorization attempt it makes.
func NewClassical(st *store.Store, fingerprint, clientID, clientSecret, redirectURI, resource string, httpClient *http.Client, browser Browser) *Classical {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Classical{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURI:  redirectURI,
		Resource:     resource,
		state:        uuid.NewString(),
		store:        st,
		fingerprint:  fingerprint,
		httpClient:   httpClient,
		browser:      browser,
	}
}

func (c *Classical) oauth2Config(endpoints Endpoints) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   endpoints.AuthorizationEndpoint,
			TokenURL:  endpoints.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AuthorizationURL builds the classical-flow authorization URL: no
// code_challenge, state always present, resource only when configured.
func (c *Classical) AuthorizationURL(endpoints Endpoints) *url.URL {
	opts := []oauth2.AuthCodeOption{}
	if c.Resource != "" {
		opts = append(opts, oauth2.SetAuthURLParam("resource", c.Resource))
	}
	raw := c.oauth2Config(endpoints).AuthCodeURL(c.state, opts...)
	u, err := url.Parse(raw)
	if err != nil {
		// AuthCodeURL only fails to parse if AuthURL itself is malformed,
		// which discovery's fallback endpoints never produce from a valid
		// server URL; surface an empty URL rather than panicking.
		return &url.URL{}
	}
	return u
}

// State returns the state value this provider instance generated, so the
// callback handler or caller can verify it against what comes back.
func (c *Classical) State() string {
	return c.state
}

// Exchange trades an authorization code for tokens.
func (c *Classical) Exchange(ctx context.Context, endpoints Endpoints, code string) (*Tokens, error) {
	cfg := c.oauth2Config(endpoints)
	ctx = contextWithHTTPClient(ctx, c.httpClient)

	opts := []oauth2.AuthCodeOption{}
	if c.Resource != "" {
		opts = append(opts, oauth2.SetAuthURLParam("resource", c.Resource))
	}

	tok, err := cfg.Exchange(ctx, code, opts...)
	if err != nil {
		status, body := statusAndBodyFromOAuth2Error(err)
		return nil, &TokenExchangeFailed{Status: status, Body: body}
	}
	return tokensFromOAuth2(tok), nil
}

// Refresh uses a stored refresh token to obtain a new access token. If the
// response omits a new refresh_token, the previous one is preserved.
func (c *Classical) Refresh(ctx context.Context, endpoints Endpoints, previous *Tokens) (*Tokens, error) {
	if previous == nil || previous.RefreshToken == "" {
		return nil, &NoRefreshToken{}
	}

	cfg := c.oauth2Config(endpoints)
	ctx = contextWithHTTPClient(ctx, c.httpClient)

	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: previous.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		status, body := statusAndBodyFromOAuth2Error(err)
		return nil, &TokenRefreshFailed{Status: status, Body: body}
	}

	result := tokensFromOAuth2(tok)
	if result.RefreshToken == "" {
		result.RefreshToken = previous.RefreshToken
	}
	return result, nil
}

// EnsureAccessToken implements the three-step decision: reuse a live
// token, else refresh, else authorize from scratch.
func (c *Classical) EnsureAccessToken(ctx context.Context, endpoints Endpoints, cb CallbackServer) (string, error) {
	current, err := c.store.GetTokens(c.fingerprint)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", errors.Wrap(err, "oauth: read stored tokens")
	}

	if current != nil && !Expired(current) {
		return current.AccessToken, nil
	}

	if current != nil && current.RefreshToken != "" {
		refreshed, rerr := c.Refresh(ctx, endpoints, current)
		if rerr == nil {
			if err := c.store.PutTokens(c.fingerprint, refreshed); err != nil {
				return "", errors.Wrap(err, "oauth: persist refreshed tokens")
			}
			return refreshed.AccessToken, nil
		}
	}

	tokens, err := c.Authorize(ctx, endpoints, cb)
	if err != nil {
		return "", err
	}
	return tokens.AccessToken, nil
}

// Authorize runs a full interactive authorization: open the browser on
// the authorization URL, block on the callback server for a code,
// exchange it, persist, and return. The callback server's lifecycle is
// owned by the caller — Authorize never closes it; the broker
// (cmd/mcp-remote's runBroker) closes it once in its exit cleanup.
func (c *Classical) Authorize(ctx context.Context, endpoints Endpoints, cb CallbackServer) (*Tokens, error) {
	authURL := c.AuthorizationURL(endpoints)
	if c.browser != nil {
		if err := c.browser.Open(authURL.String()); err != nil {
			// Best-effort; non-fatal.
			_ = err
		}
	}

	code, err := cb.AwaitCode(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "oauth: waiting for authorization callback")
	}
	if got := cb.State(); got != c.state {
		return nil, &StateMismatch{Expected: c.state, Got: got}
	}

	tokens, err := c.Exchange(ctx, endpoints, code)
	if err != nil {
		return nil, err
	}

	if err := c.store.PutTokens(c.fingerprint, tokens); err != nil {
		return nil, errors.Wrap(err, "oauth: persist tokens")
	}
	// Tokens are on disk before secondaries are told authorization is
	// done, so a secondary's very next disk read sees them — no sleep
	// needed to paper over the ordering.
	cb.MarkComplete()
	return tokens, nil
}

// InvalidateCredentials clears persisted state per scope, matching the
// PKCE provider's observable interface.
func (c *Classical) InvalidateCredentials(scope InvalidateScope) error {
	switch scope {
	case ScopeTokens, ScopeAll:
		if err := c.store.DeleteTokens(c.fingerprint); err != nil {
			return err
		}
	}
	if scope == ScopeAll || scope == ScopeClient {
		// The classical flow never persists client registration (it's
		// supplied statically), so there's nothing to delete — but the
		// scope is still accepted to keep the interface uniform with the
		// PKCE provider.
		return nil
	}
	return nil
}

func tokensFromOAuth2(tok *oauth2.Token) *Tokens {
	var expiresIn *int
	if !tok.Expiry.IsZero() {
		secs := int(time.Until(tok.Expiry).Seconds())
		expiresIn = &secs
	}
	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &Tokens{
		AccessToken:  tok.AccessToken,
		TokenType:    tokenType,
		ExpiresIn:    expiresIn,
		RefreshToken: tok.RefreshToken,
	}
}

func statusAndBodyFromOAuth2Error(err error) (int, string) {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return status, string(retrieveErr.Body)
	}
	return 0, err.Error()
}

// contextWithHTTPClient mirrors golang.org/x/oauth2's own oauth2.HTTPClient
// context convention, used so Exchange/Refresh honor the http.Client passed
// into NewClassical (e.g. one honoring --enable-proxy).
func contextWithHTTPClient(ctx context.Context, client *http.Client) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}
