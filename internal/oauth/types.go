// Package oauth implements the two OAuth 2.0 authorization-code flows: a
// classical confidential-client flow implemented in full, and a PKCE
// flow delegated to mark3labs/mcp-go's standard provider.
package oauth

import (
	"fmt"

	"github.com/mcp-remote-go/mcp-remote/internal/discovery"
	"github.com/mcp-remote-go/mcp-remote/internal/store"
)

// InvalidateScope names what invalidateCredentials clears.
type InvalidateScope string

const (
	ScopeAll      InvalidateScope = "all"
	ScopeClient   InvalidateScope = "client"
	ScopeTokens   InvalidateScope = "tokens"
	ScopeVerifier InvalidateScope = "verifier"
)

// TokenExchangeFailed is returned when the token endpoint responds with a
// non-2xx status during a code exchange.
type TokenExchangeFailed struct {
	Status int
	Body   string
}

func (e *TokenExchangeFailed) Error() string {
	return fmt.Sprintf("oauth: token exchange failed: status %d: %s", e.Status, e.Body)
}

// TokenRefreshFailed is returned when the token endpoint rejects a refresh
// attempt.
type TokenRefreshFailed struct {
	Status int
	Body   string
}

func (e *TokenRefreshFailed) Error() string {
	return fmt.Sprintf("oauth: token refresh failed: status %d: %s", e.Status, e.Body)
}

// NoRefreshToken is returned by Refresh when the previous bundle carries
// no refresh_token.
type NoRefreshToken struct{}

func (e *NoRefreshToken) Error() string { return "oauth: no refresh token available" }

// StateMismatch is returned when the classical flow's callback reports a
// state value other than the one the authorization URL was built with.
type StateMismatch struct {
	Expected string
	Got      string
}

func (e *StateMismatch) Error() string {
	return fmt.Sprintf("oauth: state mismatch: expected %q, got %q", e.Expected, e.Got)
}

// Unauthorized models a 401 surfaced by the transport layer, distinct
// from the two exchange-specific errors above.
type Unauthorized struct {
	Detail string
}

func (e *Unauthorized) Error() string { return "oauth: unauthorized: " + e.Detail }

// Endpoints is re-exported for callers that only need oauth, not
// discovery, in scope.
type Endpoints = discovery.Endpoints

// Tokens is re-exported from store so the oauth package's public API
// doesn't force every caller to also import store.
type Tokens = store.TokenBundle

// Expired reports whether a token bundle should be treated as expired:
// ExpiresIn absent means "assume valid"; <=0 means expired.
func Expired(t *Tokens) bool {
	if t == nil {
		return true
	}
	if t.ExpiresIn == nil {
		return false
	}
	return *t.ExpiresIn <= 0
}
