package store

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// TokenBundle is the persisted OAuth token shape.
// ExpiresIn is seconds remaining; <=0 means expired. Invalid values are
// never rejected here — the store is not a validation layer — and no
// caller logs them either.
type TokenBundle struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    *int   `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ClientInfo is the persisted OAuth client registration.
type ClientInfo struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	SoftwareID              string   `json:"software_id,omitempty"`
	SoftwareVersion         string   `json:"software_version,omitempty"`
}

// Lockfile is the per-fingerprint leader-election record.
type Lockfile struct {
	PID         int   `json:"pid"`
	Port        int   `json:"port"`
	TimestampMs int64 `json:"timestamp_ms"`
}

func marshalIndent(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "store: marshal")
	}
	return b, nil
}

// GetTokens reads <fingerprint>_tokens.json. Returns (nil, ErrNotFound) if
// absent.
func (s *Store) GetTokens(fingerprint string) (*TokenBundle, error) {
	b, err := s.Get(fingerprint, "tokens.json")
	if err != nil {
		return nil, err
	}
	var t TokenBundle
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, errors.Wrap(err, "store: parse tokens.json")
	}
	return &t, nil
}

// PutTokens writes <fingerprint>_tokens.json.
func (s *Store) PutTokens(fingerprint string, t *TokenBundle) error {
	b, err := marshalIndent(t)
	if err != nil {
		return err
	}
	return s.Put(fingerprint, "tokens.json", b)
}

// DeleteTokens removes <fingerprint>_tokens.json.
func (s *Store) DeleteTokens(fingerprint string) error {
	return s.Delete(fingerprint, "tokens.json")
}

// GetClientInfo reads <fingerprint>_client_info.json.
func (s *Store) GetClientInfo(fingerprint string) (*ClientInfo, error) {
	b, err := s.Get(fingerprint, "client_info.json")
	if err != nil {
		return nil, err
	}
	var c ClientInfo
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, errors.Wrap(err, "store: parse client_info.json")
	}
	return &c, nil
}

// PutClientInfo writes <fingerprint>_client_info.json.
func (s *Store) PutClientInfo(fingerprint string, c *ClientInfo) error {
	b, err := marshalIndent(c)
	if err != nil {
		return err
	}
	return s.Put(fingerprint, "client_info.json", b)
}

// DeleteClientInfo removes <fingerprint>_client_info.json.
func (s *Store) DeleteClientInfo(fingerprint string) error {
	return s.Delete(fingerprint, "client_info.json")
}

// GetVerifier reads the ephemeral PKCE verifier from
// <fingerprint>_code_verifier.txt.
func (s *Store) GetVerifier(fingerprint string) (string, error) {
	b, err := s.Get(fingerprint, "code_verifier.txt")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// PutVerifier writes the PKCE verifier.
func (s *Store) PutVerifier(fingerprint, verifier string) error {
	return s.Put(fingerprint, "code_verifier.txt", []byte(verifier))
}

// DeleteVerifier removes the PKCE verifier; callers must do this once it
// has been consumed by the token exchange.
func (s *Store) DeleteVerifier(fingerprint string) error {
	return s.Delete(fingerprint, "code_verifier.txt")
}

// GetLockfile reads <fingerprint>_lock.json.
func (s *Store) GetLockfile(fingerprint string) (*Lockfile, error) {
	b, err := s.Get(fingerprint, "lock.json")
	if err != nil {
		return nil, err
	}
	var l Lockfile
	if err := json.Unmarshal(b, &l); err != nil {
		return nil, errors.Wrap(err, "store: parse lock.json")
	}
	return &l, nil
}

// PutLockfile writes <fingerprint>_lock.json.
func (s *Store) PutLockfile(fingerprint string, l *Lockfile) error {
	b, err := marshalIndent(l)
	if err != nil {
		return err
	}
	return s.Put(fingerprint, "lock.json", b)
}

// DeleteLockfile removes <fingerprint>_lock.json.
func (s *Store) DeleteLockfile(fingerprint string) error {
	return s.Delete(fingerprint, "lock.json")
}

// LockfilePath returns the absolute path backing the lockfile for
// fingerprint, for use as the gofrs/flock target.
func (s *Store) LockfilePath(fingerprint string) string {
	return s.path(fingerprint, "lock.json")
}
