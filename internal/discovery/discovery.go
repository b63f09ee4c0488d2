// Package discovery implements the endpoint-discovery algorithm:
// extracting the remote server's authorization and token endpoints,
// falling back to conventional paths on any failure.
package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Endpoints is the discovered (or fallback) pair of OAuth endpoints.
type Endpoints struct {
	AuthorizationEndpoint string
	TokenEndpoint         string
}

// resourceMetadataPattern pulls the quoted resource_metadata URL out of a
// WWW-Authenticate: Bearer header, case-insensitively.
var resourceMetadataPattern = regexp.MustCompile(`(?i)resource_metadata="([^"]+)"`)

// Discover runs the five-step discovery algorithm. It never returns an
// error: any failure along the way falls back to
// <origin>/oauth/authorize and <origin>/oauth/token, which the caller may
// then fail to use.
func Discover(ctx context.Context, client *http.Client, serverURL string, headers map[string]string) Endpoints {
	fallback := fallbackEndpoints(serverURL)

	resourceMetadataURL, ok := probeResourceMetadataURL(ctx, client, serverURL, headers)
	if !ok {
		return fallback
	}

	authServer, ok := fetchAuthorizationServer(ctx, client, resourceMetadataURL, headers)
	if !ok {
		return fallback
	}

	eps, ok := fetchAuthServerMetadata(ctx, client, authServer, headers)
	if !ok {
		return fallback
	}
	return eps
}

func fallbackEndpoints(serverURL string) Endpoints {
	u, err := url.Parse(serverURL)
	if err != nil {
		return Endpoints{}
	}
	origin := u.Scheme + "://" + u.Host
	return Endpoints{
		AuthorizationEndpoint: origin + "/oauth/authorize",
		TokenEndpoint:         origin + "/oauth/token",
	}
}

// probeResourceMetadataURL performs step 1-2: GET the server URL and, on a
// 401 with a WWW-Authenticate: Bearer resource_metadata="..." header,
// return that URL.
func probeResourceMetadataURL(ctx context.Context, client *http.Client, serverURL string, headers map[string]string) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL, nil)
	if err != nil {
		return "", false
	}
	req.Header.Set("Accept", "application/json")
	applyHeaders(req, headers)

	resp, err := client.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		return "", false
	}

	wwwAuth := headerCaseInsensitive(resp.Header, "WWW-Authenticate")
	if wwwAuth == "" || !strings.Contains(strings.ToLower(wwwAuth), "bearer") {
		return "", false
	}

	m := resourceMetadataPattern.FindStringSubmatch(wwwAuth)
	if len(m) != 2 {
		return "", false
	}
	return m[1], true
}

// fetchAuthorizationServer performs step 3: GET the resource metadata
// document and read authorization_servers[0].
func fetchAuthorizationServer(ctx context.Context, client *http.Client, resourceMetadataURL string, headers map[string]string) (string, bool) {
	body, ok := getJSON(ctx, client, resourceMetadataURL, headers)
	if !ok {
		return "", false
	}
	server := gjson.GetBytes(body, "authorization_servers.0")
	if !server.Exists() || server.String() == "" {
		return "", false
	}
	return server.String(), true
}

// fetchAuthServerMetadata performs step 4: GET
// <authServer>/.well-known/oauth-authorization-server and read the two
// endpoints.
func fetchAuthServerMetadata(ctx context.Context, client *http.Client, authServer string, headers map[string]string) (Endpoints, bool) {
	metadataURL := strings.TrimRight(authServer, "/") + "/.well-known/oauth-authorization-server"
	body, ok := getJSON(ctx, client, metadataURL, headers)
	if !ok {
		return Endpoints{}, false
	}

	authEndpoint := gjson.GetBytes(body, "authorization_endpoint").String()
	tokenEndpoint := gjson.GetBytes(body, "token_endpoint").String()
	if authEndpoint == "" || tokenEndpoint == "" {
		return Endpoints{}, false
	}
	return Endpoints{AuthorizationEndpoint: authEndpoint, TokenEndpoint: tokenEndpoint}, true
}

func getJSON(ctx context.Context, client *http.Client, target string, headers map[string]string) ([]byte, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, false
	}
	req.Header.Set("Accept", "application/json")
	applyHeaders(req, headers)

	resp, err := client.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false
	}

	var buf []byte
	dec := json.NewDecoder(resp.Body)
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, false
	}
	buf = raw
	if !json.Valid(buf) {
		return nil, false
	}
	return buf, true
}

func applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

func headerCaseInsensitive(h http.Header, key string) string {
	for k, values := range h {
		if strings.EqualFold(k, key) && len(values) > 0 {
			return values[0]
		}
	}
	return ""
}
