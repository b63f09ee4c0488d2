package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiscoverFullChain(t *testing.T) {
	var authServerURL string

	authServerMux := http.NewServeMux()
	authServerMux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"authorization_endpoint":"%s/authorize","token_endpoint":"%s/token"}`, authServerURL, authServerURL)
	})
	authServer := httptest.NewServer(authServerMux)
	defer authServer.Close()
	authServerURL = authServer.URL

	var resourceMetaURL string
	resourceMux := http.NewServeMux()
	resourceMux.HandleFunc("/meta", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"authorization_servers":["%s"]}`, authServerURL)
	})
	resourceServer := httptest.NewServer(resourceMux)
	defer resourceServer.Close()
	resourceMetaURL = resourceServer.URL + "/meta"

	serverMux := http.NewServeMux()
	serverMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer resource_metadata="%s"`, resourceMetaURL))
		w.WriteHeader(http.StatusUnauthorized)
	})
	server := httptest.NewServer(serverMux)
	defer server.Close()

	eps := Discover(context.Background(), server.Client(), server.URL, nil)
	require.Equal(t, authServerURL+"/authorize", eps.AuthorizationEndpoint)
	require.Equal(t, authServerURL+"/token", eps.TokenEndpoint)
}

func TestDiscoverFallsBackOnPlainOK(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	eps := Discover(context.Background(), server.Client(), server.URL, nil)
	require.Equal(t, server.URL+"/oauth/authorize", eps.AuthorizationEndpoint)
	require.Equal(t, server.URL+"/oauth/token", eps.TokenEndpoint)
}

func TestDiscoverFallsBackOnUnreachableMetadata(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", `Bearer resource_metadata="http://127.0.0.1:1/nope"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	eps := Discover(context.Background(), server.Client(), server.URL, nil)
	require.Equal(t, server.URL+"/oauth/authorize", eps.AuthorizationEndpoint)
}

func TestDiscoverFallsBackWhenNoWWWAuthenticate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	eps := Discover(context.Background(), server.Client(), server.URL, nil)
	require.Equal(t, server.URL+"/oauth/authorize", eps.AuthorizationEndpoint)
}
