package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseStrategyDefaultsToHTTPFirst(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	require.Equal(t, StrategyHTTPFirst, s)
}

func TestParseStrategyRejectsUnknown(t *testing.T) {
	_, err := ParseStrategy("carrier-pigeon")
	require.Error(t, err)
}

func TestDialHTTPFirstUsesStreamableHTTPWhenAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ep, family, err := Dial(context.Background(), StrategyHTTPFirst, srv.URL, nil, nil, srv.Client())
	require.NoError(t, err)
	require.Equal(t, "http", family)
	require.NoError(t, ep.Close())
}

func TestDialHTTPFirstFallsBackToSSEOnce(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// Streamable-HTTP probe: pretend this route doesn't exist.
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, _, err := Dial(context.Background(), StrategyHTTPFirst, srv.URL, nil, nil, srv.Client())
	// The SSE fallback's connect GET also gets a 404 from this server —
	// this exercises that both attempts are made, bounded at one
	// fallback, and the exhausted-fallback error is reported rather than
	// looping forever.
	require.Error(t, err)
	require.EqualError(t, err, "Already attempted transport fallback.")
}

func TestDialSSEOnlyNeverTriesHTTP(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, _, err := Dial(context.Background(), StrategySSEOnly, srv.URL, nil, nil, srv.Client())
	require.Error(t, err)
	require.Equal(t, 1, hits, "sse-only should attempt exactly one family (sse), hitting the server once")
}

func TestDialSurfacesUnauthorizedWithoutBurningFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, family, err := Dial(context.Background(), StrategyHTTPFirst, srv.URL, nil, nil, srv.Client())
	require.Equal(t, "http", family)
	_, ok := ExtractUnauthorized(err)
	require.True(t, ok)
}
