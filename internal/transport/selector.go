package transport

import (
	"context"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// Strategy names which transport families to attempt, and in what order,
// when connecting to a remote server.
type Strategy string

const (
	StrategySSEOnly   Strategy = "sse-only"
	StrategyHTTPOnly  Strategy = "http-only"
	StrategySSEFirst  Strategy = "sse-first"
	StrategyHTTPFirst Strategy = "http-first"
)

// ParseStrategy validates a user-supplied --transport value, defaulting to
// http-first when s is empty.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return StrategyHTTPFirst, nil
	case StrategySSEOnly, StrategyHTTPOnly, StrategySSEFirst, StrategyHTTPFirst:
		return Strategy(s), nil
	default:
		return "", errors.Errorf("transport: unknown strategy %q", s)
	}
}

// Unauthorized is returned when a connection attempt fails because the
// remote server demanded authorization (HTTP 401), carrying the
// WWW-Authenticate header so the caller can re-run discovery.
type Unauthorized struct {
	WWWAuthenticate string
}

func (e *Unauthorized) Error() string { return "transport: unauthorized" }

// fallbackMarkers are the error-message substrings that license a
// *-first strategy to retry with the other transport family. Any other
// error surfaces immediately instead of burning the fallback attempt on
// a family that would fail identically.
var fallbackMarkers = []string{"404", "405", "Not Found", "Method Not Allowed"}

func isFallbackEligible(err error) bool {
	msg := err.Error()
	for _, m := range fallbackMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Dial attempts to connect to serverURL using strategy. *-only
// strategies try exactly one family. *-first strategies try the named
// family first and fall back to the other exactly once, and only when
// the first attempt's error looks like a transport-capability mismatch
// (fallbackMarkers) rather than, say, a network error or malformed
// response — those surface immediately. It returns the connected
// Endpoint and which family was used.
func Dial(ctx context.Context, strategy Strategy, serverURL string, headers map[string]string, tokens TokenSource, client *http.Client) (Endpoint, string, error) {
	order := familiesFor(strategy)

	family := order[0]
	ep, err := dialFamily(ctx, family, serverURL, headers, tokens, client)
	if err == nil {
		return ep, family, nil
	}
	if unauth, ok := err.(*Unauthorized); ok {
		return nil, family, unauth
	}
	if len(order) == 1 || !isFallbackEligible(err) {
		return nil, family, errors.Wrapf(err, "transport: %s", family)
	}

	fallback := order[1]
	ep, ferr := dialFamily(ctx, fallback, serverURL, headers, tokens, client)
	if ferr == nil {
		return ep, fallback, nil
	}
	if unauth, ok := ferr.(*Unauthorized); ok {
		return nil, fallback, unauth
	}
	if isFallbackEligible(ferr) {
		// A second transport-capability mismatch in the same connection
		// attempt: the one fallback this strategy is allowed has already
		// been spent.
		return nil, fallback, errors.New("Already attempted transport fallback.")
	}
	return nil, fallback, errors.Wrapf(ferr, "transport: %s", fallback)
}

func familiesFor(s Strategy) []string {
	switch s {
	case StrategySSEOnly:
		return []string{"sse"}
	case StrategyHTTPOnly:
		return []string{"http"}
	case StrategySSEFirst:
		return []string{"sse", "http"}
	default: // StrategyHTTPFirst and unset
		return []string{"http", "sse"}
	}
}

func dialFamily(ctx context.Context, family, serverURL string, headers map[string]string, tokens TokenSource, client *http.Client) (Endpoint, error) {
	switch family {
	case "http":
		ep := NewStreamableHTTP(serverURL, headers, tokens, client)
		if err := probeStreamableHTTP(ctx, ep); err != nil {
			return nil, err
		}
		return ep, nil
	case "sse":
		ep, err := NewSSE(ctx, serverURL, headers, tokens, client)
		if err != nil {
			return nil, classifyDialErr(err)
		}
		return ep, nil
	default:
		return nil, errors.Errorf("transport: unknown family %q", family)
	}
}

// probeStreamableHTTP forces a server that implements the streamable-HTTP
// transport to reveal it, since StreamableHTTP.Send only talks once a
// real message is forwarded — a throwaway probe here is cheaper than
// trusting construction to succeed.
func probeStreamableHTTP(ctx context.Context, ep *StreamableHTTP) error {
	err := ep.Probe(ctx)
	if err == nil {
		return nil
	}
	return classifyDialErr(err)
}

func classifyDialErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "401") || strings.Contains(err.Error(), "Unauthorized") {
		return &Unauthorized{}
	}
	return err
}

// ExtractUnauthorized reports whether err (or a wrapped cause) is an
// *Unauthorized.
func ExtractUnauthorized(err error) (*Unauthorized, bool) {
	var u *Unauthorized
	for err != nil {
		if v, ok := err.(*Unauthorized); ok {
			return v, true
		}
		type causer interface{ Cause() error }
		c, ok := err.(causer)
		if !ok {
			break
		}
		err = c.Cause()
	}
	return u, false
}
