// Package config resolves the command-line surface shared by both
// binaries into a typed Config, including the small amount of
// resolution logic (env substitution, @file loading, URL scheme
// validation) that goes beyond what cobra's flag binding does on its
// own.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/mcp-remote-go/mcp-remote/internal/transport"
)

// Config is the fully resolved configuration for one broker invocation.
type Config struct {
	ServerURL    string
	CallbackPort int

	Headers []string

	AllowHTTP bool
	Transport transport.Strategy
	Host      string

	StaticClientMetadata json.RawMessage
	StaticClientInfo     json.RawMessage

	Resource    string
	IgnoreTools []string
	AuthTimeout int // seconds
	Debug       bool
	EnableProxy bool
}

// rawFlags mirrors the cobra.Command's flag bindings before resolution;
// kept separate from Config so defaulting/validation happens in one
// place (Resolve) rather than scattered across flag declarations.
type rawFlags struct {
	callbackPort          int
	headers               []string
	allowHTTP             bool
	transportStrategy     string
	host                  string
	staticOAuthClientMeta string
	staticOAuthClientInfo string
	resource              string
	ignoreTools           []string
	authTimeout           int
	debug                 bool
	enableProxy           bool
}

// BindFlags registers every flag from the command-line surface onto cmd
// and returns the raw (unresolved) storage cobra will populate.
func BindFlags(cmd *cobra.Command) *rawFlags {
	f := &rawFlags{}
	flags := cmd.Flags()

	flags.IntVar(&f.callbackPort, "callback-port", 0, "Fixed local callback port (0 picks a deterministic default from the server fingerprint)")
	flags.StringArrayVar(&f.headers, "header", nil, `Extra header to send to the remote server, "Name: Value"`)
	flags.BoolVar(&f.allowHTTP, "allow-http", false, "Allow a plain http:// server URL for hosts other than localhost")
	flags.StringVar(&f.transportStrategy, "transport", "", "Transport strategy: sse-only, http-only, sse-first, http-first (default http-first)")
	flags.StringVar(&f.host, "host", "localhost", "Host name used in the OAuth callback redirect URI")
	flags.StringVar(&f.staticOAuthClientMeta, "static-oauth-client-metadata", "", "JSON literal or @file with static OAuth client metadata for dynamic registration")
	flags.StringVar(&f.staticOAuthClientInfo, "static-oauth-client-info", "", "JSON literal or @file with a pre-registered OAuth client (classical flow)")
	flags.StringVar(&f.resource, "resource", "", "Resource indicator to request during authorization")
	flags.StringArrayVar(&f.ignoreTools, "ignore-tool", nil, "Glob pattern of tool names to hide from the client; may be repeated")
	flags.IntVar(&f.authTimeout, "auth-timeout", 30, "Seconds a /wait-for-auth long-poll waits for authorization to complete before answering 202")
	flags.BoolVar(&f.debug, "debug", false, "Append a JSON debug log to the config directory")
	flags.BoolVar(&f.enableProxy, "enable-proxy", false, "Honor HTTP_PROXY/HTTPS_PROXY/NO_PROXY from the environment")

	return f
}

// Resolve validates args (server-url and an optional positional
// callback-port) against f, applying env substitution to headers and
// loading the static-client JSON blobs, and returns the final Config.
// Warnings produced along the way (undefined env vars, an invalid
// --auth-timeout) are passed to warn rather than returned as
// errors, per the command's "warn and use the default" contract.
func Resolve(args []string, f *rawFlags, warn func(string)) (*Config, error) {
	if len(args) == 0 {
		return nil, errors.New("config: server-url is required")
	}
	serverURL := args[0]

	callbackPort := f.callbackPort
	if len(args) > 1 {
		p, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, errors.Wrapf(err, "config: invalid callback-port %q", args[1])
		}
		callbackPort = p
	}

	if err := validateServerURL(serverURL, f.allowHTTP); err != nil {
		return nil, err
	}

	strategy, err := transport.ParseStrategy(f.transportStrategy)
	if err != nil {
		return nil, errors.Wrap(err, "config: invalid --transport")
	}

	headers, err := resolveHeaders(f.headers, warn)
	if err != nil {
		return nil, err
	}

	clientMeta, err := loadJSONFlag(f.staticOAuthClientMeta)
	if err != nil {
		return nil, errors.Wrap(err, "config: --static-oauth-client-metadata")
	}
	clientInfo, err := loadJSONFlag(f.staticOAuthClientInfo)
	if err != nil {
		return nil, errors.Wrap(err, "config: --static-oauth-client-info")
	}

	authTimeout := f.authTimeout
	if authTimeout <= 0 {
		if warn != nil {
			warn(fmt.Sprintf("invalid --auth-timeout %d, using default of 30 seconds", f.authTimeout))
		}
		authTimeout = 30
	}

	return &Config{
		ServerURL:            serverURL,
		CallbackPort:         callbackPort,
		Headers:              headers,
		AllowHTTP:            f.allowHTTP,
		Transport:            strategy,
		Host:                 f.host,
		StaticClientMetadata: clientMeta,
		StaticClientInfo:     clientInfo,
		Resource:             f.resource,
		IgnoreTools:          f.ignoreTools,
		AuthTimeout:          authTimeout,
		Debug:                f.debug,
		EnableProxy:          f.enableProxy,
	}, nil
}

// validateServerURL enforces the https-unless-loopback rule.
func validateServerURL(raw string, allowHTTP bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrapf(err, "config: invalid server-url %q", raw)
	}

	if u.Scheme == "https" {
		return nil
	}
	if allowHTTP {
		return nil
	}

	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" {
		return nil
	}

	return errors.Errorf("config: server-url %q must use https:// unless the host is localhost or --allow-http is set", raw)
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// resolveHeaders substitutes ${VARNAME} references in each "Name:
// Value" header against the process environment, warning on (and
// blanking) any undefined variable.
func resolveHeaders(raw []string, warn func(string)) ([]string, error) {
	resolved := make([]string, 0, len(raw))
	for _, h := range raw {
		resolved = append(resolved, envVarPattern.ReplaceAllStringFunc(h, func(m string) string {
			name := envVarPattern.FindStringSubmatch(m)[1]
			val, ok := os.LookupEnv(name)
			if !ok {
				if warn != nil {
					warn(fmt.Sprintf("header references undefined variable ${%s}; using empty string", name))
				}
				return ""
			}
			return val
		}))
	}
	return resolved, nil
}

// loadJSONFlag returns nil for an empty value, reads from disk for an
// "@file" value, or parses raw as a JSON literal.
func loadJSONFlag(raw string) (json.RawMessage, error) {
	if raw == "" {
		return nil, nil
	}

	var body []byte
	if strings.HasPrefix(raw, "@") {
		b, err := os.ReadFile(strings.TrimPrefix(raw, "@"))
		if err != nil {
			return nil, errors.Wrap(err, "read file")
		}
		body = b
	} else {
		body = []byte(raw)
	}

	if !json.Valid(body) {
		return nil, errors.New("not valid JSON")
	}
	return json.RawMessage(body), nil
}

// ParsedHeaders splits "Name: Value" strings into a map, skipping
// malformed entries.
func ParsedHeaders(headers []string) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		idx := strings.Index(h, ":")
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(h[:idx])
		value := strings.TrimSpace(h[idx+1:])
		out[name] = value
	}
	return out
}

// FingerprintEnvOverride reports whether MCP_REMOTE_CONFIG_DIR overrides
// the store's default config directory root, so the driver can log
// where it resolved to.
func FingerprintEnvOverride() (string, bool) {
	return os.LookupEnv("MCP_REMOTE_CONFIG_DIR")
}
