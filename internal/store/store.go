// Package store is the credential store: a thin, lock-free wrapper over
// the user config directory, keyed by server fingerprint and blob name.
package store

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a requested blob does not exist. Absent
// files are not treated as errors by callers.
var ErrNotFound = errors.New("store: not found")

const dirPerm = 0o700
const filePerm = 0o600

// Version is embedded in the config directory name
// (mcp-remote-<version>).
var Version = "0.1.0"

// Store reads and writes key-scoped blobs under a root directory.
type Store struct {
	root string
}

// New resolves the config directory root: $MCP_REMOTE_CONFIG_DIR if set,
// else $HOME/.mcp-auth, with a mcp-remote-<version> subdirectory.
func New() (*Store, error) {
	base := os.Getenv("MCP_REMOTE_CONFIG_DIR")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, "store: resolve home directory")
		}
		base = filepath.Join(home, ".mcp-auth")
	} else {
		base = expandHome(base)
	}
	return &Store{root: filepath.Join(base, "mcp-remote-"+Version)}, nil
}

// NewAt builds a store rooted at an explicit directory, bypassing
// environment resolution. Used by tests and anything that has already
// computed the root (e.g. a CLI --data-path style override).
func NewAt(root string) *Store {
	return &Store{root: root}
}

func (s *Store) path(fingerprint, name string) string {
	return filepath.Join(s.root, fingerprint+"_"+name)
}

// Get reads a blob. A missing file returns ErrNotFound, not an OS error.
func (s *Store) Get(fingerprint, name string) ([]byte, error) {
	b, err := os.ReadFile(s.path(fingerprint, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "store: read %s_%s", fingerprint, name)
	}
	return b, nil
}

// Put writes a blob, creating the config directory if missing.
func (s *Store) Put(fingerprint, name string, data []byte) error {
	if err := os.MkdirAll(s.root, dirPerm); err != nil {
		return errors.Wrap(err, "store: create config directory")
	}
	if err := os.WriteFile(s.path(fingerprint, name), data, filePerm); err != nil {
		return errors.Wrapf(err, "store: write %s_%s", fingerprint, name)
	}
	return nil
}

// Delete removes a blob. Deleting an absent blob is not an error.
func (s *Store) Delete(fingerprint, name string) error {
	err := os.Remove(s.path(fingerprint, name))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "store: delete %s_%s", fingerprint, name)
	}
	return nil
}

// DebugLogPath returns the path of the per-fingerprint debug log,
// creating the config directory if needed.
func (s *Store) DebugLogPath(fingerprint string) (string, error) {
	if err := os.MkdirAll(s.root, dirPerm); err != nil {
		return "", errors.Wrap(err, "store: create config directory")
	}
	return s.path(fingerprint, "debug.log"), nil
}

// Root exposes the resolved config directory, mostly for diagnostics.
func (s *Store) Root() string {
	return s.root
}

// expandHome substitutes a leading ~/ with the user's home directory, a
// convention common to --data-path style overrides.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

