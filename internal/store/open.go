package store

import (
	"context"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config selects and parameterizes a backend.
type Config struct {
	Backend string
	// Path is the sealed file path or the sqlite DSN.
	Path     string
	Password []byte
}

// Open builds the configured backend. The returned closer is a no-op for
// backends without resources.
func Open(ctx context.Context, cfg Config) (KV, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendMemory:
		return NewMemory(), nopCloser{}, nil
	case BackendFile:
		f, err := NewFile(cfg.Path, cfg.Password)
		if err != nil {
			return nil, nil, err
		}
		return f, nopCloser{}, nil
	case BackendSQLite:
		s, err := OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, errors.Newf("unknown storage backend %q", cfg.Backend)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
