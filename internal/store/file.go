package store

import (
	"context"
	"os"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/quantumauth-io/crossapp-wallet/internal/constants"
)

// File is a KV persisted as a single password-sealed JSON file. The decrypted map
// is kept in memory after the first load; every write reseals the whole file.
type File struct {
	path     string
	password []byte
	opts     SealOptions

	mu     sync.Mutex
	loaded bool
	data   map[string][]byte
}

type FileOption func(*File)

// WithKDF overrides the Argon2id settings for newly written files.
func WithKDF(kdf KDFParams) FileOption {
	return func(f *File) { f.opts.KDF = kdf }
}

func NewFile(path string, password []byte, opts ...FileOption) (*File, error) {
	if path == "" {
		return nil, errors.New("store path is empty")
	}
	if len(password) == 0 {
		return nil, errors.New("store password is empty")
	}
	f := &File{
		path:     path,
		password: append([]byte(nil), password...),
		opts:     SealOptions{AAD: []byte(constants.SessionFileAAD)},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (f *File) load() error {
	if f.loaded {
		return nil
	}
	if _, err := os.Stat(f.path); os.IsNotExist(err) {
		f.data = make(map[string][]byte)
		f.loaded = true
		return nil
	}
	data, err := ReadSealedJSON[map[string][]byte](f.path, f.password, f.opts)
	if err != nil {
		return err
	}
	if data == nil {
		data = make(map[string][]byte)
	}
	f.data = data
	f.loaded = true
	return nil
}

func (f *File) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.load(); err != nil {
		return nil, err
	}
	v, ok := f.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (f *File) Put(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.load(); err != nil {
		return err
	}
	prev, had := f.data[key]
	f.data[key] = append([]byte(nil), value...)
	if err := WriteSealedJSON(f.path, f.data, f.password, f.opts); err != nil {
		if had {
			f.data[key] = prev
		} else {
			delete(f.data, key)
		}
		return err
	}
	return nil
}

func (f *File) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.load(); err != nil {
		return err
	}
	prev, had := f.data[key]
	if !had {
		return nil
	}
	delete(f.data, key)
	if err := WriteSealedJSON(f.path, f.data, f.password, f.opts); err != nil {
		f.data[key] = prev
		return err
	}
	return nil
}
