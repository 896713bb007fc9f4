package store_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quantumauth-io/crossapp-wallet/internal/store"
)

// cheap KDF so tests do not spend 64 MiB per seal
var testKDF = store.KDFParams{Version: 1, ArgonTime: 1, ArgonMemory: 1024, ArgonThreads: 1, ArgonKeyLen: 32}

func backends(t *testing.T) map[string]store.KV {
	t.Helper()
	dir := t.TempDir()

	file, err := store.NewFile(filepath.Join(dir, "sessions.json"), []byte("pw"), store.WithKDF(testKDF))
	require.NoError(t, err)

	sqlite, err := store.OpenSQLite(context.Background(), "file:"+filepath.Join(dir, "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]store.KV{
		"memory": store.NewMemory(),
		"file":   file,
		"sqlite": sqlite,
	}
}

func TestKV_Contract(t *testing.T) {
	ctx := context.Background()
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := kv.Get(ctx, "connection:a")
			require.ErrorIs(t, err, store.ErrNotFound)

			require.NoError(t, kv.Put(ctx, "connection:a", []byte(`{"address":"0x1"}`)))
			got, err := kv.Get(ctx, "connection:a")
			require.NoError(t, err)
			require.JSONEq(t, `{"address":"0x1"}`, string(got))

			// last writer wins
			require.NoError(t, kv.Put(ctx, "connection:a", []byte(`{"address":"0x2"}`)))
			got, err = kv.Get(ctx, "connection:a")
			require.NoError(t, err)
			require.JSONEq(t, `{"address":"0x2"}`, string(got))

			require.NoError(t, kv.Put(ctx, "connection:b", []byte("b")))
			require.NoError(t, kv.Delete(ctx, "connection:a"))
			_, err = kv.Get(ctx, "connection:a")
			require.ErrorIs(t, err, store.ErrNotFound)

			got, err = kv.Get(ctx, "connection:b")
			require.NoError(t, err)
			require.Equal(t, []byte("b"), got)

			require.NoError(t, kv.Delete(ctx, "never-stored"))
		})
	}
}

func TestFile_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "sessions.json")

	a, err := store.NewFile(path, []byte("correct horse"), store.WithKDF(testKDF))
	require.NoError(t, err)
	require.NoError(t, a.Put(ctx, "connection:p", []byte("secret")))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "secret")

	b, err := store.NewFile(path, []byte("correct horse"))
	require.NoError(t, err)
	got, err := b.Get(ctx, "connection:p")
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), got)

	wrong, err := store.NewFile(path, []byte("wrong"))
	require.NoError(t, err)
	_, err = wrong.Get(ctx, "connection:p")
	require.ErrorIs(t, err, store.ErrInvalidPasswordOrCorrupt)
}

func TestSQLite_PersistsAcrossOpens(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "kv.db")

	a, err := store.OpenSQLite(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, a.Put(ctx, "connection:p", []byte("v1")))
	require.NoError(t, a.Close())

	b, err := store.OpenSQLite(ctx, dsn)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	got, err := b.Get(ctx, "connection:p")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)
}

func TestOpen_Backends(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	kv, closer, err := store.Open(ctx, store.Config{})
	require.NoError(t, err)
	require.IsType(t, &store.Memory{}, kv)
	require.NoError(t, closer.Close())

	kv, closer, err = store.Open(ctx, store.Config{Backend: "sqlite", Path: "file:" + filepath.Join(dir, "x.db")})
	require.NoError(t, err)
	require.IsType(t, &store.SQL{}, kv)
	require.NoError(t, closer.Close())

	_, _, err = store.Open(ctx, store.Config{Backend: "file", Path: filepath.Join(dir, "s.json")})
	require.Error(t, err, "file backend needs a password")

	_, _, err = store.Open(ctx, store.Config{Backend: "redis"})
	require.Error(t, err)
}
