package crossapp_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/quantumauth-io/crossapp-wallet/internal/crossapp"
)

func TestDetailsClient_FetchAndCache(t *testing.T) {
	var (
		calls          atomic.Int32
		path, gotAppID atomic.Value
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		path.Store(r.URL.Path)
		gotAppID.Store(r.Header.Get("app-id"))
		_ = json.NewEncoder(w).Encode(map[string]string{
			"custom_api_url": "https://api.provider.example",
			"icon_url":       "https://provider.example/icon.png",
			"name":           "Provider",
		})
	}))
	defer srv.Close()

	c, err := crossapp.NewDetailsClient(srv.URL+"/", "requester-app", srv.Client())
	require.NoError(t, err)

	d, err := c.Fetch(context.Background(), "provider-app")
	require.NoError(t, err)
	require.Equal(t, "https://api.provider.example", d.CustomAPIURL)
	require.Equal(t, "Provider", d.Name)
	require.Equal(t, "/api/v1/apps/provider-app/cross-app/details", path.Load())
	require.Equal(t, "requester-app", gotAppID.Load())

	_, err = c.Fetch(context.Background(), "provider-app")
	require.NoError(t, err)
	require.EqualValues(t, 1, calls.Load())
}

func TestDetailsClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"custom_api_url":"https://api.example","name":"P"}`))
	}))
	defer srv.Close()

	c, err := crossapp.NewDetailsClient(srv.URL, "", srv.Client())
	require.NoError(t, err)
	c.SetRetryWindow(5 * time.Second)

	d, err := c.Fetch(context.Background(), "x")
	require.NoError(t, err)
	require.Equal(t, "https://api.example", d.CustomAPIURL)
	require.EqualValues(t, 3, calls.Load())
}

func TestDetailsClient_NotFoundIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c, err := crossapp.NewDetailsClient(srv.URL, "", srv.Client())
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), "missing")
	require.True(t, errors.Is(err, crossapp.ErrProviderNotFound), "got %v", err)
	require.EqualValues(t, 1, calls.Load())
}

func TestDetailsClient_ClientErrorsAreNotRetried(t *testing.T) {
	for name, handler := range map[string]http.HandlerFunc{
		"bad request": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad app id", http.StatusBadRequest)
		},
		"missing api url": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"name":"P"}`))
		},
	} {
		t.Run(name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				handler(w, r)
			}))
			defer srv.Close()

			c, err := crossapp.NewDetailsClient(srv.URL, "", srv.Client())
			require.NoError(t, err)
			c.SetRetryWindow(5 * time.Second)

			_, err = c.Fetch(context.Background(), "x")
			require.Error(t, err)
			require.False(t, errors.Is(err, crossapp.ErrProviderNotFound))
			require.EqualValues(t, 1, calls.Load())
		})
	}
}
