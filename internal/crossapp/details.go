package crossapp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-go-utils/retry"

	"github.com/quantumauth-io/crossapp-wallet/internal/constants"
)

// ProviderDetails is the public metadata of a provider app.
type ProviderDetails struct {
	CustomAPIURL string `json:"custom_api_url"`
	IconURL      string `json:"icon_url"`
	Name         string `json:"name"`
}

var ErrProviderNotFound = errors.New("provider app not found")

// DetailsClient looks up provider metadata on the auth service and caches it per app id.
type DetailsClient struct {
	httpClient     *http.Client
	authURL        string
	requesterAppID string
	retryWindow    time.Duration

	mu    sync.Mutex
	cache map[string]ProviderDetails
}

func NewDetailsClient(authURL, requesterAppID string, httpClient *http.Client) (*DetailsClient, error) {
	authURL = strings.TrimRight(strings.TrimSpace(authURL), "/")
	if authURL == "" {
		return nil, errors.New("auth url is empty")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &DetailsClient{
		httpClient:     httpClient,
		authURL:        authURL,
		requesterAppID: requesterAppID,
		retryWindow:    15 * time.Second,
		cache:          make(map[string]ProviderDetails),
	}, nil
}

// SetRetryWindow bounds how long transient failures are retried for.
func (c *DetailsClient) SetRetryWindow(d time.Duration) {
	if d > 0 {
		c.retryWindow = d
	}
}

// Fetch returns the details for appID, hitting the network only on a cache miss.
// 4xx answers are not retried.
func (c *DetailsClient) Fetch(ctx context.Context, appID string) (ProviderDetails, error) {
	if strings.TrimSpace(appID) == "" {
		return ProviderDetails{}, errors.New("provider app id is empty")
	}

	c.mu.Lock()
	if d, ok := c.cache[appID]; ok {
		c.mu.Unlock()
		return d, nil
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.retryWindow)
	defer cancel()

	cfg := retry.DefaultConfig()
	cfg.MaxDelayBeforeRetrying = c.retryWindow / 5
	cfg.InitialDelayBeforeRetrying = c.retryWindow / 50

	var details ProviderDetails
	_, err := retry.Retry(ctx, cfg,
		func(ctx context.Context) ([]interface{}, error) {
			d, err := c.fetchOnce(ctx, appID)
			if err != nil {
				return nil, err
			}
			details = d
			return nil, nil
		},
		retryableFetch,
		"fetch cross-app provider details")
	if err != nil {
		return ProviderDetails{}, errors.Wrapf(err, "fetch details for %s", appID)
	}

	c.mu.Lock()
	c.cache[appID] = details
	c.mu.Unlock()

	log.Info("resolved cross-app provider", "appId", appID, "name", details.Name, "apiUrl", details.CustomAPIURL)
	return details, nil
}

// retryableFetch retries transport failures and 5xx answers only.
func retryableFetch(err error) bool {
	var se *statusError
	return !errors.As(err, &se) || se.code >= 500
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("provider details: status %d: %s", e.code, e.body)
}

func (c *DetailsClient) fetchOnce(ctx context.Context, appID string) (ProviderDetails, error) {
	endpoint := c.authURL + fmt.Sprintf(constants.ProviderDetailsPathFmt, url.PathEscape(appID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ProviderDetails{}, err
	}
	req.Header.Set("Accept", "application/json")
	if c.requesterAppID != "" {
		req.Header.Set(constants.AppIDHeader, c.requesterAppID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ProviderDetails{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ProviderDetails{}, err
	}

	if resp.StatusCode == http.StatusNotFound {
		return ProviderDetails{}, errors.Mark(&statusError{code: resp.StatusCode, body: appID}, ErrProviderNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return ProviderDetails{}, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}

	var out ProviderDetails
	if err := json.Unmarshal(body, &out); err != nil {
		return ProviderDetails{}, &statusError{code: http.StatusUnprocessableEntity, body: "decode: " + err.Error()}
	}
	if out.CustomAPIURL == "" {
		return ProviderDetails{}, &statusError{code: http.StatusUnprocessableEntity, body: "custom_api_url missing"}
	}
	return out, nil
}
