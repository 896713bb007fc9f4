// Package bridge is the local HTTP side of the popup host. A small page served on
// loopback opens provider popups in the user's browser and relays the messages
// they post back, so Go code can run popup exchanges without a browser runtime of
// its own. The same server exposes a JSON-RPC facade over the provider emulator.
package bridge

import (
	_ "embed"
	"html/template"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quantumauth-io/crossapp-wallet/internal/constants"
	"github.com/quantumauth-io/crossapp-wallet/internal/metrics"
)

// TokenHeader carries the bridge token on every guarded request.
const TokenHeader = "X-Crossapp-Bridge"

const (
	maxBodyBytes       = 1 << 20
	subscriberBuffer   = 16
	defaultOpenTimeout = 30 * time.Second
	defaultCloseGrace  = 10 * time.Second
)

//go:embed page.html
var pageHTML string

var pageTemplate = template.Must(template.New("bridge").Parse(pageHTML))

// Launcher shows a URL to the user, usually by starting their browser.
type Launcher func(url string) error

type Config struct {
	// BaseURL is where the server is reachable, e.g. http://127.0.0.1:7777.
	BaseURL string
	Token   string
	// AllowedOrigins may call guarded endpoints in addition to BaseURL itself.
	AllowedOrigins []string
	OpenTimeout    time.Duration
	// CloseGrace is how long a closed window stays reachable for its page to
	// confirm the close.
	CloseGrace time.Duration
	// BroadcastChannel is the channel name the page joins on an upgrade signal.
	BroadcastChannel string
	// RateLimit is requests per second per caller; zero disables limiting.
	RateLimit float64
	RateBurst int

	Launcher Launcher
	Metrics  *metrics.Metrics
	// Gatherer backs /metrics when set.
	Gatherer prometheus.Gatherer
}

type Server struct {
	baseURL        string
	token          string
	allowedOrigins map[string]struct{}
	openTimeout    time.Duration
	closeGrace     time.Duration
	channel        string
	launch         Launcher
	limiter        *keyLimiter
	metrics        *metrics.Metrics
	mux            *http.ServeMux

	mu        sync.Mutex
	windows   map[string]*window
	subs      subscribers
	requester Requester
}

func NewServer(cfg Config) (*Server, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	baseOrigin := normalizeOrigin(base)
	if baseOrigin == "" {
		return nil, errors.Newf("bridge base url %q is invalid", cfg.BaseURL)
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("bridge token is empty")
	}
	if cfg.Launcher == nil {
		return nil, errors.New("bridge launcher is nil")
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = defaultCloseGrace
	}
	if cfg.BroadcastChannel == "" {
		cfg.BroadcastChannel = constants.BroadcastChannelName
	}

	s := &Server{
		baseURL:        base,
		token:          cfg.Token,
		allowedOrigins: map[string]struct{}{baseOrigin: {}},
		openTimeout:    cfg.OpenTimeout,
		closeGrace:     cfg.CloseGrace,
		channel:        cfg.BroadcastChannel,
		launch:         cfg.Launcher,
		limiter:        newKeyLimiter(cfg.RateLimit, cfg.RateBurst, 0),
		metrics:        cfg.Metrics,
		mux:            http.NewServeMux(),
		windows:        make(map[string]*window),
		subs:           newSubscribers(),
	}
	for _, o := range cfg.AllowedOrigins {
		if o = normalizeOrigin(o); o != "" {
			s.allowedOrigins[o] = struct{}{}
		}
	}

	s.mux.HandleFunc("GET /healthz", s.withLoopbackOnly(s.handleHealth))
	if cfg.Gatherer != nil {
		s.mux.Handle("GET /metrics", s.withLoopbackOnly(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}).ServeHTTP))
	}

	// bridge page and its callbacks
	s.mux.HandleFunc("GET /bridge/windows/{id}", s.withLoopbackOnly(s.handlePage))
	s.mux.HandleFunc("/bridge/windows/{id}/target", s.withGuards("GET,OPTIONS", s.handleTarget))
	s.mux.HandleFunc("/bridge/windows/{id}/state", s.withGuards("GET,POST,OPTIONS", s.handleState))
	s.mux.HandleFunc("/bridge/messages", s.withGuards("POST,OPTIONS", s.handleMessage))
	s.mux.HandleFunc("/bridge/broadcast/{name}", s.withGuards("POST,OPTIONS", s.handleBroadcast))

	s.mux.HandleFunc("/rpc", s.withGuards("POST,OPTIONS", s.handleRPC))
	s.mux.HandleFunc("/accounts", s.withGuards("POST,OPTIONS", s.handleAccounts))

	return s, nil
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) BaseURL() string { return s.baseURL }

// SetRequester attaches the emulator behind /rpc.
func (s *Server) SetRequester(r Requester) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requester = r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type pageData struct {
	WindowID     string
	Code         string
	Token        string
	TokenHeader  string
	Channel      string
	UseBroadcast string
	PollMillis   int64
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	win, ok := s.lookupWindow(r.PathValue("id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	err := pageTemplate.Execute(w, pageData{
		WindowID:     win.id,
		Code:         win.code,
		Token:        s.token,
		TokenHeader:  TokenHeader,
		Channel:      s.channel,
		UseBroadcast: constants.MessageUseBroadcast,
		PollMillis:   constants.ExchangePollInterval.Milliseconds(),
	})
	if err != nil {
		http.Error(w, "render failed", http.StatusInternalServerError)
	}
}
