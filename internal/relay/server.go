package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// UpstreamEnv names the environment variable holding the remote store URL.
const UpstreamEnv = "SHEETS_WEBAPP_URL"

const (
	defaultPath    = "/relay"
	defaultTimeout = 30 * time.Second
	probeSampleLen = 500
	maxBodyBytes   = 10 << 20
)

var errBodyTooLarge = errors.New("request body too large")

// Config for the relay handler.
type Config struct {
	// Upstream is the remote store web app URL. Empty means unconfigured.
	Upstream     string
	Path         string
	HTTPClient   *http.Client
	Timeout      time.Duration
	// MaxBodyBytes caps forwarded POST bodies; zero means 10 MiB.
	MaxBodyBytes int64
	Auth         AuthConfig
	Metrics      *Metrics
	Logger       *slog.Logger
}

type relay struct {
	upstream string
	maxBody  int64
	client   *http.Client
	metrics  *Metrics
	logger   *slog.Logger
}

// New returns the relay HTTP handler. A non-empty Upstream must be an
// absolute http or https URL.
func New(cfg Config) (http.Handler, error) {
	upstream := strings.TrimSpace(cfg.Upstream)
	if err := validateUpstream(upstream); err != nil {
		return nil, err
	}
	path := cfg.Path
	if path == "" {
		path = defaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = maxBodyBytes
	}
	rl := &relay{
		upstream: upstream,
		maxBody:  maxBody,
		client:   client,
		metrics:  metrics,
		logger:   logger,
	}

	router := chi.NewRouter()
	router.Use(corsMiddleware(cfg.Auth.Enabled()))
	router.Use(metrics.middleware(path))

	hcfg := huma.DefaultConfig("Bitacora Relay", "1.0.0")
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	registerHealth(api, rl)

	router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	router.With(newAuthMiddleware(cfg.Auth)).HandleFunc(path, rl.handle)
	return router, nil
}

func validateUpstream(upstream string) error {
	if upstream == "" {
		return nil
	}
	u, err := url.Parse(upstream)
	if err != nil {
		return fmt.Errorf("invalid upstream url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid upstream url %q: want an absolute http(s) url", upstream)
	}
	return nil
}

func corsMiddleware(withAuth bool) func(http.Handler) http.Handler {
	allowHeaders := "Content-Type"
	if withAuth {
		allowHeaders = "Content-Type, Authorization"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", "*")
			h.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			h.Set("Access-Control-Allow-Headers", allowHeaders)
			next.ServeHTTP(w, r)
		})
	}
}

type healthBody struct {
	Status      string `json:"status" example:"ok"`
	Upstream    bool   `json:"upstream_configured"`
	UpstreamEnv string `json:"upstream_env"`
}

func registerHealth(api huma.API, rl *relay) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body healthBody `json:"body"`
	}, error) {
		return &struct {
			Body healthBody `json:"body"`
		}{Body: healthBody{Status: "ok", Upstream: rl.upstream != "", UpstreamEnv: UpstreamEnv}}, nil
	})
}

func (rl *relay) handle(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		if rl.upstream != "" && r.URL.Query().Get("action") != "" {
			rl.forward(w, r, http.MethodGet, rl.withQuery(r.URL.RawQuery), nil)
			return
		}
		rl.probe(w, r)
	case http.MethodPost:
		if rl.upstream == "" {
			writeJSON(w, http.StatusInternalServerError, errorBody{OK: false, Error: "Missing " + UpstreamEnv + " env"})
			return
		}
		body, err := rl.readBody(r)
		if errors.Is(err, errBodyTooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{OK: false, Error: err.Error()})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorBody{OK: false, Error: err.Error()})
			return
		}
		rl.forward(w, r, http.MethodPost, rl.upstream, body)
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusMethodNotAllowed)
		io.WriteString(w, "Method Not Allowed")
	}
}

// readBody reads at most maxBody bytes and fails with errBodyTooLarge past
// that, so a truncated batch is never forwarded.
func (rl *relay) readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, rl.maxBody+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > rl.maxBody {
		return nil, errBodyTooLarge
	}
	return body, nil
}

type errorBody struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// withQuery appends the caller's raw query to the upstream URL.
func (rl *relay) withQuery(rawQuery string) string {
	if rawQuery == "" {
		return rl.upstream
	}
	sep := "?"
	if strings.Contains(rl.upstream, "?") {
		sep = "&"
	}
	return rl.upstream + sep + rawQuery
}

// forward relays status and body from the upstream unchanged.
func (rl *relay) forward(w http.ResponseWriter, r *http.Request, method, target string, body []byte) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(r.Context(), method, target, reader)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{OK: false, Error: err.Error()})
		return
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain;charset=utf-8")
	}
	started := time.Now()
	resp, err := rl.client.Do(req)
	if err != nil {
		rl.metrics.observeUpstream(method, "error", time.Since(started))
		rl.logger.Warn("upstream request failed", "method", method, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{OK: false, Error: err.Error()})
		return
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	rl.metrics.observeUpstream(method, outcome(resp.StatusCode, err), time.Since(started))
	if err != nil {
		rl.logger.Warn("upstream body read failed", "method", method, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{OK: false, Error: err.Error()})
		return
	}
	if resp.StatusCode >= 300 {
		rl.logger.Info("upstream returned non-2xx", "method", method, "status", resp.StatusCode)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(data)
}

func outcome(status int, err error) string {
	if err != nil {
		return "error"
	}
	return fmt.Sprintf("%dxx", status/100)
}

type probeResult struct {
	Status int    `json:"status,omitempty"`
	Sample string `json:"sample,omitempty"`
	Error  string `json:"error,omitempty"`
}

type probeBody struct {
	OK     bool         `json:"ok"`
	HasURL bool         `json:"hasUrl"`
	URL    string       `json:"url"`
	Probe  *probeResult `json:"probe"`
}

// probe reports whether an upstream is configured and how it answers a
// bare GET.
func (rl *relay) probe(w http.ResponseWriter, r *http.Request) {
	body := probeBody{OK: true, HasURL: rl.upstream != "", URL: rl.upstream}
	if rl.upstream != "" {
		body.Probe = rl.probeUpstream(r.Context())
	}
	writeJSON(w, http.StatusOK, body)
}

func (rl *relay) probeUpstream(ctx context.Context) *probeResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rl.upstream, nil)
	if err != nil {
		return &probeResult{Error: err.Error()}
	}
	started := time.Now()
	resp, err := rl.client.Do(req)
	if err != nil {
		rl.metrics.observeUpstream(http.MethodGet, "error", time.Since(started))
		return &probeResult{Error: err.Error()}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	rl.metrics.observeUpstream(http.MethodGet, outcome(resp.StatusCode, err), time.Since(started))
	if err != nil {
		return &probeResult{Error: err.Error()}
	}
	return &probeResult{Status: resp.StatusCode, Sample: sample(string(data), probeSampleLen)}
}

// sample cuts s to at most n characters.
func sample(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
