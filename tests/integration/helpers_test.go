//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/dskow/guardpost/internal/admin"
	"github.com/dskow/guardpost/internal/apierror"
	"github.com/dskow/guardpost/internal/auth"
	"github.com/dskow/guardpost/internal/breaker"
	"github.com/dskow/guardpost/internal/config"
	"github.com/dskow/guardpost/internal/driver"
	"github.com/dskow/guardpost/internal/health"
	"github.com/dskow/guardpost/internal/metrics"
	"github.com/dskow/guardpost/internal/middleware"
	"github.com/dskow/guardpost/internal/shedder"
	"github.com/dskow/guardpost/internal/store"
)

const (
	jwtSecret = "integration-test-secret-key-32chars!!"
	jwtIssuer = "https://auth.example.com"
	jwtAud    = "guardpost-admin"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

func init() {
	metrics.Init()
}

// stack is a fully assembled guardpost instance running in-process
// against a miniredis store, wired the same way cmd/guardpost does it.
type stack struct {
	URL        string
	ConfigPath string
	Cfg        *config.Config
	Reloader   *config.Reloader
	Breaker    *breaker.Breaker
	Shedder    shedder.Shedder
	Store      *store.RedisStore
	Mini       *miniredis.Miniredis
}

func baseYAML(redisAddr string) string {
	return fmt.Sprintf(`server:
  port: 8080
  read_timeout: 5s
  write_timeout: 10s

metrics:
  enabled: true
  path: /metrics

logging:
  level: info
  output: stdout

admin:
  enabled: true
  ip_allowlist:
    - 127.0.0.0/8
    - ::1/128
  auth:
    enabled: true
    jwt_secret: %s
    issuer: %s
    audience: %s
    scopes:
      - guardpost.admin

circuit_breaker:
  type: standard
  name: downstream
  failure_threshold: 3
  open_timeout: 60s

load_shedder:
  type: static
  load_threshold: 0.9

cache:
  connection_string: redis://%s
  dial_timeout: 2s
  op_timeout: 500ms
`, jwtSecret, jwtIssuer, jwtAud, redisAddr)
}

// startStack loads the base config from a real file, applies mutate, and
// assembles store, breaker, shedder, reloader, admin, health, and the
// middleware chain exactly as the daemon does. Everything is torn down
// via t.Cleanup.
func startStack(t *testing.T, mutate func(*config.Config)) *stack {
	t.Helper()

	mini := miniredis.RunT(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "guardpost.yaml")
	if err := os.WriteFile(path, []byte(baseYAML(mini.Addr())), 0644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	rs, err := store.DialRedis(cfg.Cache.ConnectionString, cfg.Cache.DialTimeout, cfg.Cache.OpTimeout)
	if err != nil {
		t.Fatalf("dialing store: %v", err)
	}
	st := store.Store(rs)

	br, err := breaker.New(cfg.CircuitBreaker.Name, breaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		OpenTimeout:      cfg.CircuitBreaker.OpenTimeout,
		Prefix:           cfg.CircuitBreaker.Prefix,
		StateTTL:         cfg.CircuitBreaker.StateTTL,
		SharedThreshold:  cfg.Cache.CircuitBreakerFailureThreshold,
	}, st, logger)
	if err != nil {
		t.Fatalf("creating breaker: %v", err)
	}

	sh, err := shedder.New(cfg.LoadShedder.Type, shedder.Config{
		LoadThreshold:   cfg.LoadShedder.LoadThreshold,
		Prefix:          cfg.LoadShedder.Prefix,
		MaxInflight:     cfg.LoadShedder.MaxInflight,
		PublishInterval: cfg.LoadShedder.PublishInterval,
		Policy:          shedder.EchoPolicy{},
	}, st, logger)
	if err != nil {
		t.Fatalf("creating shedder: %v", err)
	}

	reloader := config.NewReloader(path, cfg, logger)
	reloader.Start()
	prevThreshold := cfg.LoadShedder.LoadThreshold
	reloader.OnReload(func(newCfg *config.Config) {
		if newCfg.LoadShedder.LoadThreshold == prevThreshold {
			return
		}
		if err := sh.UpdateThreshold(context.Background(), newCfg.LoadShedder.LoadThreshold); err != nil {
			return
		}
		prevThreshold = newCfg.LoadShedder.LoadThreshold
	})

	mux := http.NewServeMux()
	health.New(br, st, logger).RegisterRoutes(mux)
	mux.Handle(cfg.Metrics.Path, metrics.Handler())

	adminMux := http.NewServeMux()
	adminMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.NotFound, "no such resource")
	})
	admin.New(reloader, br, sh, st, cfg.Admin.IPAllowlist, logger).RegisterRoutes(adminMux)

	var handler http.Handler = adminMux
	handler = auth.Middleware(cfg.Admin.Auth, logger)(handler)
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.Logging(logger, "/health", "/ready", cfg.Metrics.Path)(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/health") ||
			strings.HasPrefix(r.URL.Path, "/ready") ||
			r.URL.Path == cfg.Metrics.Path {
			mux.ServeHTTP(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})

	var drv *driver.Driver
	if cfg.Driver.Enabled {
		drv = driver.New(cfg.Driver, sh, br, logger)
		drv.Start()
	}

	srv := httptest.NewServer(combined)

	t.Cleanup(func() {
		if drv != nil {
			drv.Stop()
		}
		srv.Close()
		reloader.Stop()
		sh.Stop()
		br.Close()
		rs.Close()
	})

	return &stack{
		URL:        srv.URL,
		ConfigPath: path,
		Cfg:        cfg,
		Reloader:   reloader,
		Breaker:    br,
		Shedder:    sh,
		Store:      rs,
		Mini:       mini,
	}
}

func generateJWT(sub, scope string, expiry time.Duration) string {
	claims := jwt.MapClaims{
		"sub":   sub,
		"iss":   jwtIssuer,
		"aud":   jwtAud,
		"exp":   time.Now().Add(expiry).Unix(),
		"scope": scope,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(jwtSecret))
	if err != nil {
		panic(fmt.Sprintf("generateJWT: %v", err))
	}
	return s
}

func adminToken() string {
	return generateJWT("ops-bot", "guardpost.admin", time.Hour)
}

func httpDo(method, url string, body io.Reader, headers map[string]string) (*http.Response, []byte, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return resp, data, err
}

func httpGet(url string, headers map[string]string) (*http.Response, []byte, error) {
	return httpDo("GET", url, nil, headers)
}

func authHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// waitFor polls cond until it returns true or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", timeout, what)
}

func parseJSON(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("failed to parse JSON %q: %v", string(data), err)
	}
	return m
}

// adminStatus fetches and parses /admin/status.
func adminStatus(t *testing.T, baseURL string) map[string]interface{} {
	t.Helper()
	resp, body, err := httpGet(baseURL+"/admin/status", authHeader(adminToken()))
	if err != nil {
		t.Fatal(err)
	}
	assertStatusCode(t, resp, 200)
	return parseJSON(t, body)
}

// breakerState digs the breaker state out of an /admin/status payload.
func breakerState(m map[string]interface{}) string {
	br, _ := m["breaker"].(map[string]interface{})
	state, _ := br["state"].(string)
	return state
}

func assertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

func assertErrorCode(t *testing.T, body []byte, expected string) {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("failed to parse error response: %v\nbody: %s", err, string(body))
	}
	code, ok := m["error_code"].(string)
	if !ok {
		t.Fatalf("error_code field missing or not a string in %s", string(body))
	}
	if code != expected {
		t.Errorf("expected error_code %q, got %q", expected, code)
	}
}

func assertHeader(t *testing.T, resp *http.Response, key, expected string) {
	t.Helper()
	got := resp.Header.Get(key)
	if got != expected {
		t.Errorf("expected header %s=%q, got %q", key, expected, got)
	}
}

func assertBodyContains(t *testing.T, body []byte, substr string) {
	t.Helper()
	if !strings.Contains(string(body), substr) {
		t.Errorf("expected body to contain %q, got %q", substr, string(body))
	}
}
