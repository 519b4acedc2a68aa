package config

import (
	"context"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabian4/gateway-core-go/internal/gwerr"
	"github.com/fabian4/gateway-core-go/internal/model"
)

func writeTmp(t *testing.T, content string) string {
	t.Helper()
	fp := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(fp, []byte(content), 0o644))
	return fp
}

const minimal = `
services:
  - name: orders
    endpoints:
      - "http://127.0.0.1:9001"
      - "http://127.0.0.1:9002"
routes:
  - name: order-by-id
    template: /orders/{id}
    methods: [get, PUT]
    service: orders
`

func TestLoad_MinimalDefaults(t *testing.T) {
	cfg, err := LoadWithEnv(writeTmp(t, minimal), Env{})
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen.Address)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 1.0, cfg.Logging.AccessSampling)
	assert.Equal(t, "fail_fast", cfg.AllUnhealthy)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.ReadHeader)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Shutdown)
	assert.Equal(t, 30*time.Second, cfg.Passive.Cooldown)
	assert.Equal(t, []string{"Server", "X-Powered-By"}, cfg.Forward.ResponseStrip)
	assert.Equal(t, Compression{Enabled: true, MinSize: 1024, Level: -1}, cfg.Compression)
	require.Len(t, cfg.Files, 1)

	svc, ok := cfg.Services["orders"]
	require.True(t, ok)
	assert.Equal(t, "http1", svc.Proto)
	require.Len(t, svc.Endpoints, 2)
	assert.Equal(t, "127.0.0.1:9002", svc.Endpoints[1].URL.Host)

	require.Len(t, cfg.Routes, 1)
	r := cfg.Routes[0]
	assert.Equal(t, "order-by-id", r.Name)
	assert.True(t, r.Methods.Contains("GET"))
	assert.True(t, r.Methods.Contains("PUT"))
	assert.Equal(t, model.DefaultResilience(), r.Resilience)
}

func TestLoad_ResilienceOverrides(t *testing.T) {
	yml := `
defaults:
  resilience:
    timeout: 5s
    max_retries: 1
services:
  - name: orders
    endpoints: ["http://127.0.0.1:9001"]
routes:
  - name: a
    template: /a
    service: orders
  - name: b
    template: /b
    service: orders
    resilience:
      max_retries: 3
      backoff: fixed
      base_delay: 20ms
      jitter: 10
      circuit_breaker:
        enabled: false
        failure_ratio: 0.25
      retry_budget:
        per_second: 2.5
        burst: 4
`
	cfg, err := LoadWithEnv(writeTmp(t, yml), Env{})
	require.NoError(t, err)
	require.Len(t, cfg.Routes, 2)

	a := cfg.Routes[0].Resilience
	assert.Equal(t, 5*time.Second, a.Timeout)
	assert.Equal(t, 1, a.MaxRetries)
	assert.True(t, a.Breaker.Enabled)

	b := cfg.Routes[1].Resilience
	assert.Equal(t, 5*time.Second, b.Timeout, "inherits defaults section")
	assert.Equal(t, 3, b.MaxRetries)
	assert.Equal(t, model.BackoffFixed, b.Backoff)
	assert.Equal(t, 20*time.Millisecond, b.BaseDelay)
	assert.Equal(t, uint64(10), b.Jitter)
	assert.False(t, b.Breaker.Enabled)
	assert.Equal(t, 0.25, b.Breaker.FailureRatio)
	assert.Equal(t, uint32(10), b.Breaker.MinRequests)
	assert.Equal(t, model.RetryBudget{PerSecond: 2.5, Burst: 4}, b.RetryBudget)
}

func TestLoad_ReportsEveryProblem(t *testing.T) {
	yml := `
logging:
  format: xml
timeouts:
  read: soon
load_balancer:
  all_unhealthy: random
services:
  - name: orders
    proto: h2c
    endpoints: ["https://127.0.0.1:9001", "ftp://x"]
  - name: orders
routes:
  - template: nope
    service: missing
    methods: ["G3T"]
    resilience:
      jitter: 150
`
	_, err := LoadWithEnv(writeTmp(t, yml), Env{})
	require.Error(t, err)
	assert.Equal(t, gwerr.KindConfig, gwerr.KindOf(err))

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 10)

	msg := err.Error()
	for _, want := range []string{
		"logging.format",
		"timeouts.read",
		"load_balancer.all_unhealthy",
		"h2c requires http scheme",
		"must be http(s) URL",
		`duplicate name "orders"`,
		"template must start with '/'",
		`service="missing" not found`,
		`invalid method "G3T"`,
		"jitter",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestLoad_Compression(t *testing.T) {
	cfg, err := LoadWithEnv(writeTmp(t, "compression: {enabled: false, min_size: 256, level: 6}\n"), Env{})
	require.NoError(t, err)
	assert.Equal(t, Compression{Enabled: false, MinSize: 256, Level: 6}, cfg.Compression)

	_, err = LoadWithEnv(writeTmp(t, "compression: {min_size: -1, level: 12}\n"), Env{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compression.min_size")
	assert.Contains(t, err.Error(), "compression.level: 12")
}

func TestLoad_DuplicateInstance(t *testing.T) {
	yml := `
services:
  - name: orders
    endpoints: ["http://127.0.0.1:9001", "http://127.0.0.1:9001/"]
`
	_, err := LoadWithEnv(writeTmp(t, yml), Env{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate instance")
}

// writeCA stores the test server's certificate as a PEM bundle.
func writeCA(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	fp := filepath.Join(t.TempDir(), "ca.pem")
	block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	require.NoError(t, os.WriteFile(fp, block, 0o600))
	return fp
}

func TestLoad_ServiceTLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	ca := writeCA(t, srv)

	yml := fmt.Sprintf(`
services:
  - name: secure
    proto: auto
    endpoints: ["https://127.0.0.1:9443"]
    tls:
      ca_file: %q
      server_name: example.com
  - name: plain
    endpoints: ["http://127.0.0.1:9001"]
`, ca)
	cfg, err := LoadWithEnv(writeTmp(t, yml), Env{})
	require.NoError(t, err)

	svc := cfg.Services["secure"]
	require.NotNil(t, svc.TLS)
	assert.NotNil(t, svc.TLS.RootCAs)
	assert.Equal(t, "example.com", svc.TLS.ServerName)
	assert.Equal(t, "service/secure", svc.Transport())
	assert.Equal(t, "http1", cfg.Services["plain"].Transport())
}

func TestLoad_ServiceTLSErrors(t *testing.T) {
	garbage := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a cert"), 0o600))

	yml := fmt.Sprintf(`
services:
  - name: half-pair
    endpoints: ["https://127.0.0.1:9443"]
    tls:
      cert_file: /tmp/client.pem
  - name: cleartext
    proto: h2c
    endpoints: ["http://127.0.0.1:9001"]
    tls: {}
  - name: mixed
    endpoints: ["http://127.0.0.1:9002"]
    tls: {}
  - name: bad-ca
    endpoints: ["https://127.0.0.1:9444"]
    tls:
      ca_file: %q
`, garbage)
	_, err := LoadWithEnv(writeTmp(t, yml), Env{})
	require.Error(t, err)

	msg := err.Error()
	for _, want := range []string{
		"cert_file and key_file must be set together",
		"not allowed with proto h2c",
		`endpoint "127.0.0.1:9002" is not https`,
		"no PEM certificates",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestLoad_EmptyEndpointsAllowed(t *testing.T) {
	yml := `
services:
  - name: dark
routes:
  - template: /dark
    service: dark
`
	cfg, err := LoadWithEnv(writeTmp(t, yml), Env{})
	require.NoError(t, err)
	assert.Empty(t, cfg.Services["dark"].Endpoints)
	assert.Equal(t, "route-0", cfg.Routes[0].Name)
}

func TestLoad_Overlay(t *testing.T) {
	base := writeTmp(t, minimal+`
  - name: health
    template: /healthz
    service: orders
`)
	over := `
listen:
  address: ":9090"
services:
  - name: orders
    endpoints: ["http://10.0.0.1:80"]
  - name: audit
    endpoints: ["http://10.0.0.2:80"]
routes:
  - name: order-by-id
    template: /v2/orders/{id}
    service: orders
  - name: audit
    template: /audit
    service: audit
`
	op := OverlayPath(base, "staging")
	require.NoError(t, os.WriteFile(op, []byte(over), 0o644))

	cfg, err := LoadWithEnv(base, Env{Environment: "Staging"})
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen.Address)
	assert.Equal(t, []string{base, op}, cfg.Files)
	require.Len(t, cfg.Services["orders"].Endpoints, 1)
	assert.Equal(t, "10.0.0.1:80", cfg.Services["orders"].Endpoints[0].URL.Host)
	assert.Contains(t, cfg.Services, "audit")

	names := make([]string, 0, len(cfg.Routes))
	for _, r := range cfg.Routes {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"order-by-id", "health", "audit"}, names)
	assert.Equal(t, "/v2/orders/{id}", cfg.Routes[0].Template)
}

func TestLoad_MissingOverlayIgnored(t *testing.T) {
	cfg, err := LoadWithEnv(writeTmp(t, minimal), Env{Environment: "prod"})
	require.NoError(t, err)
	assert.Len(t, cfg.Files, 1)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_LISTEN", ":7070")
	t.Setenv("GATEWAY_LOG_LEVEL", "debug")
	t.Setenv("GATEWAY_LOG_FORMAT", "console")

	cfg, err := Load(writeTmp(t, minimal))
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Listen.Address)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoad_Fingerprint(t *testing.T) {
	a, err := LoadWithEnv(writeTmp(t, minimal), Env{})
	require.NoError(t, err)
	b, err := LoadWithEnv(writeTmp(t, minimal), Env{})
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)

	c, err := LoadWithEnv(writeTmp(t, minimal+"    priority: 5\n"), Env{})
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint, c.Fingerprint)
}

func TestLoad_Errors(t *testing.T) {
	_, err := LoadWithEnv(filepath.Join(t.TempDir(), "absent.yaml"), Env{})
	require.Error(t, err)

	_, err = LoadWithEnv(writeTmp(t, "routes: [\n"), Env{})
	require.Error(t, err)
	assert.Equal(t, gwerr.KindConfig, gwerr.KindOf(err))
}

func TestOverlayPath(t *testing.T) {
	assert.Equal(t, "", OverlayPath("/etc/gw/config.yaml", " "))
	assert.Equal(t, "/etc/gw/config.prod.yaml", OverlayPath("/etc/gw/config.yaml", "PROD"))
	assert.Equal(t, "gw.dev", OverlayPath("gw", "dev"))
}

func TestWatcher_DebouncesChanges(t *testing.T) {
	path := writeTmp(t, minimal)
	var calls atomic.Int32
	w, err := NewWatcher([]string{path}, func() { calls.Add(1) }, WithDebounce(50*time.Millisecond))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte(minimal), 0o644))
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	// unrelated files in the same directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "other.yaml"), []byte("x"), 0o644))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	require.NoError(t, w.Stop())
}
