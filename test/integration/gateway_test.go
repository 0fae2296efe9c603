// Package integration drives the gateway's full HTTP surface —
// middleware, routing and handlers together — the way a real client
// would, rather than calling handler methods directly.
package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bpgateway/config"
	bpgatewayhttp "bpgateway/http"
	"bpgateway/http/handlers"
	"bpgateway/services/browserpool"
	"bpgateway/services/health"
	"bpgateway/services/resourcepool"
	"bpgateway/services/upstreamprobe"
	"bpgateway/services/wsproxy"
)

type fakeLauncher struct {
	mu    sync.Mutex
	alive map[int]bool
}

func (f *fakeLauncher) Launch(port int) (browserpool.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[port] = true
	return browserpool.Instance{DebuggingPort: port}, nil
}

func (f *fakeLauncher) Terminate(inst browserpool.Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.alive, inst.DebuggingPort)
	return nil
}

func (f *fakeLauncher) IsAlive(inst browserpool.Instance) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[inst.DebuggingPort]
}

type noopPublisher struct{}

func (noopPublisher) Publish(browserpool.LifecycleEvent) {}
func (noopPublisher) Close() error                       { return nil }

type noopArchiver struct{}

func (noopArchiver) Archive(int, string) {}

// newChromeStub serves /json/version (pointing at its own websocket
// echo endpoint) and echoes the request path as JSON, standing in for
// a real Chromium debugging port.
func newChromeStub(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		wsURL := "ws://" + r.Host + "/devtools/browser/stub"
		_ = json.NewEncoder(w).Encode(map[string]string{"webSocketDebuggerUrl": wsURL})
	})
	mux.HandleFunc("/devtools/browser/stub", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, payload); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("/json", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"path": r.URL.Path})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func portOf(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

// newTestServer wires the same pieces cmd/gateway/main.go wires, except
// the launcher is a fake that never spawns a real Chromium process.
func newTestServer(t *testing.T, chromePort int) *httptest.Server {
	t.Helper()
	log := zap.NewNop()

	launcher := &fakeLauncher{alive: map[int]bool{}}
	adapter := browserpool.NewAdapter(browserpool.AdapterConfig{BasePort: chromePort, MaxStartupAttempts: 3}, launcher, noopPublisher{}, noopArchiver{}, nil, log)
	pool := resourcepool.New(resourcepool.Config{MaxInstances: 2, WarmResources: 0}, adapter.Callbacks(), log)
	adapter.SetPool(pool)
	t.Cleanup(func() { pool.Shutdown(context.Background()) })

	prober := upstreamprobe.New(2*time.Second, log)
	proxy := wsproxy.New(prober, log)
	gateway := handlers.NewGatewayHandler(pool, adapter, prober, proxy, 1000, 1000, log)
	healthHandler := health.NewHealthHandler(pool, adapter)

	cfg := &config.Config{ListenAddr: ":0", Cors: config.CORS{AllowedOrigins: []string{"*"}}}
	server := bpgatewayhttp.NewServer(cfg, gateway, healthHandler, log)

	httpSrv := httptest.NewServer(server.Handler())
	t.Cleanup(httpSrv.Close)
	return httpSrv
}

// TestAllocateListExtendDeallocateRoundTrip exercises the full lifecycle
// a client drives: acquire a browser, see it reflected in the listing,
// renew its lease, then give it back.
func TestAllocateListExtendDeallocateRoundTrip(t *testing.T) {
	stub := newChromeStub(t)
	srv := newTestServer(t, portOf(t, stub))
	client := srv.Client()

	allocResp, err := client.Post(srv.URL+"/browser?timeout=30", "application/json", nil)
	require.NoError(t, err)
	defer allocResp.Body.Close()
	require.Equal(t, http.StatusOK, allocResp.StatusCode)

	var allocated map[string]string
	require.NoError(t, json.NewDecoder(allocResp.Body).Decode(&allocated))
	sessionID := allocated["session_id"]
	require.NotEmpty(t, sessionID)
	assert.Contains(t, allocated["proxy_url"], "/session/"+sessionID)

	listResp, err := client.Get(srv.URL + "/browsers")
	require.NoError(t, err)
	defer listResp.Body.Close()
	require.Equal(t, http.StatusOK, listResp.StatusCode)

	var rows []map[string]any
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&rows))
	require.Len(t, rows, 1)
	assert.Equal(t, sessionID, rows[0]["session_id"])
	assert.Equal(t, true, rows[0]["active"])

	extendReq, err := http.NewRequest(http.MethodPost, srv.URL+"/browser/"+sessionID+"/timeout?timeout=60", nil)
	require.NoError(t, err)
	extendResp, err := client.Do(extendReq)
	require.NoError(t, err)
	defer extendResp.Body.Close()
	assert.Equal(t, http.StatusOK, extendResp.StatusCode)

	deleteReq, err := http.NewRequest(http.MethodDelete, srv.URL+"/browser/"+sessionID, nil)
	require.NoError(t, err)
	deleteResp, err := client.Do(deleteReq)
	require.NoError(t, err)
	defer deleteResp.Body.Close()
	assert.Equal(t, http.StatusOK, deleteResp.StatusCode)

	finalListResp, err := client.Get(srv.URL + "/browsers")
	require.NoError(t, err)
	defer finalListResp.Body.Close()
	var finalRows []map[string]any
	require.NoError(t, json.NewDecoder(finalListResp.Body).Decode(&finalRows))
	require.Len(t, finalRows, 1)
	assert.Equal(t, false, finalRows[0]["active"])
}

// TestServeSessionProxiesOverRealHTTPStack proves the session proxy
// route works end to end, through chi's wildcard route and the
// middleware chain, not just the handler in isolation.
func TestServeSessionProxiesOverRealHTTPStack(t *testing.T) {
	stub := newChromeStub(t)
	srv := newTestServer(t, portOf(t, stub))
	client := srv.Client()

	allocResp, err := client.Post(srv.URL+"/browser", "application/json", nil)
	require.NoError(t, err)
	defer allocResp.Body.Close()
	var allocated map[string]string
	require.NoError(t, json.NewDecoder(allocResp.Body).Decode(&allocated))

	proxyResp, err := client.Get(srv.URL + "/session/" + allocated["session_id"] + "/json")
	require.NoError(t, err)
	defer proxyResp.Body.Close()
	require.Equal(t, http.StatusOK, proxyResp.StatusCode)

	var decoded map[string]string
	require.NoError(t, json.NewDecoder(proxyResp.Body).Decode(&decoded))
	assert.Equal(t, "/json", decoded["path"])
}

// TestServeSessionRejectsUnknownSession proves a client cannot reach a
// browser through a session ID the pool never issued.
func TestServeSessionRejectsUnknownSession(t *testing.T) {
	stub := newChromeStub(t)
	srv := newTestServer(t, portOf(t, stub))

	resp, err := srv.Client().Get(srv.URL + "/session/not-a-real-session/json")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// TestHealthAndMetricsEndpointsAreMounted proves the ambient-stack
// routes (/health, /metrics) are wired into the same router as the
// gateway surface, not left as unmounted handlers.
func TestHealthAndMetricsEndpointsAreMounted(t *testing.T) {
	stub := newChromeStub(t)
	srv := newTestServer(t, portOf(t, stub))
	client := srv.Client()

	healthResp, err := client.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer healthResp.Body.Close()
	assert.Equal(t, http.StatusOK, healthResp.StatusCode)

	metricsResp, err := client.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)
}

// TestUnknownRouteReturns404 proves the NotFound fallback is mounted.
func TestUnknownRouteReturns404(t *testing.T) {
	stub := newChromeStub(t)
	srv := newTestServer(t, portOf(t, stub))

	resp, err := srv.Client().Get(srv.URL + "/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
