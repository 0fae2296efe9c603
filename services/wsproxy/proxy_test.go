package wsproxy

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bpgateway/services/upstreamprobe"
)

func portOf(t *testing.T, url string) int {
	t.Helper()
	parts := strings.Split(url, ":")
	port, err := strconv.Atoi(parts[len(parts)-1])
	require.NoError(t, err)
	return port
}

func startChromeStub(t *testing.T) (httpURL string, wsURL string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()

	var wsAddr string
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"webSocketDebuggerUrl":"` + wsAddr + `"}`))
	})
	mux.HandleFunc("/devtools/browser", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			mt, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			// echo back uppercase-free: stub just echoes the exact frame
			if err := conn.WriteMessage(mt, payload); err != nil {
				return
			}
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	wsAddr = "ws://127.0.0.1:" + strconv.Itoa(portOf(t, srv.URL)) + "/devtools/browser"
	return srv.URL, wsAddr
}

func TestHandleForwardsFramesBothWays(t *testing.T) {
	httpURL, _ := startChromeStub(t)
	port := portOf(t, httpURL)

	prober := upstreamprobe.New(time.Second, zap.NewNop())
	proxy := New(prober, zap.NewNop())

	gatewayMux := http.NewServeMux()
	gatewayMux.HandleFunc("/session/s1", func(w http.ResponseWriter, r *http.Request) {
		_ = proxy.Handle(w, r, port)
	})
	gatewaySrv := httptest.NewServer(gatewayMux)
	defer gatewaySrv.Close()

	clientURL := "ws" + strings.TrimPrefix(gatewaySrv.URL, "http") + "/session/s1"
	clientConn, _, err := websocket.DefaultDialer.Dial(clientURL, nil)
	require.NoError(t, err)
	defer clientConn.Close()

	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, []byte("hello")))
	mt, payload, err := clientConn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, "hello", string(payload))

	require.NoError(t, clientConn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	mt, payload, err = clientConn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, []byte{1, 2, 3}, payload)
}

func TestHandleClosesWithCodeWhenDebuggerURLMissing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	port := portOf(t, srv.URL)

	prober := upstreamprobe.New(time.Second, zap.NewNop())
	proxy := New(prober, zap.NewNop())

	gatewayMux := http.NewServeMux()
	gatewayMux.HandleFunc("/session/s1", func(w http.ResponseWriter, r *http.Request) {
		_ = proxy.Handle(w, r, port)
	})
	gatewaySrv := httptest.NewServer(gatewayMux)
	defer gatewaySrv.Close()

	clientURL := "ws" + strings.TrimPrefix(gatewaySrv.URL, "http") + "/session/s1"
	clientConn, _, err := websocket.DefaultDialer.Dial(clientURL, nil)
	require.NoError(t, err)
	defer clientConn.Close()

	_, _, err = clientConn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, missingDebuggerURLCloseCode, closeErr.Code)
}
