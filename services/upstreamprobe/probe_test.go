package upstreamprobe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func portOf(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	parts := strings.Split(srv.URL, ":")
	port, err := strconv.Atoi(parts[len(parts)-1])
	require.NoError(t, err)
	return port
}

func TestFetchReturnsBodyOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/json/version", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"webSocketDebuggerUrl":"ws://localhost:9000/devtools/browser/abc"}`))
	}))
	defer srv.Close()

	p := New(time.Second, zap.NewNop())
	body, err := p.Fetch(context.Background(), portOf(t, srv), "/json/version")
	require.NoError(t, err)
	require.NotNil(t, body)
	assert.Equal(t, "ws://localhost:9000/devtools/browser/abc", body["webSocketDebuggerUrl"])
}

func TestFetchReturnsNilOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := New(time.Second, zap.NewNop())
	body, err := p.Fetch(context.Background(), portOf(t, srv), "/json/version")
	require.NoError(t, err)
	assert.Nil(t, body)
}

func TestFetchReturnsNilOnUnreachablePort(t *testing.T) {
	p := New(100*time.Millisecond, zap.NewNop())
	body, err := p.Fetch(context.Background(), 1, "/json/version")
	require.NoError(t, err)
	assert.Nil(t, body)
}

func TestWebSocketDebuggerURLExtractsField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"webSocketDebuggerUrl":"ws://localhost:9001/devtools/browser/xyz"}`))
	}))
	defer srv.Close()

	p := New(time.Second, zap.NewNop())
	url := p.WebSocketDebuggerURL(context.Background(), portOf(t, srv))
	assert.Equal(t, "ws://localhost:9001/devtools/browser/xyz", url)
}

func TestFetchRetriesTransientConnectionFailure(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			// Simulate a connection-level failure by hijacking and
			// closing without writing a response.
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	p := New(time.Second, zap.NewNop())
	body, err := p.Fetch(context.Background(), portOf(t, srv), "/json/version")
	require.NoError(t, err)
	require.NotNil(t, body)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestWebSocketDebuggerURLEmptyWhenFieldMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	p := New(time.Second, zap.NewNop())
	url := p.WebSocketDebuggerURL(context.Background(), portOf(t, srv))
	assert.Empty(t, url)
}
