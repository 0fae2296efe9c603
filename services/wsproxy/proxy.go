// Package wsproxy implements spec.md §4.F: upgrade the client connection,
// dial the session's Chrome instance over its CDP WebSocket, and forward
// frames verbatim in both directions until either side closes.
package wsproxy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"bpgateway/services/monitoring"
	"bpgateway/services/upstreamprobe"
)

const missingDebuggerURLCloseCode = 4004

// Proxy holds the upgrader and the prober used to resolve each session's
// Chrome WebSocket endpoint before dialing it.
type Proxy struct {
	upgrader websocket.Upgrader
	prober   *upstreamprobe.Prober
	log      *zap.Logger
	metrics  *monitoring.ApplicationMetrics
}

// New builds a Proxy. CheckOrigin always allows: the gateway sits behind
// the session/slot authorization already enforced by the HTTP layer, not
// browser-style same-origin policy.
func New(prober *upstreamprobe.Prober, log *zap.Logger) *Proxy {
	return &Proxy{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		prober:  prober,
		log:     log,
		metrics: monitoring.NewApplicationMetrics(),
	}
}

// Handle upgrades r into a WebSocket connection and proxies it to the
// Chrome instance listening on debuggingPort. Returns once the session
// ends (either peer closed, or a forwarding error occurred); the caller
// is responsible for refreshing the session's lease afterward.
func (p *Proxy) Handle(w http.ResponseWriter, r *http.Request, debuggingPort int) error {
	ctx := r.Context()
	wsURL := p.prober.WebSocketDebuggerURL(ctx, debuggingPort)

	clientConn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade client connection: %w", err)
	}
	defer clientConn.Close()

	if wsURL == "" {
		p.closeWithCode(clientConn, missingDebuggerURLCloseCode, "webSocketDebuggerUrl not found")
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	chromeConn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		p.closeWithCode(clientConn, missingDebuggerURLCloseCode, "webSocketDebuggerUrl not found")
		return fmt.Errorf("dial chrome websocket: %w", err)
	}
	defer chromeConn.Close()

	p.log.Info("wsproxy: session attached", zap.Int("debugging_port", debuggingPort))

	p.metrics.WebSocketConnectionsActive.Inc()
	defer p.metrics.WebSocketConnectionsActive.Add(-1)

	done := make(chan struct{}, 2)
	go forward(clientConn, chromeConn, done, p.metrics)
	go forward(chromeConn, clientConn, done, p.metrics)
	<-done

	return nil
}

// forward reads frames from src and writes them to dst unchanged,
// preserving whether each message was text or binary, until either side
// errors or closes.
func forward(src, dst *websocket.Conn, done chan<- struct{}, metrics *monitoring.ApplicationMetrics) {
	defer func() { done <- struct{}{} }()
	for {
		messageType, payload, err := src.ReadMessage()
		if err != nil {
			return
		}
		if err := dst.WriteMessage(messageType, payload); err != nil {
			return
		}
		metrics.WebSocketFramesForwarded.Inc()
	}
}

func (p *Proxy) closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
