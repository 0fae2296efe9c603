// Package handlers implements spec.md §4.E/§4.F: the HTTP gateway's
// allocation/list/proxy surface over the resource pool.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apxerrors "bpgateway/errors"
	"bpgateway/services/browserpool"
	"bpgateway/services/monitoring"
	"bpgateway/services/resourcepool"
	"bpgateway/services/upstreamprobe"
	"bpgateway/services/wsproxy"
	"bpgateway/utils/helpers"
)

const defaultLeaseTimeoutSeconds = 30

// GatewayHandler binds the resource pool, the browser adapter, the
// upstream prober and the WebSocket proxy into the HTTP surface spec.md
// §4.E/§4.F describe.
type GatewayHandler struct {
	pool    *resourcepool.Pool[browserpool.Instance]
	adapter *browserpool.Adapter
	prober  *upstreamprobe.Prober
	ws      *wsproxy.Proxy
	limiter *rate.Limiter
	log     *zap.Logger
	metrics *monitoring.ApplicationMetrics
}

// NewGatewayHandler wires the pieces built at startup (cmd/gateway/main.go).
func NewGatewayHandler(pool *resourcepool.Pool[browserpool.Instance], adapter *browserpool.Adapter, prober *upstreamprobe.Prober, ws *wsproxy.Proxy, rps, burst int, log *zap.Logger) *GatewayHandler {
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = 40
	}
	return &GatewayHandler{
		pool:    pool,
		adapter: adapter,
		prober:  prober,
		ws:      ws,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     log,
		metrics: monitoring.NewApplicationMetrics(),
	}
}

func parseTimeoutParam(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("timeout")
	if raw == "" {
		return defaultLeaseTimeoutSeconds * time.Second, nil
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apxerrors.Ef(apxerrors.BadRequest, "invalid timeout value %q", raw)
	}
	return time.Duration(seconds) * time.Second, nil
}

// AllocateBrowser implements POST /browser?timeout=N.
func (h *GatewayHandler) AllocateBrowser(w http.ResponseWriter, r *http.Request) (any, int, error) {
	if !h.limiter.Allow() {
		h.metrics.RateLimitRejectionsTotal.Inc()
		return nil, 0, apxerrors.RateLimitedErr()
	}

	leaseTimeout, err := parseTimeoutParam(r)
	if err != nil {
		return nil, 0, err
	}

	_, sessionID, err := h.pool.GetResource(r.Context(), leaseTimeout)
	if err != nil {
		return nil, 0, err
	}
	h.metrics.SessionsActive.Inc()

	proxyURL := "http://" + r.Host + "/session/" + sessionID
	return map[string]string{
		"session_id": sessionID,
		"proxy_url":  proxyURL,
	}, http.StatusOK, nil
}

// DeallocateBrowser implements DELETE /browser/{id}.
func (h *GatewayHandler) DeallocateBrowser(w http.ResponseWriter, r *http.Request) (any, int, error) {
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		return nil, 0, apxerrors.EmptyParamErr("id")
	}

	slotID, ok := h.pool.SlotForSession(sessionID)
	if !ok {
		return nil, 0, apxerrors.SessionUnknownErr(sessionID)
	}
	h.pool.TerminateResource(slotID)
	h.metrics.SessionsActive.Add(-1)

	return map[string]string{"message": "Browser deallocated"}, http.StatusOK, nil
}

// ExtendBrowserTimeout implements POST /browser/{id}/timeout?timeout=N.
func (h *GatewayHandler) ExtendBrowserTimeout(w http.ResponseWriter, r *http.Request) (any, int, error) {
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		return nil, 0, apxerrors.EmptyParamErr("id")
	}

	additional, err := parseTimeoutParam(r)
	if err != nil {
		return nil, 0, err
	}

	if !h.pool.ExtendTimeout(sessionID, additional) {
		return nil, 0, apxerrors.SessionUnknownErr(sessionID)
	}

	return map[string]string{"message": "Timeout extended"}, http.StatusOK, nil
}

// ListBrowsers implements GET /browsers.
func (h *GatewayHandler) ListBrowsers(w http.ResponseWriter, r *http.Request) (any, int, error) {
	descriptors := h.pool.ListResources()
	out := make([]map[string]any, 0, len(descriptors))
	for _, d := range descriptors {
		row := map[string]any{
			"slot_id":         d.SlotID,
			"active":          d.Active,
			"session_id":      d.SessionID,
			"last_used":       d.LastUsed,
			"timeout_seconds": d.TimeoutSeconds,
		}
		if inst, ok := h.pool.Instance(d.SlotID); ok {
			row["debugging_port"] = inst.DebuggingPort
			row["degraded"] = h.adapter.IsDegraded(inst.DebuggingPort)
		}
		out = append(out, row)
	}
	return out, http.StatusOK, nil
}

// ServeSession implements the §4.E/§4.F `/session/{id}/...` catch-all:
// WebSocket upgrades are handed to the verbatim frame proxy, everything
// else is a single-shot JSON HTTP proxy over the instance's own
// debugging port. Handled outside ToHTTPHandlerFunc since the WebSocket
// branch owns the response writer directly.
func (h *GatewayHandler) ServeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	slotID, ok := h.pool.SlotForSession(sessionID)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	if !h.pool.ValidateSession(sessionID, slotID) {
		http.Error(w, "Invalid session", http.StatusForbidden)
		return
	}
	inst, ok := h.pool.Instance(slotID)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		if err := h.ws.Handle(w, r, inst.DebuggingPort); err != nil {
			h.log.Warn("gateway: websocket proxy session ended with error", zap.String("session_id", sessionID), zap.Error(err))
		}
		if lease, ok := h.pool.LeaseDuration(sessionID); ok {
			h.pool.ExtendTimeout(sessionID, lease)
		}
		return
	}

	prefix := "/session/" + sessionID
	path := strings.TrimPrefix(r.URL.Path, prefix)
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	body, err := h.prober.Fetch(r.Context(), inst.DebuggingPort, path)
	if err != nil || body == nil {
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	if lease, ok := h.pool.LeaseDuration(sessionID); ok {
		h.pool.ExtendTimeout(sessionID, lease)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		helpers.PrintStruct(map[string]string{"session_id": sessionID, "encode_error": err.Error()})
	}
}

// NotFound implements the §4.E 404 fallback for anything outside the
// routed surface.
func NotFound(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "Not Found", http.StatusNotFound)
}
