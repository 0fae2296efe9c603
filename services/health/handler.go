package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"bpgateway/logger"
	"bpgateway/services/browserpool"
	"bpgateway/services/resourcepool"
)

/*
Centralized health check handler:
- Parallel health checks for all services
- Per-request timeouts (2s simple, 5s detailed)
- Detailed status reporting
- Prometheus-compatible metrics
*/

type ServiceHealth struct {
	Name      string                 `json:"name"`
	Status    string                 `json:"status"` // healthy, degraded, unhealthy
	Latency   time.Duration          `json:"latency_ms"`
	Details   map[string]interface{} `json:"details,omitempty"`
	LastCheck time.Time              `json:"last_check"`
}

type HealthHandler struct {
	pool    *resourcepool.Pool[browserpool.Instance]
	adapter *browserpool.Adapter

	mu              sync.RWMutex
	serviceStatuses map[string]*ServiceHealth
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(pool *resourcepool.Pool[browserpool.Instance], adapter *browserpool.Adapter) *HealthHandler {
	return &HealthHandler{
		pool:            pool,
		adapter:         adapter,
		serviceStatuses: make(map[string]*ServiceHealth),
	}
}

// ServeHTTP handles health check requests
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	detailed := r.URL.Query().Get("detailed") == "true"

	if detailed {
		h.handleDetailedHealth(w, r)
	} else {
		h.handleSimpleHealth(w, r)
	}
}

// handleSimpleHealth returns simple health status, for load balancers.
func (h *HealthHandler) handleSimpleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	healthy := h.checkAllServices(ctx)

	if healthy {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("UNHEALTHY"))
	}
}

// handleDetailedHealth returns detailed health information for debugging.
func (h *HealthHandler) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	statuses := h.checkAllServicesDetailed(ctx)

	response := map[string]interface{}{
		"status":    h.getOverallStatus(statuses),
		"timestamp": time.Now().Unix(),
		"services":  statuses,
	}

	if response["status"] == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else if response["status"] == "degraded" {
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// checkAllServices performs a quick parallel health check.
func (h *HealthHandler) checkAllServices(ctx context.Context) bool {
	checks := []func(context.Context) bool{
		h.checkResourcePool,
		h.checkWebSocketProxy,
	}

	var wg sync.WaitGroup
	results := make(chan bool, len(checks))

	for _, check := range checks {
		wg.Add(1)
		go func(fn func(context.Context) bool) {
			defer wg.Done()
			results <- fn(ctx)
		}(check)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	for result := range results {
		if !result {
			return false
		}
	}

	return true
}

// checkAllServicesDetailed performs detailed parallel health checks.
func (h *HealthHandler) checkAllServicesDetailed(ctx context.Context) []ServiceHealth {
	var wg sync.WaitGroup
	statuses := make([]ServiceHealth, 0, 2)
	statusChan := make(chan ServiceHealth, 2)

	services := []struct {
		name  string
		check func(context.Context) ServiceHealth
	}{
		{"resource_pool", h.checkResourcePoolDetailed},
		{"websocket_proxy", h.checkWebSocketProxyDetailed},
	}

	for _, svc := range services {
		wg.Add(1)
		go func(name string, checkFn func(context.Context) ServiceHealth) {
			defer wg.Done()
			start := time.Now()
			status := checkFn(ctx)
			status.Name = name
			status.Latency = time.Since(start)
			status.LastCheck = time.Now()
			statusChan <- status
		}(svc.name, svc.check)
	}

	go func() {
		wg.Wait()
		close(statusChan)
	}()

	for status := range statusChan {
		statuses = append(statuses, status)
		h.mu.Lock()
		h.serviceStatuses[status.Name] = &status
		h.mu.Unlock()
	}

	return statuses
}

// checkResourcePool reports healthy so long as the pool is wired; slot
// occupancy is only inspected by checkResourcePoolDetailed.
func (h *HealthHandler) checkResourcePool(ctx context.Context) bool {
	if h.pool == nil {
		return false
	}
	return true
}

func (h *HealthHandler) checkResourcePoolDetailed(ctx context.Context) ServiceHealth {
	status := ServiceHealth{Status: "unhealthy"}

	if h.pool == nil {
		return status
	}

	descriptors := h.pool.ListResources()
	active := 0
	leased := 0
	degraded := 0
	for _, d := range descriptors {
		if d.Active {
			active++
		}
		if d.SessionID != "" {
			leased++
		}
		if inst, ok := h.pool.Instance(d.SlotID); ok && h.adapter != nil && h.adapter.IsDegraded(inst.DebuggingPort) {
			degraded++
		}
	}

	status.Details = map[string]interface{}{
		"active_slots":  active,
		"leased_slots":  leased,
		"degraded_instances": degraded,
	}

	switch {
	case active == 0:
		status.Status = "unhealthy"
	case degraded > 0:
		status.Status = "degraded"
	default:
		status.Status = "healthy"
	}

	return status
}

// checkWebSocketProxy reports healthy whenever the gateway has a browser
// adapter wired — the proxy itself is stateless and dials on demand.
func (h *HealthHandler) checkWebSocketProxy(ctx context.Context) bool {
	return h.adapter != nil
}

func (h *HealthHandler) checkWebSocketProxyDetailed(ctx context.Context) ServiceHealth {
	status := ServiceHealth{Status: "unhealthy"}
	if h.adapter != nil {
		status.Status = "healthy"
	}
	return status
}

// getOverallStatus determines overall system health: unhealthy wins over
// degraded, degraded wins over healthy.
func (h *HealthHandler) getOverallStatus(statuses []ServiceHealth) string {
	unhealthy := 0
	degraded := 0

	for _, status := range statuses {
		switch status.Status {
		case "unhealthy":
			unhealthy++
		case "degraded":
			degraded++
		}
	}

	if unhealthy > 0 {
		return "unhealthy"
	} else if degraded > 0 {
		return "degraded"
	}

	return "healthy"
}

// StartBackgroundChecks starts periodic health checks, logging any
// service that drops out of the healthy state.
func (h *HealthHandler) StartBackgroundChecks(interval time.Duration) {
	ticker := time.NewTicker(interval)

	go func() {
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			h.checkAllServicesDetailed(ctx)
			cancel()

			h.mu.RLock()
			for name, status := range h.serviceStatuses {
				if status.Status != "healthy" {
					logger.Warn("Service unhealthy",
						zap.String("service", name),
						zap.String("status", status.Status))
				}
			}
			h.mu.RUnlock()
		}
	}()
}

// GetMetrics returns Prometheus-compatible metrics text.
func (h *HealthHandler) GetMetrics() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()

	metrics := "# HELP service_health Service health status (1=healthy, 0.5=degraded, 0=unhealthy)\n"
	metrics += "# TYPE service_health gauge\n"

	for name, status := range h.serviceStatuses {
		value := 0.0
		switch status.Status {
		case "healthy":
			value = 1.0
		case "degraded":
			value = 0.5
		}

		metrics += fmt.Sprintf("service_health{service=\"%s\"} %f\n", name, value)
		metrics += fmt.Sprintf("service_health_latency_ms{service=\"%s\"} %d\n", name, status.Latency.Milliseconds())
	}

	return []byte(metrics)
}
