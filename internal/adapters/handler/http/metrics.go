package http

import (
	"strconv"
	"time"

	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Command metrics
	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_commands_total",
			Help: "Commands reaching each lifecycle status",
		},
		[]string{"status"},
	)

	commandsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_commands_expired_total",
			Help: "Commands reclaimed by the timeout sweeper",
		},
	)

	commandsClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_commands_claimed_total",
			Help: "Commands handed out to agents",
		},
	)

	// Agent metrics
	agentsOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_agents_online",
			Help: "Agents with a heartbeat inside the liveness window",
		},
	)

	agentsRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_agents_registered_total",
			Help: "Agent registrations accepted",
		},
	)

	agentCPUUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_agent_cpu_percent",
			Help: "Agent CPU usage percentage, as last reported",
		},
		[]string{"agent_id"},
	)

	agentMemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_agent_memory_used_mb",
			Help: "Agent memory usage in MB, as last reported",
		},
		[]string{"agent_id"},
	)
)

// MetricsMiddleware records HTTP request metrics
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// MetricsHandler returns the Prometheus metrics handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordAgentRegistered counts an accepted registration
func RecordAgentRegistered() {
	agentsRegistered.Inc()
}

// RecordCommandStatus counts a command reaching the given status
func RecordCommandStatus(status string) {
	commandsTotal.WithLabelValues(status).Inc()
}

// RecordCommandsClaimed counts commands handed to agents
func RecordCommandsClaimed(n int) {
	commandsClaimed.Add(float64(n))
}

// RecordCommandExpired counts a sweeper reclamation
func RecordCommandExpired() {
	commandsExpired.Inc()
	commandsTotal.WithLabelValues("timeout").Inc()
}

// SetAgentsOnline sets the currently-online gauge
func SetAgentsOnline(count int) {
	agentsOnline.Set(float64(count))
}

// RecordAgentResources records the latest reported cpu/memory for an agent
func RecordAgentResources(agentID string, cpuPercent, memoryUsedMB *float64) {
	if cpuPercent != nil {
		agentCPUUsage.WithLabelValues(agentID).Set(*cpuPercent)
	}
	if memoryUsedMB != nil {
		agentMemoryUsage.WithLabelValues(agentID).Set(*memoryUsedMB)
	}
}
