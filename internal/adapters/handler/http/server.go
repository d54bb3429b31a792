package http

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"fleetd/internal/core/domain"
	"fleetd/internal/core/services"
)

type Server struct {
	router      *chi.Mux
	fleet       *services.FleetService
	query       *services.QueryService
	healthSvc   *services.HealthService
	hub         *Hub
	agentSecret string
}

func NewServer(fleet *services.FleetService, query *services.QueryService, healthSvc *services.HealthService, hub *Hub, agentSecret string) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		fleet:       fleet,
		query:       query,
		healthSvc:   healthSvc,
		hub:         hub,
		agentSecret: agentSecret,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(MetricsMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Metrics endpoint
	s.router.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		MetricsHandler().ServeHTTP(w, r)
	})

	// Kubernetes probes
	s.router.Get("/health/live", s.handleLiveness)
	s.router.Get("/health/ready", s.handleReadiness)

	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/health/detailed", s.handleDetailedHealth)
	s.router.Get("/api/ws", s.handleWS)

	// Agent-facing API. Agents authenticate with the shared fleet secret.
	s.router.Route("/api/v1/fleet", func(r chi.Router) {
		r.Use(s.requireAgentSecret)
		r.Post("/register", s.handleRegister)
		r.Post("/{id}/heartbeat", s.handleHeartbeat)
		r.Post("/{id}/claim", s.handleClaim)
		r.Post("/{id}/commands/{cmd}/started", s.handleStarted)
		r.Post("/{id}/commands/{cmd}/result", s.handleResult)
	})

	// Observer API for dashboards and operators.
	s.router.Route("/api/agents", func(r chi.Router) {
		r.Get("/", s.handleListAgents)
		r.Get("/{id}", s.handleGetAgent)
		r.Delete("/{id}", s.handleDeleteAgent)
	})

	s.router.Route("/api/commands", func(r chi.Router) {
		r.Post("/", s.handleCreateCommand)
		r.Get("/{id}", s.handleGetCommand)
	})
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return srv.ListenAndServe()
}

// requireAgentSecret gates the agent API behind the shared bearer secret.
func (s *Server) requireAgentSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.agentSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing agent credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps domain errors onto HTTP status codes. Unknown errors
// are treated as internal.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrUnknownAgent), errors.Is(err, domain.ErrUnknownCommand):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrAgentHasActiveCommands):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidCapability):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- Health and websocket ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := s.healthSvc.SimpleHealthCheck(r.Context())
	w.WriteHeader(code)
	w.Write([]byte(status))
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status, code := s.healthSvc.SimpleHealthCheck(r.Context())
	w.WriteHeader(code)
	w.Write([]byte(status))
}

func (s *Server) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	report := s.healthSvc.CheckHealth(r.Context())

	statusCode := http.StatusOK
	if report.Status == services.HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, report)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ServeWs(s.hub, w, r)
}

// --- Agent-facing API ---

type RegisterRequest struct {
	Hostname       string   `json:"hostname"`
	Platform       string   `json:"platform"`
	Version        string   `json:"version"`
	Capabilities   []string `json:"capabilities"`
	MaxConcurrency int      `json:"max_concurrency"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	req.Hostname = strings.TrimSpace(req.Hostname)
	if req.Hostname == "" {
		writeError(w, http.StatusBadRequest, "hostname is required")
		return
	}
	if !domain.ValidPlatform(req.Platform) {
		writeError(w, http.StatusBadRequest, "unrecognized platform: "+req.Platform)
		return
	}

	agent, err := s.fleet.Register(r.Context(), services.RegisterParams{
		Hostname:       req.Hostname,
		Platform:       req.Platform,
		Version:        req.Version,
		Capabilities:   req.Capabilities,
		MaxConcurrency: req.MaxConcurrency,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	RecordAgentRegistered()
	writeJSON(w, http.StatusCreated, agent)
}

type HeartbeatRequest struct {
	Status  string                     `json:"status"`
	Metrics *services.HeartbeatMetrics `json:"metrics"`
}

type HeartbeatResponse struct {
	ClaimableCommands int64 `json:"claimable_commands"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	switch domain.AgentStatus(req.Status) {
	case "", domain.AgentStatusIdle, domain.AgentStatusBusy, domain.AgentStatusError:
	default:
		writeError(w, http.StatusBadRequest, "unrecognized status: "+req.Status)
		return
	}

	claimable, err := s.fleet.Heartbeat(r.Context(), id, domain.AgentStatus(req.Status), req.Metrics)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if req.Metrics != nil {
		RecordAgentResources(id, req.Metrics.CPUPercent, req.Metrics.MemoryUsedMB)
	}
	writeJSON(w, http.StatusOK, HeartbeatResponse{ClaimableCommands: claimable})
}

type ClaimRequest struct {
	MaxToClaim int `json:"max_to_claim"`
}

type ClaimResponse struct {
	Commands []*domain.Command `json:"commands"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.MaxToClaim <= 0 {
		req.MaxToClaim = 1
	}

	commands, err := s.fleet.Claim(r.Context(), id, req.MaxToClaim)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if commands == nil {
		commands = []*domain.Command{}
	}

	RecordCommandsClaimed(len(commands))
	writeJSON(w, http.StatusOK, ClaimResponse{Commands: commands})
}

func (s *Server) handleStarted(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	commandID := chi.URLParam(r, "cmd")

	cmd, err := s.fleet.ReportStarted(r.Context(), agentID, commandID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	RecordCommandStatus(string(cmd.Status))
	writeJSON(w, http.StatusOK, cmd)
}

type ResultRequest struct {
	Success      bool   `json:"success"`
	Result       string `json:"result,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	commandID := chi.URLParam(r, "cmd")

	var req ResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	resultOrError := req.Result
	if !req.Success {
		resultOrError = req.ErrorMessage
	}

	cmd, err := s.fleet.ReportResult(r.Context(), agentID, commandID, req.Success, resultOrError)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	RecordCommandStatus(string(cmd.Status))
	writeJSON(w, http.StatusOK, cmd)
}

// --- Observer API ---

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.query.ListAgents(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if agents == nil {
		agents = []*services.AgentOverview{}
	}

	online := 0
	for _, a := range agents {
		if a.Online {
			online++
		}
	}
	SetAgentsOnline(online)

	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	detail, err := s.query.GetAgentDetail(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	force := r.URL.Query().Get("force") == "true"

	if err := s.fleet.Delete(r.Context(), id, force); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "agent_id": id})
}

type CreateCommandRequest struct {
	Type               string `json:"type"`
	Payload            string `json:"payload"`
	RequiredCapability string `json:"required_capability"`
	TimeoutSec         int    `json:"timeout_sec"`
}

func (s *Server) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	var req CreateCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	req.Type = strings.TrimSpace(req.Type)
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	cmd, err := s.fleet.Enqueue(r.Context(), services.EnqueueParams{
		Type:               req.Type,
		Payload:            req.Payload,
		RequiredCapability: req.RequiredCapability,
		Timeout:            time.Duration(req.TimeoutSec) * time.Second,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	RecordCommandStatus(string(cmd.Status))
	writeJSON(w, http.StatusCreated, cmd)
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cmd, err := s.query.GetCommand(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}
