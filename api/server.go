package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/mux"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wricardo/sioserver/config"
	"github.com/wricardo/sioserver/observability"
	"github.com/wricardo/sioserver/session"
)

// Server routes realtime traffic to the session manager and serves the
// admin API.
type Server struct {
	cfg     *config.Config
	manager *session.Manager
	router  *mux.Router
	logger  *zap.Logger
	started time.Time
	mcp     *server.MCPServer
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, manager *session.Manager, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		manager: manager,
		router:  mux.NewRouter(),
		logger:  logger,
		started: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Use(observability.RequestLogger(s.logger))

	// Admin API
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods("DELETE")
	api.HandleFunc("/sessions/{id}/send", s.handleSend).Methods("POST")
	api.HandleFunc("/sessions/{id}/emit", s.handleEmit).Methods("POST")

	s.router.HandleFunc("/mcp", s.handleMCP).Methods("POST")

	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Realtime endpoints under the configured resource
	rt := s.router.PathPrefix(s.cfg.Resource).Subrouter()
	rt.HandleFunc("", s.handleWelcome)
	rt.HandleFunc("/", s.handleWelcome)
	rt.HandleFunc("/{protocol}", s.handleHandshake)
	rt.HandleFunc("/{protocol}/", s.handleHandshake)
	rt.HandleFunc("/{protocol}/{transport}", s.handleHandshake)
	rt.HandleFunc("/{protocol}/{transport}/", s.handleHandshake)
	rt.HandleFunc("/{protocol}/{transport}/{id}", s.handleClient)
	rt.HandleFunc("/{protocol}/{transport}/{id}/", s.handleClient)
}

// MountMCP serves mcpServer at /mcp.
func (s *Server) MountMCP(mcpServer *server.MCPServer) {
	s.mcp = mcpServer
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Response helpers
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Realtime Handlers

func (s *Server) handleWelcome(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("unhandled socket.io url", zap.String("path", r.URL.Path))
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "Welcome to socket.io.")
}

// protocolOK rejects clients speaking another protocol version.
func (s *Server) protocolOK(w http.ResponseWriter, r *http.Request) bool {
	version := mux.Vars(r)["protocol"]
	if s.manager.ProtocolSupported(version) {
		return true
	}
	s.logger.Info("client protocol version unsupported", zap.String("protocol", version))
	w.WriteHeader(http.StatusInternalServerError)
	io.WriteString(w, "Protocol version not supported.")
	return false
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	if !s.protocolOK(w, r) {
		return
	}
	s.manager.HandleHandshake(w, r)
}

func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	if !s.protocolOK(w, r) {
		return
	}
	vars := mux.Vars(r)
	s.manager.HandleClient(w, r, vars["transport"], vars["id"])
}

// Admin Handlers

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sockets := s.manager.Sockets()
	infos := make([]session.Info, 0, len(sockets))
	for _, sock := range sockets {
		infos = append(infos, sock.Info())
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": infos,
		"count":    len(infos),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	sock := s.manager.Socket(id)
	if sock == nil {
		respondError(w, http.StatusNotFound, session.ErrSocketNotFound.Error())
		return
	}

	respondJSON(w, http.StatusOK, sock.Info())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.manager.Kick(id); err != nil {
		if errors.Is(err, session.ErrSocketNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"message": "Session " + id + " disconnected",
	})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		Data string          `json:"data"`
		JSON json.RawMessage `json:"json,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sock := s.manager.Socket(id)
	if sock == nil {
		respondError(w, http.StatusNotFound, session.ErrSocketNotFound.Error())
		return
	}

	var err error
	if len(req.JSON) > 0 {
		err = sock.SendJSON(req.JSON, nil)
	} else {
		err = sock.Send(req.Data, nil)
	}
	if err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"message": "sent"})
}

func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		Name string            `json:"name"`
		Args []json.RawMessage `json:"args"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if slices.Contains(s.cfg.Blacklist, req.Name) {
		respondError(w, http.StatusBadRequest, "event name is reserved")
		return
	}

	sock := s.manager.Socket(id)
	if sock == nil {
		respondError(w, http.StatusNotFound, session.ErrSocketNotFound.Error())
		return
	}

	args := make([]any, len(req.Args))
	for i, a := range req.Args {
		args[i] = a
	}
	if err := sock.Emit(req.Name, args...); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"message": "emitted"})
}

// MCP Handler

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	if s.mcp == nil {
		respondError(w, http.StatusNotFound, "mcp endpoint disabled")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request", http.StatusBadRequest)
		return
	}

	response := s.mcp.HandleMessage(r.Context(), body)
	respondJSON(w, http.StatusOK, response)
}

// Health check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"sessions": s.manager.Count(),
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"store":    s.cfg.Store.Backend,
	})
}
