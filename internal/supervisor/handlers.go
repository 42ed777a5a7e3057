package supervisor

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/toolbridge/internal/auth"
	"github.com/ocx/toolbridge/internal/middleware"
)

// Server wires the supervisor's control-plane HTTP surface:
// POST /producer/start, POST /producer/stop, GET /producer/progress,
// GET /metrics.
type Server struct {
	Supervisor  *Supervisor
	Progress    *ProgressTracker
	AuthBroker  *auth.Broker
	RateLimiter *middleware.RateLimiter
}

// Router builds the mux.Router for this server.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/producer/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/producer/stop", s.handleStop).Methods(http.MethodPost)
	if s.Progress != nil {
		r.HandleFunc("/producer/progress", s.Progress.HandleProgress).Methods(http.MethodGet)
	}
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	if s.RateLimiter != nil {
		r.Use(s.RateLimiter.Middleware)
	}
	if s.AuthBroker != nil {
		r.Use(s.authMiddleware)
	}
	return r
}

// authMiddleware verifies the Authorization: Bearer <service token>
// header on control-plane requests, exempting /health and /metrics.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeJSONError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
			return
		}
		if _, err := s.AuthBroker.Verify(token); err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid service token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("userId")
	if userID == "" {
		userID = r.Header.Get("X-User-Id")
	}
	projectID := r.Header.Get("projectId")
	if projectID == "" {
		projectID = r.Header.Get("X-Project-Id")
	}
	if userID == "" || projectID == "" {
		writeJSONError(w, http.StatusBadRequest, "userId and projectId headers are required")
		return
	}

	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	info, conflict, err := s.Supervisor.Start(r.Context(), userID, projectID, req)
	if err != nil {
		slog.Error("supervisor: start failed", "err", err, "user_id", userID, "project_id", projectID)
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if conflict != nil {
		_ = json.NewEncoder(w).Encode(conflict)
		return
	}
	_ = json.NewEncoder(w).Encode(info)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("userId")
	if userID == "" {
		userID = r.Header.Get("X-User-Id")
	}
	projectID := r.Header.Get("projectId")
	if projectID == "" {
		projectID = r.Header.Get("X-Project-Id")
	}
	if userID == "" || projectID == "" {
		writeJSONError(w, http.StatusBadRequest, "userId and projectId headers are required")
		return
	}

	var body struct {
		ConsumerID string `json:"consumerId"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	mode, released, err := s.Supervisor.Stop(r.Context(), userID, projectID, body.ConsumerID)
	if err != nil {
		slog.Error("supervisor: stop failed", "err", err, "user_id", userID, "project_id", projectID)
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"mode": mode, "released": released})
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
