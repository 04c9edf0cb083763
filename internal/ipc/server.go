package ipc

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// Server wraps an HTTP server with relay-specific routing.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a Server that binds to the given address.
func NewServer(h *Handler, listenAddr string) *Server {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           corsMiddleware(h.AllowedOrigins, Routes(h)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return &Server{httpServer: srv}
}

// Routes registers every API endpoint on a new mux.
func Routes(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.HandleFunc("GET /api/v1/status", h.Status)
	mux.HandleFunc("GET /api/v1/status/stream", h.StreamStatus)
	mux.HandleFunc("GET /api/v1/status/ws", h.StatusWebSocket)

	// Queue endpoints.
	mux.HandleFunc("GET /api/v1/queue", h.GetQueue)
	mux.HandleFunc("GET /api/v1/queue/history", h.TaskHistory)
	mux.HandleFunc("GET /api/v1/queue/{taskID}", h.GetTask)
	mux.HandleFunc("DELETE /api/v1/queue/{taskID}", h.CancelTask)

	mux.HandleFunc("GET /api/v1/sessions", h.ListSessions)
	mux.HandleFunc("POST /api/v1/sessions/{platform}/pause", h.PauseSession)

	// Audit endpoints.
	mux.HandleFunc("GET /api/v1/actions", h.ListActions)
	mux.HandleFunc("GET /api/v1/actions/{actionID}", h.GetAction)
	mux.HandleFunc("GET /api/v1/reports", h.GetReport)

	// Orchestrator control.
	mux.HandleFunc("POST /api/v1/orchestrator/start", h.StartOrchestrator)
	mux.HandleFunc("POST /api/v1/orchestrator/stop", h.StopOrchestrator)
	mux.HandleFunc("POST /api/v1/dm", h.ScheduleDM)

	return mux
}

// Start begins listening for HTTP connections. Blocks until the server stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware admits requests without an Origin header and requests from
// localhost or a configured origin. Any other browser origin gets a 403 so a
// foreign page cannot drive the control API.
func corsMiddleware(allowed []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if !originAllowed(origin, allowed) {
				writeJSON(w, http.StatusForbidden, APIError{Code: 403, Message: "origin not allowed"})
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func originAllowed(origin string, allowed []string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if isLoopback(u.Hostname()) {
		return true
	}
	for _, a := range allowed {
		if a == origin {
			return true
		}
	}
	return false
}

// originPatterns lists the host patterns the websocket handshake accepts.
func originPatterns(allowed []string) []string {
	patterns := []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"}
	for _, a := range allowed {
		if u, err := url.Parse(a); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		}
	}
	return patterns
}
