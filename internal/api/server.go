package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Routes configures all HTTP routes
func (h *Handler) Routes() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(h.unknownCommand)
	r.MethodNotAllowedHandler = http.HandlerFunc(h.unknownCommand)

	// Routes with their own handlers win over the generic command table
	r.HandleFunc(h.base+"/status", h.Status).Methods("GET")
	r.HandleFunc(h.base+"/session", h.CreateSession).Methods("POST")
	r.HandleFunc(h.base+"/sessions", h.ListSessions).Methods("GET")
	r.HandleFunc(h.base+"/session/{sessionId}", h.DeleteSession).Methods("DELETE")
	r.HandleFunc(h.base+"/session/{sessionId}/se/bidi", h.BiDi).Methods("GET")

	h.table.Register(r, http.HandlerFunc(h.Command))

	// Anything else under a session may still be proxied upstream
	r.PathPrefix(h.base + "/session/{sessionId}/").HandlerFunc(h.Command)

	r.Use(h.sessionFilter)

	var handler http.Handler = r
	if h.idempotency != nil {
		handler = h.idempotency.Middleware(handler)
	}
	return h.recoverer(h.logRequests(corsMiddleware(handler)))
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Idempotency-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
