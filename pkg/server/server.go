package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"chatbot-engine/pkg/config"
	"chatbot-engine/pkg/handlers"
)

func NewHTTPServer(config *config.Config, handler *handlers.Handler, logger *logrus.Logger) *http.Server {
	return &http.Server{
		Addr:         ":" + config.Port,
		Handler:      NewRouter(handler, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func NewRouter(handler *handlers.Handler, logger *logrus.Logger) *mux.Router {
	router := mux.NewRouter()

	// API routes
	router.HandleFunc("/sessions", handler.ListSessions).Methods("GET")
	router.HandleFunc("/sessions/{id}/start", handler.StartSession).Methods("POST")
	router.HandleFunc("/sessions/{id}/stop", handler.StopSession).Methods("POST")
	router.HandleFunc("/sessions/{id}/scheduled-messages", handler.ScheduleMessage).Methods("POST")
	router.HandleFunc("/sessions/{id}/scheduled-messages", handler.ListScheduledMessages).Methods("GET")
	router.HandleFunc("/sessions/{id}/scheduled-messages/{messageID}", handler.CancelScheduledMessage).Methods("DELETE")
	router.HandleFunc("/sessions/{id}/appointments", handler.ListAppointments).Methods("GET")
	router.HandleFunc("/health", handler.Health).Methods("GET")
	router.HandleFunc("/status", handler.Status).Methods("GET")

	// Metrics endpoint
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Add logging middleware
	router.Use(loggingMiddleware(logger))

	return router
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			}).Debug("HTTP request processed")
		})
	}
}
