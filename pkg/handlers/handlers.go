package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"chatbot-engine/pkg/gateway"
	"chatbot-engine/pkg/scheduler"
	"chatbot-engine/pkg/session"
	"chatbot-engine/pkg/store"
)

type Handler struct {
	registry     *session.Registry
	engine       *scheduler.Engine
	store        store.Store
	logger       *logrus.Logger
	isLeaderFunc func() bool
}

func NewHandler(registry *session.Registry, engine *scheduler.Engine, st store.Store, logger *logrus.Logger, isLeaderFunc func() bool) *Handler {
	return &Handler{
		registry:     registry,
		engine:       engine,
		store:        st,
		logger:       logger,
		isLeaderFunc: isLeaderFunc,
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (h *Handler) ScheduleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	var request struct {
		Recipient     string    `json:"recipient"`
		Body          string    `json:"body"`
		ScheduledTime time.Time `json:"scheduled_time"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	sess, err := h.registry.Lookup(sessionID)
	if err != nil {
		http.Error(w, "Session not live", http.StatusNotFound)
		return
	}

	msg, err := h.engine.ScheduleFor(r.Context(), sess.Bot().Settings, sessionID, request.Recipient, request.Body, request.ScheduledTime)
	switch {
	case errors.Is(err, scheduler.ErrInvalidMessage):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, scheduler.ErrSchedulingDisabled):
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	case errors.Is(err, scheduler.ErrScheduleLimit):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		h.logger.WithError(err).WithField("session_id", sessionID).Error("Failed to schedule message")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, msg)

	h.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"message_id": msg.ID,
	}).Debug("Scheduled message through API")
}

func (h *Handler) ListScheduledMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	msgs, err := h.store.ListScheduledMessages(r.Context(), sessionID)
	if err != nil {
		h.logger.WithError(err).WithField("session_id", sessionID).Error("Failed to list scheduled messages")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"messages":   msgs,
	})
}

func (h *Handler) CancelScheduledMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sessionID, messageID := vars["id"], vars["messageID"]

	canceled, err := h.engine.Cancel(r.Context(), sessionID, messageID)
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"session_id": sessionID,
			"message_id": messageID,
		}).Error("Failed to cancel scheduled message")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"message_id": messageID,
		"canceled":   canceled,
	})
}

func (h *Handler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	appts, err := h.store.ListAppointments(r.Context(), sessionID)
	if err != nil {
		h.logger.WithError(err).WithField("session_id", sessionID).Error("Failed to list appointments")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":   sessionID,
		"appointments": appts,
	})
}

// StartSession activates a catalog bot. Validity window violations are
// reported to the caller with the boundary that was crossed.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	sess, err := h.registry.Activate(r.Context(), sessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		http.Error(w, "Unknown session", http.StatusNotFound)
		return
	case errors.Is(err, session.ErrNotYetActive), errors.Is(err, session.ErrExpired), errors.Is(err, session.ErrInactive):
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	case errors.Is(err, gateway.ErrOwnedElsewhere):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		h.logger.WithError(err).WithField("session_id", sessionID).Error("Failed to start session")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, sess.Info())
}

func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	if !h.registry.Stop(sessionID) {
		http.Error(w, "Session not live", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"session_id": sessionID,
		"stopped_at": time.Now(),
	})
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	live := h.registry.List()
	infos := make([]session.Info, 0, len(live))
	for _, sess := range live {
		infos = append(infos, sess.Info())
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": infos,
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	pending, err := h.engine.Pending(r.Context())
	if err != nil {
		http.Error(w, "Health check failed", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "healthy",
		"is_leader":          h.isLeaderFunc(),
		"scheduled_messages": pending,
		"timestamp":          time.Now(),
	})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	pending, err := h.engine.Pending(r.Context())
	if err != nil {
		http.Error(w, "Failed to get status", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"is_leader":          h.isLeaderFunc(),
		"scheduled_messages": pending,
		"live_sessions":      len(h.registry.List()),
		"timestamp":          time.Now(),
	})
}
