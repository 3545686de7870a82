package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbot-engine/pkg/constants"
	"chatbot-engine/pkg/gateway"
	"chatbot-engine/pkg/handlers"
	"chatbot-engine/pkg/logging"
	"chatbot-engine/pkg/metrics"
	"chatbot-engine/pkg/models"
	"chatbot-engine/pkg/scheduler"
	"chatbot-engine/pkg/session"
	"chatbot-engine/pkg/store"
)

type nopClient struct{}

func (nopClient) SendText(ctx context.Context, recipient, body string, opts gateway.SendOptions) error {
	return nil
}
func (nopClient) SetTyping(ctx context.Context, recipient string) error { return nil }
func (nopClient) SendReaction(ctx context.Context, recipient, messageID, emoji string) error {
	return nil
}

type catalog map[string]models.BotSession

func (c catalog) Get(ctx context.Context, id string) (*models.BotSession, error) {
	bot, ok := c[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	return &bot, nil
}

type testServer struct {
	handler  http.Handler
	registry *session.Registry
	store    *store.MemoryStore
}

func setup(t *testing.T) *testServer {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := logging.Quiet()
	m := metrics.NewTestMetrics()
	st := store.NewMemoryStore()

	bots := catalog{
		"bot-1": {ID: "bot-1", Name: "Clínica", Active: true, Settings: models.Settings{AllowScheduling: true, MaxScheduledMessages: 2}},
		"bot-2": {ID: "bot-2", Active: true},
		"old":   {ID: "old", Active: true, EndDate: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	engine := scheduler.NewEngine(st, scheduler.NewRedisIndex(rdb, constants.ScheduledMessagesKey, m), nil, scheduler.Options{}, logger, m)
	registry := session.NewRegistry(bots, func(string) gateway.Client { return nopClient{} }, nil, session.Deps{Appointments: st, Scheduler: engine}, logger, m)
	t.Cleanup(registry.Close)
	engine.SetRegistry(registry)

	h := handlers.NewHandler(registry, engine, st, logger, func() bool { return true })
	return &testServer{handler: NewRouter(h, logger), registry: registry, store: st}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestSessionLifecycleRoutes(t *testing.T) {
	s := setup(t)

	rec := s.do(t, http.MethodPost, "/sessions/bot-1/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info session.Info
	decode(t, rec, &info)
	assert.Equal(t, "bot-1", info.ID)

	rec = s.do(t, http.MethodPost, "/sessions/old/start", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "expired at 2020-01-01")

	rec = s.do(t, http.MethodPost, "/sessions/nope/start", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Sessions []session.Info `json:"sessions"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Sessions, 1)

	rec = s.do(t, http.MethodPost, "/sessions/bot-1/stop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodPost, "/sessions/bot-1/stop", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScheduledMessageRoutes(t *testing.T) {
	s := setup(t)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/sessions/bot-1/start", nil).Code)

	when := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	rec := s.do(t, http.MethodPost, "/sessions/bot-1/scheduled-messages", map[string]interface{}{
		"recipient":      "5511999999999",
		"body":           "Sua consulta é amanhã",
		"scheduled_time": when,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var msg models.ScheduledMessage
	decode(t, rec, &msg)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, models.ScheduledPending, msg.Status)
	assert.True(t, when.Equal(msg.ScheduledTime))

	rec = s.do(t, http.MethodPost, "/sessions/bot-1/scheduled-messages", map[string]interface{}{
		"recipient":      "5511999999999",
		"scheduled_time": when,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/sessions/bot-1/scheduled-messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Messages []models.ScheduledMessage `json:"messages"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Messages, 1)

	rec = s.do(t, http.MethodDelete, "/sessions/bot-1/scheduled-messages/"+msg.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var canceled struct {
		Canceled bool `json:"canceled"`
	}
	decode(t, rec, &canceled)
	assert.True(t, canceled.Canceled)

	rec = s.do(t, http.MethodDelete, "/sessions/bot-1/scheduled-messages/"+msg.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &canceled)
	assert.False(t, canceled.Canceled)

	rec = s.do(t, http.MethodGet, "/sessions/bot-1/scheduled-messages/"+msg.ID, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestScheduleMessageRefusals(t *testing.T) {
	s := setup(t)
	body := map[string]interface{}{
		"recipient":      "5511999999999",
		"body":           "oi",
		"scheduled_time": time.Now().Add(time.Hour),
	}

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/sessions/bot-1/scheduled-messages", body).Code)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/sessions/bot-2/start", nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/sessions/bot-2/scheduled-messages", body).Code)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/sessions/bot-1/start", nil).Code)
	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/sessions/bot-1/scheduled-messages", body).Code)
	}
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/sessions/bot-1/scheduled-messages", body).Code)
}

func TestAppointmentsRoute(t *testing.T) {
	s := setup(t)
	require.NoError(t, s.store.CreateAppointment(context.Background(), &models.Appointment{
		ID:            "a1",
		SessionID:     "bot-1",
		Contact:       "S",
		Name:          "Consulta",
		ScheduledTime: time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC),
		Status:        models.AppointmentConfirmed,
	}))

	rec := s.do(t, http.MethodGet, "/sessions/bot-1/appointments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Appointments []models.Appointment `json:"appointments"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Appointments, 1)
	assert.Equal(t, "Consulta", body.Appointments[0].Name)
}

func TestHealthAndStatus(t *testing.T) {
	s := setup(t)

	rec := s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]interface{}
	decode(t, rec, &health)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, true, health["is_leader"])
	assert.Equal(t, float64(0), health["scheduled_messages"])

	rec = s.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}
