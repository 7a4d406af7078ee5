package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdhttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Shortgap/internal/app"
	"github.com/dkeye/Shortgap/internal/app/coord"
	"github.com/dkeye/Shortgap/internal/config"
	"github.com/dkeye/Shortgap/internal/domain"
	"github.com/dkeye/Shortgap/internal/ping"
	"github.com/dkeye/Shortgap/internal/storage"
	"github.com/dkeye/Shortgap/internal/transport"
)

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tm := transport.NewManager(transport.Options{GracePeriod: time.Millisecond})
	pings := ping.NewManager(ping.Options{TCPTimeout: time.Second, AppTimeout: time.Second})
	store := storage.NewRoomStore(afero.NewMemMapFs(), "/rooms")
	s := app.NewSession(tm, pings, store, app.Options{
		AdvertiseHost:  "127.0.0.1",
		HealthInterval: time.Hour,
		Coord:          coord.Options{AckTimeout: time.Second, SwitchPause: time.Millisecond},
	})
	t.Cleanup(s.Close)

	cfg := &config.Config{Mode: "test", Secret: "test-secret", Protocol: "TCP"}
	return SetupRouter(context.Background(), cfg, s)
}

func do(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestRoomLifecycle(t *testing.T) {
	r := newRouter(t)

	w := do(t, r, stdhttp.MethodGet, "/api/profile", nil)
	require.Equal(t, stdhttp.StatusBadRequest, w.Code)

	w = do(t, r, stdhttp.MethodPut, "/api/profile", map[string]string{"name": "Alice"})
	require.Equal(t, stdhttp.StatusOK, w.Code)
	me := decodeBody[domain.User](t, w)
	require.Equal(t, "Alice", me.Name)

	w = do(t, r, stdhttp.MethodPost, "/api/rooms", map[string]string{"name": "Lobby", "protocol": "websocket"})
	require.Equal(t, stdhttp.StatusCreated, w.Code)
	room := decodeBody[domain.Room](t, w)
	require.Equal(t, "Lobby", room.Name)
	require.Equal(t, domain.ProtocolWebSocket, room.Protocol)
	require.Contains(t, room.Users, me.ID)

	w = do(t, r, stdhttp.MethodPut, "/api/profile", map[string]string{"name": "Alicia"})
	require.Equal(t, stdhttp.StatusConflict, w.Code)

	w = do(t, r, stdhttp.MethodPost, "/api/room/messages", map[string]string{"content": "hello"})
	require.Equal(t, stdhttp.StatusCreated, w.Code)

	w = do(t, r, stdhttp.MethodGet, fmt.Sprintf("/api/rooms/%s/messages", room.ID), nil)
	require.Equal(t, stdhttp.StatusOK, w.Code)
	msgs := decodeBody[struct {
		Messages []domain.ChatMessage `json:"messages"`
	}](t, w)
	require.Len(t, msgs.Messages, 1)
	require.Equal(t, "hello", msgs.Messages[0].Content)

	w = do(t, r, stdhttp.MethodPost, "/api/room/invite", nil)
	require.Equal(t, stdhttp.StatusOK, w.Code)
	inv := decodeBody[map[string]string](t, w)
	require.NotEmpty(t, inv["invite"])

	w = do(t, r, stdhttp.MethodPost, "/api/invites/validate", map[string]string{"invite": inv["invite"]})
	require.Equal(t, stdhttp.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "Lobby")

	w = do(t, r, stdhttp.MethodGet, "/api/rooms", nil)
	require.Equal(t, stdhttp.StatusOK, w.Code)
	list := decodeBody[struct {
		Rooms []domain.RoomInfo `json:"rooms"`
	}](t, w)
	require.Len(t, list.Rooms, 1)
	require.True(t, list.Rooms[0].Active)

	w = do(t, r, stdhttp.MethodPost, "/api/room/call", nil)
	require.Equal(t, stdhttp.StatusNoContent, w.Code)
	w = do(t, r, stdhttp.MethodPost, "/api/room/call", nil)
	require.Equal(t, stdhttp.StatusBadRequest, w.Code)

	w = do(t, r, stdhttp.MethodGet, "/api/room/health", nil)
	require.Equal(t, stdhttp.StatusOK, w.Code)

	w = do(t, r, stdhttp.MethodDelete, "/api/room", nil)
	require.Equal(t, stdhttp.StatusNoContent, w.Code)

	w = do(t, r, stdhttp.MethodGet, "/api/room", nil)
	require.Equal(t, stdhttp.StatusBadRequest, w.Code)
	body := decodeBody[map[string]string](t, w)
	require.Equal(t, "user", body["kind"])
}

func TestRequestErrors(t *testing.T) {
	r := newRouter(t)
	do(t, r, stdhttp.MethodPut, "/api/profile", map[string]string{"name": "Bob"})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"bad room id", stdhttp.MethodGet, "/api/rooms/nope/messages", nil, stdhttp.StatusBadRequest},
		{"unknown protocol", stdhttp.MethodPost, "/api/rooms", map[string]string{"name": "x", "protocol": "smoke"}, stdhttp.StatusBadRequest},
		{"empty room name", stdhttp.MethodPost, "/api/rooms", map[string]string{"name": " "}, stdhttp.StatusBadRequest},
		{"not in room", stdhttp.MethodPost, "/api/room/messages", map[string]string{"content": "hi"}, stdhttp.StatusBadRequest},
		{"garbage invite", stdhttp.MethodPost, "/api/invites/parse", map[string]string{"invite": "%%%"}, stdhttp.StatusBadRequest},
		{"missing invite", stdhttp.MethodPost, "/api/rooms/join", map[string]string{}, stdhttp.StatusBadRequest},
		{"empty profile name", stdhttp.MethodPut, "/api/profile", map[string]string{"name": ""}, stdhttp.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, tt.method, tt.path, tt.body)
			require.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrNotInRoom, stdhttp.StatusBadRequest},
		{fmt.Errorf("%w: x", domain.ErrRoomNotFound), stdhttp.StatusNotFound},
		{domain.ErrUserNotFound, stdhttp.StatusNotFound},
		{domain.ErrRoomActive, stdhttp.StatusConflict},
		{domain.ErrSwitchInProgress, stdhttp.StatusConflict},
		{&domain.JoinError{}, stdhttp.StatusBadGateway},
		{&coord.SwitchError{}, stdhttp.StatusBadGateway},
		{&domain.StorageError{Err: errors.New("disk")}, stdhttp.StatusInternalServerError},
		{errors.New("boom"), stdhttp.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			require.Equal(t, tt.want, StatusOf(tt.err))
		})
	}
}

func TestClientTokenCookie(t *testing.T) {
	r := newRouter(t)

	w := do(t, r, stdhttp.MethodGet, "/api/address", nil)
	require.Equal(t, stdhttp.StatusOK, w.Code)
	require.Contains(t, w.Header().Get("Set-Cookie"), sessionName+"=")

	switches := do(t, r, stdhttp.MethodGet, fmt.Sprintf("/api/rooms/%s/switch", uuid.New()), nil)
	require.Equal(t, stdhttp.StatusOK, switches.Code)
}
