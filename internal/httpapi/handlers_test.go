package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/touchtype-pro/server/internal/config"
	"github.com/touchtype-pro/server/internal/hub"
	"github.com/touchtype-pro/server/internal/room"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := hub.NewHub(ctx, zap.NewNop().Sugar())
	cfg := config.Config{Port: "8080", AppEnv: "test"}
	return SetupRoutes(h, nil, cfg, zap.NewNop().Sugar())
}

func TestGenerateCode(t *testing.T) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		require.Len(t, code, 6)
		for _, c := range code {
			assert.Contains(t, charset, string(c))
		}
		seen[code] = true
	}
	// 50 draws from 36^6 should not collide down to a handful
	assert.Greater(t, len(seen), 45)
}

func TestHealth(t *testing.T) {
	router := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestCreateRoom_ReservesCodeWithoutSpawning(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := hub.NewHub(ctx, zap.NewNop().Sugar())
	handler := CreateRoom(h)

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/rooms", nil))

	require.Equal(t, http.StatusCreated, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body["code"], 6)

	// no zero-participant room actor behind the code; create_race spawns it
	// when the first client connects
	reply := make(chan *room.Room, 1)
	h.Inbox() <- hub.GetRoom{Code: body["code"], Reply: reply}
	assert.Nil(t, <-reply)
}

func TestAPIRoutesAbsentWithoutStore(t *testing.T) {
	router := newTestRouter(t)

	for _, path := range []string{"/api/auth/login", "/api/learn/progress"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("{}"))
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}
