package bootstrap

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"youplace-realtime/internal/abuse"
	"youplace-realtime/internal/batch"
	"youplace-realtime/internal/hub"
	memstate "youplace-realtime/internal/infra/state/memory"
	"youplace-realtime/internal/middleware"
	"youplace-realtime/internal/repository/mocks"
	"youplace-realtime/internal/service"
)

func newTestApp(t *testing.T) (*App, http.Handler) {
	t.Helper()
	cfg := &Config{
		AppEnv:            "production",
		InstanceID:        "gw-test",
		RelayDriver:       RelayMemory,
		JWTSecret:         "secret",
		InternalAPIToken:  "internal",
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimitMax:      100,
		RateLimitWindow:   time.Second,
		AuthTimeout:       time.Second,
		TileSize:          1000,
		Batch:             batch.Config{MaxSize: 50, Window: time.Hour},
		Hub:               hub.DefaultConfig(),
		Abuse:             abuse.DefaultConfig(),
	}
	log := logrus.New()
	log.SetOutput(&bytes.Buffer{})
	app := &App{Config: cfg, Log: log}

	state := memstate.NewMemoryStateRepository()
	app.assemble(state, memstate.NewMemoryActivityRepository(time.Hour))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = app.coalescer.Drain(ctx)
	})
	authenticator, err := service.NewAuthenticator(new(mocks.AccountRepository), cfg.JWTSecret)
	require.NoError(t, err)
	return app, app.newRouter(state, authenticator)
}

func TestRouter_InternalPaintRoutesRequireToken(t *testing.T) {
	// Arrange
	app, router := newTestApp(t)
	body := `{"x":1,"y":1,"color":"#ABCDEF","username":"alice","userId":1}`
	post := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/internal/paints/persisted", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set(middleware.InternalTokenHeader, token)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	// Act
	anonymous := post("")
	wrong := post("guess")
	pending := app.coalescer.Stats().PendingEvents
	trusted := post("internal")

	// Assert
	assert.Equal(t, http.StatusUnauthorized, anonymous.Code)
	assert.Equal(t, http.StatusUnauthorized, wrong.Code)
	assert.Equal(t, 0, pending, "被拒绝的请求不进入广播")
	require.Equal(t, http.StatusAccepted, trusted.Code, trusted.Body.String())
	assert.Equal(t, 1, app.coalescer.Stats().PendingEvents)
}

func TestRouter_EvaluateRequiresToken(t *testing.T) {
	_, router := newTestApp(t)
	req := httptest.NewRequest(http.MethodPost, "/internal/paints/evaluate",
		bytes.NewBufferString(`{"userId":1,"x":0,"y":0,"color":"#FFFFFF"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
