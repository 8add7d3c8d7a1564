package middleware_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"youplace-realtime/internal/domain"
	memstate "youplace-realtime/internal/infra/state/memory"
	"youplace-realtime/internal/middleware"
	"youplace-realtime/internal/repository/mocks"
	"youplace-realtime/internal/service"
)

func newAuth(t *testing.T) (*service.Authenticator, *mocks.AccountRepository) {
	t.Helper()
	repo := new(mocks.AccountRepository)
	auth, err := service.NewAuthenticator(repo, "secret")
	require.NoError(t, err)
	return auth, repo
}

func adminRouter(auth *service.Authenticator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/admin", middleware.Auth(auth), middleware.RequireAdmin(auth), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetUint("user_id")})
	})
	return r
}

func do(r http.Handler, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth_RejectsMissingAndMalformed(t *testing.T) {
	auth, _ := newAuth(t)
	r := adminRouter(auth)

	assert.Equal(t, http.StatusUnauthorized, do(r, "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "Token abc").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "Bearer not-a-jwt").Code)
}

func TestRequireAdmin(t *testing.T) {
	auth, repo := newAuth(t)
	repo.On("FindByID", mock.Anything, uint(1)).Return(&domain.User{ID: 1, Role: domain.RoleAdmin, IsActive: true}, nil)
	repo.On("FindByID", mock.Anything, uint(2)).Return(&domain.User{ID: 2, Role: "user", IsActive: true}, nil)
	repo.On("FindByID", mock.Anything, uint(3)).Return(&domain.User{ID: 3, Role: domain.RoleAdmin, IsActive: false}, nil)
	r := adminRouter(auth)

	adminToken, _ := auth.IssueToken(1, time.Hour)
	userToken, _ := auth.IssueToken(2, time.Hour)
	inactiveToken, _ := auth.IssueToken(3, time.Hour)

	w := do(r, "Bearer "+adminToken)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":1}`, w.Body.String())

	assert.Equal(t, http.StatusForbidden, do(r, "Bearer "+userToken).Code)
	assert.Equal(t, http.StatusForbidden, do(r, "Bearer "+inactiveToken).Code)
}

func rateRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/admin", mw, func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func TestRateLimit(t *testing.T) {
	r := rateRouter(middleware.RateLimit(memstate.NewMemoryStateRepository(), 2, time.Minute))

	assert.Equal(t, http.StatusNoContent, do(r, "").Code)
	assert.Equal(t, http.StatusNoContent, do(r, "").Code)
	w := do(r, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimit_FailsOpen(t *testing.T) {
	state := new(mocks.StateRepository)
	state.On("CheckRateLimit", mock.Anything, mock.Anything, 2, time.Minute).Return(false, errors.New("redis: connection refused"))
	r := rateRouter(middleware.RateLimit(state, 2, time.Minute))

	assert.Equal(t, http.StatusNoContent, do(r, "").Code)
	state.AssertExpectations(t)
}

func TestInternalToken(t *testing.T) {
	// Arrange
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/internal/paints/persisted", middleware.InternalToken("s3cret"), func(c *gin.Context) {
		c.Status(http.StatusAccepted)
	})
	call := func(token string) int {
		req := httptest.NewRequest(http.MethodPost, "/internal/paints/persisted", nil)
		if token != "" {
			req.Header.Set(middleware.InternalTokenHeader, token)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	// Act & Assert
	assert.Equal(t, http.StatusUnauthorized, call(""))
	assert.Equal(t, http.StatusUnauthorized, call("guess"))
	assert.Equal(t, http.StatusAccepted, call("s3cret"))
}

func TestInternalToken_EmptyTokenPanics(t *testing.T) {
	assert.Panics(t, func() { middleware.InternalToken("") })
}
