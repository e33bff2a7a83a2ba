package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/noah-isme/sanction-engine/internal/handler"
	"github.com/noah-isme/sanction-engine/internal/models"
	"github.com/noah-isme/sanction-engine/internal/service"
	"github.com/noah-isme/sanction-engine/pkg/config"
	appErrors "github.com/noah-isme/sanction-engine/pkg/errors"
)

type goneDispatcher struct{}

func (goneDispatcher) Dispatch(context.Context, string) (*service.TokenResult, error) {
	return nil, appErrors.ErrNoSanction
}

type appliedDispatcher struct{}

func (appliedDispatcher) Dispatch(context.Context, string) (*service.TokenResult, error) {
	return &service.TokenResult{SanctionID: "emb-1", Status: models.TokenStatusApplied}, nil
}

func newTestEngine(t *testing.T, moderation bool) (*gin.Engine, *service.SessionService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	sessions := service.NewSessionService(service.SessionConfig{Secret: "router-secret"}, nil)
	cfg := &config.Config{Env: config.EnvProduction, APIPrefix: "/api/v1"}
	cfg.Moderation.Enabled = moderation
	metrics := service.NewMetricsService()
	return New(Dependencies{
		Config:      cfg,
		Sessions:    sessions,
		Metrics:     metrics,
		Tokens:      handler.NewTokenHandler(goneDispatcher{}),
		Sanctions:   handler.NewSanctionHandler(nil),
		Submissions: handler.NewCollectionSubmissionHandler(nil),
		Reconcile:   handler.NewReconcileHandler(nil),
		Observe:     handler.NewMetricsHandler(metrics, nil),
	}), sessions
}

func get(r http.Handler, method, path, token string) int {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRouterMountsPublicAndSecuredRoutes(t *testing.T) {
	r, sessions := newTestEngine(t, true)

	assert.Equal(t, http.StatusOK, get(r, http.MethodGet, "/health", ""))
	assert.Equal(t, http.StatusOK, get(r, http.MethodGet, "/metrics", ""))
	assert.Equal(t, http.StatusGone, get(r, http.MethodGet, "/api/v1/tokens/abc", ""))
	assert.Equal(t, http.StatusUnauthorized, get(r, http.MethodGet, "/api/v1/sanctions/s-1", ""))
	assert.Equal(t, http.StatusNotFound, get(r, http.MethodGet, "/docs/index.html", ""))

	token, _, err := sessions.Issue("alice", false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, get(r, http.MethodGet, "/api/v1/moderation/sanctions", token))
	assert.Equal(t, http.StatusForbidden, get(r, http.MethodPost, "/api/v1/internal/reconcile", token))
}

func TestRouterTokenLinksIgnoreBadSessions(t *testing.T) {
	r, sessions := newTestEngine(t, true)

	assert.Equal(t, http.StatusGone, get(r, http.MethodGet, "/api/v1/tokens/abc", "not-a-session"))
	token, _, err := sessions.Issue("alice", false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusGone, get(r, http.MethodGet, "/api/v1/tokens/abc", token))
}

func TestRouterAuditsSignedInTokenClicks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)
	sessions := service.NewSessionService(service.SessionConfig{Secret: "router-secret"}, nil)
	metrics := service.NewMetricsService()
	r := New(Dependencies{
		Config:      &config.Config{Env: config.EnvProduction, APIPrefix: "/api/v1"},
		Logger:      zap.New(core),
		Sessions:    sessions,
		Metrics:     metrics,
		Tokens:      handler.NewTokenHandler(appliedDispatcher{}),
		Sanctions:   handler.NewSanctionHandler(nil),
		Submissions: handler.NewCollectionSubmissionHandler(nil),
		Reconcile:   handler.NewReconcileHandler(nil),
		Observe:     handler.NewMetricsHandler(metrics, nil),
	})
	token, _, err := sessions.Issue("alice", false)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, get(r, http.MethodGet, "/api/v1/tokens/abc", token))
	entries := logs.FilterMessage("audit").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "token.dispatch", entries[0].ContextMap()["action"])
	assert.Equal(t, "alice", entries[0].ContextMap()["user_id"])
}

func TestRouterHidesModerationWhenDisabled(t *testing.T) {
	r, sessions := newTestEngine(t, false)
	token, _, err := sessions.Issue("mod-1", true)
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, get(r, http.MethodGet, "/api/v1/moderation/sanctions", token))
}
