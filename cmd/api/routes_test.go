package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jordanlanch/dripline/config"
	"github.com/jordanlanch/dripline/pkg/api/handlers"
	"github.com/jordanlanch/dripline/pkg/auth"
	"github.com/jordanlanch/dripline/pkg/database/dbtest"
	"github.com/jordanlanch/dripline/pkg/email/emailtest"
	"github.com/jordanlanch/dripline/pkg/emailsequence"
	"github.com/jordanlanch/dripline/pkg/jobs"
	"github.com/jordanlanch/dripline/pkg/logger"
	custommiddleware "github.com/jordanlanch/dripline/pkg/middleware"
	"github.com/jordanlanch/dripline/pkg/users"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-jwt-secret"

func setupServer(t *testing.T) *echo.Echo {
	t.Helper()

	cfg := &config.Config{
		JWTSecret:  testSecret,
		CronSecret: "cron-secret",
	}

	db := dbtest.Open(t)
	userStore := users.NewStore(db)
	svc := emailsequence.NewService(db, userStore, emailtest.NewSender(), emailsequence.Config{BaseURL: "https://app.example.com"}, logger.Nop())
	cronManager := jobs.NewCronManager(svc, nil, logger.Nop(), "@every 5m", time.Minute)

	webhook, err := handlers.NewEmailWebhookHandler(svc, "")
	require.NoError(t, err)

	apiLimiter := custommiddleware.NewRateLimiter(6000, 100)
	webhookLimiter := custommiddleware.NewRateLimiter(6000, 100)
	t.Cleanup(apiLimiter.Close)
	t.Cleanup(webhookLimiter.Close)

	e := echo.New()
	registerRoutes(e, cfg, routeHandlers{
		sequences: handlers.NewEmailSequenceHandler(svc),
		users:     handlers.NewUserHandler(userStore, svc),
		webhook:   webhook,
		cron:      handlers.NewCronHandler(cronManager, time.Minute),
		health:    handlers.NewHealthHandler(db, nil),
	}, routeLimiters{api: apiLimiter, webhook: webhookLimiter})

	return e
}

func token(t *testing.T, role string) string {
	t.Helper()
	tok, err := auth.GenerateJWT(role+"@example.com", role, testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func serve(e *echo.Echo, method, target, body, bearer string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if bearer != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRoutes_Auth(t *testing.T) {
	e := setupServer(t)
	admin := token(t, auth.RoleAdmin)
	operator := token(t, auth.RoleOperator)

	tests := []struct {
		name   string
		method string
		target string
		body   string
		bearer string
		want   int
	}{
		{"list without token", http.MethodGet, "/api/v1/sequences", "", "", http.StatusUnauthorized},
		{"list as operator", http.MethodGet, "/api/v1/sequences", "", operator, http.StatusOK},
		{"list as admin", http.MethodGet, "/api/v1/sequences", "", admin, http.StatusOK},
		{"create as operator", http.MethodPost, "/api/v1/sequences", `{"name":"Onboarding"}`, operator, http.StatusForbidden},
		{"create as admin", http.MethodPost, "/api/v1/sequences", `{"name":"Onboarding"}`, admin, http.StatusCreated},
		{"create user as operator", http.MethodPost, "/api/v1/users", `{"email":"a@example.com"}`, operator, http.StatusForbidden},
		{"export without token", http.MethodGet, "/api/v1/sequences/1/export", "", "", http.StatusUnauthorized},
		{"export token in query", http.MethodGet, "/api/v1/sequences/onboarding/export?token=" + operator, "", "", http.StatusOK},
		{"unknown enrollment", http.MethodGet, "/api/v1/enrollments/999", "", operator, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(e, tt.method, tt.target, tt.body, tt.bearer)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestRoutes_Cron(t *testing.T) {
	e := setupServer(t)

	rec := serve(e, http.MethodPost, "/api/v1/cron/sequences", "", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(e, http.MethodPost, "/api/v1/cron/sequences", "", "cron-secret")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ran":true`)
}

func TestRoutes_Public(t *testing.T) {
	e := setupServer(t)

	rec := serve(e, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(e, http.MethodPost, "/api/v1/webhooks/email", `[]`, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
