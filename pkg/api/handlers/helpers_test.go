package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jordanlanch/dripline/pkg/database/dbtest"
	"github.com/jordanlanch/dripline/pkg/email/emailtest"
	"github.com/jordanlanch/dripline/pkg/emailsequence"
	"github.com/jordanlanch/dripline/pkg/logger"
	"github.com/jordanlanch/dripline/pkg/users"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
)

type handlerFixture struct {
	service   *emailsequence.Service
	users     *users.Store
	sender    *emailtest.Sender
	sequences *EmailSequenceHandler
	userH     *UserHandler
}

func setupHandlers(t *testing.T) *handlerFixture {
	t.Helper()

	db := dbtest.Open(t)
	userStore := users.NewStore(db)
	sender := emailtest.NewSender()
	service := emailsequence.NewService(db, userStore, sender, emailsequence.Config{
		BaseURL:     "https://app.example.com",
		BatchSize:   10,
		Concurrency: 1,
		Lease:       time.Minute,
	}, logger.Nop())

	return &handlerFixture{
		service:   service,
		users:     userStore,
		sender:    sender,
		sequences: NewEmailSequenceHandler(service),
		userH:     NewUserHandler(userStore, service),
	}
}

// newRequest builds an echo context; params alternates names and values
func newRequest(method, target, body string, params ...string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var names, values []string
	for i := 0; i+1 < len(params); i += 2 {
		names = append(names, params[i])
		values = append(values, params[i+1])
	}
	if len(names) > 0 {
		c.SetParamNames(names...)
		c.SetParamValues(values...)
	}
	return c, rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func (f *handlerFixture) createUser(t *testing.T, email string) *users.User {
	t.Helper()
	u, err := f.users.Create(context.Background(), users.CreateUserRequest{Email: email, FirstName: "Ada", LastName: "Lovelace"})
	require.NoError(t, err)
	return u
}

func (f *handlerFixture) createSequence(t *testing.T, name string, trigger *string) *emailsequence.Sequence {
	t.Helper()
	ctx := context.Background()

	seq, err := f.service.CreateSequence(ctx, emailsequence.CreateSequenceRequest{Name: name, TriggerTag: trigger})
	require.NoError(t, err)

	_, err = f.service.ImportSteps(ctx, seq.Slug, []emailsequence.StepInput{
		{Subject: "Welcome {{firstName}}", Body: "<p>Hi {{firstName}}</p>"},
		{Subject: "Day two", Body: "<p>Tips</p>", DelayDays: 2},
	})
	require.NoError(t, err)
	return seq
}
