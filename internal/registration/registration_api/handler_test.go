package registration_api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ms-registration/internal/auth"
	"ms-registration/internal/broadcast"
	"ms-registration/internal/logger"
	"ms-registration/internal/models"
	"ms-registration/internal/pass"
	"ms-registration/internal/registration"
	api "ms-registration/internal/registration/registration_api"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) reg(args mock.Arguments) (*models.Registration, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Registration), args.Error(1)
}

func (m *MockService) Register(ctx context.Context, userID, eventID string, prefs map[string]any) (*models.Registration, error) {
	return m.reg(m.Called(userID, eventID, prefs))
}

func (m *MockService) Get(ctx context.Context, registrationID, actorID string) (*models.Registration, error) {
	return m.reg(m.Called(registrationID, actorID))
}

func (m *MockService) ListForEvent(ctx context.Context, eventID string, status models.RegistrationStatus, actorID string) ([]models.Registration, error) {
	args := m.Called(eventID, status, actorID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Registration), args.Error(1)
}

func (m *MockService) Decide(ctx context.Context, registrationID string, approved bool, reason, deciderID string) (*models.Registration, error) {
	return m.reg(m.Called(registrationID, approved, reason, deciderID))
}

func (m *MockService) Cancel(ctx context.Context, registrationID, reason, actorID string) (*models.Registration, error) {
	return m.reg(m.Called(registrationID, reason, actorID))
}

func (m *MockService) MarkAttendance(ctx context.Context, registrationID string, present bool, actorID string) (*models.Registration, error) {
	return m.reg(m.Called(registrationID, present, actorID))
}

func (m *MockService) PassFor(ctx context.Context, registrationID, userID string) (*models.Registration, error) {
	return m.reg(m.Called(registrationID, userID))
}

func (m *MockService) Scan(ctx context.Context, claims models.PassClaims, scannerID string) (*models.Registration, error) {
	return m.reg(m.Called(claims, scannerID))
}

func (m *MockService) Occupancy(ctx context.Context, eventID string) (models.Occupancy, error) {
	args := m.Called(eventID)
	return args.Get(0).(models.Occupancy), args.Error(1)
}

type fixedCount int

func (c fixedCount) Occupancy(context.Context, string) (int, error) { return int(c), nil }

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type testServer struct {
	svc    *MockService
	router *broadcast.Router
	passes *pass.Issuer
	mux    http.Handler
}

// asUser stands in for auth.Middleware: the caller id comes from a header.
func asUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := auth.Principal{UserID: r.Header.Get("X-Test-User")}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	svc := &MockService{}
	router := broadcast.NewRouter(fixedCount(3), logger.Nop(), broadcast.Options{})
	t.Cleanup(router.Close)
	passes, err := pass.NewIssuer("test-secret", 64)
	require.NoError(t, err)

	h := api.NewHandler(svc, router, passes, logger.Nop())
	h.KeepAlive = time.Hour

	r := chi.NewRouter()
	h.RegisterPublicRoutes(r)
	r.Group(func(r chi.Router) {
		r.Use(asUser)
		h.RegisterRoutes(r)
	})
	return &testServer{svc: svc, router: router, passes: passes, mux: r}
}

func (ts *testServer) do(t *testing.T, method, path, user, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-Test-User", user)
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func TestRegister(t *testing.T) {
	ts := newTestServer(t)
	reg := &models.Registration{ID: "r1", UserID: "u1", EventID: "e1", Status: models.StatusPending}
	ts.svc.On("Register", "u1", "e1", map[string]any{"diet": "veg"}).Return(reg, nil)

	rec, env := ts.do(t, http.MethodPost, "/api/events/e1/registrations", "u1", `{"preferences":{"diet":"veg"}}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, env.Success)

	var got models.Registration
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "r1", got.ID)
	assert.Equal(t, models.StatusPending, got.Status)
	ts.svc.AssertExpectations(t)
}

func TestRegister_EmptyBodyAllowed(t *testing.T) {
	ts := newTestServer(t)
	ts.svc.On("Register", "u1", "e1", map[string]any(nil)).Return(&models.Registration{ID: "r1"}, nil)

	rec, _ := ts.do(t, http.MethodPost, "/api/events/e1/registrations", "u1", "")
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestRegister_ErrorMapping(t *testing.T) {
	deadline := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{"full", &registration.Error{Code: registration.CodeEventFull, Message: "e1 at 10/10"}, http.StatusConflict, "EVENT_FULL", "this event has reached capacity"},
		{"deadline", &registration.Error{Code: registration.CodeDeadlinePassed, Metadata: map[string]string{"deadline": deadline.Format(time.RFC3339)}}, http.StatusConflict, "DEADLINE_PASSED", "registration closed at 2026-03-01T09:00:00Z"},
		{"ineligible", &registration.Error{Code: registration.CodeNotEligible}, http.StatusForbidden, "NOT_ELIGIBLE", ""},
		{"fault", &registration.Error{Code: registration.CodeConsistencyFault, Message: "ledger at -1"}, http.StatusInternalServerError, "CONSISTENCY_FAULT", "something went wrong, please try again"},
		{"store down", &registration.Error{Code: registration.CodePersistence, Message: "pq: connection refused"}, http.StatusServiceUnavailable, "PERSISTENCE", "something went wrong, please try again"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.svc.On("Register", "u1", "e1", mock.Anything).Return(nil, tt.err)

			rec, env := ts.do(t, http.MethodPost, "/api/events/e1/registrations", "u1", `{}`)
			assert.Equal(t, tt.status, rec.Code)
			assert.False(t, env.Success)
			assert.Equal(t, tt.code, env.Error)
			if tt.message != "" {
				assert.Equal(t, tt.message, env.Message)
			}
			assert.NotContains(t, rec.Body.String(), "pq:")
			assert.NotContains(t, rec.Body.String(), "ledger at")
		})
	}
}

func TestRegister_BadBody(t *testing.T) {
	ts := newTestServer(t)
	rec, env := ts.do(t, http.MethodPost, "/api/events/e1/registrations", "u1", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, env.Success)
	ts.svc.AssertNotCalled(t, "Register", mock.Anything, mock.Anything, mock.Anything)
}

func TestTransitions(t *testing.T) {
	ts := newTestServer(t)
	approved := &models.Registration{ID: "r1", Status: models.StatusApproved}
	ts.svc.On("Decide", "r1", true, "welcome", "org").Return(approved, nil)
	ts.svc.On("Decide", "r2", true, "", "org").Return(nil, &registration.Error{
		Code:     registration.CodeInvalidTransition,
		Metadata: map[string]string{"from": "approved", "action": "approved"},
	})
	ts.svc.On("Cancel", "r1", "", "u1").Return(&models.Registration{ID: "r1", Status: models.StatusCancelled}, nil)
	ts.svc.On("MarkAttendance", "r3", false, "door").Return(&models.Registration{ID: "r3", Status: models.StatusAbsent}, nil)

	rec, _ := ts.do(t, http.MethodPost, "/api/registrations/r1/decision", "org", `{"approved":true,"reason":"welcome"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env := ts.do(t, http.MethodPost, "/api/registrations/r2/decision", "org", `{"approved":true}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "a approved registration cannot be approved; refresh and try again", env.Message)

	rec, _ = ts.do(t, http.MethodPost, "/api/registrations/r1/cancel", "u1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env = ts.do(t, http.MethodPost, "/api/registrations/r3/attendance", "door", `{"present":false}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	var got models.Registration
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, models.StatusAbsent, got.Status)

	ts.svc.AssertExpectations(t)
}

func TestReads(t *testing.T) {
	ts := newTestServer(t)
	ts.svc.On("Get", "r1", "u1").Return(&models.Registration{ID: "r1"}, nil)
	ts.svc.On("Get", "r1", "stranger").Return(nil, &registration.Error{Code: registration.CodeNotFound})
	ts.svc.On("ListForEvent", "e1", models.StatusPending, "org").Return([]models.Registration(nil), nil)
	ts.svc.On("Occupancy", "e1").Return(models.Occupancy{EventID: "e1", Occupied: 3, MaxCapacity: 10, Available: 7}, nil)

	rec, _ := ts.do(t, http.MethodGet, "/api/registrations/r1", "u1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = ts.do(t, http.MethodGet, "/api/registrations/r1", "stranger", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, env := ts.do(t, http.MethodGet, "/api/events/e1/registrations?status=pending", "org", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, string(env.Data))

	rec, _ = ts.do(t, http.MethodGet, "/api/events/e1/registrations?status=bogus", "org", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = ts.do(t, http.MethodGet, "/api/events/e1/occupancy", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var occ models.Occupancy
	require.NoError(t, json.Unmarshal(env.Data, &occ))
	assert.Equal(t, 7, occ.Available)

	rec, env = ts.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
}

func TestPassAndScan(t *testing.T) {
	ts := newTestServer(t)
	reg := &models.Registration{ID: "r1", UserID: "u1", EventID: "e1", Status: models.StatusApproved}
	ts.svc.On("PassFor", "r1", "u1").Return(reg, nil)

	rec, _ := ts.do(t, http.MethodGet, "/api/registrations/r1/pass", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	token, err := ts.passes.Seal(models.PassClaims{RegistrationID: "r1", EventID: "e1", UserID: "u1"})
	require.NoError(t, err)
	ts.svc.On("Scan", models.PassClaims{RegistrationID: "r1", EventID: "e1", UserID: "u1"}, "door").
		Return(&models.Registration{ID: "r1", Status: models.StatusAttended}, nil)

	body, _ := json.Marshal(models.ScanRequest{Pass: token})
	rec, _ = ts.do(t, http.MethodPost, "/api/attendance/scan", "door", string(body))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Test case: forged pass never reaches the service
	rec, env := ts.do(t, http.MethodPost, "/api/attendance/scan", "door", `{"pass":"forged"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_PASS", env.Error)
	ts.svc.AssertNumberOfCalls(t, "Scan", 1)
}

func TestStreamEvent(t *testing.T) {
	ts := newTestServer(t)
	ts.svc.On("Occupancy", "e1").Return(models.Occupancy{EventID: "e1"}, nil)
	ts.svc.On("Occupancy", "missing").Return(models.Occupancy{}, &registration.Error{Code: registration.CodeNotFound})

	srv := httptest.NewServer(ts.mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/events/missing/stream")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events/e1/stream", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	frames := make(chan models.DomainEvent, 4)
	go func() {
		defer close(frames)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := sc.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev models.DomainEvent
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev) == nil {
				frames <- ev
			}
		}
	}()

	next := func() models.DomainEvent {
		select {
		case ev := <-frames:
			return ev
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for frame")
			return models.DomainEvent{}
		}
	}

	snap := next()
	assert.Equal(t, models.KindSnapshot, snap.Kind)
	assert.Equal(t, 3, snap.OccupiedCountAfter)

	_, err = ts.router.Publish(context.Background(), models.DomainEvent{EventID: "e1", Kind: models.KindRegistrationCreated})
	require.NoError(t, err)

	ev := next()
	assert.Equal(t, models.KindRegistrationCreated, ev.Kind)
	assert.Equal(t, snap.SequenceNumber+1, ev.SequenceNumber)

	cancel()
	assert.Eventually(t, func() bool { return ts.router.Subscribers("e1") == 0 }, 5*time.Second, 10*time.Millisecond)
}
