package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Naveenravi07/Avara/internal/admission"
	"github.com/Naveenravi07/Avara/internal/api"
	"github.com/Naveenravi07/Avara/internal/auth"
	"github.com/Naveenravi07/Avara/internal/bus"
	"github.com/Naveenravi07/Avara/internal/meet"
	"github.com/Naveenravi07/Avara/internal/models"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	handler := api.NewHandler(
		auth.NewMemoryDirectory(),
		auth.NewSessionManager(time.Hour),
		meet.NewMemoryRepository(),
		admission.NewCoordinator(admission.NewMemoryStore(), bus.NewMemoryBus(0), nil),
		nil,
	)
	srv, err := New(handler, nil, nil, Config{Addr: ":0"})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

func doJSON(t *testing.T, srv *Server, method, target, cookie string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &body)
	req.Header.Set("Content-Type", "application/json")
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == "avara_session" && cookie.Value != "" {
			return cookie.Name + "=" + cookie.Value
		}
	}
	t.Fatalf("no session cookie in response: %v", rec.Header())
	return ""
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("response must carry a request id")
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-abc")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "req-abc" {
		t.Fatalf("expected req-abc, got %q", got)
	}
}

func TestAuthenticatedMeetingFlow(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/meetings", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a session, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/auth/signup", "", map[string]string{
		"displayName": "Alice",
		"email":       "alice@example.com",
		"password":    "password123",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup failed: %d %s", rec.Code, rec.Body.String())
	}
	cookie := sessionCookie(t, rec)

	rec = doJSON(t, srv, http.MethodGet, "/api/auth/session", cookie, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("session lookup failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/meetings", cookie, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create meeting failed: %d %s", rec.Code, rec.Body.String())
	}
	var meeting models.Meeting
	if err := json.NewDecoder(rec.Body).Decode(&meeting); err != nil {
		t.Fatalf("decode meeting: %v", err)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/meetings/"+meeting.ID, cookie, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get meeting failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/meetings/"+meeting.ID+"/waiting", cookie, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("waiting list failed: %d %s", rec.Code, rec.Body.String())
	}
}

func TestSignOutRevokesSession(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/auth/signup", "", map[string]string{
		"displayName": "Alice",
		"email":       "alice@example.com",
		"password":    "password123",
	})
	cookie := sessionCookie(t, rec)

	rec = doJSON(t, srv, http.MethodDelete, "/api/auth/session", cookie, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sign out failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/auth/session", cookie, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after sign out, got %d", rec.Code)
	}
}
