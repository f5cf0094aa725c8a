package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/commonground/mediation/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

type fakeUsers struct {
	mu      sync.Mutex
	users   map[string]*domain.User
	upserts int
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{users: make(map[string]*domain.User)}
}

func (f *fakeUsers) GetUser(_ context.Context, userID string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[userID]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeUsers) UpsertUser(_ context.Context, user *domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *user
	f.users[user.UserID] = &cp
	f.upserts++
	return nil
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func echoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Got-User", UserIDFromContext(r.Context()))
		w.Header().Set("X-Got-Name", DisplayNameFromContext(r.Context()))
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	users := newFakeUsers()
	v := NewVerifier(Config{Secret: "s3cret", Issuer: "idp", Audience: "mediation", Now: func() time.Time { return testNow }})
	h := Middleware(users, v)(echoHandler())

	token := signToken(t, "s3cret", jwt.MapClaims{
		"sub":  "auth0|alice",
		"name": "Alice",
		"iss":  "idp",
		"aud":  "mediation",
		"exp":  testNow.Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Header().Get("X-Got-User"); got != "auth0|alice" {
		t.Fatalf("unexpected user %q", got)
	}
	if got := w.Header().Get("X-Got-Name"); got != "Alice" {
		t.Fatalf("unexpected name %q", got)
	}
	if u := users.users["auth0|alice"]; u == nil || u.DisplayName != "Alice" {
		t.Fatalf("expected user to be recorded, got %+v", u)
	}
}

func TestMiddlewareRejectsBadTokens(t *testing.T) {
	v := NewVerifier(Config{Secret: "s3cret", Issuer: "idp", Now: func() time.Time { return testNow }})
	h := Middleware(newFakeUsers(), v)(echoHandler())

	cases := map[string]string{
		"missing":      "",
		"wrong secret": "Bearer " + signToken(t, "other", jwt.MapClaims{"sub": "u1", "iss": "idp", "exp": testNow.Add(time.Hour).Unix()}),
		"expired":      "Bearer " + signToken(t, "s3cret", jwt.MapClaims{"sub": "u1", "iss": "idp", "exp": testNow.Add(-time.Hour).Unix()}),
		"wrong issuer": "Bearer " + signToken(t, "s3cret", jwt.MapClaims{"sub": "u1", "iss": "evil", "exp": testNow.Add(time.Hour).Unix()}),
		"no expiry":    "Bearer " + signToken(t, "s3cret", jwt.MapClaims{"sub": "u1", "iss": "idp"}),
		"bad subject":  "Bearer " + signToken(t, "s3cret", jwt.MapClaims{"sub": "a b", "iss": "idp", "exp": testNow.Add(time.Hour).Unix()}),
	}
	for name, auth := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
			if auth != "" {
				req.Header.Set("Authorization", auth)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", w.Code)
			}
		})
	}
}

func TestMiddlewareAcceptsQueryToken(t *testing.T) {
	v := NewVerifier(Config{Secret: "s3cret", Now: func() time.Time { return testNow }})
	h := Middleware(newFakeUsers(), v)(echoHandler())

	token := signToken(t, "s3cret", jwt.MapClaims{"sub": "bob", "exp": testNow.Add(time.Hour).Unix()})
	req := httptest.NewRequest(http.MethodGet, "/ws/sessions/s1?access_token="+token, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Header().Get("X-Got-Name"); got != "user-bob" {
		t.Fatalf("expected derived display name, got %q", got)
	}
}

func TestMiddlewareDevHeaders(t *testing.T) {
	users := newFakeUsers()
	v := NewVerifier(Config{AllowDevHeaders: true, Now: func() time.Time { return testNow }})
	h := Middleware(users, v)(echoHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set(UserHeaderName, "carol")
	req.Header.Set(NameHeaderName, "Carol")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Header().Get("X-Got-User") != "carol" {
		t.Fatalf("expected dev header identity, got %d %q", w.Code, w.Header().Get("X-Got-User"))
	}

	// A second request within a minute with the same name skips the write.
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if users.upserts != 1 {
		t.Fatalf("expected one upsert, got %d", users.upserts)
	}

	strict := Middleware(users, NewVerifier(Config{}))(echoHandler())
	w = httptest.NewRecorder()
	strict.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without dev headers enabled, got %d", w.Code)
	}
}

func TestCleanName(t *testing.T) {
	long := make([]rune, 150)
	for i := range long {
		long[i] = 'é'
	}
	if got := []rune(cleanName(string(long), "u")); len(got) != maxNameLength {
		t.Fatalf("expected name truncated to %d runes, got %d", maxNameLength, len(got))
	}
	if got := cleanName("  ", "abcdefghijkl"); got != "user-efghijkl" {
		t.Fatalf("unexpected derived name %q", got)
	}
}
