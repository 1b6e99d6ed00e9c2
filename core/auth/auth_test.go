package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !CheckPasswordHash("correct horse battery staple", hash) {
		t.Fatal("correct password rejected")
	}
	if CheckPasswordHash("wrong", hash) {
		t.Fatal("wrong password accepted")
	}
}

func TestSessionTokenRoundTrip(t *testing.T) {
	const secret = "test-secret"

	token, err := IssueSessionToken(secret, "admin")
	if err != nil {
		t.Fatalf("IssueSessionToken: %v", err)
	}

	user, err := VerifySessionToken(secret, token)
	if err != nil {
		t.Fatalf("VerifySessionToken: %v", err)
	}
	if user != "admin" {
		t.Fatalf("user = %q, want admin", user)
	}

	if _, err := VerifySessionToken("other-secret", token); err == nil {
		t.Fatal("token verified with wrong secret")
	}
	if _, err := VerifySessionToken(secret, "not.a.token"); err == nil {
		t.Fatal("garbage token verified")
	}
}

func TestUserFromRequest(t *testing.T) {
	const secret = "test-secret"

	r := httptest.NewRequest("GET", "/api/stream/status", nil)
	if _, err := UserFromRequest(secret, r); err == nil {
		t.Fatal("request without session cookie should fail")
	}

	token, err := IssueSessionToken(secret, "admin")
	if err != nil {
		t.Fatalf("IssueSessionToken: %v", err)
	}
	r = httptest.NewRequest("GET", "/api/stream/status", nil)
	r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: token})

	user, err := UserFromRequest(secret, r)
	if err != nil {
		t.Fatalf("UserFromRequest: %v", err)
	}
	if user != "admin" {
		t.Fatalf("user = %q, want admin", user)
	}
}

func TestAdminOnly(t *testing.T) {
	const secret = "test-secret"
	called := false
	handler := AdminOnly(secret, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest("POST", "/api/recording/start", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated request: status = %d, want 401", w.Code)
	}
	if called {
		t.Fatal("handler ran without a session")
	}

	token, err := IssueSessionToken(secret, "admin")
	if err != nil {
		t.Fatalf("IssueSessionToken: %v", err)
	}
	r := httptest.NewRequest("POST", "/api/recording/start", nil)
	r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: token})
	w = httptest.NewRecorder()
	handler(w, r)
	if !called {
		t.Fatal("handler did not run with a valid session")
	}
}
