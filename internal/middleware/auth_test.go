package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const testSecret = "test-secret"

func TestParseToken(t *testing.T) {
	good, err := NewToken(testSecret, "user-1", time.Minute)
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	expired, err := NewToken(testSecret, "user-1", -time.Minute)
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	noSubject, err := NewToken(testSecret, "", time.Minute)
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}

	tests := []struct {
		name    string
		token   string
		secret  string
		want    string
		wantErr bool
	}{
		{name: "valid", token: good, secret: testSecret, want: "user-1"},
		{name: "wrong secret", token: good, secret: "other", wantErr: true},
		{name: "expired", token: expired, secret: testSecret, wantErr: true},
		{name: "missing subject", token: noSubject, secret: testSecret, wantErr: true},
		{name: "garbage", token: "not-a-jwt", secret: testSecret, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseToken(tt.token, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("subject = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		header  string
		want    string
		wantErr bool
	}{
		{name: "bearer header", target: "/ws", header: "Bearer abc", want: "abc"},
		{name: "lowercase scheme", target: "/ws", header: "bearer abc", want: "abc"},
		{name: "query parameter", target: "/ws?token=xyz", want: "xyz"},
		{name: "header wins", target: "/ws?token=xyz", header: "Bearer abc", want: "abc"},
		{name: "bad scheme", target: "/ws", header: "Basic abc", wantErr: true},
		{name: "missing", target: "/ws", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := TokenFromRequest(r)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("token = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAuthMiddleware(t *testing.T) {
	var seen string
	h := Auth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetUserID(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", w.Code)
	}

	token, _ := NewToken(testSecret, "user-7", time.Minute)
	r = httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if seen != "user-7" {
		t.Errorf("user id in context = %q, want user-7", seen)
	}
}
