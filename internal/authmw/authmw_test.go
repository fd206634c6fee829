package authmw

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
})

func serve(h http.Handler, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts", http.NoBody)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestToken_Accepts(t *testing.T) {
	t.Parallel()

	h := Token("secret-token-123")(okHandler)

	tests := []struct {
		name    string
		headers map[string]string
	}{
		{"bearer", map[string]string{"Authorization": "Bearer secret-token-123"}},
		{"custom header", map[string]string{HeaderToken: "secret-token-123"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if rec := serve(h, tt.headers); rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}
}

func TestToken_Rejects(t *testing.T) {
	t.Parallel()

	h := Token("correct-token")(okHandler)

	tests := []struct {
		name    string
		headers map[string]string
	}{
		{"no credentials", nil},
		{"basic auth", map[string]string{"Authorization": "Basic dXNlcjpwYXNz"}},
		{"lowercase bearer", map[string]string{"Authorization": "bearer correct-token"}},
		{"no prefix", map[string]string{"Authorization": "correct-token"}},
		{"empty bearer", map[string]string{"Authorization": "Bearer "}},
		{"wrong token", map[string]string{"Authorization": "Bearer wrong-token"}},
		{"partial match", map[string]string{"Authorization": "Bearer correct"}},
		{"token with suffix", map[string]string{"Authorization": "Bearer correct-token-extra"}},
		{"wrong custom header", map[string]string{HeaderToken: "nope"}},
		{"bad authorization wins over good header", map[string]string{"Authorization": "Bearer nope", HeaderToken: "correct-token"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := serve(h, tt.headers)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
			if rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate challenge")
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
		})
	}
}

func TestToken_PassesRequestThrough(t *testing.T) {
	t.Parallel()

	var called bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusAccepted)
	})

	rec := serve(Token("tok")(inner), map[string]string{"Authorization": "Bearer tok"})
	if !called {
		t.Error("inner handler was not called")
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
}
