// Package authmw provides HTTP middleware for shared-token authentication.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// HeaderToken carries the token for webhook senders that cannot set an
// Authorization header.
const HeaderToken = "X-Klaxon-Token"

// Token returns middleware that requires token either as a Bearer
// credential or in the X-Klaxon-Token header. Comparison is constant time.
// An Authorization header, when present, takes precedence.
func Token(token string) func(http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := credential(r)
			if !ok {
				unauthorized(w, "missing or malformed credentials")
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), expected) != 1 {
				unauthorized(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func credential(r *http.Request) (string, bool) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		tok, ok := strings.CutPrefix(auth, "Bearer ")
		return tok, ok && tok != ""
	}
	if tok := r.Header.Get(HeaderToken); tok != "" {
		return tok, true
	}
	return "", false
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="klaxon"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
