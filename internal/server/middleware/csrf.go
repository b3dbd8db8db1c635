package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/trafi/trafi/internal/credential"
	"github.com/trafi/trafi/internal/metrics"
)

// CSRFOptions configures the double-submit cookie check.
type CSRFOptions struct {
	CookieName string
	HeaderName string
	// Secure marks the issued cookie Secure.
	Secure  bool
	Metrics *metrics.Metrics
}

func (o CSRFOptions) cookieName() string {
	if o.CookieName == "" {
		return "trafi_csrf"
	}
	return o.CookieName
}

func (o CSRFOptions) headerName() string {
	if o.HeaderName == "" {
		return "X-CSRF-Token"
	}
	return o.HeaderName
}

// CSRF returns an HTTP middleware that rejects unsafe requests unless the
// CSRF cookie and header are both present and equal. GET, HEAD, OPTIONS
// and TRACE pass through.
func CSRF(opts CSRFOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get(opts.headerName())
			cookie, err := r.Cookie(opts.cookieName())
			if err != nil || header == "" || cookie.Value == "" || !credential.Equal(cookie.Value, header) {
				opts.Metrics.AuthzDenied("csrf")
				writeForbidden(w, map[string]interface{}{"reason": "csrf"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IssueCSRFToken sets a fresh CSRF cookie on w and returns its value for the
// client to echo in the header.
func IssueCSRFToken(w http.ResponseWriter, opts CSRFOptions) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	http.SetCookie(w, &http.Cookie{
		Name:     opts.cookieName(),
		Value:    tok,
		Path:     "/",
		Secure:   opts.Secure,
		SameSite: http.SameSiteStrictMode,
	})
	return tok, nil
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}
