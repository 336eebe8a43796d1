package vizortest

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type tenantKey struct{}

func tenantFromContext(ctx context.Context) string {
	id, _ := ctx.Value(tenantKey{}).(string)
	return id
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.Logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}

// gate counts every request, captures JSON bodies and query strings for
// later assertions, and answers scripted failures before any handler
// runs.
func (s *Server) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path

		var body []byte
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") && r.Body != nil {
			body, _ = io.ReadAll(r.Body)
			r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))
		}

		s.mu.Lock()
		s.hits[key]++
		if body != nil {
			s.lastJSON[key] = body
		}
		s.lastQuery[key] = r.URL.Query()
		f := s.faults[key]
		var failWith int
		if f != nil && f.times != 0 {
			failWith = f.status
			if f.times > 0 {
				f.times--
			}
		}
		s.mu.Unlock()

		if failWith != 0 {
			writeErr(w, failWith, "scripted failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAuth admits requests carrying a bearer token this server issued
// that is neither expired nor revoked, and resolves the token's tenant
// into the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeErr(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		tok, err := jwt.Parse(strings.TrimPrefix(auth, "Bearer "),
			func(t *jwt.Token) (any, error) { return s.secret, nil },
			jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !tok.Valid {
			writeErr(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		claims, ok := tok.Claims.(jwt.MapClaims)
		if !ok {
			writeErr(w, http.StatusUnauthorized, "malformed claims")
			return
		}

		gen, _ := claims["gen"].(float64)
		s.mu.Lock()
		current := s.tokenGen
		s.mu.Unlock()
		if int(gen) != current {
			writeErr(w, http.StatusUnauthorized, "token revoked")
			return
		}

		tenantID, _ := claims["tenant_id"].(string)
		ctx := context.WithValue(r.Context(), tenantKey{}, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
