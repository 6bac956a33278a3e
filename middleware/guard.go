package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/groovybytes/dashauth"
)

type sessionContextKey struct{}

// SessionFromContext returns the session stored by [RequireSession].
func SessionFromContext(ctx context.Context) (*dashauth.Session, bool) {
	sess, ok := ctx.Value(sessionContextKey{}).(*dashauth.Session)
	return sess, ok
}

// RequireSession rejects requests without a valid session cookie with a
// JSON 401, or 503 when the session registry cannot be reached.
func RequireSession(engine *dashauth.Engine) func(http.Handler) http.Handler {
	return Guard(engine, func(w http.ResponseWriter, r *http.Request, err error) {
		status := http.StatusUnauthorized
		msg := "Unauthorized"
		if errors.Is(err, dashauth.ErrStoreUnavailable) {
			status = http.StatusServiceUnavailable
			msg = "Service unavailable"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
	})
}

// Guard opens the session cookie through engine and passes the session to
// next in the request context. reject handles every failure.
func Guard(engine *dashauth.Engine, reject func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				reject(w, r, dashauth.ErrEngineNotReady)
				return
			}

			sess, err := engine.Session(r.Context(), r)
			if err != nil {
				reject(w, r, err)
				return
			}

			ctx := context.WithValue(r.Context(), sessionContextKey{}, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
