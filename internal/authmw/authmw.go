// Package authmw guards the operator API with static bearer tokens.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

const scheme = "Bearer "

// BearerToken returns middleware that admits requests whose Authorization
// header carries one of tokens. Several tokens may be configured so that a
// token can be rotated without downtime. Rejections are logged with the
// request path, never the presented token.
func BearerToken(logger log.Logger, tokens ...string) func(http.Handler) http.Handler {
	var expected [][]byte
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			expected = append(expected, []byte(t))
		}
	}
	if len(expected) == 0 {
		panic(xerrors.New("at least one api token is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, scheme) {
				reject(w, "missing or malformed authorization header")
				logger.Warn(r.Context(), "api request without bearer token", "path", r.URL.Path)
				return
			}
			if !match([]byte(auth[len(scheme):]), expected) {
				reject(w, "invalid token")
				logger.Warn(r.Context(), "api request with invalid token", "path", r.URL.Path)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// match compares against every token so timing does not reveal which one
// was close.
func match(got []byte, expected [][]byte) bool {
	ok := 0
	for _, e := range expected {
		ok |= subtle.ConstantTimeCompare(got, e)
	}
	return ok == 1
}

func reject(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="steward"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
