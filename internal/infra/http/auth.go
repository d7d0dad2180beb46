package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	derror "conversation-api/internal/error"
)

var errMissingToken = errors.New("missing token")

// BearerAuth accepts HS256 tokens signed with secret. An empty secret
// disables the guard.
func BearerAuth(secret string) Middleware {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := parseBearer(r, key); err != nil {
				writeError(w, derror.Unauthorized())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func parseBearer(r *http.Request, key []byte) (*jwt.RegisteredClaims, error) {
	hdr := r.Header.Get("Authorization")
	if len(hdr) < 7 || !strings.EqualFold(hdr[:7], "bearer ") {
		return nil, errMissingToken
	}
	claims := &jwt.RegisteredClaims{}
	tkn, err := jwt.ParseWithClaims(strings.TrimSpace(hdr[7:]), claims, func(t *jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tkn.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
