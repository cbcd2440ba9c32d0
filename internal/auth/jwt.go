package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const callerIDKey contextKey = "caller_id"

// Claims carries the caller id issued by the identity provider in "uid".
type Claims struct {
	CallerID int64 `json:"uid"`
	jwt.RegisteredClaims
}

// Authorizer decides whether a caller may open calls for a memorial.
type Authorizer interface {
	AuthorizeMemorial(ctx context.Context, callerID, memorialID int64) error
}

// Middleware validates an HS256 bearer token. Browsers cannot set headers on a
// WebSocket handshake, so the token may also arrive as ?access_token=.
func Middleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenRaw := bearerToken(r)
			if tokenRaw == "" {
				unauthorized(w, "missing bearer token")
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenRaw, claims, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, errors.New("unexpected signing method")
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid || claims.CallerID <= 0 {
				unauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCallerID(r.Context(), claims.CallerID)))
		})
	}
}

func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func unauthorized(w http.ResponseWriter, msg string) {
	http.Error(w, `{"error":{"code":"unauthorized","message":"`+msg+`"}}`, http.StatusUnauthorized)
}

func WithCallerID(ctx context.Context, callerID int64) context.Context {
	return context.WithValue(ctx, callerIDKey, callerID)
}

func CallerIDFromContext(ctx context.Context) (int64, bool) {
	v, ok := ctx.Value(callerIDKey).(int64)
	return v, ok && v > 0
}
