package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

// Auth selects how /api/v1 authenticates callers. When JWTSecret is set,
// callers present an HS256 token whose subject becomes the user id and Token
// is ignored. When only Token is set it is compared as a static bearer token.
// Both empty disables authentication.
type Auth struct {
	Token     string
	JWTSecret string
}

var (
	ErrTokenExpired = errors.New("token expired")
	ErrInvalidToken = errors.New("invalid token")
)

// UserClaims are the claims warden reads from a caller token.
type UserClaims struct {
	jwt.RegisteredClaims
}

type userKey struct{}

// UserFrom returns the authenticated user id, if the request carried a token.
func UserFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey{}).(string)
	return id, ok && id != ""
}

// Middleware returns the authentication middleware for a.
func (a Auth) Middleware() func(http.Handler) http.Handler {
	switch {
	case a.JWTSecret != "":
		return JWTAuthMiddleware(a.JWTSecret)
	default:
		return BearerAuthMiddleware(a.Token)
	}
}

// BearerAuthMiddleware rejects requests without the expected bearer token. An
// empty token disables authentication.
func BearerAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte("Bearer " + token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// JWTAuthMiddleware validates an HS256 bearer token and stores its subject
// as the request's user id.
func JWTAuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			sub, err := ValidateUserToken(raw, secret)
			if err != nil {
				detail := "invalid token"
				if errors.Is(err, ErrTokenExpired) {
					detail = "token expired"
				}
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized", "detail": detail})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, sub)))
		})
	}
}

// ValidateUserToken parses tokenString and returns its subject claim.
func ValidateUserToken(tokenString, secret string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &UserClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
