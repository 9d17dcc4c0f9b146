package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/nearby-chat/internal/types"
)

const (
	userIdClaim   = "id"
	userTypeClaim = "user_type"

	tokenQueryParam = "token"
)

type contextKey string

const userKey contextKey = "user"

var errNoToken = errors.New("no token provided")

func WithUser(ctx context.Context, user types.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext returns the principal set by the auth middleware.
func UserFromContext(ctx context.Context) (types.User, bool) {
	user, ok := ctx.Value(userKey).(types.User)

	return user, ok
}

// tokenFromRequest reads a bearer token from the Authorization header, falling
// back to the token query parameter used by browser websocket clients.
func tokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return "", fmt.Errorf("malformed authorization header")
		}
		return token, nil
	}

	if token := r.URL.Query().Get(tokenQueryParam); token != "" {
		return token, nil
	}

	return "", errNoToken
}

func verifyToken(tokenString string, signingKey []byte) (types.User, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return signingKey, nil
	})
	if err != nil {
		return types.User{}, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return types.User{}, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return types.User{}, fmt.Errorf("invalid token claims")
	}

	userId, ok := claims[userIdClaim].(float64)
	if !ok || userId <= 0 {
		return types.User{}, fmt.Errorf("invalid user id claim")
	}

	userType, _ := claims[userTypeClaim].(string)

	return types.User{Id: int(userId), UserType: userType}, nil
}
