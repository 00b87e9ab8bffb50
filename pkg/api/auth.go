package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const approverKey contextKey = "approver"

// ApproverClaims carry the approver identity on signed tokens.
type ApproverClaims struct {
	Approver string `json:"approver"`
	jwt.RegisteredClaims
}

// IssueApproverToken signs a short-lived approver identity token.
func IssueApproverToken(secret, approver string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := ApproverClaims{
		Approver: approver,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   approver,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "openclaw",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseApproverToken verifies the token and returns the approver identity.
func ParseApproverToken(secret, tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ApproverClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*ApproverClaims)
	if !ok || claims.Approver == "" {
		return "", fmt.Errorf("token carries no approver identity")
	}
	return claims.Approver, nil
}

// ApproverAuth extracts an approver identity from a Bearer token and stores
// it on the request context. With an empty secret the middleware is a no-op,
// leaving approver identity to the request payload.
func ApproverAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			raw, found := strings.CutPrefix(header, "Bearer ")
			if !found {
				WriteUnauthorized(w, "malformed Authorization header")
				return
			}
			approver, err := ParseApproverToken(secret, raw)
			if err != nil {
				WriteUnauthorized(w, "invalid approver token")
				return
			}
			next.ServeHTTP(w, r.WithContext(
				context.WithValue(r.Context(), approverKey, approver)))
		})
	}
}

// ApproverFrom returns the authenticated approver identity, if any.
func ApproverFrom(ctx context.Context) string {
	if v, ok := ctx.Value(approverKey).(string); ok {
		return v
	}
	return ""
}
