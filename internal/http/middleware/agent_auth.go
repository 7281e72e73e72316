package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const agentClaimsKey contextKey = "agentClaims"

// AgentClaims identifies the voice agent deployment calling the tool
// endpoints. BusinessID scopes the token to one business; empty means the
// token may act for any business.
type AgentClaims struct {
	BusinessID string `json:"business_id,omitempty"`
	jwt.RegisteredClaims
}

// AgentAuth accepts either an HMAC-signed JWT or, when staticToken is set, an
// exact bearer token match. With neither configured every request is refused.
func AgentAuth(secret, staticToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" && staticToken == "" {
				http.Error(w, "agent auth disabled", http.StatusUnauthorized)
				return
			}
			auth := r.Header.Get("Authorization")
			if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}
			tokenString := strings.TrimPrefix(auth, "Bearer ")

			if staticToken != "" && subtle.ConstantTimeCompare([]byte(tokenString), []byte(staticToken)) == 1 {
				ctx := context.WithValue(r.Context(), agentClaimsKey, AgentClaims{})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			if secret == "" {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			claims := AgentClaims{}
			token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), agentClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AgentClaimsFromContext returns agent claims if present.
func AgentClaimsFromContext(ctx context.Context) (AgentClaims, bool) {
	claims, ok := ctx.Value(agentClaimsKey).(AgentClaims)
	return claims, ok
}

// AllowsBusiness reports whether the authenticated agent may act for
// businessID. Requests without claims (auth not mounted) are allowed.
func AllowsBusiness(ctx context.Context, businessID string) bool {
	claims, ok := AgentClaimsFromContext(ctx)
	if !ok || claims.BusinessID == "" {
		return true
	}
	return claims.BusinessID == businessID
}
