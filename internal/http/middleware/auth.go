package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/telehealth-booking/internal/lifecycle"
)

type contextKey string

const actorKey contextKey = "actor"

// Claims are the bearer token claims. Subject carries the user id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticate enforces an HMAC-signed bearer token and stores the caller as a
// lifecycle.Actor. When allowQuery is set the token may also arrive as ?token=,
// which browsers need for websocket upgrades.
func Authenticate(secret string, allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, "auth disabled", http.StatusUnauthorized)
				return
			}
			tokenString := bearer(r)
			if tokenString == "" && allowQuery {
				tokenString = r.URL.Query().Get("token")
			}
			if tokenString == "" {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}
			actor, err := ParseActor(secret, tokenString)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			actor.IP = ClientIP(r)
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// ParseActor validates a token and maps its claims to an actor.
func ParseActor(secret, tokenString string) (lifecycle.Actor, error) {
	claims := Claims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return lifecycle.Actor{}, jwt.ErrTokenInvalidClaims
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return lifecycle.Actor{}, jwt.ErrTokenInvalidSubject
	}
	role := lifecycle.Role(claims.Role)
	switch role {
	case lifecycle.RolePatient, lifecycle.RoleProvider, lifecycle.RoleAdmin:
	default:
		return lifecycle.Actor{}, jwt.ErrTokenInvalidClaims
	}
	return lifecycle.Actor{ID: id, Role: role}, nil
}

// SignToken issues a bearer token. Used by tooling and tests.
func SignToken(secret string, userID uuid.UUID, role lifecycle.Role, ttl time.Duration) (string, error) {
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// RequireRole rejects authenticated callers outside roles with 403.
func RequireRole(roles ...lifecycle.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromContext(r.Context())
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			for _, role := range roles {
				if actor.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, "forbidden", http.StatusForbidden)
		})
	}
}

func WithActor(ctx context.Context, actor lifecycle.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext returns the authenticated caller if present.
func ActorFromContext(ctx context.Context) (lifecycle.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(lifecycle.Actor)
	return actor, ok
}

// UserID adapts ActorFromContext to the realtime hub's identify hook.
func UserID(r *http.Request) (uuid.UUID, bool) {
	actor, ok := ActorFromContext(r.Context())
	return actor.ID, ok
}

// ClientIP prefers X-Real-Ip set by chi's RealIP middleware.
func ClientIP(r *http.Request) string {
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}
