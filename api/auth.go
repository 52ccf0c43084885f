package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/warp/studio-engine/studio"
)

// =============================================================================
// IDENTITY
// =============================================================================

// Claims is the token payload. Subject carries the user ID.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies bearer tokens and turns them into studio.Actor
// values. It does not check that the user still exists; the engines do that
// on every write.
type Authenticator struct {
	secret []byte
	clock  studio.Clock
}

func NewAuthenticator(secret string, clock studio.Clock) *Authenticator {
	return &Authenticator{secret: []byte(secret), clock: clock}
}

// IssueToken signs a token for id with the given role.
func (a *Authenticator) IssueToken(id studio.UserID, role studio.Role, ttl time.Duration) (string, error) {
	if _, err := studio.ParseRole(string(role)); err != nil {
		return "", err
	}
	now := a.clock.Now()
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(id),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse validates tokenStr and returns the actor it names.
func (a *Authenticator) Parse(tokenStr string) (studio.Actor, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims,
		func(*jwt.Token) (interface{}, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return studio.Actor{}, err
	}
	if claims.Subject == "" {
		return studio.Actor{}, errors.New("token has no subject")
	}
	role, err := studio.ParseRole(claims.Role)
	if err != nil {
		return studio.Actor{}, err
	}
	return studio.Actor{UserID: studio.UserID(claims.Subject), Role: role}, nil
}

type contextKey string

const actorKey contextKey = "actor"

func withActor(ctx context.Context, a studio.Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFrom returns the actor stored by Middleware.
func ActorFrom(ctx context.Context) (studio.Actor, bool) {
	a, ok := ctx.Value(actorKey).(studio.Actor)
	return a, ok
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Authorization header required", nil)
			return
		}
		actor, err := a.Parse(tokenStr)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

// RequireRole lets through only actors holding one of roles.
func RequireRole(roles ...studio.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, _ := ActorFrom(r.Context())
			for _, role := range roles {
				if actor.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			respondError(w, studio.ErrForbidden)
		})
	}
}
