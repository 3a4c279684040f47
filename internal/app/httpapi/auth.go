package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/loyalty_layer/internal/app/domain/audit"
	"github.com/R3E-Network/loyalty_layer/internal/errors"
	"github.com/R3E-Network/loyalty_layer/pkg/logger"
)

type ctxKey int

const actorKey ctxKey = iota

// Claims are the JWT claims the route layer reads. UserID falls back to the
// registered subject.
type Claims struct {
	UserID string `json:"uid,omitempty"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

type authenticator struct {
	secret []byte
	issuer string
	log    *logger.Logger
}

func newAuthenticator(secret, issuer string, log *logger.Logger) *authenticator {
	return &authenticator{secret: []byte(secret), issuer: issuer, log: log}
}

// Handler verifies the Bearer token and stores the caller as an audit.Actor
// on the request context.
func (a *authenticator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, a.log, errors.Unauthorized("missing Authorization header"))
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeError(w, a.log, errors.Unauthorized("invalid Authorization header format"))
			return
		}

		claims, err := a.parse(parts[1])
		if err != nil {
			a.log.WithError(err).WithField("path", r.URL.Path).Warn("token validation failed")
			writeError(w, a.log, errors.Unauthorized("invalid or expired token"))
			return
		}

		actor := audit.Actor{UID: claims.UserID}
		if actor.UID == "" {
			actor.UID = claims.Subject
		}
		if actor.UID == "" {
			writeError(w, a.log, errors.Unauthorized("token carries no subject"))
			return
		}
		if claims.Email != "" {
			email := claims.Email
			actor.Email = &email
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

func (a *authenticator) parse(token string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func withActor(ctx context.Context, actor audit.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// actorFrom returns the authenticated caller.
func actorFrom(ctx context.Context) audit.Actor {
	actor, _ := ctx.Value(actorKey).(audit.Actor)
	return actor
}
