// auth.go — JWT authentication via RS256 + JWKS, grounded on
// storage-element's api/middleware/auth.go. This coordinator has a
// single subject type (the owning user), so the teacher's
// SubjectType/scope switching collapses to one claim: sub becomes the
// authenticated user id threaded through the request context.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/patanet7/ChirpNeighbors/internal/apierr"
)

var (
	errMissingToken = errors.New("middleware: no bearer token presented")
	errInvalidToken = errors.New("middleware: invalid or expired token")
)

type contextKey string

// ContextKeyUserID is the request context key the authenticated user
// id is stored under.
const ContextKeyUserID contextKey = "user_id"

// Claims is the JWT claim set the coordinator expects: the registered
// claims plus nothing else, since authorization here is "you own this
// resource or you don't," not a scope system.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTAuth validates bearer tokens against a JWKS endpoint.
type JWTAuth struct {
	jwks      keyfunc.Keyfunc
	issuer    string
	audience  string
	jwtLeeway time.Duration
}

// Config configures JWTAuth.
type Config struct {
	JWKSURL         string
	Issuer          string
	Audience        string
	RefreshInterval time.Duration
	JWTLeeway       time.Duration
}

// NewJWTAuth builds a JWTAuth fetching and refreshing keys from
// cfg.JWKSURL.
func NewJWTAuth(cfg Config) (*JWTAuth, error) {
	storage, err := jwkset.NewStorageFromHTTP(cfg.JWKSURL, jwkset.HTTPClientStorageOptions{
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           cfg.RefreshInterval,
	})
	if err != nil {
		return nil, err
	}

	kf, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, err
	}

	return &JWTAuth{jwks: kf, issuer: cfg.Issuer, audience: cfg.Audience, jwtLeeway: cfg.JWTLeeway}, nil
}

// NewJWTAuthWithKeyfunc builds a JWTAuth from a pre-built keyfunc,
// letting tests substitute a static key set instead of a live JWKS
// endpoint.
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, issuer, audience string, leeway time.Duration) *JWTAuth {
	return &JWTAuth{jwks: kf, issuer: issuer, audience: audience, jwtLeeway: leeway}
}

// Middleware extracts and validates the bearer token, placing the
// subject (user id) in the request context.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierr.Unauthorized(w, "missing Authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				apierr.Unauthorized(w, "expected Bearer <token>")
				return
			}

			claims := &Claims{}
			opts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(j.jwtLeeway),
			}
			if j.issuer != "" {
				opts = append(opts, jwt.WithIssuer(j.issuer))
			}
			if j.audience != "" {
				opts = append(opts, jwt.WithAudience(j.audience))
			}

			token, err := jwt.ParseWithClaims(parts[1], claims, j.jwks.KeyfuncCtx(r.Context()), opts...)
			if err != nil || !token.Valid {
				apierr.Unauthorized(w, "invalid or expired token")
				return
			}

			subject, err := claims.GetSubject()
			if err != nil || subject == "" {
				apierr.Unauthorized(w, "token has no subject")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyUserID, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFromContext extracts the authenticated user id, empty if none.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyUserID).(string)
	return id
}

// Authenticate validates the bearer token carried by r (Authorization
// header, or a token query parameter for WebSocket upgrades that can't
// set custom headers) and returns the owning user id. It satisfies
// gateway.Authenticator.
func (j *JWTAuth) Authenticate(r *http.Request) (string, error) {
	tokenString := r.URL.Query().Get("token")
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		if parts := strings.SplitN(authHeader, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			tokenString = parts[1]
		}
	}
	if tokenString == "" {
		return "", errMissingToken
	}

	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(j.jwtLeeway),
	}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}
	if j.audience != "" {
		opts = append(opts, jwt.WithAudience(j.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, j.jwks.KeyfuncCtx(r.Context()), opts...)
	if err != nil || !token.Valid {
		return "", errInvalidToken
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return "", errInvalidToken
	}
	return subject, nil
}
