package transport

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/golang-jwt/jwt/v5/request"

	"github.com/pitabwire/stagetrack/internal/config"
	"github.com/pitabwire/stagetrack/model"
)

const clockSkew = 30 * time.Second

// JWTAuthenticator verifies the bearer token on every request against the
// configured issuer, audience and algorithms, then stores its claims in the
// request context. Any failure answers 401.
func JWTAuthenticator(cfg config.IdentityConfig, jwks *JWKSClient) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithLeeway(clockSkew),
		jwt.WithExpirationRequired(),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := request.BearerExtractor{}.ExtractToken(r)
			if err != nil {
				msg := "Invalid authorization header format"
				if r.Header.Get("Authorization") == "" {
					msg = "Missing authorization header"
				}
				WriteError(w, model.NewUnauthorizedError(msg))
				return
			}

			claims := jwt.MapClaims{}
			_, err = parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
				kid, _ := token.Header["kid"].(string)
				if kid == "" {
					return nil, errMissingKid
				}
				return jwks.GetKey(r.Context(), kid)
			})
			if err != nil {
				WriteError(w, model.NewUnauthorizedError(classifyJWTError(err)))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

var errMissingKid = errors.New("token header has no kid")

// classifyJWTError maps a verification failure to the message sent to the
// client. Key lookup failures never reveal whether the provider is down.
func classifyJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Token is missing a required claim"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, errUnknownKey), errors.Is(err, errMissingKid):
		return "Unknown signing key"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		if strings.Contains(err.Error(), "signing method") {
			return "Disallowed signing algorithm"
		}
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "Malformed token"
	default:
		return "Invalid token"
	}
}
