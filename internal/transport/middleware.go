package transport

import (
	"context"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/stagetrack/internal/config"
	"github.com/pitabwire/stagetrack/internal/observability"
	"github.com/pitabwire/stagetrack/model"
)

// Context keys for middleware-injected values.
type correlationIDKey struct{}
type claimsKey struct{}
type capabilitiesKey struct{}

// CorrelationIDFrom extracts the correlation ID from the request context.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// WithClaims stores JWT claims in the context. Used by the auth middleware.
func WithClaims(ctx context.Context, claims map[string]any) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFrom extracts JWT claims from the context.
func ClaimsFrom(ctx context.Context) map[string]any {
	claims, _ := ctx.Value(claimsKey{}).(map[string]any)
	return claims
}

// CapabilitiesFrom extracts the CapabilitySet from the context.
func CapabilitiesFrom(ctx context.Context) model.CapabilitySet {
	caps, _ := ctx.Value(capabilitiesKey{}).(model.CapabilitySet)
	return caps
}

func withCapabilities(ctx context.Context, caps model.CapabilitySet) context.Context {
	return context.WithValue(ctx, capabilitiesKey{}, caps)
}

// Recovery turns a handler panic into a logged 500. http.ErrAbortHandler is
// re-raised so net/http can abort the connection.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				observability.LoggerFrom(r.Context(), logger).Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Stack("stack"),
				)
				WriteError(w, model.NewInternalError())
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CORS answers preflight requests itself and decorates responses to allowed
// origins. An origin of "*" in the config allows any origin.
func CORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	anyOrigin := slices.Contains(cfg.AllowedOrigins, "*")
	allowed := func(origin string) bool {
		return origin != "" && (anyOrigin || slices.Contains(cfg.AllowedOrigins, origin))
	}
	grant := http.Header{
		"Access-Control-Allow-Methods":  {strings.Join(cfg.AllowedMethods, ", ")},
		"Access-Control-Allow-Headers":  {strings.Join(cfg.AllowedHeaders, ", ")},
		"Access-Control-Max-Age":        {strconv.Itoa(cfg.MaxAge)},
		"Access-Control-Expose-Headers": {"X-Correlation-Id, Idempotent-Replayed"},
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")
			if origin := r.Header.Get("Origin"); allowed(origin) {
				maps.Copy(h, grant)
				h.Set("Access-Control-Allow-Origin", origin)
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

const maxCorrelationIDLen = 128

// RequestID propagates the caller's X-Correlation-Id, or mints a UUID when
// the header is absent or oversized, and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
		if id == "" || len(id) > maxCorrelationIDLen {
			id = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), correlationIDKey{}, id)
		w.Header().Set("X-Correlation-Id", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

var securityHeaders = [][2]string{
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Cache-Control", "no-store"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
}

// SecurityHeaders stamps every response with securityHeaders.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, kv := range securityHeaders {
			w.Header().Set(kv[0], kv[1])
		}
		next.ServeHTTP(w, r)
	})
}

// BuildRequestContext constructs a model.RequestContext from the verified
// JWT claims. claimPaths maps subject_id, organization_id, email and roles
// to claim names; dotted names reach into nested claims. A token without a
// subject or organization is rejected with 401.
func BuildRequestContext(claimPaths map[string]string, logger *zap.Logger) func(http.Handler) http.Handler {
	path := func(field, fallback string) string {
		if p := claimPaths[field]; p != "" {
			return p
		}
		return fallback
	}
	subjectPath := path("subject_id", "sub")
	orgPath := path("organization_id", "organization_id")
	emailPath := path("email", "email")
	rolesPath := path("roles", "roles")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFrom(r.Context())
			rctx := &model.RequestContext{
				SubjectID:      claimString(claims, subjectPath),
				OrganizationID: claimString(claims, orgPath),
				Email:          claimString(claims, emailPath),
				Roles:          claimStringSlice(claims, rolesPath),
				Claims:         claims,
				CorrelationID:  CorrelationIDFrom(r.Context()),
				TraceID:        observability.TraceIDFromContext(r.Context()),
				SpanID:         observability.SpanIDFromContext(r.Context()),
			}
			if err := rctx.Validate(); err != nil {
				WriteError(w, model.NewUnauthorizedError("token does not identify a user and organization"))
				return
			}
			ctx := model.WithRequestContext(r.Context(), rctx)
			ctx = observability.WithLogger(ctx, observability.RequestLogger(ctx, logger))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ResolveCapabilities returns middleware that eagerly resolves capabilities
// for the current user and stores them in the context.
func ResolveCapabilities(resolver model.CapabilityResolver, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if resolver == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rctx := model.RequestContextFrom(r.Context())
			if rctx == nil {
				next.ServeHTTP(w, r)
				return
			}
			caps, err := resolver.Resolve(rctx)
			if err != nil {
				observability.LoggerFrom(r.Context(), logger).Error("capability resolution failed", zap.Error(err))
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(withCapabilities(r.Context(), caps)))
		})
	}
}

// RequireCapability rejects requests whose resolved capabilities lack
// capability.
func RequireCapability(capability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !CapabilitiesFrom(r.Context()).Has(capability) {
				WriteError(w, model.Errorf(model.ErrForbidden, "missing capability %s", capability))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HandlerTimeout bounds each request's context by d and answers 504 when a
// handler returns after the deadline. Zero or negative leaves requests
// unbounded.
func HandlerTimeout(d time.Duration) func(http.Handler) http.Handler {
	if d <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return chimw.Timeout(d)
}

// RequestLogging writes one summary line per request: 5xx at error, 4xx
// at warn, everything else at info.
func RequestLogging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := zapcore.InfoLevel
			switch {
			case status >= http.StatusInternalServerError:
				level = zapcore.ErrorLevel
			case status >= http.StatusBadRequest:
				level = zapcore.WarnLevel
			}
			observability.LoggerFrom(r.Context(), logger).Log(level, "request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("correlation_id", CorrelationIDFrom(r.Context())),
			)
		})
	}
}

// claimValue walks a dotted claim path such as "realm_access.roles".
func claimValue(claims map[string]any, path string) any {
	var cur any = claims
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func claimString(claims map[string]any, path string) string {
	if claims == nil {
		return ""
	}
	v, _ := claimValue(claims, path).(string)
	return v
}

func claimStringSlice(claims map[string]any, path string) []string {
	if claims == nil {
		return nil
	}
	switch raw := claimValue(claims, path).(type) {
	case []any:
		result := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				result = append(result, s)
			}
		}
		return result
	case []string:
		return raw
	case string:
		if raw == "" {
			return nil
		}
		return strings.Fields(strings.ReplaceAll(raw, ",", " "))
	default:
		return nil
	}
}
