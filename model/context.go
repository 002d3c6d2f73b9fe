package model

import (
	"context"
	"errors"
	"slices"
)

var (
	errNoSubject      = errors.New("request context: subject is required")
	errNoOrganization = errors.New("request context: organization is required")
)

// RequestContext is the verified caller of one request: who acts, on behalf
// of which organization, and with which roles. Every store read and write
// is scoped by OrganizationID. Treat it as read-only once built.
type RequestContext struct {
	SubjectID      string
	Email          string
	OrganizationID string
	Roles          []string
	Claims         map[string]any
	CorrelationID  string
	TraceID        string
	SpanID         string
}

// Validate reports every missing identity field.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, errNoSubject)
	}
	if rc.OrganizationID == "" {
		errs = append(errs, errNoOrganization)
	}
	return errors.Join(errs...)
}

// HasRole reports whether the caller holds role.
func (rc *RequestContext) HasRole(role string) bool {
	return slices.Contains(rc.Roles, role)
}

type requestContextKey struct{}

// WithRequestContext returns a copy of ctx carrying rctx.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rctx)
}

// RequestContextFrom returns the caller carried by ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rctx
}

// MustRequestContext is RequestContextFrom for handlers mounted behind the
// authentication chain. It panics when the caller is missing.
func MustRequestContext(ctx context.Context) *RequestContext {
	if rctx := RequestContextFrom(ctx); rctx != nil {
		return rctx
	}
	panic("model: request context missing; handler mounted outside the authenticated group")
}
