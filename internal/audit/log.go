package audit

import (
	"context"
	"errors"
	"sort"
	"strings"

	"go.uber.org/zap"

	"paddock.org/internal/auth"
	"paddock.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry enriched with request, user and tenant
// context. Fields are emitted in key order.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	zf := []zap.Field{zap.String("type", "audit"), zap.String("event", event)}
	if rid := RequestIDFromContext(ctx); rid != "" {
		zf = append(zf, zap.String("request_id", rid))
	}
	if rc, ok := auth.RequestFromContext(ctx); ok {
		zf = append(zf, zap.String("user_id", rc.UserID))
		if org := rc.OrganizationID(); org != "" {
			zf = append(zf, zap.String("organization_id", org))
		}
	}
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		nested := make([]zap.Field, 0, len(keys))
		for _, k := range keys {
			nested = append(nested, zap.Any(k, fields[k]))
		}
		zf = append(zf, zap.Dict("fields", nested...))
	}
	obs.Named("audit").Info(event, zf...)
	return nil
}
