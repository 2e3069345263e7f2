package logging

import (
	"context"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
)

// ContextKey defines the context key type.
type ContextKey string

// ContextIDKey holds the key of the context ID.
const ContextIDKey ContextKey = "ctx_id"

// NewContext returns a copy of the given context with a new context ID.
// The context ID is logged as ctx_id so that all log lines of a single MAC
// exchange (e.g. a join or uplink) can be correlated.
func NewContext(ctx context.Context) (context.Context, error) {
	ctxID, err := uuid.NewV4()
	if err != nil {
		return ctx, errors.Wrap(err, "new uuid error")
	}
	return context.WithValue(ctx, ContextIDKey, ctxID), nil
}

// ContextID returns the context ID or uuid.Nil when not set.
func ContextID(ctx context.Context) uuid.UUID {
	if id, ok := ctx.Value(ContextIDKey).(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}
