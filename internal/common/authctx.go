package common

import "context"

type ctxKey string

const schoolIDKey ctxKey = "auth/school-id"

// WithSchoolID stores the authenticated school identifier on the provided context.
func WithSchoolID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, schoolIDKey, id)
}

// SchoolID extracts the authenticated school identifier from the context if present.
func SchoolID(ctx context.Context) (string, bool) {
	v := ctx.Value(schoolIDKey)
	if v == nil {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}
