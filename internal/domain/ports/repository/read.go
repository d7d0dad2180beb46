package repository

import "context"

type freshReadKey struct{}

// WithFreshRead marks ctx so that reads bypass any cache layer and hit the
// store of record.
func WithFreshRead(ctx context.Context) context.Context {
	return context.WithValue(ctx, freshReadKey{}, true)
}

// FreshRead reports whether ctx was marked by WithFreshRead.
func FreshRead(ctx context.Context) bool {
	v, _ := ctx.Value(freshReadKey{}).(bool)
	return v
}
