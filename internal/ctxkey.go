package internal

import (
	"context"
	"fmt"
)

// CtxKey is a context key bound to the type of the value stored under it, so lookups never need a type assertion
// at the call site.
type CtxKey[T any] struct {
	name string
}

func NewCtxKey[T any](name string) CtxKey[T] {
	return CtxKey[T]{name: name}
}

func (k CtxKey[T]) String() string {
	return fmt.Sprintf("ctxkey[%T](%s)", *new(T), k.name)
}

// WithValue stores value under key.
func WithValue[T any](ctx context.Context, key CtxKey[T], value T) context.Context {
	return context.WithValue(ctx, key, value)
}

// Value returns the value stored under key and whether it was present.
func Value[T any](ctx context.Context, key CtxKey[T]) (T, bool) {
	value, ok := ctx.Value(key).(T)
	return value, ok
}
