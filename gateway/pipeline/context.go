package pipeline

import (
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Context is the per-request bag of ancillary data threaded unchanged through
// the middleware chain. It belongs to a single request and is not safe for
// concurrent use.
type Context struct {
	ID      string
	Started time.Time
	values  map[reflect.Type]any
}

func NewContext() *Context {
	return &Context{ID: uuid.NewString(), Started: time.Now()}
}

// SetValue stores v under its static type, replacing any previous value.
func SetValue[T any](c *Context, v T) {
	if c.values == nil {
		c.values = make(map[reflect.Type]any)
	}
	c.values[reflect.TypeFor[T]()] = v
}

// Value returns the value of type T stored in c.
func Value[T any](c *Context) (T, bool) {
	var zero T
	if c == nil || c.values == nil {
		return zero, false
	}
	v, ok := c.values[reflect.TypeFor[T]()]
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}
