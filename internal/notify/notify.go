// Package notify carries user-facing notifications that are not errors: a
// lint phase that was skipped, a custom rule set that could not be fetched.
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Level is the urgency of a notification.
type Level string

// Notification levels.
const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
)

// Notification is a transient message for the user.
type Notification struct {
	Level   Level  `json:"level"`
	Source  string `json:"source"`
	Message string `json:"message"`
}

// Notifier receives notifications. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification)

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

type notifierKey struct{}

// WithNotifier stores a notifier in the context. Request handlers use this
// to collect notifications raised while serving one request.
func WithNotifier(ctx context.Context, n Notifier) context.Context {
	return context.WithValue(ctx, notifierKey{}, n)
}

// From returns the notifier stored in the context, or fallback.
func From(ctx context.Context, fallback Notifier) Notifier {
	if n, ok := ctx.Value(notifierKey{}).(Notifier); ok && n != nil {
		return n
	}
	if fallback == nil {
		return Discard
	}
	return fallback
}

// Discard drops every notification.
var Discard Notifier = NotifierFunc(func(context.Context, Notification) {})

// Collector accumulates notifications in arrival order.
type Collector struct {
	mu    sync.Mutex
	items []Notification
}

// Notify appends n.
func (c *Collector) Notify(_ context.Context, n Notification) {
	c.mu.Lock()
	c.items = append(c.items, n)
	c.mu.Unlock()
}

// Items returns a copy of the collected notifications, never nil.
func (c *Collector) Items() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Notification, len(c.items))
	copy(out, c.items)
	return out
}

// Count returns the number of notifications at level.
func (c *Collector) Count(level Level) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, item := range c.items {
		if item.Level == level {
			n++
		}
	}
	return n
}

// LogNotifier writes notifications to a zap logger.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that logs at a level matching each
// notification.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs n.
func (l *LogNotifier) Notify(_ context.Context, n Notification) {
	fields := []zap.Field{zap.String("source", n.Source)}
	switch n.Level {
	case LevelError:
		l.logger.Error(n.Message, fields...)
	case LevelWarning:
		l.logger.Warn(n.Message, fields...)
	default:
		l.logger.Info(n.Message, fields...)
	}
}

// Tee forwards every notification to all notifiers.
type Tee []Notifier

// Notify forwards n.
func (t Tee) Notify(ctx context.Context, n Notification) {
	for _, nt := range t {
		nt.Notify(ctx, n)
	}
}
