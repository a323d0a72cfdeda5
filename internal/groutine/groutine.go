// Package groutine starts named goroutines. The name is attached as a pprof
// label so profiles and goroutine dumps show which session loop, listener or
// subscription a goroutine belongs to.
package groutine

import (
	"context"
	"runtime/debug"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
)

type ctxKey struct{}

// Go runs fn on a new goroutine labeled with name. A nil parent is treated as
// context.Background().
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}
	go pprof.Do(parent, pprof.Labels("goroutine_name", name), func(ctx context.Context) {
		fn(context.WithValue(ctx, ctxKey{}, name))
	})
}

// GoSafe is Go with panic recovery: a panic in fn is logged with its stack
// instead of crashing the process. Used for goroutines that run caller code.
func GoSafe(parent context.Context, name string, logger *logrus.Logger, fn func(ctx context.Context)) {
	Go(parent, name, func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				if logger == nil {
					logger = logrus.StandardLogger()
				}
				logger.WithFields(logrus.Fields{
					"goroutine": name,
					"panic":     r,
					"stack":     string(debug.Stack()),
				}).Error("goroutine panicked")
			}
		}()
		fn(ctx)
	})
}

// Name returns the goroutine name stored in ctx by Go, or "".
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(ctxKey{}).(string)
	return s
}
