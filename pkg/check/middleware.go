package check

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/odvcencio/gdprscan/pkg/browser"
	gserrors "github.com/odvcencio/gdprscan/pkg/errors"
)

// ExecutionContext carries one invocation through the middleware chain.
type ExecutionContext struct {
	Context   context.Context
	Checker   Checker
	Session   browser.Session
	StartTime time.Time
	Metadata  map[string]any
}

// Executor runs a checker.
type Executor func(ctx *ExecutionContext) (Finding, error)

// Middleware wraps an Executor with additional behavior.
type Middleware func(next Executor) Executor

// Chain composes middlewares in order (first middleware is outermost).
func Chain(middlewares ...Middleware) Middleware {
	return func(final Executor) Executor {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

func invoke(ctx *ExecutionContext) (Finding, error) {
	return ctx.Checker.Check(ctx.Context, ctx.Session)
}

// PanicRecovery converts checker panics into CHECK_EXECUTION errors and
// records the stack in metadata.
func PanicRecovery() Middleware {
	return func(next Executor) Executor {
		return func(ctx *ExecutionContext) (finding Finding, err error) {
			defer func() {
				if r := recover(); r != nil {
					if ctx.Metadata == nil {
						ctx.Metadata = map[string]any{}
					}
					ctx.Metadata["panic_stack"] = string(debug.Stack())
					err = gserrors.Newf(gserrors.ErrCodeCheckExecution, "checker %s panicked: %v", ctx.Checker.ID(), r)
					finding = Finding{}
				}
			}()
			return next(ctx)
		}
	}
}

// Timeout bounds the rest of the chain. When the deadline or the parent
// context ends first the invocation is abandoned and its late result is
// discarded.
func Timeout(timeout time.Duration) Middleware {
	return func(next Executor) Executor {
		return func(ctx *ExecutionContext) (Finding, error) {
			base := ctx.Context
			if base == nil {
				base = context.Background()
			}
			runCtx, cancel := base, context.CancelFunc(func() {})
			if timeout > 0 {
				runCtx, cancel = context.WithTimeout(base, timeout)
			}
			defer cancel()

			type outcome struct {
				finding Finding
				err     error
			}
			inner := *ctx
			inner.Context = runCtx
			inner.Metadata = make(map[string]any, len(ctx.Metadata))
			for k, v := range ctx.Metadata {
				inner.Metadata[k] = v
			}
			done := make(chan outcome, 1)
			go func() {
				f, err := next(&inner)
				done <- outcome{finding: f, err: err}
			}()

			select {
			case out := <-done:
				ctx.Metadata = inner.Metadata
				return out.finding, out.err
			case <-runCtx.Done():
				return Finding{}, timeoutError(base, runCtx, timeout)
			}
		}
	}
}

func timeoutError(parent, run context.Context, timeout time.Duration) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return gserrors.Wrap(parent.Err(), gserrors.ErrCodeCheckTimeout, "cancelled")
	}
	if parent.Err() == nil && timeout > 0 {
		return gserrors.New(gserrors.ErrCodeCheckTimeout, fmt.Sprintf("timed out after %s", timeout))
	}
	return gserrors.New(gserrors.ErrCodeCheckTimeout, "timed out: scan deadline exceeded")
}
