package engine

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/shipyard/shipyard/pkg/logger"
)

// SafeGroup runs named jobs of one phase on an errgroup. A panicking job is
// converted into an error carrying its name, and the first failure cancels
// the group context so jobs not yet started are skipped.
type SafeGroup struct {
	group  *errgroup.Group
	ctx    context.Context
	logger logger.Logger
}

// NewSafeGroup creates a SafeGroup bound to ctx
func NewSafeGroup(ctx context.Context, log logger.Logger) (*SafeGroup, context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	return &SafeGroup{group: g, ctx: gctx, logger: log}, gctx
}

// Go schedules fn under name
func (sg *SafeGroup) Go(name string, fn func(ctx context.Context) error) {
	sg.group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				sg.logger.Error("Job panic recovered",
					logger.WithField("job", name),
					logger.WithField("panic", r),
					logger.WithField("stack_trace", string(debug.Stack())))
				err = fmt.Errorf("%s: panic: %v", name, r)
			}
		}()

		// a sibling already failed; already-running jobs finish on their own
		if err := sg.ctx.Err(); err != nil {
			return err
		}
		return fn(sg.ctx)
	})
}

// SetLimit bounds concurrently running jobs. Negative means no limit.
func (sg *SafeGroup) SetLimit(n int) {
	sg.group.SetLimit(n)
}

// Wait blocks until every job finished and returns the first error
func (sg *SafeGroup) Wait() (err error) {
	defer func() {
		if r := recover(); r != nil {
			sg.logger.Error("Panic during SafeGroup.Wait()",
				logger.WithField("panic", r),
				logger.WithField("stack_trace", string(debug.Stack())))
			err = fmt.Errorf("wait panic: %v", r)
		}
	}()
	return sg.group.Wait()
}
