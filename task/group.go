// Package task runs groups of long-lived, preemptable tasks.
package task

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Group is a group of tasks which are each executed concurrently, and which
// are collectively blocked on until all are complete. Tasks must monitor the
// Group Context and return upon its cancellation. The first task to return
// a non-nil error cancels the entire Group.
type Group struct {
	// Context of the Group, which is cancelled by:
	//  * Any function of the Group returning non-nil error, or
	//  * An explicit call to Cancel, or
	//  * A cancellation of the parent Context of the Group.
	ctx      context.Context
	cancelFn context.CancelFunc

	mu      sync.Mutex
	tasks   []task
	eg      *errgroup.Group
	started bool
}

// task composes a runnable and its description.
type task struct {
	desc string
	fn   func() error
}

// NewGroup returns a new, empty Group with the given Context.
func NewGroup(ctx context.Context) *Group {
	ctx, cancel := context.WithCancel(ctx)
	eg, ctx := errgroup.WithContext(ctx)
	return &Group{ctx: ctx, eg: eg, cancelFn: cancel}
}

// Context returns the Group Context.
func (g *Group) Context() context.Context { return g.ctx }

// Cancel the Group Context.
func (g *Group) Cancel() { g.cancelFn() }

// Queue a function for execution with the Group. If the Group is already
// running, the function is started immediately.
func (g *Group) Queue(desc string, fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var t = task{desc: desc, fn: fn}
	if g.started {
		g.goTask(t)
	} else {
		g.tasks = append(g.tasks, t)
	}
}

// GoRun all queued functions. GoRun may be called only once:
// the second invocation will panic.
func (g *Group) GoRun() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		panic("GoRun already called")
	}
	g.started = true

	for _, t := range g.tasks {
		g.goTask(t)
	}
	g.tasks = nil
}

// Started returns true if GoRun has been called.
func (g *Group) Started() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.started
}

// Wait for started functions, returning only after all complete.
// The first encountered non-nil error is returned.
// GoRun must have been called or Wait panics.
func (g *Group) Wait() error {
	if !g.Started() {
		panic("Wait called before GoRun")
	}
	return g.eg.Wait()
}

func (g *Group) goTask(t task) {
	g.eg.Go(func() error {
		log.WithField("task", t.desc).Debug("task started")

		if err := t.fn(); err != nil {
			return errors.WithMessage(err, t.desc)
		}
		log.WithField("task", t.desc).Debug("task completed")
		return nil
	})
}
