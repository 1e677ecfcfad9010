package diode

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/ddritzenhoff/diode/internal/utils"

	"golang.org/x/sync/errgroup"
)

var errShutdownTimeout = errors.New("diode: shutdown grace period expired")

// The controller runs the goroutines of one side of the diode.
// The first goroutine returning an error cancels the others.
type controller struct {
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	affinity bool
	numCPU   int
	cpuMx    sync.Mutex
	nextCPU  int

	logger utils.Logger
}

func newController(ctx context.Context, affinity bool, logger utils.Logger) *controller {
	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)
	return &controller{
		group:    group,
		ctx:      ctx,
		cancel:   cancel,
		affinity: affinity,
		numCPU:   runtime.NumCPU(),
		logger:   logger,
	}
}

// Context is canceled when the controller stops.
func (c *controller) Context() context.Context { return c.ctx }

// allocateCPU hands out CPUs round robin.
func (c *controller) allocateCPU() int {
	c.cpuMx.Lock()
	defer c.cpuMx.Unlock()
	cpu := c.nextCPU % c.numCPU
	c.nextCPU++
	return cpu
}

// Go starts a named pipeline goroutine.
// Goroutines started with pin set are bound to their own CPU when CPU affinity is enabled.
func (c *controller) Go(name string, pin bool, f func(ctx context.Context) error) {
	c.group.Go(func() error {
		if pin && c.affinity {
			cpu := c.allocateCPU()
			if err := utils.PinToCPU(cpu); err != nil {
				c.logger.Warnf("%s: %s", name, err)
			} else {
				c.logger.Debugf("%s running on CPU %d", name, cpu)
			}
		}
		err := f(c.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Errorf("%s failed: %s", name, err)
			return err
		}
		c.logger.Debugf("%s stopped", name)
		return nil
	})
}

// Wait waits for all goroutines to return.
func (c *controller) Wait() error {
	defer c.cancel()
	return c.group.Wait()
}

// Shutdown cancels all goroutines and waits at most grace for them to return.
// Goroutines still running after that are abandoned.
func (c *controller) Shutdown(grace time.Duration) error {
	c.cancel()
	return c.WaitTimeout(grace)
}

// WaitTimeout waits at most timeout for all goroutines to return, without canceling them.
func (c *controller) WaitTimeout(timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- c.group.Wait() }()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		c.logger.Warnf("goroutines still running after %s, abandoning them", timeout)
		return errShutdownTimeout
	}
}
