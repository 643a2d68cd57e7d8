package addon

import (
	"context"
	"time"

	"github.com/buildkite/rcssd/internal/logger"
	"github.com/buildkite/rcssd/internal/rcsscmd"
	"github.com/buildkite/rcssd/internal/resolver"
	"github.com/buildkite/rcssd/internal/watch"
)

const defaultPollInterval = 2 * time.Second

// TimePoller periodically calls CheckBall through a trainer Resolver and
// publishes the returned simulation tick through a last-value broadcast.
// Terminates quietly (without error) once the Resolver stops answering —
// that's what a closed Client Core looks like from here.
type TimePoller struct {
	tick   *watch.Value[*uint16]
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTimePoller starts polling immediately in the background. interval <= 0
// uses the default 2s cadence the real engine expects.
func NewTimePoller(r *resolver.Resolver, interval time.Duration, log logger.Logger) *TimePoller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if log == nil {
		log = logger.NewBuffer()
	}

	ctx, cancel := context.WithCancel(context.Background())
	tp := &TimePoller{
		tick:   watch.New[*uint16](nil),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go tp.run(ctx, r, interval, log)
	return tp
}

func (tp *TimePoller) run(ctx context.Context, r *resolver.Resolver, interval time.Duration, log logger.Logger) {
	defer close(tp.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		val, err := r.Call(ctx, rcsscmd.CheckBall{})
		if err != nil {
			log.Debug("time poller: resolver stopped answering, exiting: %v", err)
			return
		}
		if res, ok := val.(rcsscmd.CheckBallResult); ok {
			t := res.Tick
			tp.tick.Set(&t)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Subscribe returns a last-value channel of the current tick (nil until
// the first successful CheckBall reply) and a cancel function.
func (tp *TimePoller) Subscribe() (<-chan *uint16, func()) { return tp.tick.Subscribe() }

// Tick returns the most recently observed simulation tick, or nil if none
// has been observed yet.
func (tp *TimePoller) Tick() *uint16 { return tp.tick.Get() }

// Close stops the polling loop and waits for it to exit.
func (tp *TimePoller) Close() error {
	tp.cancel()
	<-tp.done
	return nil
}
