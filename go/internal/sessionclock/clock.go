package sessionclock

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// TickInterval is how often a running clock reports its elapsed time.
const TickInterval = time.Second

// TickFunc receives the elapsed whole seconds on every tick.
type TickFunc func(elapsedSeconds int64)

// Clock tracks the local user's running session.
//
// Elapsed time is re-derived from the wall clock and the session start on every read,
// never accumulated, so missed ticks (sleep, throttling) self-correct on the next one.
type Clock struct {
	clock  clockwork.Clock
	onTick TickFunc

	// opMu serializes Start and Stop; mu guards the fields below.
	opMu      sync.Mutex
	mu        sync.Mutex
	startTime time.Time
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates a stopped clock. onTick may be nil and must not call Start or Stop.
func New(clock clockwork.Clock, onTick TickFunc) *Clock {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Clock{
		clock:  clock,
		onTick: onTick,
	}
}

// Start runs the clock from startTime. Starting a running clock restarts it.
func (c *Clock) Start(startTime time.Time) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.startTime = startTime
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})

	ticker := c.clock.NewTicker(TickInterval)
	go c.run(ticker, c.stopCh, c.doneCh)

	log.Debug().Time("start_time", startTime).Msg("session clock started")
}

// Stop halts ticking. No tick is delivered after Stop returns.
func (c *Clock) Stop() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stop()
}

func (c *Clock) stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	stopCh, doneCh := c.stopCh, c.doneCh
	c.mu.Unlock()

	close(stopCh)
	<-doneCh
	log.Debug().Msg("session clock stopped")
}

// Running reports whether the clock is ticking.
func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// StartTime returns the start of the running session, zero when stopped.
func (c *Clock) StartTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return time.Time{}
	}
	return c.startTime
}

// Elapsed returns floor((now - startTime) / 1s), clamped to zero, or zero when stopped.
func (c *Clock) Elapsed() int64 {
	c.mu.Lock()
	running, start := c.running, c.startTime
	c.mu.Unlock()

	if !running {
		return 0
	}
	return c.elapsedFrom(start)
}

func (c *Clock) run(ticker clockwork.Ticker, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.Chan():
			// Stop may have raced the tick; it wins.
			select {
			case <-stopCh:
				return
			default:
			}
			if c.onTick != nil {
				c.onTick(c.elapsedFrom(c.currentStart()))
			}
		}
	}
}

func (c *Clock) currentStart() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startTime
}

func (c *Clock) elapsedFrom(start time.Time) int64 {
	d := c.clock.Since(start)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}
