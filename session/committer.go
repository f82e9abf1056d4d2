package session

import (
	"sync"
	"time"
)

// Trigger decides when accumulated backend input should be committed.
// The default is a fixed wall-clock cadence; a voice-activity trigger can
// slot in here later without touching the session.
type Trigger interface {
	C() <-chan time.Time
	Stop()
}

type tickerTrigger struct {
	ticker *time.Ticker
}

// NewTickerTrigger commits on a fixed cadence regardless of how much audio
// has accumulated. Simple placeholder policy: trades latency and redundant
// commits for not needing silence detection.
func NewTickerTrigger(interval time.Duration) Trigger {
	return &tickerTrigger{ticker: time.NewTicker(interval)}
}

func (t *tickerTrigger) C() <-chan time.Time { return t.ticker.C }
func (t *tickerTrigger) Stop()               { t.ticker.Stop() }

// Committer invokes fire on every trigger tick between Start and Stop.
// The trigger is only created on Start, so nothing ticks before the owning
// session is active; Stop is idempotent and guaranteed to silence it.
type Committer struct {
	newTrigger func() Trigger
	fire       func()

	mu      sync.Mutex
	started bool
	stopped bool
	trigger Trigger
	done    chan struct{}
}

func NewCommitter(newTrigger func() Trigger, fire func()) *Committer {
	return &Committer{
		newTrigger: newTrigger,
		fire:       fire,
		done:       make(chan struct{}),
	}
}

// Start begins firing. No-op if already started or stopped.
func (c *Committer) Start() {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.trigger = c.newTrigger()
	trigger := c.trigger
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-c.done:
				return
			case <-trigger.C():
				c.fire()
			}
		}
	}()
}

// Stop cancels the trigger. Safe to call multiple times and on every exit
// path; after Stop returns no further fire is initiated.
func (c *Committer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	if c.trigger != nil {
		c.trigger.Stop()
	}
	close(c.done)
}
