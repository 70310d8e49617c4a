package supervisor

import (
	"sync"
	"time"
)

type verdict int

const (
	verdictProbe verdict = iota
	verdictStalled
	verdictIdle
)

// heartbeat tracks pong replies for one connection instance. A tick counts
// as a miss when no pong arrived for more than one and a half intervals.
// Once maxMissed consecutive misses are seen the monitor trips and stays
// tripped, so a stall is reported exactly once per connection.
type heartbeat struct {
	mu        sync.Mutex
	interval  time.Duration
	maxMissed int
	lastPong  time.Time
	missed    int
	tripped   bool
}

func newHeartbeat(interval time.Duration, maxMissed int, start time.Time) *heartbeat {
	return &heartbeat{
		interval:  interval,
		maxMissed: maxMissed,
		lastPong:  start,
	}
}

func (h *heartbeat) Tick(now time.Time) verdict {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.tripped {
		return verdictIdle
	}

	if now.Sub(h.lastPong) > h.interval*3/2 {
		h.missed++
	} else {
		h.missed = 0
	}

	if h.missed >= h.maxMissed {
		h.tripped = true
		return verdictStalled
	}
	return verdictProbe
}

func (h *heartbeat) Pong(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastPong = now
	h.missed = 0
}

func (h *heartbeat) Missed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.missed
}
