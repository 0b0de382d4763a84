package dht

import (
	"time"

	"github.com/golang/groupcache/lru"

	"swarm/timeutil"
)

// clientThrottle ignores hosts that send more than a budget of packets
// per minute. An LRU bounds how many hosts are remembered, so a wide
// scan cannot grow the table without limit.
type clientThrottle struct {
	limit int
	cache *lru.Cache
	clock timeutil.TimeProvider
}

type throttleEntry struct {
	windowStart time.Time
	count       int
}

func newClientThrottle(perMinute, trackedClients int, clock timeutil.TimeProvider) *clientThrottle {
	return &clientThrottle{
		limit: perMinute,
		cache: lru.New(trackedClients),
		clock: clock,
	}
}

// allow counts one packet from host and reports whether it is within
// budget. A zero limit disables throttling.
func (c *clientThrottle) allow(host string) bool {
	if c.limit <= 0 {
		return true
	}
	now := c.clock.Now()
	var e *throttleEntry
	if v, ok := c.cache.Get(host); ok {
		e = v.(*throttleEntry)
		if now.Sub(e.windowStart) >= time.Minute {
			e.windowStart = now
			e.count = 0
		}
	} else {
		e = &throttleEntry{windowStart: now}
		c.cache.Add(host, e)
	}
	e.count++
	return e.count <= c.limit
}
