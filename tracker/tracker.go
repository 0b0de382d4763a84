// Package tracker drives announce and scrape requests across an
// ordered, grouped list of HTTP, UDP and DHT trackers, and schedules
// them through a controller that enforces timing, retry and promiscuity
// policy.
package tracker

import (
	"time"

	"swarm/util"
)

// Event is the announce event sent to a tracker.
type Event int

const (
	EventNone Event = iota
	EventCompleted
	EventStarted
	EventStopped
	EventScrape
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return ""
	case EventCompleted:
		return "completed"
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventScrape:
		return "scrape"
	}
	return ""
}

// Type distinguishes the tracker transports.
type Type int

const (
	TypeHTTP Type = iota
	TypeUDP
	TypeDHT
)

// Interval clamps applied to tracker-supplied values.
const (
	minNormalInterval = 600 * time.Second
	maxNormalInterval = 3600 * time.Second
	minMinInterval    = 300 * time.Second
	maxMinInterval    = 1800 * time.Second

	defaultNormalInterval = 1800 * time.Second
	defaultMinInterval    = 600 * time.Second
)

// Request carries the swarm state a tracker announces.
type Request struct {
	InfoHash util.InfoHash
	PeerID   util.InfoHash
	Port     int
	Key      string // 8-hex randomizer, survives ip changes

	Uploaded   int64
	Downloaded int64
	Left       int64
	NumWant    int
}

// Response is a successful announce result, peers in 6-byte compact
// form.
type Response struct {
	Interval    time.Duration
	MinInterval time.Duration
	TrackerID   string
	Complete    int
	Incomplete  int
	Downloaded  int
	Peers       []string
}

// ScrapeResponse carries the swarm counters of one infohash.
type ScrapeResponse struct {
	Complete   int
	Incomplete int
	Downloaded int
}

// Tracker is one announce endpoint.
type Tracker interface {
	URL() string
	Type() Type
	Base() *BaseTracker

	// SendEvent starts an announce; exactly one of the list's success
	// or failure deliveries follows, unless the request is closed
	// first.
	SendEvent(req *Request, e Event)
	// SendScrape starts a scrape on trackers that support it.
	SendScrape(req *Request)
	// Close cancels any pending request; no callback fires afterward.
	Close()
}

// BaseTracker carries the per-endpoint bookkeeping shared by all
// transports. The list owns all mutation.
type BaseTracker struct {
	list  *List
	url   string
	group int

	Enabled   bool
	CanScrape bool

	busy        bool
	busyScrape  bool
	latestEvent Event

	SuccessCounter int
	FailedCounter  int
	ScrapeCounter  int

	SuccessTimeLast time.Time
	FailedTimeLast  time.Time
	ScrapeTimeLast  time.Time

	NormalInterval time.Duration
	MinInterval    time.Duration
	TrackerID      string

	ScrapeComplete   int
	ScrapeIncomplete int
	ScrapeDownloaded int

	// Safeguard against hammering: sends within the current 10-second
	// window.
	requestCounter     int
	requestWindowStart time.Time

	// LatestNewPeers and LatestSumPeers describe the last successful
	// announce.
	LatestNewPeers int
	LatestSumPeers int
}

func newBaseTracker(list *List, group int, url string) *BaseTracker {
	return &BaseTracker{
		list:           list,
		url:            url,
		group:          group,
		Enabled:        true,
		NormalInterval: defaultNormalInterval,
		MinInterval:    defaultMinInterval,
	}
}

func (b *BaseTracker) URL() string        { return b.url }
func (b *BaseTracker) Group() int         { return b.group }
func (b *BaseTracker) IsBusy() bool       { return b.busy }
func (b *BaseTracker) IsBusyScrape() bool { return b.busy && b.busyScrape }
func (b *BaseTracker) LatestEvent() Event { return b.latestEvent }

// InUse reports whether the tracker ever served us; stop and completed
// events only go to trackers in use.
func (b *BaseTracker) InUse() bool { return b.SuccessCounter > 0 }

// SetIntervals applies the tracker-supplied intervals under the
// protocol clamps; zero keeps the current value.
func (b *BaseTracker) SetIntervals(normal, min time.Duration) {
	if normal > 0 {
		b.NormalInterval = clampDuration(normal, minNormalInterval, maxNormalInterval)
	}
	if min > 0 {
		b.MinInterval = clampDuration(min, minMinInterval, maxMinInterval)
	}
}

// ActivityTimeLast is the time of the last attempt outcome.
func (b *BaseTracker) ActivityTimeLast() time.Time {
	if b.FailedTimeLast.After(b.SuccessTimeLast) {
		return b.FailedTimeLast
	}
	return b.SuccessTimeLast
}

// ActivityTimeNext is when the tracker next deserves a request: failed
// trackers back off exponentially (capped at 320 s), successful ones
// wait out their normal interval, untried ones are due immediately.
func (b *BaseTracker) ActivityTimeNext() time.Time {
	if b.FailedCounter > 0 {
		shift := b.FailedCounter - 1
		if shift > 6 {
			shift = 6
		}
		return b.FailedTimeLast.Add(5 * (1 << uint(shift)) * time.Second)
	}
	if b.SuccessCounter == 0 {
		return time.Time{}
	}
	return b.SuccessTimeLast.Add(b.NormalInterval)
}

// countRequest enforces the hammering safeguard: ten sends to one
// tracker inside a ten-second window is a programming error.
func (b *BaseTracker) countRequest(now time.Time) {
	if now.Sub(b.requestWindowStart) >= 10*time.Second {
		b.requestWindowStart = now
		b.requestCounter = 0
	}
	b.requestCounter++
	if b.requestCounter >= 10 {
		panic("tracker: hammering safeguard tripped for " + b.url)
	}
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
