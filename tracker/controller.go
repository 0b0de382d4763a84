package tracker

import (
	"time"

	"github.com/sirupsen/logrus"

	"swarm/logger"
	"swarm/timeutil"
)

// Controller flag bits. The send bits hold at most one pending event;
// the mode bits are orthogonal.
const (
	flagSendUpdate = 1 << iota
	flagSendCompleted
	flagSendStart
	flagSendStop
	flagActive
	flagRequesting
	flagPromiscuous
	flagFailureMode

	maskSend = flagSendUpdate | flagSendCompleted | flagSendStart | flagSendStop
)

const (
	// enableTimeout delays the first announce slightly after enabling.
	enableTimeout = 3 * time.Second
	// requestingWait is the minimum reschedule wait while harvesting
	// alternates for more peers.
	requestingWait = 30 * time.Second
	// promiscuousIntervalFloor bounds how often promiscuous mode hits
	// one tracker.
	promiscuousIntervalFloor = 300 * time.Second
)

// Controller is the scheduling brain over a tracker list: it decides
// which tracker to contact when, reacts to successes and failures, and
// relays peer lists upward.
type Controller struct {
	flags int
	list  *List

	clock timeutil.TimeProvider
	tasks *timeutil.Queue

	taskTimeout *timeutil.Task
	taskScrape  *timeutil.Task

	failedRequests int
	numRequests    int

	// SlotSuccess and SlotFailure deliver announce outcomes to the
	// download; set at wiring time, exactly one consumer each.
	SlotSuccess func(peers []string)
	SlotFailure func(msg string)

	log *logrus.Entry
}

func NewController(list *List, clock timeutil.TimeProvider, tasks *timeutil.Queue) *Controller {
	c := &Controller{
		list:  list,
		clock: clock,
		tasks: tasks,
		log:   logger.New("tracker.controller"),
	}
	list.SlotSuccess = c.receiveSuccess
	list.SlotFailure = c.receiveFailed
	return c
}

func (c *Controller) IsActive() bool      { return c.flags&flagActive != 0 }
func (c *Controller) IsRequesting() bool  { return c.flags&flagRequesting != 0 }
func (c *Controller) IsPromiscuous() bool { return c.flags&flagPromiscuous != 0 }
func (c *Controller) IsFailureMode() bool { return c.flags&flagFailureMode != 0 }
func (c *Controller) List() *List         { return c.list }

// NumRequests counts announces since the last idle period.
func (c *Controller) NumRequests() int { return c.numRequests }

// currentSendEvent maps the pending send bit to the announce event.
func (c *Controller) currentSendEvent() Event {
	switch {
	case c.flags&flagSendStart != 0:
		return EventStarted
	case c.flags&flagSendStop != 0:
		return EventStopped
	case c.flags&flagSendCompleted != 0:
		return EventCompleted
	default:
		return EventNone
	}
}

// Enable starts the announce loop.
func (c *Controller) Enable() {
	if c.IsActive() {
		return
	}
	c.flags |= flagActive
	if c.list.Len() > 0 {
		c.updateTimeout(enableTimeout)
	}
}

// Disable ceases all scheduling and cancels pending requests.
func (c *Controller) Disable() {
	c.flags &^= flagActive | flagRequesting | flagPromiscuous
	c.tasks.Cancel(c.taskTimeout)
	c.tasks.Cancel(c.taskScrape)
	c.taskTimeout = nil
	c.taskScrape = nil
	c.list.CloseAll()
}

// Close clears requesting and promiscuous mode. Pending stop and
// completed requests are disowned: they continue in the background but
// the controller no longer tracks them.
func (c *Controller) Close() {
	c.flags &^= flagRequesting | flagPromiscuous | flagSendStart | flagSendUpdate
	c.tasks.Cancel(c.taskTimeout)
	c.taskTimeout = nil
}

// SendStartEvent announces "started", promiscuously until the first
// success.
func (c *Controller) SendStartEvent() {
	c.flags = c.flags&^maskSend | flagSendStart | flagPromiscuous
	if c.IsActive() {
		c.updateTimeout(0)
	}
}

// SendStopEvent announces "stopped" to every tracker in use.
func (c *Controller) SendStopEvent() {
	c.sendTerminal(flagSendStop)
}

// SendCompletedEvent announces "completed" to every tracker in use.
func (c *Controller) SendCompletedEvent() {
	c.sendTerminal(flagSendCompleted)
}

func (c *Controller) sendTerminal(bit int) {
	c.flags &^= maskSend
	if !c.anyInUse() {
		return
	}
	c.flags |= bit
	if c.IsActive() {
		c.updateTimeout(0)
	}
}

// SendUpdateEvent announces a plain update.
func (c *Controller) SendUpdateEvent() {
	c.flags = c.flags&^maskSend | flagSendUpdate
	if c.IsActive() {
		c.updateTimeout(0)
	}
}

// StartRequesting puts the controller in peer-harvesting mode: it
// works through alternates at a fast cadence until stopped.
func (c *Controller) StartRequesting() {
	if c.flags&flagRequesting != 0 {
		return
	}
	c.flags |= flagRequesting
	if c.IsActive() {
		c.updateTimeout(0)
	}
}

// StopRequesting leaves peer-harvesting mode.
func (c *Controller) StopRequesting() {
	c.flags &^= flagRequesting
}

// ManualRequest forces an announce; without force it is clamped to the
// front tracker's min interval since the last connection.
func (c *Controller) ManualRequest(force bool) {
	if !c.IsActive() {
		return
	}
	if force {
		c.updateTimeout(0)
		return
	}
	wait := time.Duration(0)
	if t := c.list.FindNextToRequest(0); t != nil {
		b := t.Base()
		if !b.SuccessTimeLast.IsZero() {
			earliest := b.SuccessTimeLast.Add(b.MinInterval)
			if d := earliest.Sub(c.clock.Now()); d > wait {
				wait = d
			}
		}
	}
	c.updateTimeout(wait)
}

// ScrapeRequest schedules a scrape pass after delay.
func (c *Controller) ScrapeRequest(delay time.Duration) {
	c.tasks.Cancel(c.taskScrape)
	c.taskScrape = c.tasks.ScheduleAfter(delay, c.doScrape)
}

func (c *Controller) anyInUse() bool {
	for _, t := range c.list.Trackers() {
		if t.Base().InUse() {
			return true
		}
	}
	return false
}

// updateTimeout (re)queues the single timeout task. Only one exists at
// a time.
func (c *Controller) updateTimeout(d time.Duration) {
	if !c.IsActive() {
		panic("tracker: controller cannot set timeout when inactive")
	}
	c.tasks.Cancel(c.taskTimeout)
	c.taskTimeout = c.tasks.ScheduleAfter(d, c.doTimeout)
}

// doTimeout is the scheduling dispatch.
func (c *Controller) doTimeout() {
	c.taskTimeout = nil
	if !c.IsActive() {
		return
	}
	event := c.currentSendEvent()
	if c.flags&(flagSendStop|flagSendCompleted) != 0 {
		for _, t := range c.list.Trackers() {
			b := t.Base()
			if b.Enabled && b.InUse() && !b.IsBusy() {
				c.list.SendState(t, event)
			}
		}
		c.flags &^= maskSend
		return
	}
	if c.flags&(flagPromiscuous|flagRequesting) != 0 {
		c.promiscuousTimeout(event)
	} else {
		c.normalTimeout(event)
	}
}

// promiscuousTimeout sends to one tracker per idle group, then
// reschedules at the earliest next due time.
func (c *Controller) promiscuousTimeout(event Event) {
	now := c.clock.Now()
	var nextWait time.Duration = -1
	for g := 0; g < c.list.NumGroups(); g++ {
		if c.list.HasBusyNotScrape(g) {
			continue
		}
		var pick Tracker
		for _, t := range c.list.Trackers() {
			b := t.Base()
			if b.Group() != g || !b.Enabled || b.IsBusy() {
				continue
			}
			wait := c.promiscuousWait(b, now)
			if wait > 0 {
				if nextWait < 0 || wait < nextWait {
					nextWait = wait
				}
				continue
			}
			if pick == nil || b.ActivityTimeLast().Before(pick.Base().ActivityTimeLast()) {
				pick = t
			}
		}
		if pick != nil {
			c.list.SendState(pick, event)
		}
	}
	if c.list.CountBusy() > 0 {
		return
	}
	floor := promiscuousIntervalFloor
	if c.flags&flagRequesting != 0 {
		floor = requestingWait
	}
	if nextWait < floor {
		nextWait = floor
	}
	c.updateTimeout(nextWait)
}

// promiscuousWait is how long before a tracker may be hit again in
// promiscuous mode.
func (c *Controller) promiscuousWait(b *BaseTracker, now time.Time) time.Duration {
	var interval time.Duration
	if b.FailedCounter > 0 {
		shift := b.FailedCounter - 1
		if shift > 6 {
			shift = 6
		}
		interval = 5 * (1 << uint(shift)) * time.Second
	} else {
		interval = b.NormalInterval
	}
	min := b.MinInterval
	if min < promiscuousIntervalFloor {
		min = promiscuousIntervalFloor
	}
	if interval > min {
		interval = min
	}
	last := b.ActivityTimeLast()
	if last.IsZero() {
		return 0
	}
	wait := interval - now.Sub(last)
	if wait < 0 {
		return 0
	}
	return wait
}

// normalTimeout contacts the next due tracker or waits for it.
func (c *Controller) normalTimeout(event Event) {
	t := c.list.FindNextToRequest(0)
	if t == nil {
		return
	}
	now := c.clock.Now()
	next := t.Base().ActivityTimeNext()
	if !next.After(now) {
		c.list.SendState(t, event)
		return
	}
	c.updateTimeout(next.Sub(now))
}

// doScrape dispatches scrapes to groups without an active non-scrape
// request.
func (c *Controller) doScrape() {
	c.taskScrape = nil
	for g := 0; g < c.list.NumGroups(); g++ {
		if c.list.HasBusyNotScrape(g) {
			continue
		}
		for _, t := range c.list.Trackers() {
			b := t.Base()
			if b.Group() == g && b.Enabled && b.CanScrape && !b.IsBusy() {
				c.list.SendScrape(t)
				break
			}
		}
	}
}

// receiveSuccess handles one tracker's announce result.
func (c *Controller) receiveSuccess(t Tracker, resp *Response) {
	b := t.Base()
	c.flags &^= flagFailureMode
	c.failedRequests = 0
	if b.LatestEvent() == EventStarted {
		// First success ends the promiscuous burst.
		c.flags &^= flagSendStart | flagPromiscuous
	}
	if b.LatestEvent() == EventStopped || b.LatestEvent() == EventCompleted {
		if c.SlotSuccess != nil {
			c.SlotSuccess(resp.Peers)
		}
		return
	}
	if c.flags&flagRequesting != 0 {
		c.numRequests++
	} else {
		c.numRequests = 1
	}
	if c.IsActive() && !c.taskTimeout.Queued() && c.list.CountBusy() == 0 {
		wait := b.NormalInterval
		if c.flags&flagRequesting != 0 {
			wait = requestingWait
		}
		c.updateTimeout(wait)
	}
	c.log.WithFields(logrus.Fields{"url": t.URL(), "peers": len(resp.Peers)}).Debug("announce ok")
	if c.SlotSuccess != nil {
		c.SlotSuccess(resp.Peers)
	}
}

// receiveFailed moves to failure mode and tries the next candidate
// immediately; once the list is exhausted the retry backs off.
func (c *Controller) receiveFailed(t Tracker, msg string) {
	if c.SlotFailure != nil {
		c.SlotFailure(msg)
	}
	if !c.IsActive() || t.Type() == TypeDHT {
		return
	}
	c.flags |= flagFailureMode
	c.failedRequests++
	if c.taskTimeout.Queued() || c.list.CountBusy() > 0 {
		return
	}
	if next := c.list.FindNextToRequest(0); next != nil && !next.Base().ActivityTimeNext().After(c.clock.Now()) {
		c.updateTimeout(0)
		return
	}
	backoff := time.Duration(3+20*c.failedRequests) * time.Second
	if backoff > 300*time.Second {
		backoff = 300 * time.Second
	}
	c.updateTimeout(backoff)
}
