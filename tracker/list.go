package tracker

import (
	"math/rand"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"swarm/logger"
	"swarm/timeutil"
)

// scrapeSuppressWindow: a tracker scraped this recently is not scraped
// again.
const scrapeSuppressWindow = 10 * time.Minute

// List is the ordered, grouped collection of trackers for one download.
// A group is a failover set: only its front entry is normally used, the
// rest are alternates.
type List struct {
	trackers []Tracker

	clock timeutil.TimeProvider
	log   *logrus.Entry

	// NewRequest supplies current swarm state for each announce.
	NewRequest func() *Request

	// Result callbacks, wired by the controller.
	SlotSuccess       func(t Tracker, resp *Response)
	SlotFailure       func(t Tracker, msg string)
	SlotScrapeSuccess func(t Tracker)
	SlotScrapeFailure func(t Tracker, msg string)
}

func NewList(clock timeutil.TimeProvider) *List {
	return &List{
		clock: clock,
		log:   logger.New("tracker.list"),
	}
}

// Insert places t at the end of its group, keeping groups contiguous
// and ordered.
func (l *List) Insert(t Tracker) {
	g := t.Base().group
	i := len(l.trackers)
	for j, o := range l.trackers {
		if o.Base().group > g {
			i = j
			break
		}
	}
	l.trackers = append(l.trackers, nil)
	copy(l.trackers[i+1:], l.trackers[i:])
	l.trackers[i] = t
}

func (l *List) Len() int             { return len(l.trackers) }
func (l *List) Get(i int) Tracker    { return l.trackers[i] }
func (l *List) Trackers() []Tracker  { return l.trackers }
func (l *List) Clock() timeutil.TimeProvider {
	return l.clock
}

// IndexOf locates a tracker; -1 when absent.
func (l *List) IndexOf(t Tracker) int {
	for i, o := range l.trackers {
		if o == t {
			return i
		}
	}
	return -1
}

func (l *List) groupBounds(g int) (start, end int) {
	start = -1
	for i, t := range l.trackers {
		if t.Base().group == g {
			if start == -1 {
				start = i
			}
			end = i + 1
		}
	}
	if start == -1 {
		return 0, 0
	}
	return start, end
}

// NumGroups returns one past the highest group number.
func (l *List) NumGroups() int {
	n := 0
	for _, t := range l.trackers {
		if g := t.Base().group + 1; g > n {
			n = g
		}
	}
	return n
}

// HasBusyNotScrape reports whether any tracker in group g is busy with
// a non-scrape request.
func (l *List) HasBusyNotScrape(g int) bool {
	start, end := l.groupBounds(g)
	for _, t := range l.trackers[start:end] {
		if t.Base().IsBusy() && !t.Base().IsBusyScrape() {
			return true
		}
	}
	return false
}

// CountBusy returns the number of busy trackers.
func (l *List) CountBusy() int {
	n := 0
	for _, t := range l.trackers {
		if t.Base().IsBusy() {
			n++
		}
	}
	return n
}

// SendState transitions a tracker to busy with the given event and
// starts the request.
func (l *List) SendState(t Tracker, e Event) {
	b := t.Base()
	now := l.clock.Now()
	b.countRequest(now)
	t.Close()
	b.busy = true
	b.busyScrape = false
	b.latestEvent = e
	req := l.NewRequest()
	l.log.WithFields(logrus.Fields{"url": t.URL(), "event": e.String()}).Debug("announce")
	t.SendEvent(req, e)
}

// SendScrape starts a scrape unless one ran within the suppression
// window or the tracker cannot scrape.
func (l *List) SendScrape(t Tracker) {
	b := t.Base()
	if !b.CanScrape || b.IsBusy() {
		return
	}
	now := l.clock.Now()
	if !b.ScrapeTimeLast.IsZero() && now.Sub(b.ScrapeTimeLast) < scrapeSuppressWindow {
		return
	}
	b.countRequest(now)
	b.busy = true
	b.busyScrape = true
	b.latestEvent = EventScrape
	l.log.WithField("url", t.URL()).Debug("scrape")
	t.SendScrape(l.NewRequest())
}

// FindNextToRequest returns the eligible tracker with the earliest
// ActivityTimeNext, ties broken by list order; nil when every tracker
// is busy or disabled.
func (l *List) FindNextToRequest(from int) Tracker {
	var best Tracker
	var bestTime time.Time
	for _, t := range l.trackers[from:] {
		b := t.Base()
		if !b.Enabled || (b.IsBusy() && !b.IsBusyScrape()) {
			continue
		}
		next := b.ActivityTimeNext()
		if best == nil || next.Before(bestTime) {
			best = t
			bestTime = next
		}
	}
	return best
}

// Promote swaps a tracker to the front of its group.
func (l *List) Promote(t Tracker) {
	i := l.IndexOf(t)
	if i < 0 {
		return
	}
	start, _ := l.groupBounds(t.Base().group)
	l.trackers[start], l.trackers[i] = l.trackers[i], l.trackers[start]
}

// CycleGroup rotates group g left by one, so the next alternate gets
// tried.
func (l *List) CycleGroup(g int) {
	start, end := l.groupBounds(g)
	if end-start < 2 {
		return
	}
	first := l.trackers[start]
	copy(l.trackers[start:end-1], l.trackers[start+1:end])
	l.trackers[end-1] = first
}

// RandomizeGroupEntries shuffles within each group; run once at startup
// so a swarm's clients don't all hammer the first URL.
func (l *List) RandomizeGroupEntries() {
	for g := 0; g < l.NumGroups(); g++ {
		start, end := l.groupBounds(g)
		rand.Shuffle(end-start, func(i, j int) {
			l.trackers[start+i], l.trackers[start+j] = l.trackers[start+j], l.trackers[start+i]
		})
	}
}

// CloseAll cancels every pending request.
func (l *List) CloseAll() {
	for _, t := range l.trackers {
		t.Close()
		t.Base().busy = false
	}
}

// receiveSuccess is called by a transport when an announce finished.
func (l *List) receiveSuccess(t Tracker, resp *Response) {
	b := t.Base()
	now := l.clock.Now()
	b.busy = false
	b.FailedCounter = 0
	b.SuccessCounter++
	b.SuccessTimeLast = now
	b.SetIntervals(resp.Interval, resp.MinInterval)
	if resp.TrackerID != "" {
		b.TrackerID = resp.TrackerID
	}
	if resp.Complete > 0 || resp.Incomplete > 0 {
		b.ScrapeComplete = resp.Complete
		b.ScrapeIncomplete = resp.Incomplete
	}
	if resp.Downloaded > 0 {
		b.ScrapeDownloaded = resp.Downloaded
	}
	resp.Peers = sortDedupe(resp.Peers)
	b.LatestSumPeers = len(resp.Peers)
	l.Promote(t)
	if l.SlotSuccess != nil {
		l.SlotSuccess(t, resp)
	}
}

// receiveFailed is called by a transport when an announce failed. The
// tracker keeps its list position.
func (l *List) receiveFailed(t Tracker, msg string) {
	b := t.Base()
	b.busy = false
	b.FailedCounter++
	b.FailedTimeLast = l.clock.Now()
	l.log.WithFields(logrus.Fields{"url": t.URL(), "error": msg}).Debug("announce failed")
	if l.SlotFailure != nil {
		l.SlotFailure(t, msg)
	}
}

func (l *List) receiveScrapeSuccess(t Tracker, sr *ScrapeResponse) {
	b := t.Base()
	b.busy = false
	b.busyScrape = false
	b.ScrapeCounter++
	b.ScrapeTimeLast = l.clock.Now()
	b.ScrapeComplete = sr.Complete
	b.ScrapeIncomplete = sr.Incomplete
	b.ScrapeDownloaded = sr.Downloaded
	if l.SlotScrapeSuccess != nil {
		l.SlotScrapeSuccess(t)
	}
}

func (l *List) receiveScrapeFailed(t Tracker, msg string) {
	b := t.Base()
	b.busy = false
	b.busyScrape = false
	b.ScrapeTimeLast = l.clock.Now()
	if l.SlotScrapeFailure != nil {
		l.SlotScrapeFailure(t, msg)
	}
}

// sortDedupe normalizes a compact peer list.
func sortDedupe(peers []string) []string {
	sort.Strings(peers)
	out := peers[:0]
	for i, p := range peers {
		if i == 0 || p != peers[i-1] {
			out = append(out, p)
		}
	}
	return out
}
