package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarm/timeutil"
	"swarm/util"
)

// fakeFetcher records announce URLs and lets the test deliver bodies.
type fakeFetcher struct {
	urls    []string
	pending []func([]byte, error)
}

func (f *fakeFetcher) Get(url string, done func([]byte, error)) func() {
	f.urls = append(f.urls, url)
	canceled := false
	f.pending = append(f.pending, func(b []byte, err error) {
		if !canceled {
			done(b, err)
		}
	})
	return func() { canceled = true }
}

func (f *fakeFetcher) deliver(i int, body []byte, err error) {
	f.pending[i](body, err)
}

func newTestList() (*List, *timeutil.FakeClock, *fakeFetcher) {
	clock := timeutil.NewFakeClock(time.Unix(1700000000, 0))
	l := NewList(clock)
	ih := util.InfoHash("\x01\x02\x03\x04\x05\x06\x07\x08\x09\x0a\x0b\x0c\x0d\x0e\x0f\x10\x11\x12\x13\x14")
	l.NewRequest = func() *Request {
		return &Request{
			InfoHash: ih,
			PeerID:   util.InfoHash("-SW0010-twelverandom"),
			Port:     6881,
		}
	}
	return l, clock, &fakeFetcher{}
}

func TestInsertKeepsGroupsContiguous(t *testing.T) {
	l, _, f := newTestList()
	a0 := NewHTTP(l, 0, "http://a0/announce", f)
	b0 := NewHTTP(l, 0, "http://b0/announce", f)
	a1 := NewHTTP(l, 1, "http://a1/announce", f)
	l.Insert(a0)
	l.Insert(a1)
	l.Insert(b0)

	require.Equal(t, 3, l.Len())
	assert.Same(t, a0, l.Get(0))
	assert.Same(t, b0, l.Get(1), "inserted at the end of its group")
	assert.Same(t, a1, l.Get(2))
	assert.Equal(t, 2, l.NumGroups())
}

func TestPromoteAndCycle(t *testing.T) {
	l, _, f := newTestList()
	var ts []*HTTPTracker
	for _, u := range []string{"http://a/announce", "http://b/announce", "http://c/announce"} {
		tr := NewHTTP(l, 0, u, f)
		ts = append(ts, tr)
		l.Insert(tr)
	}
	l.Promote(ts[2])
	assert.Same(t, ts[2], l.Get(0))

	l.CycleGroup(0)
	assert.NotSame(t, ts[2], l.Get(0), "cycle moved the front to the back")
	assert.Same(t, ts[2], l.Get(2))
}

func TestFindNextToRequestOrdering(t *testing.T) {
	l, clock, f := newTestList()
	fresh := NewHTTP(l, 0, "http://fresh/announce", f)
	failed := NewHTTP(l, 0, "http://failed/announce", f)
	disabled := NewHTTP(l, 0, "http://off/announce", f)
	disabled.Enabled = false
	l.Insert(fresh)
	l.Insert(failed)
	l.Insert(disabled)

	failed.FailedCounter = 1
	failed.FailedTimeLast = clock.Now()

	got := l.FindNextToRequest(0)
	assert.Same(t, fresh, got, "untried tracker is due before a backed-off one")

	// A failed tracker's next activity backs off 5 * 2^(n-1), capped
	// at 320 s.
	failed.FailedCounter = 3
	assert.Equal(t, clock.Now().Add(20*time.Second), failed.ActivityTimeNext())
	failed.FailedCounter = 99
	assert.Equal(t, clock.Now().Add(320*time.Second), failed.ActivityTimeNext())
}

func TestSendStateSafeguard(t *testing.T) {
	l, _, f := newTestList()
	tr := NewHTTP(l, 0, "http://x/announce", f)
	l.Insert(tr)

	assert.Panics(t, func() {
		for i := 0; i < 10; i++ {
			l.SendState(tr, EventNone)
		}
	}, "ten sends in ten seconds is a programming error")
}

func TestSendStateSafeguardResetsWithTime(t *testing.T) {
	l, clock, f := newTestList()
	tr := NewHTTP(l, 0, "http://x/announce", f)
	l.Insert(tr)

	assert.NotPanics(t, func() {
		for i := 0; i < 30; i++ {
			l.SendState(tr, EventNone)
			clock.Advance(5 * time.Second)
		}
	})
}

func TestScrapeSuppression(t *testing.T) {
	l, clock, f := newTestList()
	tr := NewHTTP(l, 0, "http://x/announce", f)
	require.True(t, tr.CanScrape)
	l.Insert(tr)

	l.SendScrape(tr)
	require.Len(t, f.urls, 1)
	assert.Contains(t, f.urls[0], "/scrape")

	// Deliver a scrape result so the tracker is idle again.
	ihRaw := string(l.NewRequest().InfoHash)
	body := "d5:filesd20:" + ihRaw + "d8:completei3e10:downloadedi9e10:incompletei2eeee"
	f.deliver(0, []byte(body), nil)
	assert.False(t, tr.IsBusy())
	assert.Equal(t, 3, tr.ScrapeComplete)
	assert.Equal(t, 2, tr.ScrapeIncomplete)
	assert.Equal(t, 9, tr.ScrapeDownloaded)

	// A second scrape within ten minutes does no I/O.
	clock.Advance(time.Minute)
	l.SendScrape(tr)
	assert.Len(t, f.urls, 1, "suppressed: scrape_time_last is within ten minutes")

	clock.Advance(10 * time.Minute)
	l.SendScrape(tr)
	assert.Len(t, f.urls, 2)
}

func TestReceiveSuccessPromotesAndDedupes(t *testing.T) {
	l, _, f := newTestList()
	first := NewHTTP(l, 0, "http://first/announce", f)
	second := NewHTTP(l, 0, "http://second/announce", f)
	l.Insert(first)
	l.Insert(second)

	var got []string
	l.SlotSuccess = func(tr Tracker, resp *Response) { got = resp.Peers }

	peer := "\x7f\x00\x00\x01\x1a\xe1"
	peer2 := "\x7f\x00\x00\x02\x1a\xe1"
	l.receiveSuccess(second, &Response{Peers: []string{peer2, peer, peer}})

	assert.Equal(t, []string{peer, peer2}, got, "sorted and deduplicated")
	assert.Same(t, second, l.Get(0), "the replying tracker is promoted")
	assert.Equal(t, 1, second.SuccessCounter)
	assert.True(t, second.InUse())
}

func TestReceiveFailedKeepsPosition(t *testing.T) {
	l, _, f := newTestList()
	first := NewHTTP(l, 0, "http://first/announce", f)
	second := NewHTTP(l, 0, "http://second/announce", f)
	l.Insert(first)
	l.Insert(second)

	var msg string
	l.SlotFailure = func(tr Tracker, m string) { msg = m }
	l.receiveFailed(second, "connection refused")

	assert.Equal(t, "connection refused", msg)
	assert.Same(t, first, l.Get(0))
	assert.Equal(t, 1, second.FailedCounter)
	assert.False(t, second.FailedTimeLast.IsZero())
}

func TestIntervalClamps(t *testing.T) {
	l, _, f := newTestList()
	tr := NewHTTP(l, 0, "http://x/announce", f)
	l.Insert(tr)

	tr.SetIntervals(10*time.Second, 10*time.Second)
	assert.Equal(t, 600*time.Second, tr.NormalInterval)
	assert.Equal(t, 300*time.Second, tr.MinInterval)

	tr.SetIntervals(10*time.Hour, 10*time.Hour)
	assert.Equal(t, 3600*time.Second, tr.NormalInterval)
	assert.Equal(t, 1800*time.Second, tr.MinInterval)

	tr.SetIntervals(0, 0)
	assert.Equal(t, 3600*time.Second, tr.NormalInterval, "zero keeps the clamped value")
}
