package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarm/util"
)

type fakeAnnouncer struct {
	onPeers  func([]string)
	onResult func(bool)
	canceled bool
	starts   int
}

func (f *fakeAnnouncer) Announce(ih util.InfoHash, port int, onPeers func([]string), onResult func(bool)) func() {
	f.starts++
	f.onPeers = onPeers
	f.onResult = onResult
	return func() { f.canceled = true }
}

func TestDHTTrackerDeliversPeers(t *testing.T) {
	l, _, _ := newTestList()
	fa := &fakeAnnouncer{}
	tr := NewDHT(l, 0, fa)
	l.Insert(tr)
	assert.False(t, tr.CanScrape)

	var resp *Response
	l.SlotSuccess = func(_ Tracker, r *Response) { resp = r }

	l.SendState(tr, EventStarted)
	require.Equal(t, 1, fa.starts)

	fa.onPeers([]string{"\x01\x02\x03\x04\x05\x06"})
	fa.onPeers([]string{"\x07\x08\x09\x0a\x0b\x0c"})
	fa.onResult(true)

	require.NotNil(t, resp)
	assert.Len(t, resp.Peers, 2)
	assert.Equal(t, 1, tr.SuccessCounter)
}

func TestDHTTrackerFailure(t *testing.T) {
	l, _, _ := newTestList()
	fa := &fakeAnnouncer{}
	tr := NewDHT(l, 0, fa)
	l.Insert(tr)

	var msg string
	l.SlotFailure = func(_ Tracker, m string) { msg = m }

	l.SendState(tr, EventNone)
	fa.onResult(false)
	assert.Contains(t, msg, "dht")
	assert.Equal(t, 1, tr.FailedCounter)
}

func TestDHTTrackerStopSucceedsImmediately(t *testing.T) {
	l, _, _ := newTestList()
	fa := &fakeAnnouncer{}
	tr := NewDHT(l, 0, fa)
	l.Insert(tr)
	var resp *Response
	l.SlotSuccess = func(_ Tracker, r *Response) { resp = r }

	l.SendState(tr, EventStopped)
	assert.Equal(t, 0, fa.starts, "stop does not start a search")
	require.NotNil(t, resp)
	assert.Empty(t, resp.Peers)
}

func TestDHTTrackerClose(t *testing.T) {
	l, _, _ := newTestList()
	fa := &fakeAnnouncer{}
	tr := NewDHT(l, 0, fa)
	l.Insert(tr)

	l.SendState(tr, EventNone)
	tr.Close()
	assert.True(t, fa.canceled)
}
