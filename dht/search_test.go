package dht

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarm/util"
)

func searchID(b byte) util.InfoHash {
	return util.InfoHash(string(b) + strings.Repeat("\x03", util.IDLen-1))
}

func addrN(n int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(10, 1, byte(n/250), byte(n%250+1)).To4(), Port: 6881}
}

func TestSearchCandidateOrdering(t *testing.T) {
	target := searchID(0x40)
	se := newSearch(target, transFindNode)
	for i, b := range []byte{0xf0, 0x41, 0x10, 0x44, 0x3f} {
		se.AddContact(searchID(b), addrN(i))
	}
	for i := 1; i < len(se.candidates); i++ {
		assert.False(t, target.CloserTo(se.candidates[i].ID, se.candidates[i-1].ID),
			"candidate %d out of order", i)
	}
}

func TestSearchConcurrencyLimit(t *testing.T) {
	se := newSearch(searchID(0x40), transFindNode)
	for i := 0; i < 10; i++ {
		se.AddContact(searchID(byte(i+1)), addrN(i))
	}
	var got []*Candidate
	for {
		c := se.GetContact()
		if c == nil {
			break
		}
		got = append(got, c)
	}
	assert.Len(t, got, searchConcurrency)
	assert.Equal(t, searchConcurrency, se.pending)
	assert.Equal(t, searchConcurrency, se.Contacted())

	// A failure frees a slot for the next candidate.
	se.NodeStatus(got[0], false)
	next := se.GetContact()
	require.NotNil(t, next)
	assert.Equal(t, 4, se.Contacted())
}

func TestSearchStalledSlotRelease(t *testing.T) {
	se := newSearch(searchID(0x40), transFindNode)
	for i := 0; i < 6; i++ {
		se.AddContact(searchID(byte(i+1)), addrN(i))
	}
	var first *Candidate
	for i := 0; i < searchConcurrency; i++ {
		c := se.GetContact()
		if i == 0 {
			first = c
		}
	}
	assert.Nil(t, se.GetContact())

	se.MarkStalled(first)
	assert.NotNil(t, se.GetContact(), "a stalled query stops counting toward concurrency")

	// The late reply must not double-decrement pending.
	before := se.pending
	se.NodeStatus(first, true)
	assert.Equal(t, before, se.pending)
}

func TestSearchCompletion(t *testing.T) {
	se := newSearch(searchID(0x40), transFindNode)
	se.AddContact(searchID(0x41), addrN(0))
	se.AddContact(searchID(0x42), addrN(1))

	a := se.GetContact()
	b := se.GetContact()
	require.NotNil(t, a)
	require.NotNil(t, b)
	require.Nil(t, se.GetContact())

	assert.False(t, se.NodeStatus(a, true), "still one pending")
	assert.True(t, se.NodeStatus(b, false), "last outcome completes the lookup")
	assert.True(t, se.Completed())
	assert.Equal(t, 1, se.Replied())
}

func TestSearchTrimKeepsClosest(t *testing.T) {
	target := searchID(0x00)
	se := newSearch(target, transFindNode)
	for i := 0; i < 30; i++ {
		se.AddContact(searchID(byte(i+1)), addrN(i))
	}
	se.GetContact() // triggers the restart trim
	assert.LessOrEqual(t, len(se.candidates), searchWidth+se.pending)
}

func TestAnnounceCollectsAndDedupes(t *testing.T) {
	a := newAnnounce(searchID(0x40), 6881)
	peer1 := "\x01\x02\x03\x04\x1a\xe1"
	peer2 := "\x05\x06\x07\x08\x1a\xe1"

	fresh := a.AddPeers([]string{peer1, peer2, peer1, "short"})
	assert.Equal(t, []string{peer1, peer2}, fresh)

	fresh = a.AddPeers([]string{peer2})
	assert.Empty(t, fresh, "duplicates across batches are dropped")
	assert.Len(t, a.Peers(), 2)
}

func TestAnnounceFinalCandidates(t *testing.T) {
	a := newAnnounce(searchID(0x40), 6881)
	for i := 0; i < 12; i++ {
		a.AddContact(searchID(byte(i+1)), addrN(i))
	}
	// Mark every other candidate replied so those count as good.
	for i, c := range a.candidates {
		if i%2 == 0 {
			c.replied = true
		}
	}
	final := a.FinalCandidates()
	assert.LessOrEqual(t, len(final), announceWidth)
	for _, c := range final {
		assert.True(t, c.Good(), "only good candidates make the announce phase")
	}
	assert.Equal(t, len(final), len(a.candidates), "the candidate set shrinks to the final list")
}

func TestSearchSeedMarksGood(t *testing.T) {
	now := time.Unix(100000, 0)
	se := newSearch(searchID(0x40), transGetPeers)
	good := newNode(searchID(0x41), addrN(0), now)
	good.Replied(now)
	quiet := newNode(searchID(0x42), addrN(1), now)
	se.Seed([]*Node{good, quiet})

	c, ok := se.CandidateFor(addrN(0))
	require.True(t, ok)
	assert.True(t, c.Good())
	c, ok = se.CandidateFor(addrN(1))
	require.True(t, ok)
	assert.False(t, c.Good())
}
