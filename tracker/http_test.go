package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScrapeURLRewriting(t *testing.T) {
	tests := []struct{ in, want string }{
		{"http://x/announce", "http://x/scrape"},
		{"http://x/announce.php?pass=1", "http://x/scrape.php?pass=1"},
		{"http://x/a/announce", "http://x/a/scrape"},
		{"http://x/a", ""},
		{"http://x/announce2/more", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, scrapeURL(tt.in), "input %q", tt.in)
	}
}

func TestEscapeBytes(t *testing.T) {
	assert.Equal(t, "%01%02abc%FF", escapeBytes("\x01\x02abc\xff"))
	assert.Equal(t, "a-_.~z", escapeBytes("a-_.~z"), "unreserved characters pass through")
	assert.Equal(t, "%20%2B%26%3D", escapeBytes(" +&="))
}

func TestParseAnnounceFailureReason(t *testing.T) {
	_, err := parseAnnounceResponse([]byte("d14:failure reason13:not permittede"))
	require.Error(t, err)
	assert.Equal(t, "not permitted", err.Error())
}

func TestParseAnnounceDictPeers(t *testing.T) {
	body := "d8:intervali900e5:peersld2:ip9:127.0.0.14:porti6881eed2:ip7:8.8.8.84:porti80eeee"
	resp, err := parseAnnounceResponse([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, 900*time.Second, resp.Interval)
	require.Len(t, resp.Peers, 2)
	assert.Equal(t, "\x7f\x00\x00\x01\x1a\xe1", resp.Peers[0])
	assert.Equal(t, "\x08\x08\x08\x08\x00\x50", resp.Peers[1])
}

func TestParseAnnounceTruncatedCompact(t *testing.T) {
	_, err := parseAnnounceResponse([]byte("d5:peers5:abcdee"))
	assert.Error(t, err, "compact peers must be a multiple of six bytes")
}

func TestParseAnnounceFullFields(t *testing.T) {
	body := "d8:completei5e10:downloadedi70e10:incompletei11e8:intervali1200e12:min intervali600e10:tracker id4:tid15:peers0:e"
	resp, err := parseAnnounceResponse([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, 5, resp.Complete)
	assert.Equal(t, 11, resp.Incomplete)
	assert.Equal(t, 70, resp.Downloaded)
	assert.Equal(t, 1200*time.Second, resp.Interval)
	assert.Equal(t, 600*time.Second, resp.MinInterval)
	assert.Equal(t, "tid1", resp.TrackerID)
	assert.Empty(t, resp.Peers)
}

func TestParseAnnounceNotBencode(t *testing.T) {
	_, err := parseAnnounceResponse([]byte("<html>503</html>"))
	assert.Error(t, err)
}

func TestHTTPCancelDisowns(t *testing.T) {
	l, _, f := newTestList()
	tr := NewHTTP(l, 0, "http://x/announce", f)
	l.Insert(tr)

	called := false
	l.SlotSuccess = func(Tracker, *Response) { called = true }
	l.SendState(tr, EventNone)
	tr.Close()
	f.deliver(0, []byte("d8:intervali1800e5:peers0:e"), nil)
	assert.False(t, called, "a closed request's callback never fires")
}

func TestTrackerIDEchoedBack(t *testing.T) {
	l, _, f := newTestList()
	tr := NewHTTP(l, 0, "http://x/announce", f)
	l.Insert(tr)
	l.SlotSuccess = func(Tracker, *Response) {}

	l.SendState(tr, EventNone)
	f.deliver(0, []byte("d8:intervali1800e5:peers0:10:tracker id4:tid1e"), nil)
	assert.Equal(t, "tid1", tr.TrackerID)

	l.SendState(tr, EventNone)
	require.Len(t, f.urls, 2)
	assert.Contains(t, f.urls[1], "trackerid=tid1")
}
