package tracker

import (
	"swarm/util"
)

// DHTAnnouncer is the DHT subsystem as seen by a tracker: start an
// announce for an infohash, get peer batches and one final verdict.
// cancel detaches both callbacks.
type DHTAnnouncer interface {
	Announce(ih util.InfoHash, port int, onPeers func([]string), onResult func(ok bool)) (cancel func())
}

// DHTTracker is the tracker variant backed by the DHT: "announcing"
// runs an iterative get_peers search and registers our port with the
// closest nodes.
type DHTTracker struct {
	*BaseTracker
	dht    DHTAnnouncer
	cancel func()
	peers  []string
}

func NewDHT(list *List, group int, dht DHTAnnouncer) *DHTTracker {
	return &DHTTracker{
		BaseTracker: newBaseTracker(list, group, "dht://"),
		dht:         dht,
	}
}

func (t *DHTTracker) Type() Type         { return TypeDHT }
func (t *DHTTracker) Base() *BaseTracker { return t.BaseTracker }

func (t *DHTTracker) SendEvent(req *Request, e Event) {
	t.Close()
	if e == EventStopped {
		// The DHT has no notion of leaving a swarm; report success so
		// the controller can clear its pending stop.
		t.list.receiveSuccess(t, &Response{})
		return
	}
	t.peers = nil
	t.cancel = t.dht.Announce(req.InfoHash, req.Port,
		func(batch []string) {
			t.peers = append(t.peers, batch...)
		},
		func(ok bool) {
			t.cancel = nil
			if !ok && len(t.peers) == 0 {
				t.list.receiveFailed(t, "dht: no contacts and no peers")
				return
			}
			t.list.receiveSuccess(t, &Response{Peers: t.peers})
		})
}

// SendScrape is never called: CanScrape stays false for DHT.
func (t *DHTTracker) SendScrape(req *Request) {
	t.list.receiveScrapeFailed(t, "dht trackers cannot scrape")
}

// Close cancels a running announce and its search if no other announce
// references it.
func (t *DHTTracker) Close() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}
