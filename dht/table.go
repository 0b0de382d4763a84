package dht

import (
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"swarm/logger"
	"swarm/util"
)

// Table is the Kademlia routing table: an ordered set of buckets keyed
// by their upper bound, plus an address index so a node can be found by
// its observed UDP address without knowing its id.
type Table struct {
	ownID util.InfoHash

	// buckets is sorted ascending by High; together the ranges cover
	// the whole id space with no gaps or overlap.
	buckets   []*Bucket
	ownBucket *Bucket

	// addresses maps "host:port" to the node answering from there. A
	// string key because net.UDPAddr cannot key a map.
	addresses map[string]*Node

	log *logrus.Entry
}

func NewTable(ownID util.InfoHash, now time.Time) *Table {
	if !ownID.Valid() {
		panic("dht: routing table created with invalid own id")
	}
	b := newBucket(idFill(0), idFill(0xff), now)
	return &Table{
		ownID:     ownID,
		buckets:   []*Bucket{b},
		ownBucket: b,
		addresses: make(map[string]*Node),
		log:       logger.New("dht.table"),
	}
}

func (t *Table) OwnID() util.InfoHash { return t.ownID }
func (t *Table) OwnBucket() *Bucket   { return t.ownBucket }
func (t *Table) NumNodes() int        { return len(t.addresses) }
func (t *Table) NumBuckets() int      { return len(t.buckets) }

// Buckets returns the bucket chain in range order.
func (t *Table) Buckets() []*Bucket {
	return t.buckets
}

// BucketFor returns the bucket whose range contains id.
func (t *Table) BucketFor(id util.InfoHash) *Bucket {
	i := sort.Search(len(t.buckets), func(i int) bool {
		return string(t.buckets[i].High) >= string(id)
	})
	if i == len(t.buckets) {
		// Cannot happen while the coverage invariant holds.
		panic("dht: routing table has a coverage gap")
	}
	return t.buckets[i]
}

// NodeByAddr finds a node by its "host:port" address.
func (t *Table) NodeByAddr(addr string) (*Node, bool) {
	n, ok := t.addresses[addr]
	return n, ok
}

// NewNode builds a node record for an id/address pair. It is not added
// to the table until Insert accepts it.
func NewNode(id util.InfoHash, addr *net.UDPAddr, now time.Time) (*Node, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("dht: rejecting bogus node id %x", string(id))
	}
	if addr.Port == 0 || addr.IP == nil || addr.IP.IsUnspecified() {
		return nil, fmt.Errorf("dht: rejecting node with unusable address %v", addr)
	}
	return newNode(id, addr, now), nil
}

// Insert places a node in its bucket. A full bucket containing our own
// id is split and the insert retried; a full bucket holding bad nodes
// evicts the oldest bad one; otherwise the node is rejected.
func (t *Table) Insert(n *Node, now time.Time) bool {
	if _, exists := t.addresses[n.Addr.String()]; exists {
		return false
	}
	for {
		b := t.BucketFor(n.ID)
		if !b.Full() {
			b.add(n, now)
			t.addresses[n.Addr.String()] = n
			return true
		}
		if b == t.ownBucket {
			t.split(b, now)
			continue
		}
		if bad := b.oldestBad(); bad != nil {
			t.Remove(bad)
			continue
		}
		return false
	}
}

// split divides a full bucket at its midpoint. The receiver keeps the
// half containing our own id so ownBucket and chain references stay
// valid; the far half becomes a new bucket spliced in as the parent, so
// the chain keeps our bucket at the child end.
func (t *Table) split(b *Bucket, now time.Time) {
	mid, upperLow := b.midpoint()

	var farLow, farHigh util.InfoHash
	if string(t.ownID) <= string(mid) {
		farLow, farHigh = upperLow, b.High
		b.High = mid
	} else {
		farLow, farHigh = b.Low, mid
		b.Low = upperLow
	}
	far := newBucket(farLow, farHigh, now)

	far.parent = b.parent
	if b.parent != nil {
		b.parent.child = far
	}
	far.child = b
	b.parent = far

	for _, n := range append([]*Node(nil), b.nodes...) {
		if far.Contains(n.ID) {
			b.remove(n)
			far.add(n, now)
		}
	}
	b.lastChanged = now

	i := sort.Search(len(t.buckets), func(i int) bool {
		return string(t.buckets[i].High) >= string(far.High)
	})
	t.buckets = append(t.buckets, nil)
	copy(t.buckets[i+1:], t.buckets[i:])
	t.buckets[i] = far

	t.log.WithFields(logrus.Fields{
		"buckets": len(t.buckets),
		"near":    fmt.Sprintf("%x..%x", string(b.Low[:2]), string(b.High[:2])),
	}).Debug("bucket split")
}

// Remove deletes a node from its bucket and the address index.
func (t *Table) Remove(n *Node) {
	if b := n.bucket; b != nil {
		b.remove(n)
	}
	delete(t.addresses, n.Addr.String())
}

// FindClosest gathers up to limit nodes near target by walking the
// bucket chain: the bucket containing target first, then its children,
// then its parents. The result is sorted by XOR distance to target.
func (t *Table) FindClosest(target util.InfoHash, limit int) []*Node {
	b := t.BucketFor(target)
	out := make([]*Node, 0, limit)
	out = append(out, b.nodes...)
	for cb := b.child; cb != nil && len(out) < limit; cb = cb.child {
		out = append(out, cb.nodes...)
	}
	for pb := b.parent; pb != nil && len(out) < limit; pb = pb.parent {
		out = append(out, pb.nodes...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return target.CloserTo(out[i].ID, out[j].ID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// FindClosestGood is FindClosest restricted to good nodes.
func (t *Table) FindClosestGood(target util.InfoHash, limit int) []*Node {
	all := t.FindClosest(target, t.NumNodes())
	out := make([]*Node, 0, limit)
	for _, n := range all {
		if n.state == NodeGood {
			out = append(out, n)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}

// Housekeep refreshes every node's quality, deletes expired ones, and
// returns the questionable nodes that deserve a last-chance ping plus
// the buckets due for a bootstrap search.
func (t *Table) Housekeep(now time.Time) (needPing []*Node, needBootstrap []*Bucket) {
	for _, n := range t.snapshotNodes() {
		n.Update(now)
		switch {
		case n.Expired(now):
			t.Remove(n)
		case n.state == NodeQuestionable && now.Sub(n.LastSeen) > nodeExpiry:
			if n.lastChancePinged {
				t.Remove(n)
			} else {
				// One last ping before the next sweep deletes it.
				n.lastChancePinged = true
				needPing = append(needPing, n)
			}
		case n.state == NodeQuestionable:
			needPing = append(needPing, n)
		}
	}
	for _, b := range t.buckets {
		if !b.Full() || b.Age(now) > nodeActivityWindow {
			needBootstrap = append(needBootstrap, b)
		}
	}
	return needPing, needBootstrap
}

func (t *Table) snapshotNodes() []*Node {
	nodes := make([]*Node, 0, len(t.addresses))
	for _, n := range t.addresses {
		nodes = append(nodes, n)
	}
	return nodes
}

// ReachableNodes lists nodes worth persisting: anything not bad.
func (t *Table) ReachableNodes() []*Node {
	out := make([]*Node, 0, len(t.addresses))
	for _, n := range t.addresses {
		if n.state != NodeBad {
			out = append(out, n)
		}
	}
	return out
}
