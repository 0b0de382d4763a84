package dht

import (
	"time"

	"swarm/util"
)

// BucketSize is the Kademlia k: nodes held per id range.
const BucketSize = 8

// Bucket covers a contiguous id range whose width is a power of two.
// Buckets form a doubly linked chain through parent/child covering the
// whole 160-bit space; the chain's child end is the bucket holding our
// own id, so walking child-first visits nearer ranges first.
type Bucket struct {
	Low, High util.InfoHash

	nodes       []*Node
	goodCount   int
	badCount    int
	lastChanged time.Time

	parent, child *Bucket
}

func newBucket(low, high util.InfoHash, now time.Time) *Bucket {
	return &Bucket{Low: low, High: high, lastChanged: now}
}

// Contains reports whether id falls inside the bucket's range.
func (b *Bucket) Contains(id util.InfoHash) bool {
	return string(id) >= string(b.Low) && string(id) <= string(b.High)
}

// Nodes returns the bucket members. The slice is owned by the bucket.
func (b *Bucket) Nodes() []*Node {
	return b.nodes
}

func (b *Bucket) Len() int       { return len(b.nodes) }
func (b *Bucket) Full() bool     { return len(b.nodes) >= BucketSize }
func (b *Bucket) GoodCount() int { return b.goodCount }
func (b *Bucket) BadCount() int  { return b.badCount }

// Age returns how long ago the bucket last changed.
func (b *Bucket) Age(now time.Time) time.Duration {
	return now.Sub(b.lastChanged)
}

// Parent and Child expose the chain links.
func (b *Bucket) Parent() *Bucket { return b.parent }
func (b *Bucket) Child() *Bucket  { return b.child }

func (b *Bucket) add(n *Node, now time.Time) {
	n.bucket = b
	b.nodes = append(b.nodes, n)
	b.countState(n.state, 1)
	b.lastChanged = now
}

func (b *Bucket) remove(n *Node) {
	for i, m := range b.nodes {
		if m == n {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			b.countState(n.state, -1)
			n.bucket = nil
			return
		}
	}
}

// oldestBad returns the bad node that has been quiet the longest.
func (b *Bucket) oldestBad() *Node {
	var worst *Node
	for _, n := range b.nodes {
		if n.state != NodeBad {
			continue
		}
		if worst == nil || n.LastSeen.Before(worst.LastSeen) {
			worst = n
		}
	}
	return worst
}

func (b *Bucket) noteStateChange(old, new int) {
	b.countState(old, -1)
	b.countState(new, 1)
}

func (b *Bucket) countState(state, delta int) {
	switch state {
	case NodeGood:
		b.goodCount += delta
	case NodeBad:
		b.badCount += delta
	}
}

// RandomIDInRange returns an id inside the bucket, used to seed a
// bootstrap search for the bucket's region.
func (b *Bucket) RandomIDInRange(randByte func() byte) util.InfoHash {
	// Keep the shared prefix of Low and High, randomize the rest.
	id := make([]byte, util.IDLen)
	i := 0
	for ; i < util.IDLen && b.Low[i] == b.High[i]; i++ {
		id[i] = b.Low[i]
	}
	if i < util.IDLen {
		// The split byte must stay within [Low[i], High[i]].
		span := int(b.High[i]) - int(b.Low[i]) + 1
		id[i] = b.Low[i] + byte(int(randByte())%span)
		for j := i + 1; j < util.IDLen; j++ {
			id[j] = randByte()
		}
	}
	return util.InfoHash(id)
}

// midpoint returns m such that [Low, m] and [m+1, High] are equal
// halves. Width is a power of two by construction.
func (b *Bucket) midpoint() (util.InfoHash, util.InfoHash) {
	width := idSub(b.High, b.Low) // width-1, really: 2^k - 1
	half := idShiftRight(width)   // 2^(k-1) - 1 for k >= 1
	mid := idAdd(b.Low, half)
	return mid, idIncrement(mid)
}

// 160-bit big-endian helpers used only for bucket arithmetic.

func idSub(a, b util.InfoHash) util.InfoHash {
	out := make([]byte, util.IDLen)
	borrow := 0
	for i := util.IDLen - 1; i >= 0; i-- {
		d := int(a[i]) - int(b[i]) - borrow
		if d < 0 {
			d += 256
			borrow = 1
		} else {
			borrow = 0
		}
		out[i] = byte(d)
	}
	return util.InfoHash(out)
}

func idAdd(a, b util.InfoHash) util.InfoHash {
	out := make([]byte, util.IDLen)
	carry := 0
	for i := util.IDLen - 1; i >= 0; i-- {
		s := int(a[i]) + int(b[i]) + carry
		out[i] = byte(s)
		carry = s >> 8
	}
	return util.InfoHash(out)
}

func idShiftRight(a util.InfoHash) util.InfoHash {
	out := make([]byte, util.IDLen)
	carry := byte(0)
	for i := 0; i < util.IDLen; i++ {
		out[i] = a[i]>>1 | carry<<7
		carry = a[i] & 1
	}
	return util.InfoHash(out)
}

func idIncrement(a util.InfoHash) util.InfoHash {
	out := []byte(string(a))
	for i := util.IDLen - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			break
		}
	}
	return util.InfoHash(out)
}

func idFill(b byte) util.InfoHash {
	out := make([]byte, util.IDLen)
	for i := range out {
		out[i] = b
	}
	return util.InfoHash(out)
}
