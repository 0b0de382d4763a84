package dht

import (
	"net"
	"time"

	"swarm/nettools"
	"swarm/util"
)

// Node quality drives eviction and refresh decisions.
const (
	// NodeGood nodes answered traffic within the activity window.
	NodeGood = iota
	// NodeQuestionable nodes have gone quiet but not failed enough
	// queries to write off.
	NodeQuestionable
	// NodeBad nodes missed MaxInactiveReplies consecutive queries.
	NodeBad
)

const (
	// nodeActivityWindow is how recently a node must have sent traffic
	// to count as good.
	nodeActivityWindow = 15 * time.Minute
	// nodeExpiry is the age past which a bad or long-questionable node
	// is deleted.
	nodeExpiry = 4 * time.Hour
)

// Node is one remote DHT participant known to the routing table.
type Node struct {
	ID   util.InfoHash
	Addr *net.UDPAddr
	// CompactAddr is the 6-byte wire form of Addr, kept because every
	// nodes reply needs it.
	CompactAddr string

	// LastSeen is the time of the last traffic received from the node.
	LastSeen time.Time
	// InactiveReplies counts consecutive queries that got no reply.
	InactiveReplies int

	bucket *Bucket
	state  int
	// lastChancePinged is set when housekeeping has probed a
	// long-questionable node; if still quiet next sweep, it is deleted.
	lastChancePinged bool
}

func newNode(id util.InfoHash, addr *net.UDPAddr, now time.Time) *Node {
	return &Node{
		ID:          id,
		Addr:        addr,
		CompactAddr: nettools.DottedPortToBinary(addr.String()),
		LastSeen:    now,
		state:       NodeQuestionable,
	}
}

// Bucket returns the bucket currently holding the node.
func (n *Node) Bucket() *Bucket {
	return n.bucket
}

// State returns the node's quality as of its last Update.
func (n *Node) State() int {
	return n.state
}

// Replied records an answer from the node: it becomes good and its
// failure streak resets.
func (n *Node) Replied(now time.Time) {
	n.LastSeen = now
	n.InactiveReplies = 0
	n.lastChancePinged = false
	n.setState(NodeGood)
}

// Queried records an incoming query from the node. Queries only count as
// liveness if the node was already active; a one-way sender never
// becomes good.
func (n *Node) Queried(now time.Time) {
	if n.state == NodeGood || !n.LastSeen.IsZero() && now.Sub(n.LastSeen) < nodeActivityWindow {
		n.LastSeen = now
		n.setState(NodeGood)
	}
}

// Inactive records a query of ours that went unanswered. The node turns
// bad on the MaxInactiveReplies'th strike.
func (n *Node) Inactive() {
	if n.InactiveReplies < util.MaxInactiveReplies {
		n.InactiveReplies++
	}
	if n.InactiveReplies >= util.MaxInactiveReplies {
		n.setState(NodeBad)
	}
}

// Update recomputes the quality from the clock: good decays to
// questionable after the activity window.
func (n *Node) Update(now time.Time) {
	if n.InactiveReplies >= util.MaxInactiveReplies {
		n.setState(NodeBad)
		return
	}
	if now.Sub(n.LastSeen) < nodeActivityWindow {
		n.setState(NodeGood)
	} else {
		n.setState(NodeQuestionable)
	}
}

// Expired reports whether the node is old enough to delete outright.
func (n *Node) Expired(now time.Time) bool {
	return n.state == NodeBad && now.Sub(n.LastSeen) > nodeExpiry
}

func (n *Node) setState(s int) {
	if n.state == s {
		return
	}
	if b := n.bucket; b != nil {
		b.noteStateChange(n.state, s)
	}
	n.state = s
}
