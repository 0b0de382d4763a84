package dht

import (
	"crypto/rand"
	"net"
	"time"

	"swarm/util"
)

// Transaction kinds.
const (
	transPing = iota
	transFindNode
	transGetPeers
	transAnnouncePeer
)

// Transaction timeouts: after the quick timeout a transaction counts as
// stalled, letting its search issue extra concurrent queries; the full
// timeout fails it.
const (
	quickTimeout = 4 * time.Second
	fullTimeout  = 30 * time.Second
)

// Transaction is one outstanding outgoing RPC, keyed by the remote
// address plus an 8-bit id.
type Transaction struct {
	Kind int
	ID   byte
	Addr *net.UDPAddr

	// Target is the queried id; may be empty when unknown (plain ping).
	Target util.InfoHash

	// Search owning this query, for find_node/get_peers.
	Search *Search
	// Announce context, for get_peers and announce_peer.
	Announce *Announce
	// announcePhase marks the second-phase RPCs issued after the
	// lookup finished; they count against phasePending, not the
	// search's concurrency.
	announcePhase bool
	InfoHash      util.InfoHash
	Token         string

	QuickDeadline time.Time
	FullDeadline  time.Time
	// Pending holds the encoded packet while it waits in the send
	// queue; a never-transmitted transaction is exempt from liveness
	// penalties.
	Pending []byte
	Sent    bool

	stalled bool
}

func (t *Transaction) key() transactionKey {
	return transactionKey{addr: t.Addr.String(), id: t.ID}
}

type transactionKey struct {
	addr string
	id   byte
}

// transactionTable tracks outstanding queries. Ids are random bytes,
// linearly probed per remote address on collision.
type transactionTable struct {
	m map[transactionKey]*Transaction
}

func newTransactionTable() *transactionTable {
	return &transactionTable{m: make(map[transactionKey]*Transaction)}
}

func (tt *transactionTable) Len() int {
	return len(tt.m)
}

// Insert assigns the transaction a free id for its address and records
// it. 256 live transactions against one address is a programming error.
func (tt *transactionTable) Insert(t *Transaction, now time.Time) *Transaction {
	var b [1]byte
	rand.Read(b[:])
	id := b[0]
	addr := t.Addr.String()
	for i := 0; ; i++ {
		if i >= 256 {
			panic("dht: transaction table full for " + addr)
		}
		if _, taken := tt.m[transactionKey{addr: addr, id: id}]; !taken {
			break
		}
		id++
	}
	t.ID = id
	t.QuickDeadline = now.Add(quickTimeout)
	t.FullDeadline = now.Add(fullTimeout)
	tt.m[t.key()] = t
	return t
}

// Find matches an incoming reply to its transaction. The transaction id
// on the wire must be the single byte we sent.
func (tt *transactionTable) Find(addr *net.UDPAddr, wireID string) (*Transaction, bool) {
	if len(wireID) != 1 {
		return nil, false
	}
	t, ok := tt.m[transactionKey{addr: addr.String(), id: wireID[0]}]
	return t, ok
}

// Remove erases the transaction; every recorded query leaves the table
// through exactly one of reply, timeout or cancel.
func (tt *transactionTable) Remove(t *Transaction) {
	delete(tt.m, t.key())
}

// Stalled collects transactions past their quick deadline that have not
// been marked stalled yet.
func (tt *transactionTable) Stalled(now time.Time) []*Transaction {
	var out []*Transaction
	for _, t := range tt.m {
		if !t.stalled && t.Sent && now.After(t.QuickDeadline) {
			t.stalled = true
			out = append(out, t)
		}
	}
	return out
}

// Expired collects and removes transactions past their full deadline.
func (tt *transactionTable) Expired(now time.Time) []*Transaction {
	var out []*Transaction
	for _, t := range tt.m {
		if now.After(t.FullDeadline) {
			delete(tt.m, t.key())
			out = append(out, t)
		}
	}
	return out
}

// CancelAddr removes every transaction aimed at addr.
func (tt *transactionTable) CancelAddr(addr string) {
	for k := range tt.m {
		if k.addr == addr {
			delete(tt.m, k)
		}
	}
}

// CancelSearch removes every transaction belonging to a search.
func (tt *transactionTable) CancelSearch(s *Search) {
	for k, t := range tt.m {
		if t.Search == s {
			delete(tt.m, k)
		}
	}
}

// wireID is the single-byte transaction id as sent on the wire.
func (t *Transaction) wireID() string {
	return string([]byte{t.ID})
}
