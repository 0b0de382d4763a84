package dht

import (
	"net"
	"sort"

	"swarm/util"
)

const (
	// searchConcurrency is how many queries a search keeps in flight.
	searchConcurrency = 3
	// searchWidth bounds the candidate set to the nearest ids, not
	// counting whatever is currently in flight.
	searchWidth = 18
	// announceWidth is how many good nodes receive the announce.
	announceWidth = 8
)

// Candidate is one node a search may contact, ordered by XOR distance
// to the target.
type Candidate struct {
	ID   util.InfoHash
	Addr *net.UDPAddr

	contacted bool
	replied   bool
	failed    bool
	good      bool
	// inFlight is true while a query to this candidate counts against
	// the concurrency limit; a stalled query stops counting early.
	inFlight bool
	// Token from a get_peers reply, spent by announce_peer.
	Token string
}

// Good reports whether the candidate replied, or was good in the
// routing table when seeded.
func (c *Candidate) Good() bool {
	return c.replied || c.good && !c.failed
}

// Search is the state of one iterative lookup toward a target id.
type Search struct {
	Target util.InfoHash
	// Kind is transFindNode or transGetPeers and decides the query
	// the server issues for each contact.
	Kind int

	candidates []*Candidate
	byAddr     map[string]*Candidate

	concurrency int
	pending     int
	contacted   int
	replied     int

	restart   bool
	started   bool
	completed bool

	announce *Announce
}

func newSearch(target util.InfoHash, kind int) *Search {
	return &Search{
		Target:      target,
		Kind:        kind,
		byAddr:      make(map[string]*Candidate),
		concurrency: searchConcurrency,
	}
}

func (s *Search) Completed() bool { return s.completed }
func (s *Search) Contacted() int  { return s.contacted }
func (s *Search) Replied() int    { return s.replied }

// Seed primes the candidate set from routing table nodes.
func (s *Search) Seed(nodes []*Node) {
	for _, n := range nodes {
		c := s.add(n.ID, n.Addr)
		if c != nil && n.State() == NodeGood {
			c.good = true
		}
	}
}

// AddContact offers a node learned from a reply. New contacts set the
// restart flag so the next GetContact re-trims the candidate set.
func (s *Search) AddContact(id util.InfoHash, addr *net.UDPAddr) {
	if !id.Valid() {
		return
	}
	if c := s.add(id, addr); c != nil {
		s.restart = true
	}
}

func (s *Search) add(id util.InfoHash, addr *net.UDPAddr) *Candidate {
	key := addr.String()
	if _, dup := s.byAddr[key]; dup {
		return nil
	}
	c := &Candidate{ID: id, Addr: addr}
	i := sort.Search(len(s.candidates), func(i int) bool {
		return s.Target.CloserTo(id, s.candidates[i].ID)
	})
	s.candidates = append(s.candidates, nil)
	copy(s.candidates[i+1:], s.candidates[i:])
	s.candidates[i] = c
	s.byAddr[key] = c
	return c
}

// CandidateFor finds the candidate a reply came from.
func (s *Search) CandidateFor(addr *net.UDPAddr) (*Candidate, bool) {
	c, ok := s.byAddr[addr.String()]
	return c, ok
}

// GetContact returns the next candidate to query, or nil when the
// concurrency limit is reached or no uncontacted candidate remains.
func (s *Search) GetContact() *Candidate {
	if s.completed || s.pending >= s.concurrency {
		return nil
	}
	if s.restart {
		s.trim()
		s.restart = false
	}
	for _, c := range s.candidates {
		if c.contacted {
			continue
		}
		c.contacted = true
		c.inFlight = true
		s.started = true
		s.pending++
		s.contacted++
		return c
	}
	return nil
}

// trim keeps the searchWidth closest candidates that are good or
// unknown, plus anything in flight; an announce additionally keeps its
// announceWidth closest good repliers.
func (s *Search) trim() {
	kept := make([]*Candidate, 0, len(s.candidates))
	width := 0
	goodKept := 0
	for _, c := range s.candidates {
		switch {
		case c.inFlight:
			kept = append(kept, c)
		case c.failed:
			// Dropped unless in flight.
		case width < searchWidth:
			kept = append(kept, c)
			width++
			if c.Good() {
				goodKept++
			}
		case s.announce != nil && c.Good() && goodKept < announceWidth:
			kept = append(kept, c)
			goodKept++
		}
	}
	for key := range s.byAddr {
		delete(s.byAddr, key)
	}
	for _, c := range kept {
		s.byAddr[c.Addr.String()] = c
	}
	s.candidates = kept
}

// MarkStalled releases a slow candidate's concurrency slot without
// deciding its fate; the full timeout or a late reply still will.
func (s *Search) MarkStalled(c *Candidate) {
	if c.inFlight {
		c.inFlight = false
		s.pending--
	}
}

// NodeStatus records the outcome of a query to c. Returns true when the
// lookup phase just finished: nothing pending and nothing left to
// contact.
func (s *Search) NodeStatus(c *Candidate, ok bool) bool {
	if c.inFlight {
		c.inFlight = false
		s.pending--
	}
	if ok {
		c.replied = true
		c.failed = false
		s.replied++
	} else if !c.replied {
		c.failed = true
	}
	return s.checkComplete()
}

func (s *Search) checkComplete() bool {
	if s.completed || s.pending > 0 {
		return false
	}
	for _, c := range s.candidates {
		if !c.contacted && !c.failed {
			return false
		}
	}
	s.completed = true
	return true
}

// Announce is a search that ends by registering our listen port with
// the closest good nodes for an infohash.
type Announce struct {
	*Search
	// Port announced via announce_peer.
	Port int

	// OnPeers delivers every batch of peer values learned during the
	// search; OnResult fires exactly once at the end.
	OnPeers  func(peers []string)
	OnResult func(ok bool)

	peers map[string]bool
	// phase two bookkeeping: get_peers/announce_peer RPCs in flight.
	announcing   bool
	phasePending int
}

func newAnnounce(ih util.InfoHash, port int) *Announce {
	s := newSearch(ih, transGetPeers)
	a := &Announce{Search: s, Port: port, peers: make(map[string]bool)}
	s.announce = a
	return a
}

// AddPeers collects values from a get_peers reply, deduplicated across
// the whole announce.
func (a *Announce) AddPeers(values []string) []string {
	fresh := make([]string, 0, len(values))
	for _, v := range values {
		if len(v) != 6 || a.peers[v] {
			continue
		}
		a.peers[v] = true
		fresh = append(fresh, v)
	}
	return fresh
}

// Peers returns every peer value seen, deduplicated.
func (a *Announce) Peers() []string {
	out := make([]string, 0, len(a.peers))
	for p := range a.peers {
		out = append(out, p)
	}
	return out
}

// FinalCandidates trims to the announceWidth closest good candidates
// and returns them for the announce phase.
func (a *Announce) FinalCandidates() []*Candidate {
	out := make([]*Candidate, 0, announceWidth)
	for _, c := range a.candidates {
		if c.Good() {
			out = append(out, c)
			if len(out) == announceWidth {
				break
			}
		}
	}
	a.candidates = out
	for key := range a.byAddr {
		delete(a.byAddr, key)
	}
	for _, c := range out {
		a.byAddr[c.Addr.String()] = c
	}
	return out
}
