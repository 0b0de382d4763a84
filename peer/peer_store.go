// Package peer tracks, for each infohash this node has learned about,
// the compact contact addresses of announced peers. The store backs the
// DHT's get_peers replies and remembers which infohashes the local
// client is itself downloading.
package peer

import (
	"math/rand"
	"time"

	"github.com/golang/groupcache/lru"

	"swarm/timeutil"
	"swarm/util"
)

const (
	// MaxPeersPerInfoHash bounds one contact list; the oldest entry is
	// replaced once the list is full.
	MaxPeersPerInfoHash = 128
	// MaxPeersPerReply bounds one get_peers reply so it fits a UDP
	// packet without fragmenting.
	MaxPeersPerReply = 32
	// DefaultReannounceWindow is how long a contact stays listed
	// without re-announcing.
	DefaultReannounceWindow = 30 * time.Minute
)

type contact struct {
	addr     string // 6-byte compact form
	lastSeen time.Time
}

// contactList keeps contacts ordered oldest first. Re-announcing moves a
// contact to the back.
type contactList struct {
	contacts []contact
	pos      map[string]int
}

func newContactList() *contactList {
	return &contactList{pos: make(map[string]int)}
}

func (l *contactList) put(addr string, now time.Time) bool {
	if len(addr) != 6 {
		return false
	}
	if i, ok := l.pos[addr]; ok {
		l.removeAt(i)
		l.append(addr, now)
		return false
	}
	if len(l.contacts) >= MaxPeersPerInfoHash {
		l.removeAt(0)
	}
	l.append(addr, now)
	return true
}

func (l *contactList) append(addr string, now time.Time) {
	l.pos[addr] = len(l.contacts)
	l.contacts = append(l.contacts, contact{addr: addr, lastSeen: now})
}

func (l *contactList) removeAt(i int) {
	delete(l.pos, l.contacts[i].addr)
	copy(l.contacts[i:], l.contacts[i+1:])
	l.contacts = l.contacts[:len(l.contacts)-1]
	for j := i; j < len(l.contacts); j++ {
		l.pos[l.contacts[j].addr] = j
	}
}

// window returns up to limit contacts. When more are known, a random
// contiguous window is chosen so successive calls eventually cover the
// whole list without fragmenting any single reply.
func (l *contactList) window(limit int) []string {
	n := len(l.contacts)
	if n == 0 {
		return nil
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	start := 0
	if n > limit {
		start = rand.Intn(n - limit + 1)
	}
	out := make([]string, 0, limit)
	for _, c := range l.contacts[start : start+limit] {
		out = append(out, c.addr)
	}
	return out
}

func (l *contactList) prune(cutoff time.Time) int {
	removed := 0
	for len(l.contacts) > 0 && l.contacts[0].lastSeen.Before(cutoff) {
		l.removeAt(0)
		removed++
	}
	return removed
}

// Store is the per-infohash peer tracker. The infohash map is an LRU so
// an abusive stream of unknown infohashes evicts the least recently
// touched lists first.
type Store struct {
	infoHashPeers *lru.Cache
	// Infohashes the local client is downloading; value is the local
	// listen port to use in announce_peer.
	localActive map[util.InfoHash]int
	clock       timeutil.TimeProvider
}

func NewStore(maxInfoHashes int, clock timeutil.TimeProvider) *Store {
	return &Store{
		infoHashPeers: lru.New(maxInfoHashes),
		localActive:   make(map[util.InfoHash]int),
		clock:         clock,
	}
}

func (s *Store) get(ih util.InfoHash) *contactList {
	c, ok := s.infoHashPeers.Get(string(ih))
	if !ok {
		return nil
	}
	return c.(*contactList)
}

// Count reports the number of known contacts for an infohash.
func (s *Store) Count(ih util.InfoHash) int {
	l := s.get(ih)
	if l == nil {
		return 0
	}
	return len(l.contacts)
}

// AddContact records addr (6-byte compact form) as a peer for ih,
// refreshing its timestamp if already present. Returns true if the
// contact is new.
func (s *Store) AddContact(ih util.InfoHash, addr string) bool {
	l := s.get(ih)
	if l == nil {
		l = newContactList()
	}
	s.infoHashPeers.Add(string(ih), l)
	return l.put(addr, s.clock.Now())
}

// PeerContacts returns up to MaxPeersPerReply contacts for ih.
func (s *Store) PeerContacts(ih util.InfoHash) []string {
	l := s.get(ih)
	if l == nil {
		return nil
	}
	return l.window(MaxPeersPerReply)
}

// Prune drops the contacts that have not re-announced within maxAge from
// the lists of locally downloaded infohashes. Other lists are pruned only
// when PruneInfoHash is called for them.
func (s *Store) Prune(maxAge time.Duration) int {
	cutoff := s.clock.Now().Add(-maxAge)
	removed := 0
	for ih := range s.localActive {
		if l := s.get(ih); l != nil {
			removed += l.prune(cutoff)
		}
	}
	// The LRU holds lists for infohashes we merely relay; walk those
	// too by snapshotting keys through eviction order is not exposed,
	// so prune lazily when the list is next touched.
	return removed
}

// PruneInfoHash prunes a single list; used when serving get_peers so
// relayed lists age out too.
func (s *Store) PruneInfoHash(ih util.InfoHash, maxAge time.Duration) {
	if l := s.get(ih); l != nil {
		l.prune(s.clock.Now().Add(-maxAge))
	}
}

// AddLocalDownload marks ih as actively downloaded on the given port.
func (s *Store) AddLocalDownload(ih util.InfoHash, port int) {
	s.localActive[ih] = port
}

// HasLocalDownload returns the local announce port for ih, or zero.
func (s *Store) HasLocalDownload(ih util.InfoHash) int {
	return s.localActive[ih]
}

// RemoveLocalDownload forgets a locally downloaded infohash.
func (s *Store) RemoveLocalDownload(ih util.InfoHash) {
	delete(s.localActive, ih)
}

// LocalDownloads lists the infohashes currently being downloaded.
func (s *Store) LocalDownloads() []util.InfoHash {
	out := make([]util.InfoHash, 0, len(s.localActive))
	for ih := range s.localActive {
		out = append(out, ih)
	}
	return out
}
