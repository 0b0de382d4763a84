package dht

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"net"
)

// tokenLen is the truncated SHA-1 prefix sent as an announce token.
const tokenLen = 8

// tokenManager issues the proof-of-recent-contact tokens required by
// announce_peer. Two 32-bit secrets are kept; housekeeping rotates them
// every cycle, so a token stays valid for one to two cycles (15 to 30
// minutes at the default cadence).
type tokenManager struct {
	cur, prev uint32
}

func newTokenManager() *tokenManager {
	return &tokenManager{cur: randSecret(), prev: randSecret()}
}

func randSecret() uint32 {
	var b [4]byte
	// On the unlikely rand failure the zero secret still works; tokens
	// just become guessable until the next rotation.
	rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// Rotate discards the previous secret and makes a fresh current one.
func (t *tokenManager) Rotate() {
	t.prev = t.cur
	t.cur = randSecret()
}

// Make returns the token for a remote address under the current secret.
// The token binds to the IP only; the port may legitimately differ
// between get_peers and announce_peer.
func (t *tokenManager) Make(addr *net.UDPAddr) string {
	return tokenFor(t.cur, addr)
}

// Valid accepts tokens minted under either secret.
func (t *tokenManager) Valid(token string, addr *net.UDPAddr) bool {
	return token == tokenFor(t.cur, addr) || token == tokenFor(t.prev, addr)
}

func tokenFor(secret uint32, addr *net.UDPAddr) string {
	var s [4]byte
	binary.BigEndian.PutUint32(s[:], secret)
	h := sha1.New()
	h.Write(s[:])
	h.Write(addr.IP.To16())
	return string(h.Sum(nil)[:tokenLen])
}
