// Package nettools converts between net addresses and the compact binary
// forms used on the BitTorrent wire: 6 bytes for a peer contact and 26
// bytes for a DHT node contact.
package nettools

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"

	"swarm/util"
)

const (
	// CompactPeerLen is 4 bytes of IPv4 plus a big-endian port.
	CompactPeerLen = 6
	// CompactNodeLen is a 20-byte node id followed by a compact peer.
	CompactNodeLen = util.IDLen + CompactPeerLen
)

// DottedPortToBinary converts a "host:port" IPv4 address to its 6-byte
// compact form. Returns "" if the address cannot be represented.
func DottedPortToBinary(hostPort string) string {
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return ""
	}
	ip := net.ParseIP(host)
	if ip = ip.To4(); ip == nil {
		return ""
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 0xffff {
		return ""
	}
	b := make([]byte, CompactPeerLen)
	copy(b, ip)
	binary.BigEndian.PutUint16(b[4:], uint16(p))
	return string(b)
}

// BinaryToDottedPort converts a 6-byte compact peer back to "host:port".
func BinaryToDottedPort(peer string) string {
	if len(peer) != CompactPeerLen {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d.%d:%d", peer[0], peer[1], peer[2], peer[3],
		binary.BigEndian.Uint16([]byte(peer[4:6])))
}

// EncodePeer packs an IPv4 address and port into compact form.
func EncodePeer(ip net.IP, port int) (string, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return "", fmt.Errorf("nettools: not an IPv4 address: %v", ip)
	}
	if port < 0 || port > 0xffff {
		return "", fmt.Errorf("nettools: port out of range: %d", port)
	}
	b := make([]byte, CompactPeerLen)
	copy(b, ip4)
	binary.BigEndian.PutUint16(b[4:], uint16(port))
	return string(b), nil
}

// DecodePeer unpacks a compact peer into an address and port.
func DecodePeer(peer string) (net.IP, int, error) {
	if len(peer) != CompactPeerLen {
		return nil, 0, fmt.Errorf("nettools: compact peer of length %d", len(peer))
	}
	ip := make(net.IP, 4)
	copy(ip, peer[:4])
	return ip, int(binary.BigEndian.Uint16([]byte(peer[4:6]))), nil
}

// EncodeNode packs a node id and UDP address into a 26-byte contact.
func EncodeNode(id util.InfoHash, addr *net.UDPAddr) (string, error) {
	if len(id) != util.IDLen {
		return "", fmt.Errorf("nettools: node id of length %d", len(id))
	}
	peer, err := EncodePeer(addr.IP, addr.Port)
	if err != nil {
		return "", err
	}
	return string(id) + peer, nil
}

// ParseNodesString splits a concatenation of 26-byte contacts, as found
// in the "nodes" reply of find_node and get_peers, into id -> "host:port"
// pairs. Truncated input yields nil.
func ParseNodesString(nodes string) map[util.InfoHash]string {
	if len(nodes)%CompactNodeLen != 0 {
		return nil
	}
	parsed := make(map[util.InfoHash]string, len(nodes)/CompactNodeLen)
	for i := 0; i < len(nodes); i += CompactNodeLen {
		id := util.InfoHash(nodes[i : i+util.IDLen])
		parsed[id] = BinaryToDottedPort(nodes[i+util.IDLen : i+CompactNodeLen])
	}
	return parsed
}
