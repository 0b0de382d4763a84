package nettools

import (
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarm/util"
)

func TestPeerRoundTrip(t *testing.T) {
	compact, err := EncodePeer(net.ParseIP("127.0.0.1"), 6881)
	require.NoError(t, err)
	assert.Equal(t, "\x7f\x00\x00\x01\x1a\xe1", compact)

	ip, port, err := DecodePeer(compact)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip.String())
	assert.Equal(t, 6881, port)
}

func TestDottedPortConversion(t *testing.T) {
	assert.Equal(t, "\x61\x62\x63\x64\x65\x66", DottedPortToBinary("97.98.99.100:25958"))
	assert.Equal(t, "97.98.99.100:25958", BinaryToDottedPort("abcdef"))
	assert.Equal(t, "", DottedPortToBinary("[::1]:80"), "IPv6 has no compact v4 form")
	assert.Equal(t, "", DottedPortToBinary("nonsense"))
	assert.Equal(t, "", BinaryToDottedPort("short"))
}

func TestEncodePeerErrors(t *testing.T) {
	_, err := EncodePeer(net.ParseIP("::1"), 80)
	assert.Error(t, err)
	_, err = EncodePeer(net.ParseIP("1.2.3.4"), 70000)
	assert.Error(t, err)
}

func TestNodeEncodeAndParse(t *testing.T) {
	id := util.InfoHash(strings.Repeat("\x11", util.IDLen))
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 6881}
	contact, err := EncodeNode(id, addr)
	require.NoError(t, err)
	require.Len(t, contact, CompactNodeLen)

	parsed := ParseNodesString(contact + mustNode(t, "\x22", "10.0.0.3", 1))
	require.Len(t, parsed, 2)
	assert.Equal(t, "10.0.0.2:6881", parsed[id])

	assert.Nil(t, ParseNodesString(contact[:25]), "truncated input yields nil")
}

func mustNode(t *testing.T, fill, host string, port int) string {
	t.Helper()
	id := util.InfoHash(strings.Repeat(fill, util.IDLen))
	contact, err := EncodeNode(id, &net.UDPAddr{IP: net.ParseIP(host), Port: port})
	require.NoError(t, err)
	return contact
}
