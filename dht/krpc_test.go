package dht

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarm/bencode"
	"swarm/util"
)

func TestDecodeQueryMessage(t *testing.T) {
	id := strings.Repeat("a", util.IDLen)
	ih := strings.Repeat("b", util.IDLen)
	raw := "d1:ad2:id20:" + id + "9:info_hash20:" + ih +
		"4:porti6881e5:token8:secrets!e1:q13:announce_peer1:t1:\x071:y1:qe"

	m, err := DecodeMessage([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "q", m.Y)
	assert.Equal(t, "announce_peer", m.Q)
	assert.Equal(t, "\x07", m.T)
	assert.Equal(t, util.InfoHash(id), m.ID)
	assert.Equal(t, util.InfoHash(ih), m.InfoHash)
	assert.Equal(t, 6881, m.Port)
	assert.Equal(t, "secrets!", m.Token)
}

func TestDecodeResponseMessage(t *testing.T) {
	id := strings.Repeat("c", util.IDLen)
	raw := "d1:rd2:id20:" + id + "5:nodes0:5:token4:tokn6:valuesl6:\x01\x02\x03\x04\x05\x066:\x07\x08\x09\x0a\x0b\x0cee1:t1:\x011:y1:re"

	m, err := DecodeMessage([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "r", m.Y)
	assert.Equal(t, util.InfoHash(id), m.RID)
	assert.Equal(t, "tokn", m.RToken)
	require.Len(t, m.Values, 2)
	assert.Equal(t, "\x01\x02\x03\x04\x05\x06", m.Values[0])
}

func TestDecodeErrorMessage(t *testing.T) {
	m, err := DecodeMessage([]byte("d1:eli203e14:Protocol Errore1:t1:\x021:y1:ee"))
	require.NoError(t, err)
	assert.Equal(t, "e", m.Y)
	assert.Equal(t, 203, m.ErrCode)
	assert.Equal(t, "Protocol Error", m.ErrMsg)
}

func TestDecodeRejectsMissingEnvelope(t *testing.T) {
	_, err := DecodeMessage([]byte("d1:y1:qe"))
	assert.Error(t, err, "missing transaction id")
	_, err = DecodeMessage([]byte("not bencode"))
	assert.Error(t, err)
}

func TestEncodeQueryRoundTrips(t *testing.T) {
	pkt, err := encodeQuery("\x2a", "find_node", []bencode.DictItem{
		{Key: "id", Value: bencode.NewString(strings.Repeat("x", util.IDLen))},
		{Key: "target", Value: bencode.NewString(strings.Repeat("y", util.IDLen))},
	})
	require.NoError(t, err)
	m, err := DecodeMessage(pkt)
	require.NoError(t, err)
	assert.Equal(t, "q", m.Y)
	assert.Equal(t, "find_node", m.Q)
	assert.Equal(t, "\x2a", m.T)
	assert.Equal(t, util.InfoHash(strings.Repeat("y", util.IDLen)), m.Target)
	assert.Equal(t, versionTag, m.V)
}

func TestEncodeErrorShape(t *testing.T) {
	pkt, err := encodeError("\x01", ErrorMethod, "method unknown")
	require.NoError(t, err)
	m, err := DecodeMessage(pkt)
	require.NoError(t, err)
	assert.Equal(t, "e", m.Y)
	assert.Equal(t, ErrorMethod, m.ErrCode)
	assert.Equal(t, "method unknown", m.ErrMsg)
}

func TestEncodeRejectsOversizedPacket(t *testing.T) {
	_, err := encodeQuery("\x01", "find_node", []bencode.DictItem{
		{Key: "pad", Value: bencode.NewString(strings.Repeat("z", MaxPacketSize))},
	})
	assert.Error(t, err)
}
