package dht

import (
	"fmt"

	"swarm/bencode"
	"swarm/util"
)

// KRPC wire constants (BEP-5).
const (
	// MaxPacketSize bounds outgoing packets.
	MaxPacketSize = 1500
	// MaxReadPacketSize is the receive buffer size; some clients send
	// bigger packets than they should.
	MaxReadPacketSize = 4096

	// versionTag identifies this implementation on the wire.
	versionTag = "sw01"
)

// DHT error codes.
const (
	ErrorGeneric  = 201
	ErrorServer   = 202
	ErrorProtocol = 203
	ErrorMethod   = 204
)

// Message is one decoded KRPC packet: query, response or error.
type Message struct {
	T string // transaction id
	Y string // "q", "r" or "e"
	V string // version tag, informational

	// Query fields.
	Q        string // method name
	ID       util.InfoHash
	Target   util.InfoHash
	InfoHash util.InfoHash
	Port     int
	Token    string

	// Response fields; RID is r.id (the replier's node id).
	RID    util.InfoHash
	Nodes  string
	Values []string
	RToken string

	// Error fields.
	ErrCode int
	ErrMsg  string
}

// krpcMap routes the fixed KRPC key set in one bencode pass. Unknown
// keys are skipped, never rejected.
var krpcMap = bencode.NewStaticMap(
	"t*S",
	"y*S",
	"v*S",
	"q*S",
	"a::id*S",
	"a::target*S",
	"a::info_hash*S",
	"a::port",
	"a::token*S",
	"r::id*S",
	"r::nodes*S",
	"r::token*S",
	"r::values*L",
	"e[]",
	"e[]",
)

var (
	slotT        = krpcMap.Index("t*S")
	slotY        = krpcMap.Index("y*S")
	slotV        = krpcMap.Index("v*S")
	slotQ        = krpcMap.Index("q*S")
	slotAID      = krpcMap.Index("a::id*S")
	slotTarget   = krpcMap.Index("a::target*S")
	slotInfoHash = krpcMap.Index("a::info_hash*S")
	slotPort     = krpcMap.Index("a::port")
	slotToken    = krpcMap.Index("a::token*S")
	slotRID      = krpcMap.Index("r::id*S")
	slotNodes    = krpcMap.Index("r::nodes*S")
	slotRToken   = krpcMap.Index("r::token*S")
	slotValues   = krpcMap.Index("r::values*L")
	// The two "e[]" declarations bind list positions 0 and 1; the name
	// index only resolves the last one, so these are by position.
	slotErrCode = 13
	slotErrMsg  = 14
)

// DecodeMessage parses one KRPC packet.
func DecodeMessage(b []byte) (*Message, error) {
	fields, err := krpcMap.Read(b)
	if err != nil {
		return nil, err
	}
	m := &Message{}
	str := func(slot int) string {
		f := fields[slot]
		if !f.Present {
			return ""
		}
		v, err := f.Value.Raw.Decode()
		if err != nil {
			return ""
		}
		return v.Str
	}
	m.T = str(slotT)
	m.Y = str(slotY)
	m.V = str(slotV)
	m.Q = str(slotQ)
	m.ID = util.InfoHash(str(slotAID))
	m.Target = util.InfoHash(str(slotTarget))
	m.InfoHash = util.InfoHash(str(slotInfoHash))
	m.Token = str(slotToken)
	m.RID = util.InfoHash(str(slotRID))
	m.Nodes = str(slotNodes)
	m.RToken = str(slotRToken)
	if f := fields[slotPort]; f.Present && f.Value.Kind == bencode.KindInt {
		m.Port = int(f.Value.Int)
	}
	if f := fields[slotValues]; f.Present {
		v, err := f.Value.Raw.Decode()
		if err == nil {
			for _, item := range v.List {
				if item.Kind == bencode.KindString {
					m.Values = append(m.Values, item.Str)
				}
			}
		}
	}
	if f := fields[slotErrCode]; f.Present {
		v, err := f.Value.Raw.Decode()
		if err == nil && v.Kind == bencode.KindInt {
			m.ErrCode = int(v.Int)
		}
	}
	if f := fields[slotErrMsg]; f.Present {
		v, err := f.Value.Raw.Decode()
		if err == nil && v.Kind == bencode.KindString {
			m.ErrMsg = v.Str
		}
	}
	if !fields[slotT].Present || m.Y == "" {
		return nil, fmt.Errorf("%w: missing t or y", bencode.ErrMalformed)
	}
	return m, nil
}

// encodeQuery builds a query packet.
func encodeQuery(transID, method string, args []bencode.DictItem) ([]byte, error) {
	return marshalPacket(bencode.NewDict(
		bencode.DictItem{Key: "a", Value: bencode.NewDict(args...)},
		bencode.DictItem{Key: "q", Value: bencode.NewString(method)},
		bencode.DictItem{Key: "t", Value: bencode.NewString(transID)},
		bencode.DictItem{Key: "v", Value: bencode.NewString(versionTag)},
		bencode.DictItem{Key: "y", Value: bencode.NewString("q")},
	))
}

// encodeResponse builds a reply packet echoing transID.
func encodeResponse(transID string, resp []bencode.DictItem) ([]byte, error) {
	return marshalPacket(bencode.NewDict(
		bencode.DictItem{Key: "r", Value: bencode.NewDict(resp...)},
		bencode.DictItem{Key: "t", Value: bencode.NewString(transID)},
		bencode.DictItem{Key: "v", Value: bencode.NewString(versionTag)},
		bencode.DictItem{Key: "y", Value: bencode.NewString("r")},
	))
}

// encodeError builds an error packet: e is [code, message].
func encodeError(transID string, code int, msg string) ([]byte, error) {
	return marshalPacket(bencode.NewDict(
		bencode.DictItem{Key: "e", Value: bencode.NewList(
			bencode.NewInt(int64(code)), bencode.NewString(msg))},
		bencode.DictItem{Key: "t", Value: bencode.NewString(transID)},
		bencode.DictItem{Key: "v", Value: bencode.NewString(versionTag)},
		bencode.DictItem{Key: "y", Value: bencode.NewString("e")},
	))
}

func marshalPacket(v bencode.Value) ([]byte, error) {
	b, err := bencode.Encode(v)
	if err != nil {
		return nil, err
	}
	if len(b) > MaxPacketSize {
		return nil, fmt.Errorf("dht: packet of %d bytes exceeds limit", len(b))
	}
	return b, nil
}
