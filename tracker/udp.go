package tracker

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"time"

	"swarm/nettools"
	"swarm/timeutil"
)

// BEP-15 wire constants.
const (
	udpConnectMagic = 0x41727101980

	udpActionConnect  = 0
	udpActionAnnounce = 1
	udpActionScrape   = 2
	udpActionError    = 3

	// udpTries attempts of udpTimeout each before the request fails.
	udpTries   = 2
	udpTimeout = 30 * time.Second

	// A connection id may be reused for a minute after connect.
	udpConnectionValid = 60 * time.Second

	udpAnnounceLen = 98
)

// PacketConn is one open UDP flow to a tracker.
type PacketConn interface {
	Write(b []byte) error
	Close() error
}

// PacketDialer opens UDP flows. onPacket must deliver replies on the
// networking task.
type PacketDialer interface {
	Dial(hostPort string, onPacket func([]byte)) (PacketConn, error)
}

// NetDialer is the production PacketDialer. Post re-enters the
// networking task with each received datagram.
type NetDialer struct {
	Post func(func())
}

type netPacketConn struct {
	conn *net.UDPConn
}

func (c *netPacketConn) Write(b []byte) error {
	_, err := c.conn.Write(b)
	return err
}

func (c *netPacketConn) Close() error {
	return c.conn.Close()
}

func (d *NetDialer) Dial(hostPort string, onPacket func([]byte)) (PacketConn, error) {
	addr, err := net.ResolveUDPAddr("udp4", hostPort)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return nil, err
	}
	go func() {
		buf := make([]byte, 2048)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			b := make([]byte, n)
			copy(b, buf[:n])
			if d.Post != nil {
				d.Post(func() { onPacket(b) })
			} else {
				onPacket(b)
			}
		}
	}()
	return &netPacketConn{conn: conn}, nil
}

// udp tracker request states.
const (
	udpIdle = iota
	udpConnecting
	udpAnnouncing
	udpScraping
)

// UDPTracker announces over the BEP-15 UDP protocol: connect, then
// announce or scrape under the obtained connection id.
type UDPTracker struct {
	*BaseTracker
	dialer PacketDialer
	tasks  *timeutil.Queue

	hostPort string
	conn     PacketConn

	state        int
	txID         uint32
	connectionID uint64
	connectedAt  time.Time
	tries        int

	req     *Request
	event   Event
	timeout *timeutil.Task
}

// NewUDP builds a UDP tracker from a "udp://host:port/..." URL.
func NewUDP(list *List, group int, rawURL string, dialer PacketDialer, tasks *timeutil.Queue) *UDPTracker {
	hostPort := strings.TrimPrefix(rawURL, "udp://")
	if i := strings.IndexByte(hostPort, '/'); i >= 0 {
		hostPort = hostPort[:i]
	}
	t := &UDPTracker{
		BaseTracker: newBaseTracker(list, group, rawURL),
		dialer:      dialer,
		tasks:       tasks,
		hostPort:    hostPort,
	}
	t.CanScrape = true
	return t
}

func (t *UDPTracker) Type() Type         { return TypeUDP }
func (t *UDPTracker) Base() *BaseTracker { return t.BaseTracker }

func (t *UDPTracker) SendEvent(req *Request, e Event) {
	t.Close()
	t.req = req
	t.event = e
	t.begin(udpAnnouncing)
}

func (t *UDPTracker) SendScrape(req *Request) {
	t.Close()
	t.req = req
	t.begin(udpScraping)
}

func (t *UDPTracker) begin(target int) {
	conn, err := t.dialer.Dial(t.hostPort, t.onPacket)
	if err != nil {
		t.fail(err.Error())
		return
	}
	t.conn = conn
	t.tries = 0
	t.state = target
	if t.connectionID != 0 && t.list.clock.Now().Sub(t.connectedAt) < udpConnectionValid {
		t.sendRequest()
	} else {
		t.sendConnect()
	}
}

func (t *UDPTracker) sendConnect() {
	t.txID = rand.Uint32()
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b, udpConnectMagic)
	binary.BigEndian.PutUint32(b[8:], udpActionConnect)
	binary.BigEndian.PutUint32(b[12:], t.txID)
	t.transmit(b)
}

// sendRequest issues the announce or scrape under the current
// connection id.
func (t *UDPTracker) sendRequest() {
	t.txID = rand.Uint32()
	if t.state == udpScraping {
		b := make([]byte, 36)
		binary.BigEndian.PutUint64(b, t.connectionID)
		binary.BigEndian.PutUint32(b[8:], udpActionScrape)
		binary.BigEndian.PutUint32(b[12:], t.txID)
		copy(b[16:], t.req.InfoHash)
		t.transmit(b)
		return
	}
	b := make([]byte, udpAnnounceLen)
	binary.BigEndian.PutUint64(b, t.connectionID)
	binary.BigEndian.PutUint32(b[8:], udpActionAnnounce)
	binary.BigEndian.PutUint32(b[12:], t.txID)
	copy(b[16:], t.req.InfoHash)
	copy(b[36:], t.req.PeerID)
	binary.BigEndian.PutUint64(b[56:], uint64(t.req.Downloaded))
	binary.BigEndian.PutUint64(b[64:], uint64(t.req.Left))
	binary.BigEndian.PutUint64(b[72:], uint64(t.req.Uploaded))
	binary.BigEndian.PutUint32(b[80:], uint32(t.event))
	// ip stays zero: announce from the source address.
	if key, err := strconv.ParseUint(t.req.Key, 16, 32); err == nil {
		binary.BigEndian.PutUint32(b[88:], uint32(key))
	}
	numWant := int32(-1)
	if t.req.NumWant > 0 {
		numWant = int32(t.req.NumWant)
	}
	binary.BigEndian.PutUint32(b[92:], uint32(numWant))
	binary.BigEndian.PutUint16(b[96:], uint16(t.req.Port))
	t.transmit(b)
}

func (t *UDPTracker) transmit(b []byte) {
	if err := t.conn.Write(b); err != nil {
		t.fail(err.Error())
		return
	}
	t.armTimeout()
}

func (t *UDPTracker) armTimeout() {
	t.tasks.Cancel(t.timeout)
	t.timeout = t.tasks.ScheduleAfter(udpTimeout, func() {
		t.tries++
		if t.tries >= udpTries {
			t.fail("udp tracker timed out")
			return
		}
		// Retry from connect; the old connection id may have expired
		// while we waited.
		t.connectionID = 0
		t.sendConnect()
	})
}

func (t *UDPTracker) onPacket(b []byte) {
	if t.state == udpIdle || len(b) < 8 {
		return
	}
	action := binary.BigEndian.Uint32(b)
	txID := binary.BigEndian.Uint32(b[4:])
	if txID != t.txID {
		return
	}
	switch action {
	case udpActionConnect:
		if len(b) < 16 {
			return
		}
		t.connectionID = binary.BigEndian.Uint64(b[8:])
		t.connectedAt = t.list.clock.Now()
		t.sendRequest()
	case udpActionAnnounce:
		if t.state != udpAnnouncing || len(b) < 20 {
			return
		}
		resp := &Response{
			Interval:   time.Duration(binary.BigEndian.Uint32(b[8:])) * time.Second,
			Incomplete: int(binary.BigEndian.Uint32(b[12:])),
			Complete:   int(binary.BigEndian.Uint32(b[16:])),
		}
		for i := 20; i+nettools.CompactPeerLen <= len(b); i += nettools.CompactPeerLen {
			resp.Peers = append(resp.Peers, string(b[i:i+nettools.CompactPeerLen]))
		}
		t.teardown()
		t.list.receiveSuccess(t, resp)
	case udpActionScrape:
		if t.state != udpScraping || len(b) < 20 {
			return
		}
		sr := &ScrapeResponse{
			Complete:   int(binary.BigEndian.Uint32(b[8:])),
			Downloaded: int(binary.BigEndian.Uint32(b[12:])),
			Incomplete: int(binary.BigEndian.Uint32(b[16:])),
		}
		t.teardown()
		t.list.receiveScrapeSuccess(t, sr)
	case udpActionError:
		msg := "tracker error"
		if len(b) > 8 {
			msg = string(b[8:])
		}
		t.fail(msg)
	}
}

func (t *UDPTracker) fail(msg string) {
	scraping := t.state == udpScraping
	t.teardown()
	if scraping {
		t.list.receiveScrapeFailed(t, msg)
	} else {
		t.list.receiveFailed(t, fmt.Sprintf("udp://%s: %s", t.hostPort, msg))
	}
}

func (t *UDPTracker) teardown() {
	t.tasks.Cancel(t.timeout)
	t.timeout = nil
	t.state = udpIdle
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

// Close cancels a pending request; no callback fires afterward.
func (t *UDPTracker) Close() {
	t.teardown()
}
