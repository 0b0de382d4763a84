// Package dht implements a BEP-5 Mainline DHT node: routing table,
// iterative searches, and the UDP RPC server with per-transaction state.
//
// Message types:
//   - query
//   - response
//   - error
//
// RPCs:
//
//	ping:
//	   see if a node is reachable and keep it in the routing table.
//	find_node:
//	   run when the node count drops or on bucket refresh, to keep the
//	   routing table useful.
//	get_peers:
//	   the real deal. Iteratively queries DHT nodes to find sources
//	   for a particular infohash.
//	announce_peer:
//	   register that the peer associated with this node is downloading
//	   a torrent.
//
// Reference: http://www.bittorrent.org/beps/bep_0005.html
package dht

import (
	crand "crypto/rand"
	"expvar"
	"flag"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"swarm/bencode"
	"swarm/logger"
	"swarm/nettools"
	"swarm/peer"
	"swarm/timeutil"
	"swarm/util"
)

// Config for the DHT node. Use NewConfig for defaults.
type Config struct {
	// IP address to listen on. If left blank, one is chosen
	// automatically.
	Address string
	// UDP port the node should listen on. Zero picks a random port.
	Port int
	// Comma separated bootstrap routers.
	Routers string
	// Maximum number of nodes in the routing table.
	MaxNodes int
	// Housekeeping cadence: node refresh, bucket bootstrap, token
	// rotation, peer pruning.
	CleanupPeriod time.Duration
	// Packets per second allowed in each direction. Zero disables the
	// throttles.
	RateLimit rate.Limit
	// Per-source-IP packets per minute before a client is ignored.
	ClientPerMinuteLimit int
	// How many hosts the client throttler remembers.
	ThrottlerTrackedClients int
	// Peer lists kept before the least recently used is evicted.
	MaxInfoHashes int
}

// NewConfig creates a Config populated with default values.
func NewConfig() *Config {
	return &Config{
		Address:                 "",
		Port:                    0,
		Routers:                 "router.bittorrent.com:6881,dht.transmissionbt.com:6881",
		MaxNodes:                500,
		CleanupPeriod:           15 * time.Minute,
		RateLimit:               100,
		ClientPerMinuteLimit:    50,
		ThrottlerTrackedClients: 1000,
		MaxInfoHashes:           2048,
	}
}

// RegisterFlags registers Config fields as command line flags. If c is
// nil, a fresh default config is bound.
func RegisterFlags(c *Config) *Config {
	if c == nil {
		c = NewConfig()
	}
	flag.StringVar(&c.Routers, "routers", c.Routers,
		"Comma separated addresses of DHT routers used to bootstrap.")
	flag.IntVar(&c.MaxNodes, "maxNodes", c.MaxNodes,
		"Maximum number of nodes to store in the routing table, in memory.")
	flag.DurationVar(&c.CleanupPeriod, "cleanupPeriod", c.CleanupPeriod,
		"How often to refresh node quality and bootstrap stale buckets.")
	return c
}

const (
	// minNodes is the steady-state threshold: below it the bootstrap
	// task keeps running.
	minNodes = 32
	// maxBootstrapContacts bounds the unresolved contact FIFO.
	maxBootstrapContacts = 64
	// bootstrapBatch contacts are resolved and pinged per bootstrap
	// round.
	bootstrapBatch = 8
	// bootstrapPeriod is the cadence of bootstrap rounds while below
	// minNodes.
	bootstrapPeriod = 60 * time.Second
	// queueDropAge: packets older than this are dropped unsent.
	queueDropAge = 15 * time.Second
	// networkIdleWindow: no packet received for this long means the
	// network is considered down and timeouts stop penalizing nodes.
	networkIdleWindow = 3 * time.Minute
)

type packetType struct {
	b     []byte
	raddr *net.UDPAddr
}

type outPacket struct {
	b      []byte
	addr   *net.UDPAddr
	queued time.Time
	trans  *Transaction
}

// Server is a DHT node. All routing, transaction and queue state is
// owned by the event loop goroutine; the exported API posts into it.
type Server struct {
	config Config
	nodeID util.InfoHash

	table        *Table
	peers        *peer.Store
	tokens       *tokenManager
	transactions *transactionTable

	searches  map[*Search]bool
	announces map[*Announce]bool

	// sendHigh carries queries (announce_peer at the front); sendReply
	// carries replies.
	sendHigh  []outPacket
	sendReply []outPacket

	upload         *rate.Limiter
	download       *rate.Limiter
	clientThrottle *clientThrottle

	contacts []Contact

	clock timeutil.TimeProvider
	tasks *timeutil.Queue

	conn     *net.UDPConn
	writeUDP func(b []byte, addr *net.UDPAddr) error
	// resolve parses numeric "ip:port" contacts (compact node records
	// never carry hostnames). Hostname lookups go through resolveAsync
	// so the event loop never blocks on DNS.
	resolve      func(host string) (*net.UDPAddr, error)
	resolveAsync func(hostPort string, done func(*net.UDPAddr, error))

	lastRecv time.Time

	sweepTask *timeutil.Task
	flushTask *timeutil.Task

	running bool
	funcReq chan func()
	stop    chan struct{}
	wg      sync.WaitGroup

	log *logrus.Entry
}

// NewServer creates a DHT node. If config is nil, defaults are used.
// The node id comes from Initialize or is generated on Start.
func NewServer(config *Config, clock timeutil.TimeProvider) *Server {
	if config == nil {
		config = NewConfig()
	}
	if clock == nil {
		clock = timeutil.RealTime{}
	}
	cfg := *config
	s := &Server{
		config:         cfg,
		peers:          peer.NewStore(cfg.MaxInfoHashes, clock),
		tokens:         newTokenManager(),
		transactions:   newTransactionTable(),
		searches:       make(map[*Search]bool),
		announces:      make(map[*Announce]bool),
		clientThrottle: newClientThrottle(cfg.ClientPerMinuteLimit, cfg.ThrottlerTrackedClients, clock),
		clock:          clock,
		tasks:          timeutil.NewQueue(clock),
		funcReq:        make(chan func(), 16),
		stop:           make(chan struct{}),
		log:            logger.New("dht.server"),
	}
	if cfg.RateLimit > 0 {
		s.upload = rate.NewLimiter(cfg.RateLimit, int(cfg.RateLimit))
		s.download = rate.NewLimiter(cfg.RateLimit, int(cfg.RateLimit))
	}
	s.resolve = func(host string) (*net.UDPAddr, error) {
		return net.ResolveUDPAddr("udp4", host)
	}
	// DNS runs on its own goroutine; the result is posted back to the
	// loop, like the HTTP and UDP tracker transports do for their I/O.
	s.resolveAsync = func(hostPort string, done func(*net.UDPAddr, error)) {
		go func() {
			addr, err := net.ResolveUDPAddr("udp4", hostPort)
			s.do(func() { done(addr, err) })
		}()
	}
	for _, router := range strings.Split(cfg.Routers, ",") {
		if router != "" {
			s.addContact(router)
		}
	}
	return s
}

// Initialize seeds the node from a persisted cache. Must be called
// before Start.
func (s *Server) Initialize(c *Cache) {
	if c == nil {
		return
	}
	if c.SelfID.Valid() {
		s.nodeID = c.SelfID
	}
	s.ensureTable()
	now := s.clock.Now()
	for _, cn := range c.Nodes {
		addr := &net.UDPAddr{IP: cn.IP, Port: cn.Port}
		n, err := NewNode(cn.ID, addr, now)
		if err != nil {
			continue
		}
		n.LastSeen = cn.LastSeen
		n.Update(now)
		s.table.Insert(n, now)
	}
	for _, ct := range c.Contacts {
		s.addContact(net.JoinHostPort(ct.Host, strconv.Itoa(ct.Port)))
	}
}

func (s *Server) ensureTable() {
	if s.table != nil {
		return
	}
	if !s.nodeID.Valid() {
		id, err := util.RandNodeID()
		if err != nil {
			panic("dht: cannot generate a node id: " + err.Error())
		}
		s.nodeID = id
		s.log.WithField("id", s.nodeID.String()).Info("using a new random node id")
	}
	s.table = NewTable(s.nodeID, s.clock.Now())
}

// ID returns the local node id.
func (s *Server) ID() util.InfoHash {
	s.ensureTable()
	return s.nodeID
}

// PeerStore exposes the local per-infohash tracker.
func (s *Server) PeerStore() *peer.Store {
	return s.peers
}

// Table exposes the routing table; only the loop goroutine may touch it
// while the server is running.
func (s *Server) Table() *Table {
	s.ensureTable()
	return s.table
}

// Start opens the UDP socket and launches the event loop.
func (s *Server) Start() error {
	s.ensureTable()
	conn, err := net.ListenPacket("udp4", s.config.Address+":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}
	s.conn = conn.(*net.UDPConn)
	s.config.Port = s.conn.LocalAddr().(*net.UDPAddr).Port
	s.writeUDP = func(b []byte, addr *net.UDPAddr) error {
		n, err := s.conn.WriteToUDP(b, addr)
		if err == nil {
			totalWrittenBytes.Add(int64(n))
		}
		return err
	}
	s.running = true

	s.scheduleHousekeeping()
	s.scheduleBootstrap()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	s.log.WithFields(logrus.Fields{"id": s.nodeID.String(), "port": s.config.Port}).
		Info("DHT node started")
	return nil
}

// Stop terminates the event loop and closes the socket.
func (s *Server) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// Port returns the bound UDP port; useful with automatic assignment.
func (s *Server) Port() int {
	return s.config.Port
}

// AddNode informs the DHT of a possibly unresolved "host:port" contact
// to use for bootstrapping.
func (s *Server) AddNode(hostPort string) {
	s.do(func() { s.addContact(hostPort) })
}

// StoreCache snapshots the routing table for persistence. Only worth
// saving when more than a handful of nodes are reachable.
func (s *Server) StoreCache() *Cache {
	out := make(chan *Cache, 1)
	s.do(func() {
		s.ensureTable()
		c := &Cache{SelfID: s.nodeID}
		for _, n := range s.table.ReachableNodes() {
			ip4 := n.Addr.IP.To4()
			if ip4 == nil {
				continue
			}
			c.Nodes = append(c.Nodes, CachedNode{
				ID: n.ID, IP: ip4, Port: n.Addr.Port, LastSeen: n.LastSeen,
			})
		}
		for _, ct := range s.contacts {
			c.Contacts = append(c.Contacts, ct)
		}
		out <- c
	})
	return <-out
}

// Announce looks up peers for ih and registers our port with the
// closest good nodes. onPeers receives each fresh batch of peers;
// onResult fires exactly once unless the announce is canceled.
func (s *Server) Announce(ih util.InfoHash, port int, onPeers func([]string), onResult func(bool)) *Announce {
	a := newAnnounce(ih, port)
	a.OnPeers = onPeers
	a.OnResult = onResult
	s.do(func() { s.startAnnounce(a) })
	return a
}

// CancelAnnounce tears down an announce; its callbacks will not fire
// afterward.
func (s *Server) CancelAnnounce(a *Announce) {
	s.do(func() {
		if !s.announces[a] {
			return
		}
		a.OnPeers = nil
		a.OnResult = nil
		delete(s.announces, a)
		delete(s.searches, a.Search)
		s.transactions.CancelSearch(a.Search)
	})
}

// do runs f on the loop goroutine, or inline when the loop is not up.
func (s *Server) do(f func()) {
	if !s.running {
		f()
		return
	}
	select {
	case s.funcReq <- f:
	case <-s.stop:
	}
}

// loop is the single-threaded heart: socket packets, posted calls and
// due timers are all serviced here, so no other synchronization exists.
func (s *Server) loop() {
	defer s.conn.Close()

	// One goroutine fills buffers, one drains them, so few blocks are
	// needed unless packet processing is ever parallelized.
	bytesArena := newPacketArena(3)
	socketChan := make(chan packetType)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readFromSocket(socketChan, bytesArena)
	}()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if deadline, ok := s.tasks.NextDeadline(); ok {
			timer.Reset(deadline.Sub(s.clock.Now()))
		} else {
			timer.Reset(time.Hour)
		}
		select {
		case <-s.stop:
			s.log.Info("DHT exiting")
			return
		case f := <-s.funcReq:
			f()
		case p := <-socketChan:
			totalRecv.Add(1)
			s.handlePacket(p.b, p.raddr)
			bytesArena.Push(p.b)
		case <-timer.C:
			s.tasks.RunDue()
		}
	}
}

func (s *Server) readFromSocket(out chan<- packetType, bytesArena packetArena) {
	for {
		b := bytesArena.Pop()
		n, addr, err := s.conn.ReadFromUDP(b)
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			s.log.WithError(err).Debug("UDP read error")
			bytesArena.Push(b)
			continue
		}
		totalReadBytes.Add(int64(n))
		select {
		case out <- packetType{b: b[:n], raddr: addr}:
		case <-s.stop:
			return
		}
	}
}

func (s *Server) addContact(hostPort string) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return
	}
	if len(s.contacts) >= maxBootstrapContacts {
		s.contacts = s.contacts[1:]
	}
	s.contacts = append(s.contacts, Contact{Host: host, Port: port})
}

// --- scheduled work -------------------------------------------------

func (s *Server) scheduleHousekeeping() {
	s.tasks.ScheduleAfter(s.config.CleanupPeriod, func() {
		s.housekeep()
		s.scheduleHousekeeping()
	})
}

// housekeep refreshes node quality, bootstraps stale buckets, rotates
// the token secrets and prunes the peer store.
func (s *Server) housekeep() {
	now := s.clock.Now()
	s.tokens.Rotate()
	s.peers.Prune(peer.DefaultReannounceWindow)

	needPing, needBootstrap := s.table.Housekeep(now)
	// Spread the pings over the cleanup period to avoid a burst.
	if len(needPing) > 0 {
		gap := (s.config.CleanupPeriod - time.Minute) / time.Duration(len(needPing))
		for i, n := range needPing {
			n := n
			s.tasks.ScheduleAfter(time.Duration(i)*gap, func() { s.pingNode(n) })
		}
	}
	for _, b := range needBootstrap {
		target := b.RandomIDInRange(randByte)
		if b == s.table.OwnBucket() {
			target = flipLastBit(s.nodeID)
		}
		s.startSearch(target)
	}
}

func (s *Server) scheduleBootstrap() {
	s.tasks.ScheduleAfter(bootstrapPeriod, func() {
		s.bootstrap()
		if s.table.NumNodes() < minNodes {
			s.scheduleBootstrap()
		}
	})
}

// bootstrap resolves and pings a batch of external contacts, searches
// for our own neighborhood and probes questionable neighbors.
func (s *Server) bootstrap() {
	if s.table.NumNodes() >= minNodes {
		return
	}
	batch := bootstrapBatch
	for batch > 0 && len(s.contacts) > 0 {
		ct := s.contacts[0]
		s.contacts = s.contacts[1:]
		batch--
		host := ct.Host
		s.resolveAsync(net.JoinHostPort(host, strconv.Itoa(ct.Port)),
			func(addr *net.UDPAddr, err error) {
				if err != nil {
					s.log.WithError(err).WithField("host", host).Debug("bootstrap resolve failed")
					return
				}
				s.pingAddr(addr)
			})
	}
	s.startSearch(flipLastBit(s.nodeID))
	now := s.clock.Now()
	for _, n := range s.table.OwnBucket().Nodes() {
		n.Update(now)
		if n.State() == NodeQuestionable {
			s.pingNode(n)
		}
	}
}

// sweepTransactions handles quick and full timeouts and reschedules
// itself at the next deadline.
func (s *Server) sweepTransactions() {
	s.sweepTask = nil
	now := s.clock.Now()

	for _, t := range s.transactions.Stalled(now) {
		se := t.Search
		if se == nil || t.announcePhase {
			// Phase-two RPCs belong to a finished lookup; there is no
			// pending count to release and nothing left to pump.
			continue
		}
		if c, ok := se.CandidateFor(t.Addr); ok {
			se.MarkStalled(c)
			s.pumpSearch(se)
		}
	}

	for _, t := range s.transactions.Expired(now) {
		totalTimeouts.Add(1)
		// A packet still stuck in the send queue never reached the
		// network; only penalize the node for real silence.
		if t.Sent && s.networkUp(now) {
			if n, ok := s.table.NodeByAddr(t.Addr.String()); ok {
				n.Inactive()
			}
		}
		s.transactionFailed(t)
	}
	s.rescheduleSweep()
}

func (s *Server) rescheduleSweep() {
	if s.transactions.Len() == 0 {
		return
	}
	next := time.Time{}
	for _, t := range s.transactions.m {
		d := t.FullDeadline
		if !t.stalled && t.QuickDeadline.Before(d) {
			d = t.QuickDeadline
		}
		if next.IsZero() || d.Before(next) {
			next = d
		}
	}
	if s.sweepTask.Queued() {
		if !next.Before(s.sweepTask.Deadline()) {
			return
		}
		s.tasks.Cancel(s.sweepTask)
	}
	s.sweepTask = s.tasks.ScheduleAt(next, s.sweepTransactions)
}

func (s *Server) networkUp(now time.Time) bool {
	return !s.lastRecv.IsZero() && now.Sub(s.lastRecv) < networkIdleWindow
}

// --- queries out ----------------------------------------------------

func (s *Server) pingAddr(addr *net.UDPAddr) {
	t := &Transaction{Kind: transPing, Addr: addr}
	s.sendQuery(t, "ping", nil, false)
	totalSentPing.Add(1)
}

func (s *Server) pingNode(n *Node) {
	s.pingAddr(n.Addr)
}

// startSearch launches a find_node lookup toward target.
func (s *Server) startSearch(target util.InfoHash) *Search {
	se := newSearch(target, transFindNode)
	s.seedSearch(se)
	s.searches[se] = true
	s.pumpSearch(se)
	return se
}

func (s *Server) startAnnounce(a *Announce) {
	s.peers.AddLocalDownload(a.Target, a.Port)
	s.seedSearch(a.Search)
	s.searches[a.Search] = true
	s.announces[a] = true
	s.pumpSearch(a.Search)
}

// seedSearch primes a search with the closest chain nodes plus good
// ones, per BEP-5 practice.
func (s *Server) seedSearch(se *Search) {
	se.Seed(s.table.FindClosest(se.Target, searchWidth))
	se.Seed(s.table.FindClosestGood(se.Target, announceWidth))
}

func (s *Server) pumpSearch(se *Search) {
	for {
		c := se.GetContact()
		if c == nil {
			break
		}
		s.sendSearchQuery(se, c)
	}
	se.checkComplete()
	if se.Completed() {
		s.finishLookup(se)
	}
}

func (s *Server) sendSearchQuery(se *Search, c *Candidate) {
	t := &Transaction{Kind: se.Kind, Addr: c.Addr, Target: se.Target, Search: se}
	switch se.Kind {
	case transGetPeers:
		t.InfoHash = se.Target
		if a := se.announce; a != nil {
			t.Announce = a
		}
		s.sendQuery(t, "get_peers", []bencode.DictItem{
			{Key: "info_hash", Value: bencode.NewString(string(se.Target))},
		}, false)
		totalSentGetPeers.Add(1)
	default:
		s.sendQuery(t, "find_node", []bencode.DictItem{
			{Key: "target", Value: bencode.NewString(string(se.Target))},
		}, false)
		totalSentFindNode.Add(1)
	}
}

// finishLookup runs when a search has no pending queries and no
// uncontacted candidates left.
func (s *Server) finishLookup(se *Search) {
	if !s.searches[se] {
		return
	}
	if a := se.announce; a != nil {
		if !a.announcing {
			s.startAnnouncePhase(a)
		}
		return
	}
	delete(s.searches, se)
}

// startAnnouncePhase issues the second phase: the closest good
// candidates get announce_peer (or one more get_peers first when we
// hold no token for them yet).
func (s *Server) startAnnouncePhase(a *Announce) {
	a.announcing = true
	final := a.FinalCandidates()
	for _, c := range final {
		if c.Token != "" {
			s.sendAnnouncePeer(a, c)
		} else {
			t := &Transaction{
				Kind: transGetPeers, Addr: c.Addr, Target: a.Target,
				Search: a.Search, Announce: a, announcePhase: true,
				InfoHash: a.Target,
			}
			a.phasePending++
			s.sendQuery(t, "get_peers", []bencode.DictItem{
				{Key: "info_hash", Value: bencode.NewString(string(a.Target))},
			}, false)
		}
	}
	if a.phasePending == 0 {
		s.finishAnnounce(a)
	}
}

func (s *Server) sendAnnouncePeer(a *Announce, c *Candidate) {
	t := &Transaction{
		Kind: transAnnouncePeer, Addr: c.Addr, Target: c.ID,
		Announce: a, announcePhase: true,
		InfoHash: a.Target, Token: c.Token,
	}
	a.phasePending++
	s.sendQuery(t, "announce_peer", []bencode.DictItem{
		{Key: "info_hash", Value: bencode.NewString(string(a.Target))},
		{Key: "port", Value: bencode.NewInt(int64(a.Port))},
		{Key: "token", Value: bencode.NewString(c.Token)},
	}, true)
	totalSentAnnouncePeer.Add(1)
}

// finishAnnounce delivers the final verdict: success when peers were
// found or any node replied, failure otherwise.
func (s *Server) finishAnnounce(a *Announce) {
	if !s.announces[a] {
		return
	}
	delete(s.announces, a)
	delete(s.searches, a.Search)
	ok := len(a.peers) > 0 || a.Replied() > 0
	if cb := a.OnResult; cb != nil {
		cb(ok)
	}
}

// sendQuery registers the transaction, encodes the packet and queues
// it. Announce queries jump the queue.
func (s *Server) sendQuery(t *Transaction, method string, extra []bencode.DictItem, front bool) {
	now := s.clock.Now()
	s.transactions.Insert(t, now)
	args := append([]bencode.DictItem{
		{Key: "id", Value: bencode.NewString(string(s.nodeID))},
	}, extra...)
	pkt, err := encodeQuery(t.wireID(), method, args)
	if err != nil {
		s.log.WithError(err).Error("query encode failed")
		s.transactions.Remove(t)
		return
	}
	t.Pending = pkt
	op := outPacket{b: pkt, addr: t.Addr, queued: now, trans: t}
	if front {
		s.sendHigh = append([]outPacket{op}, s.sendHigh...)
	} else {
		s.sendHigh = append(s.sendHigh, op)
	}
	s.flushSend()
	s.rescheduleSweep()
}

func (s *Server) sendReplyPacket(b []byte, addr *net.UDPAddr) {
	s.sendReply = append(s.sendReply, outPacket{b: b, addr: addr, queued: s.clock.Now()})
	s.flushSend()
}

// flushSend writes queued packets under the upload throttle; when quota
// runs out a flush is scheduled for when it returns.
func (s *Server) flushSend() {
	now := s.clock.Now()
	for {
		q := &s.sendHigh
		if len(*q) == 0 {
			q = &s.sendReply
		}
		if len(*q) == 0 {
			return
		}
		op := (*q)[0]
		if now.Sub(op.queued) > queueDropAge {
			*q = (*q)[1:]
			totalDroppedPackets.Add(1)
			continue
		}
		if s.upload != nil {
			r := s.upload.Reserve()
			if d := r.Delay(); d > 0 {
				r.Cancel()
				if !s.flushTask.Queued() {
					s.flushTask = s.tasks.ScheduleAfter(d, func() {
						s.flushTask = nil
						s.flushSend()
					})
				}
				return
			}
		}
		*q = (*q)[1:]
		s.transmit(op)
	}
}

func (s *Server) transmit(op outPacket) {
	if t := op.trans; t != nil {
		t.Sent = true
		t.Pending = nil
	}
	if s.writeUDP == nil {
		return
	}
	totalSent.Add(1)
	if err := s.writeUDP(op.b, op.addr); err != nil {
		s.log.WithError(err).WithField("addr", op.addr.String()).Debug("UDP write failed")
	}
}

// --- packets in -----------------------------------------------------

func (s *Server) handlePacket(b []byte, raddr *net.UDPAddr) {
	if !s.clientThrottle.allow(raddr.IP.String()) {
		totalPacketsFromBlockedHosts.Add(1)
		return
	}
	if s.download != nil && !s.download.Allow() {
		totalDroppedPackets.Add(1)
		return
	}
	if len(b) == 0 || b[0] != 'd' {
		// Malformed or some protocol extension we don't speak.
		return
	}
	now := s.clock.Now()
	s.lastRecv = now
	msg, err := DecodeMessage(b)
	if err != nil {
		// Reply with a protocol error only when the sender is a node
		// we already know; anything else would be an amplification
		// vector.
		if n, ok := s.table.NodeByAddr(raddr.String()); ok {
			n.Inactive()
			if pkt, err := encodeError("", ErrorProtocol, "malformed packet"); err == nil {
				s.sendReplyPacket(pkt, raddr)
			}
		}
		return
	}
	switch msg.Y {
	case "r":
		s.handleReply(msg, raddr, true)
	case "e":
		totalRecvError.Add(1)
		s.handleReply(msg, raddr, false)
	case "q":
		s.handleQuery(msg, raddr)
	default:
		s.log.WithField("addr", raddr.String()).Debug("bogus DHT packet type")
	}
}

func (s *Server) handleReply(msg *Message, raddr *net.UDPAddr, ok bool) {
	t, found := s.transactions.Find(raddr, msg.T)
	if !found {
		s.log.WithField("addr", raddr.String()).Debug("reply with unknown transaction id")
		return
	}
	s.transactions.Remove(t)
	now := s.clock.Now()

	if ok {
		if !msg.RID.Valid() || msg.RID == s.nodeID {
			return
		}
		s.touchNode(msg.RID, raddr, now)
	}

	var c *Candidate
	if t.Search != nil {
		c, _ = t.Search.CandidateFor(raddr)
	}

	switch t.Kind {
	case transPing:
		totalRecvPingReply.Add(1)
	case transFindNode:
		totalRecvFindNodeReply.Add(1)
		if ok {
			s.absorbNodes(msg.Nodes, t.Search)
		}
	case transGetPeers:
		totalRecvGetPeersReply.Add(1)
		a := t.Announce
		if ok {
			if c != nil && msg.RToken != "" {
				c.Token = msg.RToken
			}
			if a != nil && len(msg.Values) > 0 {
				fresh := a.AddPeers(msg.Values)
				for _, p := range fresh {
					s.peers.AddContact(a.Target, p)
				}
				if len(fresh) > 0 && a.OnPeers != nil {
					a.OnPeers(fresh)
				}
				totalPeers.Add(int64(len(fresh)))
			}
			if !t.announcePhase {
				s.absorbNodes(msg.Nodes, t.Search)
			}
		}
		if t.announcePhase {
			a.phasePending--
			if ok && c != nil && c.Token != "" {
				s.sendAnnouncePeer(a, c)
			}
			if a.phasePending == 0 {
				s.finishAnnounce(a)
			}
			return
		}
	case transAnnouncePeer:
		if a := t.Announce; a != nil {
			a.phasePending--
			if a.phasePending == 0 {
				s.finishAnnounce(a)
			}
		}
		return
	}

	if se := t.Search; se != nil && s.searches[se] {
		if c != nil {
			se.NodeStatus(c, ok)
		}
		s.pumpSearch(se)
	}
}

// transactionFailed is the timeout path of a transaction.
func (s *Server) transactionFailed(t *Transaction) {
	if a := t.Announce; a != nil && t.announcePhase {
		a.phasePending--
		if a.phasePending == 0 {
			s.finishAnnounce(a)
		}
		return
	}
	if se := t.Search; se != nil && s.searches[se] {
		if c, ok := se.CandidateFor(t.Addr); ok {
			se.NodeStatus(c, false)
		}
		s.pumpSearch(se)
	}
}

// touchNode records liveness for the replying node, creating it when
// there is room.
func (s *Server) touchNode(id util.InfoHash, raddr *net.UDPAddr, now time.Time) {
	if n, ok := s.table.NodeByAddr(raddr.String()); ok {
		if n.ID != id {
			// The host changed ids; trust whoever answers from the
			// address now.
			s.table.Remove(n)
		} else {
			n.Replied(now)
			return
		}
	}
	if s.table.NumNodes() >= s.config.MaxNodes {
		return
	}
	n, err := NewNode(id, raddr, now)
	if err != nil {
		return
	}
	n.Replied(now)
	s.table.Insert(n, now)
}

// absorbNodes parses a compact node list into the routing table and the
// search that asked for it.
func (s *Server) absorbNodes(nodes string, se *Search) {
	if nodes == "" {
		return
	}
	now := s.clock.Now()
	for id, hostPort := range nettools.ParseNodesString(nodes) {
		if id == s.nodeID || hostPort == "" {
			continue
		}
		addr, err := s.resolve(hostPort)
		if err != nil {
			continue
		}
		if se != nil {
			se.AddContact(id, addr)
		}
		if _, known := s.table.NodeByAddr(addr.String()); known {
			continue
		}
		if s.table.NumNodes() >= s.config.MaxNodes {
			continue
		}
		if n, err := NewNode(id, addr, now); err == nil {
			s.table.Insert(n, now)
		}
	}
}

// --- queries in -----------------------------------------------------

func (s *Server) handleQuery(msg *Message, raddr *net.UDPAddr) {
	if msg.ID == s.nodeID {
		return
	}
	now := s.clock.Now()
	node, known := s.table.NodeByAddr(raddr.String())
	if known {
		node.Queried(now)
	} else if s.table.NumNodes() < s.config.MaxNodes {
		// A candidate for the routing table; see if it's reachable.
		s.pingAddr(raddr)
	}
	if !msg.ID.Valid() {
		s.replyError(msg.T, raddr, ErrorProtocol, "invalid id")
		return
	}
	switch msg.Q {
	case "ping":
		s.reply(msg.T, raddr, nil)
	case "find_node":
		totalRecvFindNode.Add(1)
		if !msg.Target.Valid() {
			s.replyError(msg.T, raddr, ErrorProtocol, "missing target")
			return
		}
		s.reply(msg.T, raddr, []bencode.DictItem{
			{Key: "nodes", Value: bencode.NewString(s.closestCompact(msg.Target))},
		})
	case "get_peers":
		totalRecvGetPeers.Add(1)
		if !msg.InfoHash.Valid() {
			s.replyError(msg.T, raddr, ErrorProtocol, "missing info_hash")
			return
		}
		s.peers.PruneInfoHash(msg.InfoHash, peer.DefaultReannounceWindow)
		items := []bencode.DictItem{
			{Key: "token", Value: bencode.NewString(s.tokens.Make(raddr))},
		}
		if contacts := s.peers.PeerContacts(msg.InfoHash); len(contacts) > 0 {
			values := bencode.NewList()
			for _, c := range contacts {
				values.List = append(values.List, bencode.NewString(c))
			}
			items = append(items, bencode.DictItem{Key: "values", Value: values})
		} else {
			items = append(items, bencode.DictItem{
				Key: "nodes", Value: bencode.NewString(s.closestCompact(msg.InfoHash))})
		}
		s.reply(msg.T, raddr, items)
	case "announce_peer":
		totalRecvAnnouncePeer.Add(1)
		if !msg.InfoHash.Valid() || msg.Port <= 0 || msg.Port > 0xffff {
			s.replyError(msg.T, raddr, ErrorProtocol, "bad announce arguments")
			return
		}
		if !s.tokens.Valid(msg.Token, raddr) {
			s.replyError(msg.T, raddr, ErrorProtocol, "invalid token")
			return
		}
		if contact, err := nettools.EncodePeer(raddr.IP, msg.Port); err == nil {
			s.peers.AddContact(msg.InfoHash, contact)
			if port := s.peers.HasLocalDownload(msg.InfoHash); port != 0 {
				// The announcer is a peer for something we are
				// downloading ourselves; surface it right away.
				for a := range s.announces {
					if a.Target == msg.InfoHash && a.OnPeers != nil {
						a.OnPeers(a.AddPeers([]string{contact}))
					}
				}
			}
		}
		s.reply(msg.T, raddr, nil)
	default:
		s.replyError(msg.T, raddr, ErrorMethod, "method unknown")
	}
}

// closestCompact renders the closest nodes to target as concatenated
// 26-byte contacts.
func (s *Server) closestCompact(target util.InfoHash) string {
	var sb strings.Builder
	for _, n := range s.table.FindClosest(target, util.KNodes) {
		if n.CompactAddr == "" {
			continue
		}
		sb.WriteString(string(n.ID))
		sb.WriteString(n.CompactAddr)
	}
	return sb.String()
}

func (s *Server) reply(transID string, raddr *net.UDPAddr, items []bencode.DictItem) {
	all := append([]bencode.DictItem{
		{Key: "id", Value: bencode.NewString(string(s.nodeID))},
	}, items...)
	pkt, err := encodeResponse(transID, all)
	if err != nil {
		s.log.WithError(err).Error("reply encode failed")
		return
	}
	s.sendReplyPacket(pkt, raddr)
}

func (s *Server) replyError(transID string, raddr *net.UDPAddr, code int, errMsg string) {
	pkt, err := encodeError(transID, code, errMsg)
	if err != nil {
		return
	}
	s.sendReplyPacket(pkt, raddr)
}

// --- helpers --------------------------------------------------------

func flipLastBit(id util.InfoHash) util.InfoHash {
	b := []byte(string(id))
	b[len(b)-1] ^= 1
	return util.InfoHash(b)
}

func randByte() byte {
	var b [1]byte
	crand.Read(b[:])
	return b[0]
}

var (
	totalSent                    = expvar.NewInt("swarmDhtTotalSent")
	totalReadBytes               = expvar.NewInt("swarmDhtTotalReadBytes")
	totalWrittenBytes            = expvar.NewInt("swarmDhtTotalWrittenBytes")
	totalRecv                    = expvar.NewInt("swarmDhtTotalRecv")
	totalRecvError               = expvar.NewInt("swarmDhtTotalRecvError")
	totalDroppedPackets          = expvar.NewInt("swarmDhtTotalDroppedPackets")
	totalPacketsFromBlockedHosts = expvar.NewInt("swarmDhtTotalPacketsFromBlockedHosts")
	totalTimeouts                = expvar.NewInt("swarmDhtTotalTimeouts")
	totalPeers                   = expvar.NewInt("swarmDhtTotalPeers")
	totalSentPing                = expvar.NewInt("swarmDhtTotalSentPing")
	totalSentGetPeers            = expvar.NewInt("swarmDhtTotalSentGetPeers")
	totalSentFindNode            = expvar.NewInt("swarmDhtTotalSentFindNode")
	totalSentAnnouncePeer        = expvar.NewInt("swarmDhtTotalSentAnnouncePeer")
	totalRecvGetPeers            = expvar.NewInt("swarmDhtTotalRecvGetPeers")
	totalRecvFindNode            = expvar.NewInt("swarmDhtTotalRecvFindNode")
	totalRecvAnnouncePeer        = expvar.NewInt("swarmDhtTotalRecvAnnouncePeer")
	totalRecvPingReply           = expvar.NewInt("swarmDhtTotalRecvPingReply")
	totalRecvGetPeersReply       = expvar.NewInt("swarmDhtTotalRecvGetPeersReply")
	totalRecvFindNodeReply       = expvar.NewInt("swarmDhtTotalRecvFindNodeReply")
)
