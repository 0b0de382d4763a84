// Package swarm discovers peers for BitTorrent downloads by driving
// announce trackers (HTTP, UDP) and the BEP-5 Mainline DHT. The
// download engine feeds it lifecycle events and swarm statistics; peer
// addresses flow back over a channel in compact form.
package swarm

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"swarm/dht"
	"swarm/logger"
	"swarm/timeutil"
	"swarm/tracker"
	"swarm/util"
)

// Stats reports the download's progress for announces.
type Stats struct {
	Uploaded   int64
	Downloaded int64
	Left       int64
}

// Config for one swarm. Use NewConfig for defaults.
type Config struct {
	// InfoHash of the torrent.
	InfoHash util.InfoHash
	// PeerID; generated when empty.
	PeerID util.InfoHash
	// Port our peer listens on; announced to trackers and the DHT.
	Port int
	// Trackers, grouped: each inner slice is one failover group.
	Trackers [][]string
	// NumWant peers per announce; zero lets the tracker decide.
	NumWant int
	// EnableDHT adds a DHT tracker backed by DHTConfig.
	EnableDHT bool
	// DHTConfig; nil uses dht defaults.
	DHTConfig *dht.Config
	// StatsFunc supplies current transfer counters; nil announces
	// zeros.
	StatsFunc func() Stats
	// DHTCache restores a previous session's routing table.
	DHTCache []byte
}

// NewConfig returns a Config with defaults filled in.
func NewConfig(ih util.InfoHash) *Config {
	return &Config{
		InfoHash:  ih,
		NumWant:   50,
		EnableDHT: true,
	}
}

const peerIDPrefix = "-SW0010-"

func generatePeerID() util.InfoHash {
	b := make([]byte, util.IDLen)
	copy(b, peerIDPrefix)
	rand.Read(b[len(peerIDPrefix):])
	return util.InfoHash(b)
}

func generateKey() string {
	var b [4]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Swarm owns the tracker controller and the DHT node for one download.
// All tracker state lives on the swarm's networking goroutine; results
// are delivered on the Peers channel.
type Swarm struct {
	config Config

	clock timeutil.TimeProvider
	tasks *timeutil.Queue

	list       *tracker.List
	controller *tracker.Controller
	dhtServer  *dht.Server

	key string

	// Peers receives each batch of discovered peer addresses in
	// 6-byte compact form.
	Peers chan []string
	// Failures receives announce failure messages.
	Failures chan string

	post    chan func()
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool

	log *logrus.Entry
}

// New builds a swarm. If config is nil an error is returned; the
// infohash is mandatory.
func New(config *Config) (*Swarm, error) {
	if config == nil || !config.InfoHash.Valid() {
		return nil, fmt.Errorf("swarm: config with a valid infohash is required")
	}
	cfg := *config
	if !cfg.PeerID.Valid() {
		cfg.PeerID = generatePeerID()
	}
	s := &Swarm{
		config:   cfg,
		clock:    timeutil.RealTime{},
		key:      generateKey(),
		Peers:    make(chan []string, 16),
		Failures: make(chan string, 16),
		post:     make(chan func(), 64),
		stop:     make(chan struct{}),
		log:      logger.New("swarm"),
	}
	s.tasks = timeutil.NewQueue(s.clock)
	s.list = tracker.NewList(s.clock)
	s.list.NewRequest = s.newRequest

	fetcher := &tracker.NetFetcher{Post: s.Post}
	dialer := &tracker.NetDialer{Post: s.Post}
	for group, urls := range cfg.Trackers {
		for _, u := range urls {
			switch {
			case strings.HasPrefix(u, "http://"), strings.HasPrefix(u, "https://"):
				s.list.Insert(tracker.NewHTTP(s.list, group, u, fetcher))
			case strings.HasPrefix(u, "udp://"):
				s.list.Insert(tracker.NewUDP(s.list, group, u, dialer, s.tasks))
			default:
				s.log.WithField("url", u).Info("ignoring tracker with unknown scheme")
			}
		}
	}

	if cfg.EnableDHT {
		s.dhtServer = dht.NewServer(cfg.DHTConfig, s.clock)
		if len(cfg.DHTCache) > 0 {
			if cache, err := dht.LoadCache(cfg.DHTCache); err == nil {
				s.dhtServer.Initialize(cache)
			} else {
				s.log.WithError(err).Info("ignoring damaged DHT cache")
			}
		}
		group := len(cfg.Trackers)
		s.list.Insert(tracker.NewDHT(s.list, group, dhtAdapter{s}))
	}
	s.list.RandomizeGroupEntries()

	s.controller = tracker.NewController(s.list, s.clock, s.tasks)
	s.controller.SlotSuccess = s.deliverPeers
	s.controller.SlotFailure = s.deliverFailure
	return s, nil
}

func (s *Swarm) newRequest() *tracker.Request {
	var st Stats
	if s.config.StatsFunc != nil {
		st = s.config.StatsFunc()
	}
	return &tracker.Request{
		InfoHash:   s.config.InfoHash,
		PeerID:     s.config.PeerID,
		Port:       s.config.Port,
		Key:        s.key,
		Uploaded:   st.Uploaded,
		Downloaded: st.Downloaded,
		Left:       st.Left,
		NumWant:    s.config.NumWant,
	}
}

func (s *Swarm) deliverPeers(peers []string) {
	if len(peers) == 0 {
		return
	}
	select {
	case s.Peers <- peers:
	case <-s.stop:
	}
}

func (s *Swarm) deliverFailure(msg string) {
	select {
	case s.Failures <- msg:
	default:
		// A slow consumer loses failure messages, never peer lists.
	}
}

// Start launches the networking goroutine, the DHT node and the
// announce loop.
func (s *Swarm) Start() error {
	if s.dhtServer != nil {
		if err := s.dhtServer.Start(); err != nil {
			return err
		}
	}
	s.running = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	s.Post(func() {
		s.controller.Enable()
		s.controller.SendStartEvent()
	})
	return nil
}

// Stop announces "stopped" to the trackers in use, disowns those
// requests and shuts down scheduling and the DHT.
func (s *Swarm) Stop() {
	done := make(chan struct{})
	s.Post(func() {
		s.controller.SendStopEvent()
		// The stop announce was queued with no delay; fire it before
		// scheduling ceases. The requests themselves finish in the
		// background, disowned.
		s.tasks.RunDue()
		s.controller.Close()
		close(done)
	})
	if s.running {
		<-done
	}
	close(s.stop)
	s.wg.Wait()
	if s.dhtServer != nil {
		s.dhtServer.Stop()
	}
}

// SendCompletedEvent tells every tracker in use that the download
// finished.
func (s *Swarm) SendCompletedEvent() {
	s.Post(s.controller.SendCompletedEvent)
}

// SendUpdateEvent announces a progress update.
func (s *Swarm) SendUpdateEvent() {
	s.Post(s.controller.SendUpdateEvent)
}

// StartRequesting asks for more peers at a fast cadence.
func (s *Swarm) StartRequesting() {
	s.Post(s.controller.StartRequesting)
}

// StopRequesting returns to the normal announce cadence.
func (s *Swarm) StopRequesting() {
	s.Post(s.controller.StopRequesting)
}

// ManualRequest triggers an immediate (or min-interval-clamped)
// announce.
func (s *Swarm) ManualRequest(force bool) {
	s.Post(func() { s.controller.ManualRequest(force) })
}

// ScrapeRequest schedules a scrape pass.
func (s *Swarm) ScrapeRequest(delay time.Duration) {
	s.Post(func() { s.controller.ScrapeRequest(delay) })
}

// AddDHTNode feeds a bootstrap contact to the DHT.
func (s *Swarm) AddDHTNode(hostPort string) {
	if s.dhtServer != nil {
		s.dhtServer.AddNode(hostPort)
	}
}

// DHTCache snapshots the DHT routing table for persistence across
// sessions.
func (s *Swarm) DHTCache() ([]byte, error) {
	if s.dhtServer == nil {
		return nil, fmt.Errorf("swarm: DHT is disabled")
	}
	return s.dhtServer.StoreCache().Encode()
}

// Post runs f on the networking goroutine; inline before Start.
func (s *Swarm) Post(f func()) {
	if !s.running {
		f()
		return
	}
	select {
	case s.post <- f:
	case <-s.stop:
	}
}

func (s *Swarm) loop() {
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
			return
		case f := <-s.post:
			f()
		case <-timer.C:
			s.tasks.RunDue()
		}
	}
}

// dhtAdapter bridges the tracker's announcer interface onto the DHT
// server, marshalling callbacks back onto the swarm goroutine.
type dhtAdapter struct {
	s *Swarm
}

func (d dhtAdapter) Announce(ih util.InfoHash, port int, onPeers func([]string), onResult func(bool)) func() {
	s := d.s
	a := s.dhtServer.Announce(ih, port,
		func(peers []string) { s.Post(func() { onPeers(peers) }) },
		func(ok bool) { s.Post(func() { onResult(ok) }) },
	)
	return func() { s.dhtServer.CancelAnnounce(a) }
}
