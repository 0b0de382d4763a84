package tracker

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"swarm/bencode"
	"swarm/nettools"
)

// Fetcher hands an HTTP GET to the external client. done is invoked
// exactly once unless cancel is called first; cancel detaches the
// request so done never fires.
type Fetcher interface {
	Get(url string, done func(body []byte, err error)) (cancel func())
}

// NetFetcher is the production Fetcher on net/http. Post re-enters the
// networking task; results are handed back through it so tracker state
// stays single-threaded.
type NetFetcher struct {
	Client  *http.Client
	Timeout time.Duration
	Post    func(func())
}

func (f *NetFetcher) Get(rawURL string, done func([]byte, error)) (cancel func()) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := f.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	canceled := make(chan struct{})
	go func() {
		req, err := http.NewRequest(http.MethodGet, rawURL, nil)
		var body []byte
		if err == nil {
			req.Close = true
			c := *client
			c.Timeout = timeout
			var resp *http.Response
			resp, err = c.Do(req)
			if err == nil {
				body, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
				resp.Body.Close()
				if err == nil && resp.StatusCode != http.StatusOK {
					err = fmt.Errorf("http status %s", resp.Status)
				}
			}
		}
		deliver := func() { done(body, err) }
		select {
		case <-canceled:
		default:
			if f.Post != nil {
				f.Post(func() {
					select {
					case <-canceled:
					default:
						deliver()
					}
				})
			} else {
				deliver()
			}
		}
	}()
	return func() { close(canceled) }
}

// HTTPTracker announces over HTTP GET per the original tracker
// protocol.
type HTTPTracker struct {
	*BaseTracker
	fetcher Fetcher
	cancel  func()
}

// NewHTTP builds an HTTP tracker. Scrape support is derived from the
// URL: the last path segment must start with "announce".
func NewHTTP(list *List, group int, url string, fetcher Fetcher) *HTTPTracker {
	t := &HTTPTracker{
		BaseTracker: newBaseTracker(list, group, url),
		fetcher:     fetcher,
	}
	t.CanScrape = scrapeURL(url) != ""
	return t
}

func (t *HTTPTracker) Type() Type         { return TypeHTTP }
func (t *HTTPTracker) Base() *BaseTracker { return t.BaseTracker }

func (t *HTTPTracker) SendEvent(req *Request, e Event) {
	t.Close()
	t.cancel = t.fetcher.Get(t.announceURL(req, e), func(body []byte, err error) {
		t.cancel = nil
		if err != nil {
			t.list.receiveFailed(t, err.Error())
			return
		}
		resp, err := parseAnnounceResponse(body)
		if err != nil {
			t.list.receiveFailed(t, err.Error())
			return
		}
		t.list.receiveSuccess(t, resp)
	})
}

func (t *HTTPTracker) SendScrape(req *Request) {
	t.Close()
	u := scrapeURL(t.url) + "?info_hash=" + escapeBytes(string(req.InfoHash))
	t.cancel = t.fetcher.Get(u, func(body []byte, err error) {
		t.cancel = nil
		if err != nil {
			t.list.receiveScrapeFailed(t, err.Error())
			return
		}
		sr, err := parseScrapeResponse(body, string(req.InfoHash))
		if err != nil {
			t.list.receiveScrapeFailed(t, err.Error())
			return
		}
		t.list.receiveScrapeSuccess(t, sr)
	})
}

// Close disowns a pending request; its callback will not fire.
func (t *HTTPTracker) Close() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

// announceURL renders the query string. The raw 20-byte fields are
// percent-encoded byte by byte.
func (t *HTTPTracker) announceURL(req *Request, e Event) string {
	var sb strings.Builder
	sb.WriteString(t.url)
	if strings.ContainsRune(t.url, '?') {
		sb.WriteByte('&')
	} else {
		sb.WriteByte('?')
	}
	sb.WriteString("info_hash=" + escapeBytes(string(req.InfoHash)))
	sb.WriteString("&peer_id=" + escapeBytes(string(req.PeerID)))
	sb.WriteString("&port=" + strconv.Itoa(req.Port))
	sb.WriteString("&uploaded=" + strconv.FormatInt(req.Uploaded, 10))
	sb.WriteString("&downloaded=" + strconv.FormatInt(req.Downloaded, 10))
	sb.WriteString("&left=" + strconv.FormatInt(req.Left, 10))
	sb.WriteString("&compact=1")
	if name := e.String(); name != "" && e != EventScrape {
		sb.WriteString("&event=" + name)
	}
	if req.NumWant > 0 {
		sb.WriteString("&numwant=" + strconv.Itoa(req.NumWant))
	}
	if req.Key != "" {
		sb.WriteString("&key=" + req.Key)
	}
	if t.TrackerID != "" {
		sb.WriteString("&trackerid=" + escapeBytes(t.TrackerID))
	}
	return sb.String()
}

// scrapeURL rewrites the last "announce" path segment to "scrape";
// empty when the URL has no such segment.
func scrapeURL(announce string) string {
	i := strings.LastIndex(announce, "/")
	if i < 0 || !strings.HasPrefix(announce[i+1:], "announce") {
		return ""
	}
	return announce[:i+1] + "scrape" + announce[i+1+len("announce"):]
}

const upperhex = "0123456789ABCDEF"

// escapeBytes percent-encodes everything but unreserved characters.
func escapeBytes(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
			c == '-' || c == '_' || c == '.' || c == '~' {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(upperhex[c>>4])
		sb.WriteByte(upperhex[c&0xf])
	}
	return sb.String()
}

func parseAnnounceResponse(b []byte) (*Response, error) {
	v, err := bencode.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("announce response: %v", err)
	}
	if v.Kind != bencode.KindDict {
		return nil, fmt.Errorf("announce response is not a dict")
	}
	if reason, ok := v.GetString("failure reason"); ok {
		return nil, fmt.Errorf("%s", reason)
	}
	resp := &Response{}
	if n, ok := v.GetInt("interval"); ok {
		resp.Interval = time.Duration(n) * time.Second
	}
	if n, ok := v.GetInt("min interval"); ok {
		resp.MinInterval = time.Duration(n) * time.Second
	}
	if id, ok := v.GetString("tracker id"); ok {
		resp.TrackerID = id
	}
	if n, ok := v.GetInt("complete"); ok {
		resp.Complete = int(n)
	}
	if n, ok := v.GetInt("incomplete"); ok {
		resp.Incomplete = int(n)
	}
	if n, ok := v.GetInt("downloaded"); ok {
		resp.Downloaded = int(n)
	}
	peers, ok := v.Get("peers")
	if !ok {
		return resp, nil
	}
	switch peers.Kind {
	case bencode.KindString:
		if len(peers.Str)%nettools.CompactPeerLen != 0 {
			return nil, fmt.Errorf("truncated compact peer list")
		}
		resp.Peers = make([]string, 0, len(peers.Str)/nettools.CompactPeerLen)
		for i := 0; i+nettools.CompactPeerLen <= len(peers.Str); i += nettools.CompactPeerLen {
			resp.Peers = append(resp.Peers, peers.Str[i:i+nettools.CompactPeerLen])
		}
	case bencode.KindList:
		for _, item := range peers.List {
			host, _ := item.GetString("ip")
			port, _ := item.GetInt("port")
			ip := net.ParseIP(host)
			if ip == nil {
				continue
			}
			if compact, err := nettools.EncodePeer(ip, int(port)); err == nil {
				resp.Peers = append(resp.Peers, compact)
			}
		}
	default:
		return nil, fmt.Errorf("peers field has unexpected type")
	}
	return resp, nil
}

func parseScrapeResponse(b []byte, infoHash string) (*ScrapeResponse, error) {
	v, err := bencode.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("scrape response: %v", err)
	}
	files, ok := v.Get("files")
	if !ok || files.Kind != bencode.KindDict {
		return nil, fmt.Errorf("scrape response has no files dict")
	}
	entry, ok := files.Get(infoHash)
	if !ok {
		return nil, fmt.Errorf("scrape response missing our infohash")
	}
	sr := &ScrapeResponse{}
	if n, ok := entry.GetInt("complete"); ok {
		sr.Complete = int(n)
	}
	if n, ok := entry.GetInt("incomplete"); ok {
		sr.Incomplete = int(n)
	}
	if n, ok := entry.GetInt("downloaded"); ok {
		sr.Downloaded = int(n)
	}
	return sr, nil
}
