package dht

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"swarm/bencode"
	"swarm/util"
)

// Cache is the persisted routing state: our id, the reachable nodes,
// and any unresolved bootstrap contacts. IPv4 only.
type Cache struct {
	SelfID   util.InfoHash
	Nodes    []CachedNode
	Contacts []Contact
}

// CachedNode is one persisted routing table entry.
type CachedNode struct {
	ID       util.InfoHash
	IP       net.IP
	Port     int
	LastSeen time.Time
}

// Contact is an unresolved bootstrap endpoint.
type Contact struct {
	Host string
	Port int
}

// LoadCache parses a cache previously produced by StoreCache. A damaged
// cache yields an error; the caller starts fresh.
func LoadCache(b []byte) (*Cache, error) {
	v, err := bencode.Decode(b)
	if err != nil {
		return nil, err
	}
	if v.Kind != bencode.KindDict {
		return nil, fmt.Errorf("%w: cache is not a dict", bencode.ErrMalformed)
	}
	c := &Cache{}
	if id, ok := v.GetString("self_id"); ok && len(id) == util.IDLen {
		c.SelfID = util.InfoHash(id)
	}
	if nodes, ok := v.Get("nodes"); ok && nodes.Kind == bencode.KindDict {
		for _, it := range nodes.Dict {
			if len(it.Key) != util.IDLen || it.Value.Kind != bencode.KindDict {
				continue
			}
			ipHost, _ := it.Value.GetInt("i")
			port, _ := it.Value.GetInt("p")
			seen, _ := it.Value.GetInt("t")
			if port <= 0 || port > 0xffff {
				continue
			}
			ip := make(net.IP, 4)
			binary.BigEndian.PutUint32(ip, uint32(ipHost))
			c.Nodes = append(c.Nodes, CachedNode{
				ID:       util.InfoHash(it.Key),
				IP:       ip,
				Port:     int(port),
				LastSeen: time.Unix(seen, 0),
			})
		}
	}
	if contacts, ok := v.Get("contacts"); ok && contacts.Kind == bencode.KindList {
		for _, item := range contacts.List {
			if item.Kind != bencode.KindList || len(item.List) != 2 {
				continue
			}
			host := item.List[0]
			port := item.List[1]
			if host.Kind != bencode.KindString || port.Kind != bencode.KindInt {
				continue
			}
			c.Contacts = append(c.Contacts, Contact{Host: host.Str, Port: int(port.Int)})
		}
	}
	return c, nil
}

// Encode serializes the cache as a bencoded dict.
func (c *Cache) Encode() ([]byte, error) {
	nodes := bencode.NewDict()
	for _, n := range c.Nodes {
		ip4 := n.IP.To4()
		if ip4 == nil {
			continue
		}
		nodes.Set(string(n.ID), bencode.NewDict(
			bencode.DictItem{Key: "i", Value: bencode.NewInt(int64(binary.BigEndian.Uint32(ip4)))},
			bencode.DictItem{Key: "p", Value: bencode.NewInt(int64(n.Port))},
			bencode.DictItem{Key: "t", Value: bencode.NewInt(n.LastSeen.Unix())},
		))
	}
	root := bencode.NewDict(
		bencode.DictItem{Key: "nodes", Value: nodes},
		bencode.DictItem{Key: "self_id", Value: bencode.NewString(string(c.SelfID))},
	)
	if len(c.Contacts) > 0 {
		contacts := bencode.NewList()
		for _, ct := range c.Contacts {
			contacts.List = append(contacts.List, bencode.NewList(
				bencode.NewString(ct.Host), bencode.NewInt(int64(ct.Port))))
		}
		root.Set("contacts", contacts)
	}
	return bencode.Encode(root)
}
