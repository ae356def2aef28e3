// Package dht wraps github.com/nictuku/dht behind the thin interface
// each torrent actually needs: request more peers, receive them on a
// channel. The session owns one node shared across all torrents;
// per-torrent results are demultiplexed by info hash here rather than
// inside the node itself, per spec.md §9's "capability flags, not a
// singleton" design note.
package dht

import (
	"net"
	"sync"
	"time"

	node "github.com/nictuku/dht"

	"github.com/Jagalite/superseedr/internal/logger"
)

// defaultRouters seeds the routing table on first start, same list the
// wider BitTorrent ecosystem uses.
const defaultRouters = "router.bittorrent.com:6881,dht.transmissionbt.com:6881,router.utorrent.com:6881,dht.libtorrent.org:25401,dht.aelitis.com:6881"

// Node owns the single DHT instance for a session.
type Node struct {
	dht *node.DHT
	log logger.Logger

	mu       sync.Mutex
	watchers map[node.InfoHash][]chan<- []*net.TCPAddr
}

// New starts a DHT node listening on the given UDP port. Pass port 0
// to let the OS choose. If datFile is non-empty, the routing table is
// loaded from it on start and periodically saved back to it, so a
// restart does not have to rediscover the DHT from the bootstrap
// routers every time (spec.md's "dht.dat" persisted file).
func New(port int, datFile string) (*Node, error) {
	cfg := node.NewConfig()
	cfg.Port = port
	cfg.DHTRouters = defaultRouters
	if datFile != "" {
		cfg.SaveRoutingTable = true
		cfg.RoutingTableFilename = datFile
	} else {
		cfg.SaveRoutingTable = false
	}

	d, err := node.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := d.Start(); err != nil {
		return nil, err
	}

	n := &Node{
		dht:      d,
		log:      logger.New("dht"),
		watchers: make(map[node.InfoHash][]chan<- []*net.TCPAddr),
	}
	go n.run()
	return n, nil
}

// Stop shuts the node down.
func (n *Node) Stop() { n.dht.Stop() }

// AddNode seeds the routing table with a node learned from a peer's
// PORT message.
func (n *Node) AddNode(addr string) { n.dht.AddNode(addr) }

// Announcer returns a handle scoped to one torrent's info hash: call
// Announce to request peers, read Peers for the results.
func (n *Node) Announcer(infoHash [20]byte) *Announcer {
	ih := node.InfoHash(infoHash[:])
	peersC := make(chan []*net.TCPAddr)

	n.mu.Lock()
	n.watchers[ih] = append(n.watchers[ih], peersC)
	n.mu.Unlock()

	return &Announcer{node: n, infoHash: ih, peersC: peersC}
}

func (n *Node) forget(ih node.InfoHash, peersC chan<- []*net.TCPAddr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	chs := n.watchers[ih]
	for i, c := range chs {
		if c == peersC {
			n.watchers[ih] = append(chs[:i], chs[i+1:]...)
			break
		}
	}
	if len(n.watchers[ih]) == 0 {
		delete(n.watchers, ih)
	}
}

func (n *Node) run() {
	for res := range n.dht.PeersRequestResults {
		for ih, peers := range res {
			addrs := parsePeers(peers)
			n.mu.Lock()
			chs := append([]chan<- []*net.TCPAddr(nil), n.watchers[ih]...)
			n.mu.Unlock()
			for _, c := range chs {
				select {
				case c <- addrs:
				case <-time.After(time.Second):
				}
			}
		}
	}
}

func parsePeers(peers []string) []*net.TCPAddr {
	addrs := make([]*net.TCPAddr, 0, len(peers))
	for _, peer := range peers {
		if len(peer) != 6 {
			continue // IPv6 not supported (spec.md Non-goal)
		}
		addrs = append(addrs, &net.TCPAddr{
			IP:   net.IP([]byte(peer[:4])),
			Port: int(uint16(peer[4])<<8 | uint16(peer[5])),
		})
	}
	return addrs
}

// Announcer requests and receives DHT peers for one torrent.
type Announcer struct {
	node     *Node
	infoHash node.InfoHash
	peersC   chan []*net.TCPAddr
}

// Announce requests more peers for this info hash, and also announces
// this node as a peer for it.
func (a *Announcer) Announce() {
	a.node.dht.PeersRequest(string(a.infoHash), true)
}

// Peers is delivered new peer lists as PeersRequestResults arrive.
func (a *Announcer) Peers() <-chan []*net.TCPAddr { return a.peersC }

// Close stops delivering results to this announcer's channel.
func (a *Announcer) Close() { a.node.forget(a.infoHash, a.peersC) }
