package torrent

import (
	"time"

	"github.com/juju/ratelimit"

	"github.com/Jagalite/superseedr/internal/handshaker"
	"github.com/Jagalite/superseedr/internal/logger"
	"github.com/Jagalite/superseedr/internal/peer"
	"github.com/Jagalite/superseedr/internal/peerconn"
	"github.com/Jagalite/superseedr/internal/peerprotocol"
)

const (
	dialTimeout      = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	pieceReadTimeout = 30 * time.Second
)

func (t *Torrent) maxPeers() int {
	if t.cfg.MaxPeers <= 0 {
		return 80
	}
	return t.cfg.MaxPeers
}

// fillOutgoing dials new candidates from the address pool up to the
// per-torrent peer cap, skipping addresses with an outgoing handshake
// already in flight.
func (t *Torrent) fillOutgoing() {
	for len(t.peers)+len(t.outstandingHandshakes) < t.maxPeers() {
		addr := t.addrs.Pop()
		if addr == nil {
			return
		}
		key := addr.String()
		if _, ok := t.outstandingHandshakes[key]; ok {
			continue
		}
		t.outstandingHandshakes[key] = struct{}{}
		h := handshaker.NewOutgoing(addr)
		go h.Run(dialTimeout, handshakeTimeout, t.cfg.OurPeerID, t.cfg.InfoHash, t.ourExtensions(), t.outgoingResC)
	}
}

func (t *Torrent) ourExtensions() [8]byte {
	var ext [8]byte
	peerprotocol.SetExtensionBit(&ext)
	return ext
}

func (t *Torrent) handleOutgoingResult(h *handshaker.Outgoing) {
	delete(t.outstandingHandshakes, h.Addr.String())
	if h.Error != nil {
		t.addrs.MarkFailed(h.Addr)
		return
	}
	extSupported := peerprotocol.HasExtensionBit(h.Extensions)
	conn := peerconn.New(h.Conn, logger.New("conn -> "+h.Conn.RemoteAddr().String()), pieceReadTimeout, t.download(), t.upload())
	t.addPeer(conn, peer.Outgoing, h.PeerID, extSupported)
}

func (t *Torrent) handleIncomingConn(h *handshaker.Incoming) {
	if h.Error != nil {
		return
	}
	extSupported := peerprotocol.HasExtensionBit(h.Extensions)
	conn := peerconn.New(h.Conn, logger.New("conn <- "+h.Conn.RemoteAddr().String()), pieceReadTimeout, t.download(), t.upload())
	t.addPeer(conn, peer.Incoming, h.PeerID, extSupported)
}

func (t *Torrent) download() *ratelimit.Bucket {
	if t.cfg.Limiter == nil {
		return nil
	}
	return t.cfg.Limiter.Download()
}

func (t *Torrent) upload() *ratelimit.Bucket {
	if t.cfg.Limiter == nil {
		return nil
	}
	return t.cfg.Limiter.Upload()
}
