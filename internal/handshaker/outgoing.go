// Package handshaker runs the BitTorrent handshake on its own goroutine
// per connection attempt, so a torrent's single-threaded event loop
// never blocks on a slow or hostile peer mid-handshake.
package handshaker

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/Jagalite/superseedr/internal/handshake"
	"github.com/Jagalite/superseedr/internal/logger"
)

// Outgoing does the handshake on a newly dialed connection.
type Outgoing struct {
	Addr       *net.TCPAddr
	Conn       net.Conn
	PeerID     [20]byte
	Extensions [8]byte
	Error      error

	closeC chan struct{}
	doneC  chan struct{}
}

// NewOutgoing returns an Outgoing handshaker for addr.
func NewOutgoing(addr *net.TCPAddr) *Outgoing {
	return &Outgoing{
		Addr:   addr,
		closeC: make(chan struct{}),
		doneC:  make(chan struct{}),
	}
}

// Close aborts an in-progress handshake and waits for Run to return.
func (h *Outgoing) Close() {
	close(h.closeC)
	<-h.doneC
}

// Run dials and handshakes with h.Addr, then reports itself on resultC.
// If Close is called before the result can be delivered, any
// successfully opened connection is closed instead.
func (h *Outgoing) Run(dialTimeout, handshakeTimeout time.Duration, ourID, infoHash [20]byte, ourExtensions [8]byte, resultC chan *Outgoing) {
	defer close(h.doneC)
	log := logger.New("handshake -> " + h.Addr.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-h.closeC:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn, peerID, peerExtensions, err := handshake.Dial(ctx, h.Addr, dialTimeout, handshakeTimeout, infoHash, ourID, ourExtensions)
	if err != nil {
		switch {
		case err == io.EOF || err == io.ErrUnexpectedEOF:
			log.Debugln("peer closed connection during handshake:", err)
		default:
			if _, ok := err.(*net.OpError); ok {
				log.Debugln("dial error:", err)
			} else {
				log.Debugln("handshake error:", err)
			}
		}
		h.Error = err
	} else {
		h.Conn = conn
		h.PeerID = peerID
		h.Extensions = peerExtensions
	}

	select {
	case resultC <- h:
	case <-h.closeC:
		if h.Conn != nil {
			h.Conn.Close()
		}
	}
}
