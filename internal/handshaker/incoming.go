package handshaker

import (
	"io"
	"net"
	"time"

	"github.com/Jagalite/superseedr/internal/handshake"
	"github.com/Jagalite/superseedr/internal/logger"
)

// Incoming does the handshake on a freshly accepted connection.
type Incoming struct {
	Conn       net.Conn
	InfoHash   [20]byte
	PeerID     [20]byte
	Extensions [8]byte
	Error      error

	closeC chan struct{}
	doneC  chan struct{}
}

// NewIncoming returns an Incoming handshaker for conn.
func NewIncoming(conn net.Conn) *Incoming {
	return &Incoming{
		Conn:   conn,
		closeC: make(chan struct{}),
		doneC:  make(chan struct{}),
	}
}

// Close aborts an in-progress handshake and waits for Run to return.
func (h *Incoming) Close() {
	close(h.closeC)
	<-h.doneC
}

// Run reads the incoming handshake, accepts it if hasInfoHash approves
// the announced info hash, and reports itself on resultC.
func (h *Incoming) Run(ourID [20]byte, hasInfoHash func([20]byte) bool, handshakeTimeout time.Duration, ourExtensions [8]byte, resultC chan *Incoming) {
	defer close(h.doneC)
	log := logger.New("handshake <- " + h.Conn.RemoteAddr().String())

	infoHash, peerID, peerExtensions, err := handshake.Accept(h.Conn, handshakeTimeout, hasInfoHash, ourID, ourExtensions)
	if err != nil {
		switch {
		case err == io.EOF || err == io.ErrUnexpectedEOF:
			log.Debugln("peer closed connection during handshake:", err)
		default:
			if _, ok := err.(*net.OpError); ok {
				log.Debugln("read error:", err)
			} else {
				log.Debugln("handshake error:", err)
			}
		}
		h.Error = err
	} else {
		h.InfoHash = infoHash
		h.PeerID = peerID
		h.Extensions = peerExtensions
	}

	select {
	case resultC <- h:
	case <-h.closeC:
		h.Conn.Close()
	}
}
