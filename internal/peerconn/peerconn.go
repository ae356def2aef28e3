// Package peerconn runs one goroutine-per-direction peer connection:
// a reader, a writer, and a supervisor that merges both into a single
// Messages channel and tears the connection down as a unit on either
// side's failure.
package peerconn

import (
	"io"
	"net"
	"time"

	"github.com/juju/ratelimit"

	"github.com/Jagalite/superseedr/internal/logger"
	"github.com/Jagalite/superseedr/internal/peerconn/peerreader"
	"github.com/Jagalite/superseedr/internal/peerconn/peerwriter"
	"github.com/Jagalite/superseedr/internal/peerprotocol"
)

// Conn is a peer connection: send messages via SendMessage/SendPiece,
// receive them from Messages, and close with Close.
type Conn struct {
	conn     net.Conn
	reader   *peerreader.PeerReader
	writer   *peerwriter.PeerWriter
	messages chan interface{}
	log      logger.Logger
	closeC   chan struct{}
	doneC    chan struct{}
}

// New wraps conn. pieceTimeout bounds how long a single block read may
// take; br/bw throttle download/upload of piece data respectively and
// may be nil.
func New(conn net.Conn, l logger.Logger, pieceTimeout time.Duration, br, bw *ratelimit.Bucket) *Conn {
	return &Conn{
		conn:     conn,
		reader:   peerreader.New(conn, l, pieceTimeout, br),
		writer:   peerwriter.New(conn, l, bw),
		messages: make(chan interface{}),
		log:      l,
		closeC:   make(chan struct{}),
		doneC:    make(chan struct{}),
	}
}

// Addr returns the peer's TCP address.
func (p *Conn) Addr() *net.TCPAddr { return p.conn.RemoteAddr().(*net.TCPAddr) }

// String returns the remote address as a string.
func (p *Conn) String() string { return p.conn.RemoteAddr().String() }

// Logger returns the logger this connection was constructed with.
func (p *Conn) Logger() logger.Logger { return p.log }

// Close tears down the connection and waits for both goroutines to
// exit.
func (p *Conn) Close() {
	close(p.closeC)
	<-p.doneC
}

// Messages returns the channel both received peer messages and local
// accounting events (peerwriter.BlockUploaded) are delivered on.
func (p *Conn) Messages() <-chan interface{} { return p.messages }

// SendMessage queues msg for sending. Does not block.
func (p *Conn) SendMessage(msg peerprotocol.Message) { p.writer.SendMessage(msg) }

// SendPiece queues a block for sending; pi is read just before the
// message is written.
func (p *Conn) SendPiece(msg peerprotocol.RequestMessage, pi io.ReaderAt) {
	p.writer.SendPiece(msg, pi)
}

// CancelRequest drops a previously queued block matching msg, if it
// has not been written yet.
func (p *Conn) CancelRequest(msg peerprotocol.CancelMessage) { p.writer.CancelRequest(msg) }

// Run starts the reader and writer goroutines and forwards their
// output to Messages until Close is called or either side fails.
func (p *Conn) Run() {
	defer close(p.doneC)
	defer close(p.messages)
	defer p.conn.Close()

	go p.reader.Run()
	defer func() { <-p.reader.Done() }()

	go p.writer.Run()
	defer func() { <-p.writer.Done() }()

	for {
		select {
		case msg := <-p.reader.Messages():
			select {
			case p.messages <- msg:
			case <-p.closeC:
			}
		case msg := <-p.writer.Messages():
			select {
			case p.messages <- msg:
			case <-p.closeC:
			}
		case <-p.closeC:
			p.reader.Stop()
			p.writer.Stop()
			return
		case <-p.reader.Done():
			p.writer.Stop()
			return
		case <-p.writer.Done():
			p.reader.Stop()
			return
		}
	}
}
