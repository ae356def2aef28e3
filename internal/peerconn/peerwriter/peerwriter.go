// Package peerwriter runs the write half of a peer connection: it
// serializes queued peer wire protocol messages onto the socket,
// dropping queued piece blocks when the peer is choked or a cancel
// arrives for them.
package peerwriter

import (
	"bytes"
	"container/list"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/juju/ratelimit"

	"github.com/Jagalite/superseedr/internal/logger"
	"github.com/Jagalite/superseedr/internal/peerprotocol"
)

const keepAlivePeriod = 2 * time.Minute

// PeerWriter serializes messages queued via SendMessage/SendPiece onto
// conn, in order, except that choking drops any queued but not yet
// sent piece blocks.
type PeerWriter struct {
	conn       net.Conn
	bucket     *ratelimit.Bucket
	queueC     chan peerprotocol.Message
	cancelC    chan peerprotocol.CancelMessage
	writeQueue *list.List
	writeC     chan peerprotocol.Message
	messages   chan interface{}
	log        logger.Logger
	stopC      chan struct{}
	doneC      chan struct{}
}

// New returns a PeerWriter over conn. bucket, if non-nil, throttles the
// upload rate of piece block payloads.
func New(conn net.Conn, l logger.Logger, bucket *ratelimit.Bucket) *PeerWriter {
	return &PeerWriter{
		conn:       conn,
		bucket:     bucket,
		queueC:     make(chan peerprotocol.Message),
		cancelC:    make(chan peerprotocol.CancelMessage),
		writeQueue: list.New(),
		writeC:     make(chan peerprotocol.Message),
		messages:   make(chan interface{}),
		log:        l,
		stopC:      make(chan struct{}),
		doneC:      make(chan struct{}),
	}
}

// Messages returns the channel accounting events (BlockUploaded) are
// sent on.
func (p *PeerWriter) Messages() <-chan interface{} { return p.messages }

// SendMessage queues msg for writing. Does not block.
func (p *PeerWriter) SendMessage(msg peerprotocol.Message) {
	select {
	case p.queueC <- msg:
	case <-p.doneC:
	}
}

// SendPiece queues a piece block for writing. pi is read at write time,
// not now, so the caller need not hold the block in memory until then.
func (p *PeerWriter) SendPiece(msg peerprotocol.RequestMessage, pi io.ReaderAt) {
	m := &Piece{Piece: pi, Index: msg.Index, Begin: msg.Begin, Length: msg.Length}
	select {
	case p.queueC <- m:
	case <-p.doneC:
	}
}

// CancelRequest drops a previously queued piece matching msg, if it
// has not been written yet.
func (p *PeerWriter) CancelRequest(msg peerprotocol.CancelMessage) {
	select {
	case p.cancelC <- msg:
	case <-p.doneC:
	}
}

// Stop requests the write loop to exit.
func (p *PeerWriter) Stop() { close(p.stopC) }

// Done is closed once the write loop has returned.
func (p *PeerWriter) Done() chan struct{} { return p.doneC }

// Run serializes queued messages onto the connection until Stop is
// called or a write error occurs.
func (p *PeerWriter) Run() {
	defer close(p.doneC)

	go p.messageWriter()

	for {
		var (
			e      *list.Element
			msg    peerprotocol.Message
			writeC chan peerprotocol.Message
		)
		if p.writeQueue.Len() > 0 {
			e = p.writeQueue.Front()
			msg = e.Value.(peerprotocol.Message)
			writeC = p.writeC
		}
		select {
		case msg = <-p.queueC:
			p.queueMessage(msg)
		case writeC <- msg:
			p.writeQueue.Remove(e)
		case cm := <-p.cancelC:
			p.cancelRequest(cm)
		case <-p.stopC:
			return
		}
	}
}

func (p *PeerWriter) queueMessage(msg peerprotocol.Message) {
	if _, ok := msg.(peerprotocol.ChokeMessage); ok {
		p.cancelQueuedPieceMessages()
	}
	p.writeQueue.PushBack(msg)
}

func (p *PeerWriter) cancelQueuedPieceMessages() {
	var next *list.Element
	for e := p.writeQueue.Front(); e != nil; e = next {
		next = e.Next()
		if _, ok := e.Value.(*Piece); ok {
			p.writeQueue.Remove(e)
		}
	}
}

func (p *PeerWriter) cancelRequest(cm peerprotocol.CancelMessage) {
	for e := p.writeQueue.Front(); e != nil; e = e.Next() {
		if pi, ok := e.Value.(*Piece); ok && pi.Index == cm.Index && pi.Begin == cm.Begin && pi.Length == cm.Length {
			p.writeQueue.Remove(e)
			break
		}
	}
}

func (p *PeerWriter) messageWriter() {
	defer p.conn.Close()

	if err := p.conn.SetWriteDeadline(time.Time{}); err != nil {
		p.log.Error(err)
		return
	}

	keepAliveTicker := time.NewTicker(keepAlivePeriod / 2)
	defer keepAliveTicker.Stop()

	for {
		select {
		case msg := <-p.writeC:
			payload, err := readMessage(msg)
			if err != nil {
				p.log.Errorf("cannot read message [%v]: %s", msg.ID(), err.Error())
				return
			}
			if pi, ok := msg.(*Piece); ok && p.bucket != nil {
				d := p.bucket.Take(int64(pi.Length))
				select {
				case <-time.After(d):
				case <-p.stopC:
					return
				}
			}
			buf := bytes.NewBuffer(make([]byte, 0, 4+1+len(payload)))
			header := struct {
				Length uint32
				ID     peerprotocol.MessageID
			}{
				Length: uint32(1 + len(payload)),
				ID:     msg.ID(),
			}
			_ = binary.Write(buf, binary.BigEndian, &header)
			buf.Write(payload)
			n, err := p.conn.Write(buf.Bytes())
			p.countUploadBytes(msg, n)
			if _, ok := err.(*net.OpError); ok {
				p.log.Debugf("cannot write message [%v]: %s", msg.ID(), err.Error())
				return
			}
			if err != nil {
				p.log.Errorf("cannot write message [%v]: %s", msg.ID(), err.Error())
				return
			}
		case <-keepAliveTicker.C:
			_, err := p.conn.Write([]byte{0, 0, 0, 0})
			if _, ok := err.(*net.OpError); ok {
				p.log.Debugf("cannot write keepalive message: %s", err.Error())
				return
			}
			if err != nil {
				p.log.Errorf("cannot write keepalive message: %s", err.Error())
				return
			}
		case <-p.stopC:
			return
		}
	}
}

// readMessage drains msg into a byte slice. ExtensionMessage and other
// payloads too irregular to stream through Read (bencoded dictionaries
// with a trailing raw byte span) implement io.WriterTo instead; the
// plain Read-based messages take the io.ReadAll path.
func readMessage(msg peerprotocol.Message) ([]byte, error) {
	if wt, ok := msg.(io.WriterTo); ok {
		var buf bytes.Buffer
		_, err := wt.WriteTo(&buf)
		return buf.Bytes(), err
	}
	return io.ReadAll(msg)
}

func (p *PeerWriter) countUploadBytes(msg peerprotocol.Message, n int) {
	if _, ok := msg.(*Piece); ok {
		var uploaded uint32
		if n > 13 {
			uploaded = uint32(n - 13)
		}
		if uploaded > 0 {
			select {
			case p.messages <- BlockUploaded{Length: uploaded}:
			case <-p.stopC:
			}
		}
	}
}
