// Package peerreader runs the read half of a peer connection: it
// decodes length-prefixed peer wire protocol messages off the wire and
// delivers them on a channel, applying the illegal-traffic checks
// spec.md §4.5 requires before anything downstream sees a message.
package peerreader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"time"

	"github.com/juju/ratelimit"

	"github.com/Jagalite/superseedr/internal/bufferpool"
	"github.com/Jagalite/superseedr/internal/logger"
	"github.com/Jagalite/superseedr/internal/peerprotocol"
	"github.com/Jagalite/superseedr/internal/piece"
)

// readTimeout bounds how long the connection may go without receiving
// anything; peers must send keep-alives to stay open.
const readTimeout = 2 * time.Minute

var blockPool = bufferpool.New(piece.BlockSize)

// Piece wraps a received PieceMessage together with its pooled block
// buffer; the receiver must call Buffer.Release once done with it.
type Piece struct {
	peerprotocol.PieceMessage
	Buffer bufferpool.Buffer
}

// PeerReader reads and decodes messages from conn, reporting them on
// Messages until it is stopped or the connection fails.
type PeerReader struct {
	conn         net.Conn
	log          logger.Logger
	pieceTimeout time.Duration
	bucket       *ratelimit.Bucket
	messages     chan interface{}
	stopC        chan struct{}
	doneC        chan struct{}
}

// New returns a PeerReader over conn. bucket, if non-nil, throttles the
// download rate of piece block payloads.
func New(conn net.Conn, l logger.Logger, pieceTimeout time.Duration, bucket *ratelimit.Bucket) *PeerReader {
	return &PeerReader{
		conn:         conn,
		log:          l,
		pieceTimeout: pieceTimeout,
		bucket:       bucket,
		messages:     make(chan interface{}),
		stopC:        make(chan struct{}),
		doneC:        make(chan struct{}),
	}
}

// Messages returns the channel decoded peer messages are sent on.
func (p *PeerReader) Messages() <-chan interface{} { return p.messages }

// Stop requests the read loop to exit.
func (p *PeerReader) Stop() { close(p.stopC) }

// Done is closed once the read loop has returned.
func (p *PeerReader) Done() <-chan struct{} { return p.doneC }

var errStoppedWhileWaitingBucket = errors.New("peerreader: stopped while waiting for rate limit bucket")

// Run decodes messages until an error occurs or Stop is called.
func (p *PeerReader) Run() {
	defer close(p.doneC)

	var err error
	defer func() {
		if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, errStoppedWhileWaitingBucket) {
			return
		}
		if _, ok := err.(*net.OpError); ok {
			return
		}
		select {
		case <-p.stopC:
		default:
			p.log.Error(err)
		}
	}()

	first := true
	for {
		if err = p.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}

		var length uint32
		if err = binary.Read(p.conn, binary.BigEndian, &length); err != nil {
			return
		}
		if length == 0 { // keep-alive
			continue
		}

		var id peerprotocol.MessageID
		if err = binary.Read(p.conn, binary.BigEndian, &id); err != nil {
			return
		}
		length--

		var msg interface{}
		switch id {
		case peerprotocol.Choke:
			msg = peerprotocol.ChokeMessage{}
		case peerprotocol.Unchoke:
			msg = peerprotocol.UnchokeMessage{}
		case peerprotocol.Interested:
			msg = peerprotocol.InterestedMessage{}
		case peerprotocol.NotInterested:
			msg = peerprotocol.NotInterestedMessage{}
		case peerprotocol.Have:
			var hm peerprotocol.HaveMessage
			if err = binary.Read(p.conn, binary.BigEndian, &hm); err != nil {
				return
			}
			msg = hm
		case peerprotocol.Bitfield:
			if !first {
				err = errors.New("peerreader: bitfield can only be sent right after the handshake")
				return
			}
			bm := peerprotocol.BitfieldMessage{Data: make([]byte, length)}
			if _, err = io.ReadFull(p.conn, bm.Data); err != nil {
				return
			}
			msg = bm
		case peerprotocol.Request:
			var rm peerprotocol.RequestMessage
			if err = binary.Read(p.conn, binary.BigEndian, &rm); err != nil {
				return
			}
			if rm.Length > piece.MaxRequestSize {
				err = fmt.Errorf("peerreader: request size %d exceeds maximum %d", rm.Length, piece.MaxRequestSize)
				return
			}
			msg = rm
		case peerprotocol.Cancel:
			var cm peerprotocol.CancelMessage
			if err = binary.Read(p.conn, binary.BigEndian, &cm); err != nil {
				return
			}
			msg = cm
		case peerprotocol.Piece:
			var pm peerprotocol.PieceMessage
			if err = binary.Read(p.conn, binary.BigEndian, &pm); err != nil {
				return
			}
			length -= 8
			if length > piece.BlockSize {
				err = fmt.Errorf("peerreader: block size %d exceeds maximum %d", length, piece.BlockSize)
				return
			}
			var buf bufferpool.Buffer
			buf, err = p.readPiece(length)
			if err != nil {
				return
			}
			msg = Piece{PieceMessage: pm, Buffer: buf}
		case peerprotocol.Port:
			var pm peerprotocol.PortMessage
			if err = binary.Read(p.conn, binary.BigEndian, &pm); err != nil {
				return
			}
			msg = pm
		case peerprotocol.Extension:
			buf := make([]byte, length)
			if _, err = io.ReadFull(p.conn, buf); err != nil {
				return
			}
			var em peerprotocol.ExtensionMessage
			if err = em.UnmarshalBinary(buf); err != nil {
				return
			}
			msg = em
		default:
			if _, err = io.CopyN(ioutil.Discard, p.conn, int64(length)); err != nil {
				return
			}
			continue
		}

		first = false

		select {
		case p.messages <- msg:
		case <-p.stopC:
			return
		}
	}
}

func (p *PeerReader) readPiece(length uint32) (buf bufferpool.Buffer, err error) {
	buf = blockPool.Get(int(length))
	defer func() {
		if err != nil {
			buf.Release()
		}
	}()

	var read int
	for {
		if p.bucket != nil {
			d := p.bucket.Take(int64(length))
			select {
			case <-time.After(d):
			case <-p.stopC:
				err = errStoppedWhileWaitingBucket
				return
			}
		}
		if err = p.conn.SetReadDeadline(time.Now().Add(p.pieceTimeout)); err != nil {
			return
		}
		var n int
		n, err = io.ReadFull(p.conn, buf.Data[read:])
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() && n > 0 {
				read += n
				continue
			}
			return
		}
		return buf, nil
	}
}
