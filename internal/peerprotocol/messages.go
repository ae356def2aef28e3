// Package peerprotocol implements the BitTorrent peer wire protocol
// (BEP 3) message set and the BEP 10 extension protocol framing used on
// top of it.
package peerprotocol

import (
	"encoding/binary"
	"io"
)

// MessageID identifies a core peer wire protocol message.
type MessageID byte

// Core message ids, per BEP 3.
const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Port          MessageID = 9
	Extension     MessageID = 20
)

// Message is a wire message: an id plus a payload readable into a buffer.
type Message interface {
	io.Reader
	ID() MessageID
}

// HaveMessage announces possession of piece Index.
type HaveMessage struct{ Index uint32 }

func (m HaveMessage) ID() MessageID { return Have }
func (m HaveMessage) Read(b []byte) (int, error) {
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	return 4, io.EOF
}

// RequestMessage asks for a block.
type RequestMessage struct{ Index, Begin, Length uint32 }

func (m RequestMessage) ID() MessageID { return Request }
func (m RequestMessage) Read(b []byte) (int, error) {
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	binary.BigEndian.PutUint32(b[8:12], m.Length)
	return 12, io.EOF
}

// PieceMessage carries block data; Read only emits the 8-byte header,
// the caller appends the block bytes after it (outgoing blocks are
// framed by peerwriter.Piece).
type PieceMessage struct{ Index, Begin uint32 }

func (m PieceMessage) ID() MessageID { return Piece }
func (m PieceMessage) Read(b []byte) (int, error) {
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	return 8, io.EOF
}

// CancelMessage cancels a previously sent request.
type CancelMessage struct{ RequestMessage }

func (m CancelMessage) ID() MessageID { return Cancel }

// BitfieldMessage carries a possession bitfield.
type BitfieldMessage struct {
	Data []byte
	pos  int
}

func (m BitfieldMessage) ID() MessageID { return Bitfield }
func (m *BitfieldMessage) Read(b []byte) (n int, err error) {
	n = copy(b, m.Data[m.pos:])
	m.pos += n
	if m.pos == len(m.Data) {
		err = io.EOF
	}
	return
}

// PortMessage announces the sender's DHT UDP port.
type PortMessage struct{ Port uint16 }

func (m PortMessage) ID() MessageID { return Port }
func (m PortMessage) Read(b []byte) (int, error) {
	binary.BigEndian.PutUint16(b[0:2], m.Port)
	return 2, io.EOF
}

type emptyMessage struct{}

func (m emptyMessage) Read(b []byte) (int, error) { return 0, io.EOF }

// ChokeMessage tells the peer it will not be served piece requests.
type ChokeMessage struct{ emptyMessage }

// UnchokeMessage tells the peer it may request pieces.
type UnchokeMessage struct{ emptyMessage }

// InterestedMessage tells the peer the sender wants pieces from it.
type InterestedMessage struct{ emptyMessage }

// NotInterestedMessage tells the peer the sender no longer wants pieces.
type NotInterestedMessage struct{ emptyMessage }

func (m ChokeMessage) ID() MessageID         { return Choke }
func (m UnchokeMessage) ID() MessageID       { return Unchoke }
func (m InterestedMessage) ID() MessageID    { return Interested }
func (m NotInterestedMessage) ID() MessageID { return NotInterested }
