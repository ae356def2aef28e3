package peerwriter

import (
	"encoding/binary"
	"io"

	"github.com/Jagalite/superseedr/internal/peerprotocol"
)

// Piece is a queued outgoing block: the block data is read from an
// io.ReaderAt lazily, right before being written to the wire, so it
// never needs to be copied into the write queue up front.
type Piece struct {
	Piece              io.ReaderAt
	Index, Begin, Length uint32

	pos        uint32
	headerSent bool
}

func (m *Piece) ID() peerprotocol.MessageID { return peerprotocol.Piece }

func (m *Piece) Read(b []byte) (int, error) {
	if !m.headerSent {
		binary.BigEndian.PutUint32(b[0:4], m.Index)
		binary.BigEndian.PutUint32(b[4:8], m.Begin)
		m.headerSent = true
		if m.Length == 0 {
			return 8, io.EOF
		}
		return 8, nil
	}
	remaining := m.Length - m.pos
	if uint32(len(b)) > remaining {
		b = b[:remaining]
	}
	n, err := m.Piece.ReadAt(b, int64(m.Begin)+int64(m.pos))
	m.pos += uint32(n)
	if err == io.EOF && m.pos < m.Length {
		err = io.ErrUnexpectedEOF
	}
	if err == nil && m.pos >= m.Length {
		err = io.EOF
	}
	return n, err
}

// BlockUploaded reports that Length bytes of piece data were written to
// the peer, for upload accounting.
type BlockUploaded struct {
	Length uint32
}
