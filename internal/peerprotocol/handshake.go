package peerprotocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// PstrLen is the length of Pstr, sent as the handshake's first byte.
const PstrLen = 19

// Pstr is the BitTorrent protocol identifier string.
var Pstr = []byte("BitTorrent protocol")

// ExtensionBit is the bit position, within the 8 reserved handshake
// bytes read as one 64-bit big-endian block, that signals support for
// the BEP 10 extension protocol: bit index 20 from the LSB end of that
// block, equivalently bit 44 counting from the MSB of the first
// reserved byte (spec.md §4.5).
const ExtensionBit = 20

// HandShake is the fixed 68-byte peer wire protocol handshake.
type HandShake struct {
	Pstrlen    byte
	Pstr       [PstrLen]byte
	Extensions [8]byte
	InfoHash   [20]byte
	PeerID     [20]byte
}

// NewHandShake builds a handshake for infohash ih and local peer id id.
// extensionProtocol controls whether the extension-protocol bit is set.
func NewHandShake(ih, id [20]byte, extensionProtocol bool) *HandShake {
	h := &HandShake{Pstrlen: PstrLen, InfoHash: ih, PeerID: id}
	copy(h.Pstr[:], Pstr)
	if extensionProtocol {
		SetExtensionBit(&h.Extensions)
	}
	return h
}

// SetExtensionBit sets the BEP 10 extension-protocol bit within the
// 8-byte reserved handshake block.
func SetExtensionBit(reserved *[8]byte) {
	var v uint64
	v = 1 << ExtensionBit
	binary.BigEndian.PutUint64(reserved[:], v)
}

// HasExtensionBit reports whether the reserved block signals extension
// protocol support.
func HasExtensionBit(reserved [8]byte) bool {
	v := binary.BigEndian.Uint64(reserved[:])
	return v&(1<<ExtensionBit) != 0
}

// Write serializes the handshake to w.
func (h *HandShake) Write(w io.Writer) error {
	return binary.Write(w, binary.BigEndian, h)
}

// ReadHandShake reads and validates a peer's handshake from r. The
// infohash must be checked by the caller against known torrents.
func ReadHandShake(r io.Reader) (*HandShake, error) {
	var h HandShake
	if err := binary.Read(r, binary.BigEndian, &h); err != nil {
		return nil, err
	}
	if h.Pstrlen != PstrLen {
		return nil, fmt.Errorf("peerprotocol: invalid pstrlen %d", h.Pstrlen)
	}
	if !bytes.Equal(h.Pstr[:], Pstr) {
		return nil, fmt.Errorf("peerprotocol: invalid protocol string %q", h.Pstr[:])
	}
	return &h, nil
}
