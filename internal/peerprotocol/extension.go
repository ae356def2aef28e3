package peerprotocol

import (
	"bytes"
	"fmt"
	"io"

	"github.com/Jagalite/superseedr/internal/bencode"
)

// Extension message ids, local to each connection direction: the ids a
// peer should be addressed by are the ones *they* advertised in their
// own extended handshake (spec.md §4.5), not these constants — these
// are only the ids this client advertises about itself.
const (
	ExtensionIDHandshake = 0
	ExtensionIDMetadata  = 1
	ExtensionIDPEX       = 2
)

// Extension handshake dictionary keys.
const (
	ExtensionKeyMetadata = "ut_metadata"
	ExtensionKeyPEX      = "ut_pex"
)

// ut_metadata message types.
const (
	MetadataRequest = 0
	MetadataData    = 1
	MetadataReject  = 2
)

// ExtensionHandshakeMessage is the BEP 10 extended handshake payload.
type ExtensionHandshakeMessage struct {
	M            map[string]uint8 `bencode:"m"`
	V            string           `bencode:"v,omitempty"`
	MetadataSize int              `bencode:"metadata_size,omitempty"`
	ReqQ         int              `bencode:"reqq,omitempty"`
}

// NewExtensionHandshake builds the extended handshake this client sends,
// advertising ut_metadata always and ut_pex only when PEX is enabled
// (private-tracker builds must not advertise it, spec.md §9).
func NewExtensionHandshake(metadataSize int, version string, pexEnabled bool) ExtensionHandshakeMessage {
	m := map[string]uint8{ExtensionKeyMetadata: ExtensionIDMetadata}
	if pexEnabled {
		m[ExtensionKeyPEX] = ExtensionIDPEX
	}
	return ExtensionHandshakeMessage{M: m, V: version, MetadataSize: metadataSize, ReqQ: 250}
}

// ExtensionMetadataMessage carries one 16 KiB piece of the ut_metadata
// info-dictionary exchange.
type ExtensionMetadataMessage struct {
	Type      int    `bencode:"msg_type"`
	Piece     uint32 `bencode:"piece"`
	TotalSize int    `bencode:"total_size,omitempty"`
	Data      []byte `bencode:"-"`
}

// ExtensionPEXMessage carries the compact-format added/dropped peer
// deltas exchanged by ut_pex every 60 seconds (spec.md §4.7).
type ExtensionPEXMessage struct {
	Added   []byte `bencode:"added"`
	Dropped []byte `bencode:"dropped"`
}

// ExtensionMessage wraps any BEP 10 payload with its extended message id.
type ExtensionMessage struct {
	ExtendedMessageID uint8
	Payload           interface{}
}

func (m ExtensionMessage) ID() MessageID { return Extension }

func (m ExtensionMessage) Read([]byte) (int, error) {
	panic("peerprotocol: ExtensionMessage.Read must not be called; use WriteTo")
}

// WriteTo bencodes the payload (and appends raw metadata bytes, for
// ExtensionMetadataMessage) after the one-byte extended message id.
func (m ExtensionMessage) WriteTo(w io.Writer) (n int64, err error) {
	nn, err := w.Write([]byte{m.ExtendedMessageID})
	n += int64(nn)
	if err != nil {
		return
	}
	enc, err := bencode.EncodeBytes(m.Payload)
	if err != nil {
		return n, err
	}
	wn, err := w.Write(enc)
	n += int64(wn)
	if err != nil {
		return
	}
	if mm, ok := m.Payload.(ExtensionMetadataMessage); ok {
		wn, err = w.Write(mm.Data)
		n += int64(wn)
	}
	return
}

// UnmarshalBinary parses an extension message body (after the core
// message id byte has already been consumed).
func (m *ExtensionMessage) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("peerprotocol: empty extension message")
	}
	m.ExtendedMessageID = data[0]
	payload := data[1:]
	dec := bencode.NewDecoder(bytes.NewReader(payload))
	switch m.ExtendedMessageID {
	case ExtensionIDHandshake:
		var hs ExtensionHandshakeMessage
		if err := dec.Decode(&hs); err != nil {
			return err
		}
		m.Payload = hs
	case ExtensionIDMetadata:
		var md ExtensionMetadataMessage
		if err := dec.Decode(&md); err != nil {
			return err
		}
		md.Data = payload[dec.BytesParsed():]
		m.Payload = md
	case ExtensionIDPEX:
		var pex ExtensionPEXMessage
		if err := dec.Decode(&pex); err != nil {
			return err
		}
		m.Payload = pex
	default:
		return fmt.Errorf("peerprotocol: unrecognized extension id %d", m.ExtendedMessageID)
	}
	return nil
}
