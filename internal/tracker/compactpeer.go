package tracker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
)

// CompactPeer is a BEP 23 compact peer entry: a 4-byte IPv4 address
// plus a 2-byte port. It has no pointers, so it can be used as a map
// key directly.
type CompactPeer struct {
	IP   [net.IPv4len]byte
	Port uint16
}

// NewCompactPeer converts a TCP address into its compact form. addr
// must carry an IPv4 address.
func NewCompactPeer(addr *net.TCPAddr) CompactPeer {
	p := CompactPeer{Port: uint16(addr.Port)}
	copy(p.IP[:], addr.IP.To4())
	return p
}

// Addr converts the compact form back into a TCP address.
func (p CompactPeer) Addr() *net.TCPAddr {
	return &net.TCPAddr{IP: net.IP(p.IP[:]), Port: int(p.Port)}
}

// MarshalBinary encodes p as 6 bytes: 4-byte IP, 2-byte big-endian port.
func (p CompactPeer) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 6))
	err := binary.Write(buf, binary.BigEndian, p)
	return buf.Bytes(), err
}

// UnmarshalBinary decodes a 6-byte compact peer entry.
func (p *CompactPeer) UnmarshalBinary(data []byte) error {
	if len(data) != 6 {
		return errors.New("tracker: invalid compact peer length")
	}
	return binary.Read(bytes.NewReader(data), binary.BigEndian, p)
}

// DecodePeersCompact parses a BEP 23 compact peer list.
func DecodePeersCompact(b []byte) ([]*net.TCPAddr, error) {
	if len(b)%6 != 0 {
		return nil, errors.New("tracker: invalid compact peer list length")
	}
	addrs := make([]*net.TCPAddr, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		var peer CompactPeer
		if err := peer.UnmarshalBinary(b[i : i+6]); err != nil {
			return nil, err
		}
		addrs = append(addrs, peer.Addr())
	}
	return addrs, nil
}
