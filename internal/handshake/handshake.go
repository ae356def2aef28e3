// Package handshake performs the BitTorrent peer wire protocol
// handshake (BEP 3) on both outgoing and incoming TCP connections.
// Message stream encryption is out of scope (spec.md Non-goals): every
// connection is handshaked in the clear.
package handshake

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/Jagalite/superseedr/internal/peerprotocol"
)

var (
	errInvalidInfoHash = errors.New("handshake: info hash does not match any active torrent")
	errOwnConnection   = errors.New("handshake: connected to self")
)

// Dial connects to addr and performs the outgoing handshake for
// infoHash, returning the raw connection ready for peer wire protocol
// traffic plus the remote peer's id and reserved extension bytes.
func Dial(ctx context.Context, addr *net.TCPAddr, dialTimeout, handshakeTimeout time.Duration, infoHash, ourID [20]byte, ourExtensions [8]byte) (conn net.Conn, peerID [20]byte, peerExtensions [8]byte, err error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err = dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return
	}
	defer func() {
		if err != nil {
			conn.Close()
		}
	}()

	if err = conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return
	}

	out := peerprotocol.NewHandShake(infoHash, ourID, false)
	out.Extensions = ourExtensions
	if err = out.Write(conn); err != nil {
		return
	}

	var in *peerprotocol.HandShake
	in, err = peerprotocol.ReadHandShake(conn)
	if err != nil {
		return
	}
	if in.InfoHash != infoHash {
		err = errInvalidInfoHash
		return
	}
	if in.PeerID == ourID {
		err = errOwnConnection
		return
	}
	peerID = in.PeerID
	peerExtensions = in.Extensions
	return
}

// Accept reads an incoming handshake from conn, validates the info
// hash via hasInfoHash, and replies with our own handshake.
func Accept(conn net.Conn, handshakeTimeout time.Duration, hasInfoHash func([20]byte) bool, ourID [20]byte, ourExtensions [8]byte) (infoHash [20]byte, peerID [20]byte, peerExtensions [8]byte, err error) {
	if err = conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return
	}

	var in *peerprotocol.HandShake
	in, err = peerprotocol.ReadHandShake(conn)
	if err != nil {
		return
	}
	if !hasInfoHash(in.InfoHash) {
		err = errInvalidInfoHash
		return
	}
	infoHash = in.InfoHash
	peerExtensions = in.Extensions

	out := peerprotocol.NewHandShake(infoHash, ourID, false)
	out.Extensions = ourExtensions
	if err = out.Write(conn); err != nil {
		return
	}

	if in.PeerID == ourID {
		err = errOwnConnection
		return
	}
	peerID = in.PeerID
	return
}
