package handshaker

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutgoingIncomingHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var infoHash, ourID, theirID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(ourID[:], "bbbbbbbbbbbbbbbbbbbb")
	copy(theirID[:], "cccccccccccccccccccc")

	incomingResultC := make(chan *Incoming, 1)
	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		in := NewIncoming(conn)
		in.Run(theirID, func(ih [20]byte) bool { return ih == infoHash }, time.Second, [8]byte{}, incomingResultC)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	outgoingResultC := make(chan *Outgoing, 1)
	out := NewOutgoing(addr)
	go out.Run(time.Second, time.Second, ourID, infoHash, [8]byte{}, outgoingResultC)

	outRes := <-outgoingResultC
	require.NoError(t, outRes.Error)
	assert.Equal(t, theirID, outRes.PeerID)
	require.NotNil(t, outRes.Conn)
	defer outRes.Conn.Close()

	inRes := <-incomingResultC
	require.NoError(t, inRes.Error)
	assert.Equal(t, infoHash, inRes.InfoHash)
	assert.Equal(t, ourID, inRes.PeerID)
}

func TestOutgoingCloseAbortsBeforeResult(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// Nothing ever accepts, so the handshake read blocks until Close
	// cancels the dial's context or the handshake deadline fires.
	addr := ln.Addr().(*net.TCPAddr)
	out := NewOutgoing(addr)
	resultC := make(chan *Outgoing)
	go out.Run(5*time.Second, 5*time.Second, [20]byte{1}, [20]byte{2}, [8]byte{}, resultC)

	time.Sleep(10 * time.Millisecond)
	out.Close()
}

func TestIncomingRejectsUnknownInfoHash(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()

	var ourID, theirID, infoHash [20]byte
	copy(ourID[:], "bbbbbbbbbbbbbbbbbbbb")
	copy(theirID[:], "cccccccccccccccccccc")
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")

	resultC := make(chan *Incoming, 1)
	in := NewIncoming(b)
	go in.Run(ourID, func([20]byte) bool { return false }, time.Second, [8]byte{}, resultC)

	hs := handshakeBytes(infoHash, theirID)
	_, err := a.Write(hs)
	require.NoError(t, err)

	res := <-resultC
	assert.Error(t, res.Error)
}

func handshakeBytes(infoHash, peerID [20]byte) []byte {
	const pstr = "BitTorrent protocol"
	b := make([]byte, 0, 68)
	b = append(b, byte(len(pstr)))
	b = append(b, pstr...)
	b = append(b, make([]byte, 8)...)
	b = append(b, infoHash[:]...)
	b = append(b, peerID[:]...)
	return b
}
