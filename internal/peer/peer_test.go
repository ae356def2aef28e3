package peer

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jagalite/superseedr/internal/logger"
	"github.com/Jagalite/superseedr/internal/peerconn"
	"github.com/Jagalite/superseedr/internal/peerprotocol"
)

type pipeConn struct{ net.Conn }

func (pipeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6881}
}

func newPipePair(numPieces uint32) (*Peer, chan Message, *Peer, chan Message) {
	a, b := net.Pipe()
	l := logger.New("test")
	cc := peerconn.New(pipeConn{a}, l, time.Second, nil, nil)
	sc := peerconn.New(pipeConn{b}, l, time.Second, nil, nil)

	clientMsgs := make(chan Message, 16)
	serverMsgs := make(chan Message, 16)
	client := New(cc, Outgoing, [20]byte{1}, numPieces, true, clientMsgs)
	server := New(sc, Incoming, [20]byte{2}, numPieces, true, serverMsgs)
	go client.Run()
	go server.Run()
	return client, clientMsgs, server, serverMsgs
}

func recvMessage(t *testing.T, c chan Message) Message {
	t.Helper()
	select {
	case m := <-c:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestInterestedUnchokeHandshake(t *testing.T) {
	client, _, server, _ := newPipePair(10)
	defer client.Close()
	defer server.Close()

	client.BeInterested()
	assert.True(t, client.AmInterested())

	// interested is handled inside the Peer, not forwarded as a Message.
	require.Eventually(t, server.Interested, 2*time.Second, 10*time.Millisecond)
	assert.True(t, server.Interested())

	server.Unchoke()
	assert.False(t, server.Choking())
}

func TestHaveUpdatesPossession(t *testing.T) {
	client, clientMsgs, server, _ := newPipePair(10)
	defer client.Close()
	defer server.Close()

	server.SendHave(3)
	m := recvMessage(t, clientMsgs)
	ev, ok := m.Message.(HaveEvent)
	require.True(t, ok)
	assert.EqualValues(t, 3, ev.Index)
	assert.True(t, client.HasPiece(3))
	assert.False(t, client.HasPiece(4))
}

func TestBitfieldAppliedAsHaves(t *testing.T) {
	client, clientMsgs, server, _ := newPipePair(16)
	defer client.Close()
	defer server.Close()

	bf := server.have
	bf.Set(0)
	bf.Set(15)
	server.SendBitfield(bf)

	seen := map[uint32]bool{}
	for i := 0; i < 2; i++ {
		m := recvMessage(t, clientMsgs)
		ev := m.Message.(HaveEvent)
		seen[ev.Index] = true
	}
	assert.True(t, seen[0])
	assert.True(t, seen[15])
	assert.True(t, client.HasPiece(0))
	assert.True(t, client.HasPiece(15))
}

func TestRequestForwardedAsEvent(t *testing.T) {
	client, clientMsgs, server, _ := newPipePair(10)
	defer client.Close()
	defer server.Close()

	server.Request(1, 0, 16384)
	m := recvMessage(t, clientMsgs)
	ev, ok := m.Message.(RequestEvent)
	require.True(t, ok)
	assert.EqualValues(t, 1, ev.Index)
	assert.EqualValues(t, 16384, ev.Length)
}

func TestSnubbedClearedOnBlockReceipt(t *testing.T) {
	client, clientMsgs, server, _ := newPipePair(1)
	defer client.Close()
	defer server.Close()

	client.SetSnubbed(true)
	assert.True(t, client.Snubbed())

	req := peerprotocol.RequestMessage{Index: 0, Begin: 0, Length: 4}
	server.SendPiece(req, strReaderAt("data"))

	m := recvMessage(t, clientMsgs)
	ev, ok := m.Message.(BlockEvent)
	require.True(t, ok)
	ev.Buffer.Release()
	assert.False(t, client.Snubbed())
}

type strReaderAt string

func (s strReaderAt) ReadAt(b []byte, off int64) (int, error) {
	return copy(b, string(s)[off:]), nil
}
