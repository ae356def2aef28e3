package peerconn

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jagalite/superseedr/internal/logger"
	"github.com/Jagalite/superseedr/internal/peerconn/peerreader"
	"github.com/Jagalite/superseedr/internal/peerprotocol"
)

type pipeConn struct {
	net.Conn
}

func (pipeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6881}
}

func newPipePair() (*Conn, *Conn) {
	a, b := net.Pipe()
	l := logger.New("test")
	return New(pipeConn{a}, l, time.Second, nil, nil), New(pipeConn{b}, l, time.Second, nil, nil)
}

func TestConnDeliversMessageAcrossPipe(t *testing.T) {
	client, server := newPipePair()
	go client.Run()
	go server.Run()
	defer client.Close()
	defer server.Close()

	client.SendMessage(peerprotocol.UnchokeMessage{})

	select {
	case msg := <-server.Messages():
		_, ok := msg.(peerprotocol.UnchokeMessage)
		require.True(t, ok, "expected UnchokeMessage, got %T", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestConnSendsHaveAfterPiece(t *testing.T) {
	client, server := newPipePair()
	go client.Run()
	go server.Run()
	defer client.Close()
	defer server.Close()

	req := peerprotocol.RequestMessage{Index: 0, Begin: 0, Length: 4}
	client.SendPiece(req, strReaderAt("data"))
	client.SendMessage(peerprotocol.HaveMessage{Index: 5})

	var sawPiece bool
	for i := 0; i < 2; i++ {
		select {
		case msg := <-server.Messages():
			switch m := msg.(type) {
			case peerreader.Piece:
				sawPiece = true
				m.Buffer.Release()
			case peerprotocol.HaveMessage:
				assert.True(t, sawPiece, "have delivered before piece")
				assert.Equal(t, uint32(5), m.Index)
			default:
				t.Fatalf("unexpected message type %T", msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
	assert.True(t, sawPiece)
}

type strReaderAt string

func (s strReaderAt) ReadAt(b []byte, off int64) (int, error) {
	return copy(b, string(s)[off:]), nil
}
