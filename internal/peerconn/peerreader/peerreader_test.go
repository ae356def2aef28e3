package peerreader

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jagalite/superseedr/internal/logger"
	"github.com/Jagalite/superseedr/internal/peerprotocol"
)

func writeMessage(t *testing.T, conn net.Conn, id peerprotocol.MessageID, payload []byte) {
	t.Helper()
	require.NoError(t, binary.Write(conn, binary.BigEndian, uint32(1+len(payload))))
	require.NoError(t, binary.Write(conn, binary.BigEndian, id))
	if len(payload) > 0 {
		_, err := conn.Write(payload)
		require.NoError(t, err)
	}
}

func TestRunDecodesKeepAliveThenMessages(t *testing.T) {
	a, b := net.Pipe()
	r := New(b, logger.New("test"), time.Second, nil)
	go r.Run()
	defer r.Stop()

	go func() {
		// keep-alive
		_ = binary.Write(a, binary.BigEndian, uint32(0))

		writeMessage(t, a, peerprotocol.Choke, nil)

		have := make([]byte, 4)
		binary.BigEndian.PutUint32(have, 9)
		writeMessage(t, a, peerprotocol.Have, have)
	}()

	select {
	case msg := <-r.Messages():
		_, ok := msg.(peerprotocol.ChokeMessage)
		require.True(t, ok, "expected ChokeMessage, got %T", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for choke")
	}

	select {
	case msg := <-r.Messages():
		hm, ok := msg.(peerprotocol.HaveMessage)
		require.True(t, ok, "expected HaveMessage, got %T", msg)
		assert.Equal(t, uint32(9), hm.Index)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for have")
	}
}

func TestRunRejectsOversizedRequest(t *testing.T) {
	a, b := net.Pipe()
	r := New(b, logger.New("test"), time.Second, nil)
	go r.Run()
	defer r.Stop()

	go func() {
		req := make([]byte, 12)
		binary.BigEndian.PutUint32(req[0:4], 0)
		binary.BigEndian.PutUint32(req[4:8], 0)
		binary.BigEndian.PutUint32(req[8:12], 1<<20) // exceeds piece.MaxRequestSize
		writeMessage(t, a, peerprotocol.Request, req)
	}()

	select {
	case <-r.Messages():
		t.Fatal("expected the oversized request to be rejected, not delivered")
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reader to close")
	}
}
