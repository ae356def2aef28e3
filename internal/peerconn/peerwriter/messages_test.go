package peerwriter

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPieceReadEmitsHeaderThenData(t *testing.T) {
	data := []byte("hello block data")
	p := &Piece{Piece: bytes.NewReader(append([]byte("xxx"), data...)), Index: 7, Begin: 3, Length: uint32(len(data))}

	payload, err := io.ReadAll(p)
	require.NoError(t, err)
	require.Len(t, payload, 8+len(data))
	assert.Equal(t, byte(0), payload[0])
	assert.Equal(t, byte(7), payload[3])
	assert.Equal(t, byte(3), payload[7])
	assert.Equal(t, data, payload[8:])
}

func TestPieceReadEmptyBlock(t *testing.T) {
	p := &Piece{Piece: bytes.NewReader(nil), Index: 1, Begin: 0, Length: 0}
	payload, err := io.ReadAll(p)
	require.NoError(t, err)
	assert.Len(t, payload, 8)
}
