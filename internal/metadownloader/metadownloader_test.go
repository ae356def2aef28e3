package metadownloader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	size      uint32
	requested []uint32
}

func (f *fakePeer) MetadataSize() uint32          { return f.size }
func (f *fakePeer) RequestMetadataPiece(i uint32) { f.requested = append(f.requested, i) }

func TestDownloaderReassemblesPieces(t *testing.T) {
	pe := &fakePeer{size: blockSize + 100}
	d := New(pe)
	assert.Len(t, d.blocks, 2)

	d.RequestPieces(10)
	assert.Equal(t, []uint32{0, 1}, pe.requested)
	assert.False(t, d.Done())

	require.NoError(t, d.GotPiece(0, make([]byte, blockSize)))
	assert.False(t, d.Done())
	require.NoError(t, d.GotPiece(1, make([]byte, 100)))
	assert.True(t, d.Done())
}

func TestDownloaderRejectsBadSize(t *testing.T) {
	pe := &fakePeer{size: blockSize}
	d := New(pe)
	d.RequestPieces(10)
	err := d.GotPiece(0, make([]byte, 10))
	assert.Error(t, err)
}

func TestDownloaderRejectsUnrequested(t *testing.T) {
	pe := &fakePeer{size: blockSize}
	d := New(pe)
	err := d.GotPiece(0, make([]byte, blockSize))
	assert.Error(t, err)
}
