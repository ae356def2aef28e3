package store

import (
	"crypto/sha1" // nolint: gosec
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jagalite/superseedr/internal/metainfo"
	"github.com/Jagalite/superseedr/internal/piece"
)

func makeInfo(t *testing.T, pieceLen uint32, data [][]byte, name string) *metainfo.Info {
	t.Helper()
	var pieces []byte
	var total int64
	for _, d := range data {
		h := sha1.Sum(d) // nolint: gosec
		pieces = append(pieces, h[:]...)
		total += int64(len(d))
	}
	return &metainfo.Info{
		PieceLength: pieceLen,
		Pieces:      pieces,
		Name:        name,
		Length:      total,
		NumPieces:   uint32(len(data)),
		TotalLength: total,
	}
}

func TestWriteVerifyReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p0 := make([]byte, piece.BlockSize+100)
	for i := range p0 {
		p0[i] = byte(i)
	}
	info := makeInfo(t, uint32(len(p0)), [][]byte{p0}, "single.bin")
	s := New(info, dir, 8)

	blocks := piece.NewPieces(info)[0].Blocks
	require.Len(t, blocks, 2)
	for _, b := range blocks {
		complete, err := s.WriteBlock(0, b.Begin, p0[b.Begin:b.Begin+b.Length])
		require.NoError(t, err)
		if b.Index == uint32(len(blocks)-1) {
			assert.True(t, complete)
		} else {
			assert.False(t, complete)
		}
	}
	require.NoError(t, s.VerifyAndCommit(0))
	assert.True(t, s.Has(0))

	got, err := s.ReadBlock(0, 0, uint32(len(p0)))
	require.NoError(t, err)
	assert.Equal(t, p0, got)
}

func TestHashMismatchDiscardsStaging(t *testing.T) {
	dir := t.TempDir()
	good := []byte("exactly-sixteen!")
	info := makeInfo(t, uint32(len(good)), [][]byte{good}, "x.bin")
	s := New(info, dir, 8)

	bad := make([]byte, len(good))
	copy(bad, good)
	bad[0] ^= 0xff

	complete, err := s.WriteBlock(0, 0, bad)
	require.NoError(t, err)
	assert.True(t, complete)
	err = s.VerifyAndCommit(0)
	assert.ErrorIs(t, err, ErrHashMismatch)
	assert.False(t, s.Has(0))
}

func TestBlockSpanningFileBoundary(t *testing.T) {
	dir := t.TempDir()
	fileA := make([]byte, 10)
	fileB := make([]byte, 10)
	for i := range fileA {
		fileA[i] = byte(1)
	}
	for i := range fileB {
		fileB[i] = byte(2)
	}
	piece0 := append(append([]byte{}, fileA...), fileB...)
	h := sha1.Sum(piece0) // nolint: gosec
	info := &metainfo.Info{
		PieceLength: 20,
		Pieces:      h[:],
		Name:        "multi",
		Files: []metainfo.File{
			{Length: 10, Path: []string{"a.bin"}},
			{Length: 10, Path: []string{"b.bin"}},
		},
		NumPieces:   1,
		TotalLength: 20,
	}
	s := New(info, dir, 8)
	complete, err := s.WriteBlock(0, 0, piece0)
	require.NoError(t, err)
	assert.True(t, complete)
	require.NoError(t, s.VerifyAndCommit(0))

	gotA, err := os.ReadFile(dir + "/multi/a.bin")
	require.NoError(t, err)
	assert.Equal(t, fileA, gotA)
	gotB, err := os.ReadFile(dir + "/multi/b.bin")
	require.NoError(t, err)
	assert.Equal(t, fileB, gotB)
}

func TestVerifyRebuildsBitfieldFromDisk(t *testing.T) {
	dir := t.TempDir()
	p0 := []byte("0123456789abcdef")
	info := makeInfo(t, uint32(len(p0)), [][]byte{p0}, "v.bin")
	s := New(info, dir, 8)
	_, err := s.WriteBlock(0, 0, p0)
	require.NoError(t, err)
	require.NoError(t, s.VerifyAndCommit(0))
	require.NoError(t, s.Close())

	s2 := New(info, dir, 8)
	bf, err := s2.Verify()
	require.NoError(t, err)
	assert.True(t, bf.Test(0))
}

func TestFileCacheEvictsLRU(t *testing.T) {
	dir := t.TempDir()
	info := &metainfo.Info{
		PieceLength: 4,
		Pieces:      make([]byte, 20*3),
		Name:        "many",
		Files: []metainfo.File{
			{Length: 4, Path: []string{"1.bin"}},
			{Length: 4, Path: []string{"2.bin"}},
			{Length: 4, Path: []string{"3.bin"}},
		},
		NumPieces:   3,
		TotalLength: 12,
	}
	s := New(info, dir, 2)
	for i := 0; i < 3; i++ {
		_, err := s.handles.open(s, i)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, s.handles.order.Len(), 2)
}
