package metainfo

import (
	"bytes"
	"crypto/sha1" // nolint: gosec
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jagalite/superseedr/internal/bencode"
)

func buildInfoBytes(t *testing.T, pieceLen uint32, pieces []byte, name string, length int64) []byte {
	t.Helper()
	info := struct {
		PieceLength uint32 `bencode:"piece length"`
		Pieces      []byte `bencode:"pieces"`
		Name        string `bencode:"name"`
		Length      int64  `bencode:"length"`
	}{pieceLen, pieces, name, length}
	b, err := bencode.EncodeBytes(info)
	require.NoError(t, err)
	return b
}

func TestNewInfoComputesInfohash(t *testing.T) {
	h := sha1.Sum([]byte("piece-0")) // nolint: gosec
	infoBytes := buildInfoBytes(t, 16384, h[:], "file.bin", 7)
	info, err := NewInfo(infoBytes)
	require.NoError(t, err)
	assert.EqualValues(t, 1, info.NumPieces)
	assert.EqualValues(t, 7, info.TotalLength)

	// Re-serializing must reproduce the same infohash (spec.md invariant 4).
	again, err := NewInfo(info.Bytes)
	require.NoError(t, err)
	assert.Equal(t, info.Hash, again.Hash)
}

func TestNewInfoRejectsParentPath(t *testing.T) {
	h := sha1.Sum([]byte("x")) // nolint: gosec
	info := struct {
		PieceLength uint32 `bencode:"piece length"`
		Pieces      []byte `bencode:"pieces"`
		Name        string `bencode:"name"`
		Files       []File `bencode:"files"`
	}{16384, h[:], "t", []File{{Length: 1, Path: []string{"..", "escape"}}}}
	b, err := bencode.EncodeBytes(info)
	require.NoError(t, err)
	_, err = NewInfo(b)
	assert.Error(t, err)
}

func TestParseMagnetHex(t *testing.T) {
	uri := "magnet:?xt=urn:btih:1122334455667788990011223344556677889900&dn=test&tr=http://tracker.example/announce"
	m, err := ParseMagnet(uri)
	require.NoError(t, err)
	assert.Equal(t, "test", m.Name)
	require.Len(t, m.Trackers, 1)
	assert.Equal(t, byte(0x11), m.InfoHash[0])
}

func TestParseMagnetMissingXT(t *testing.T) {
	_, err := ParseMagnet("magnet:?dn=nothing")
	assert.Error(t, err)
}

func TestNewRoundTripsAnnounce(t *testing.T) {
	h := sha1.Sum([]byte("p")) // nolint: gosec
	infoBytes := buildInfoBytes(t, 16384, h[:], "f", 1)
	full := struct {
		Info     bencode.RawMessage `bencode:"info"`
		Announce string             `bencode:"announce"`
	}{infoBytes, "http://tracker.example/announce"}
	b, err := bencode.EncodeBytes(full)
	require.NoError(t, err)
	mi, err := New(bytes.NewReader(b))
	require.NoError(t, err)
	require.Len(t, mi.AnnounceList, 1)
	assert.Equal(t, "http://tracker.example/announce", mi.AnnounceList[0][0])
}
