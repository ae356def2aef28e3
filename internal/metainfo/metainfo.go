// Package metainfo parses .torrent files and magnet URIs into the
// immutable Metainfo model: infohash, piece hashes, file layout, and
// tracker tiers.
package metainfo

import (
	"crypto/sha1" // nolint: gosec
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/Jagalite/superseedr/internal/bencode"
)

// ErrNoInfoDict is returned when a .torrent file has no "info" dictionary.
var ErrNoInfoDict = errors.New("metainfo: no info dictionary in torrent file")

// File describes one file within a (possibly multi-file) torrent.
type File struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// Info is the "info" dictionary: piece layout and file list.
type Info struct {
	PieceLength uint32             `bencode:"piece length"`
	Pieces      []byte             `bencode:"pieces"`
	Name        string             `bencode:"name"`
	Length      int64              `bencode:"length"`
	Files       []File             `bencode:"files"`
	Private     bencode.RawMessage `bencode:"private"`

	// Hash is the SHA-1 of the raw bencoded info dictionary: the infohash.
	Hash [20]byte `bencode:"-"`
	// Bytes is the raw bencoded info dictionary this Info was parsed from.
	Bytes       []byte `bencode:"-"`
	NumPieces   uint32 `bencode:"-"`
	TotalLength int64  `bencode:"-"`
}

// NewInfo parses an info dictionary's raw bytes into an Info, computing
// the infohash over exactly those bytes so re-serialization (via Bytes)
// reproduces it.
func NewInfo(b []byte) (*Info, error) {
	var i Info
	if err := bencode.DecodeBytes(b, &i); err != nil {
		return nil, fmt.Errorf("metainfo: invalid info dict: %w", err)
	}
	if len(i.Pieces)%sha1.Size != 0 {
		return nil, errors.New("metainfo: piece hash list is not a multiple of 20 bytes")
	}
	for _, f := range i.Files {
		for _, part := range f.Path {
			if strings.TrimSpace(part) == ".." {
				return nil, fmt.Errorf("metainfo: invalid file path: %q", filepath.Join(f.Path...))
			}
		}
	}
	i.NumPieces = uint32(len(i.Pieces)) / sha1.Size
	if !i.MultiFile() {
		i.TotalLength = i.Length
	} else {
		for _, f := range i.Files {
			i.TotalLength += f.Length
		}
	}
	if i.PieceLength == 0 {
		return nil, errors.New("metainfo: piece length is zero")
	}
	totalPieceSpace := int64(i.PieceLength) * int64(i.NumPieces)
	delta := totalPieceSpace - i.TotalLength
	if delta >= int64(i.PieceLength) || delta < 0 {
		return nil, errors.New("metainfo: piece count does not match total length")
	}
	i.Bytes = append([]byte(nil), b...)
	h := sha1.New() // nolint: gosec
	h.Write(b)
	copy(i.Hash[:], h.Sum(nil))
	return &i, nil
}

// MultiFile reports whether this torrent has more than one file.
func (i *Info) MultiFile() bool { return len(i.Files) > 0 }

// IsPrivate reports whether the private flag (BEP 27) is set, meaning
// peer discovery must stay tracker-only: no DHT, no PEX.
func (i *Info) IsPrivate() bool {
	if len(i.Private) == 0 {
		return false
	}
	var v int
	if err := bencode.DecodeBytes(i.Private, &v); err != nil {
		return false
	}
	return v != 0
}

// GetFiles returns the file list, synthesizing a single-entry list for
// single-file torrents so callers can always treat torrents uniformly.
func (i *Info) GetFiles() []File {
	if i.MultiFile() {
		return i.Files
	}
	return []File{{Length: i.Length, Path: []string{i.Name}}}
}

// PieceHash returns the expected SHA-1 hash of piece index.
func (i *Info) PieceHash(index uint32) []byte {
	begin := index * sha1.Size
	return i.Pieces[begin : begin+sha1.Size]
}

// PieceLen returns the length of piece index: PieceLength for all but
// possibly the last piece, which may be shorter.
func (i *Info) PieceLen(index uint32) uint32 {
	if index != i.NumPieces-1 {
		return i.PieceLength
	}
	last := i.TotalLength - int64(index)*int64(i.PieceLength)
	return uint32(last)
}

// MetaInfo is the parsed contents of a .torrent file.
type MetaInfo struct {
	Info         Info
	AnnounceList [][]string
}

// New parses a complete .torrent file from r.
func New(r io.Reader) (*MetaInfo, error) {
	var raw struct {
		Info         bencode.RawMessage `bencode:"info"`
		Announce     string             `bencode:"announce"`
		AnnounceList [][]string         `bencode:"announce-list"`
	}
	if err := bencode.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("metainfo: %w", err)
	}
	if len(raw.Info) == 0 {
		return nil, ErrNoInfoDict
	}
	info, err := NewInfo(raw.Info)
	if err != nil {
		return nil, err
	}
	mi := &MetaInfo{Info: *info}
	if len(raw.AnnounceList) > 0 {
		for _, tier := range raw.AnnounceList {
			var supported []string
			for _, url := range tier {
				if isSupportedTracker(url) {
					supported = append(supported, url)
				}
			}
			if len(supported) > 0 {
				mi.AnnounceList = append(mi.AnnounceList, supported)
			}
		}
	} else if isSupportedTracker(raw.Announce) {
		mi.AnnounceList = append(mi.AnnounceList, []string{raw.Announce})
	}
	return mi, nil
}

func isSupportedTracker(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "udp://")
}

// NewBytes re-serializes a MetaInfo, used when persisting a .torrent
// blob acquired via magnet-metadata exchange (spec.md §6).
func NewBytes(info []byte, trackers [][]string) ([]byte, error) {
	msg := struct {
		Info         bencode.RawMessage `bencode:"info"`
		Announce     string             `bencode:"announce,omitempty"`
		AnnounceList [][]string         `bencode:"announce-list,omitempty"`
		CreationDate int64              `bencode:"creation date"`
	}{
		Info:         info,
		CreationDate: time.Now().UTC().Unix(),
	}
	switch {
	case len(trackers) == 1 && len(trackers[0]) == 1:
		msg.Announce = trackers[0][0]
	case len(trackers) > 0:
		msg.AnnounceList = trackers
	}
	return bencode.EncodeBytes(msg)
}
