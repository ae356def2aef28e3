// Package store implements the piece store: buffering downloaded blocks,
// verifying completed pieces against their SHA-1 hash, and reading/
// writing the backing files for single- and multi-file torrents.
package store

import (
	"bytes"
	"crypto/sha1" // nolint: gosec
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/Jagalite/superseedr/internal/bitfield"
	"github.com/Jagalite/superseedr/internal/metainfo"
	"github.com/Jagalite/superseedr/internal/piece"
)

// ErrHashMismatch is returned by VerifyAndCommit when a piece's
// reassembled bytes do not match its declared SHA-1 hash.
var ErrHashMismatch = errors.New("store: piece hash mismatch")

// section is the span of one file that a piece (or block) overlaps.
type section struct {
	fileIndex int
	offset    int64
	length    int64
}

// Store maps the torrent's linear byte space onto its file list and
// manages the staging buffers used to reassemble pieces from blocks.
type Store struct {
	info     *metainfo.Info
	pieces   []piece.Piece
	destDir  string
	files    []fileSpec
	sections [][]section // per-piece list of file spans, in order

	handles *fileCache

	mu      sync.Mutex
	bf      bitfield.BitField
	staging map[uint32]*stagingPiece
}

type fileSpec struct {
	path   string
	length int64
}

type stagingPiece struct {
	data []byte
	have bitfield.BitField // one bit per block
}

// New returns a Store for info rooted at destDir. Backing files are not
// opened until first accessed (spec.md §4.3). handleBudget bounds the
// number of simultaneously open file handles; see resourcemanager.
func New(info *metainfo.Info, destDir string, handleBudget int) *Store {
	pieces := piece.NewPieces(info)
	files := make([]fileSpec, 0, len(info.GetFiles()))
	for _, f := range info.GetFiles() {
		parts := append([]string{destDir, info.Name}, f.Path...)
		path := filepath.Join(parts...)
		if !info.MultiFile() {
			path = filepath.Join(destDir, info.Name)
		}
		files = append(files, fileSpec{path: path, length: f.Length})
	}
	s := &Store{
		info:    info,
		pieces:  pieces,
		destDir: destDir,
		files:   files,
		handles: newFileCache(handleBudget),
		bf:      bitfield.New(info.NumPieces),
		staging: make(map[uint32]*stagingPiece),
	}
	s.sections = s.buildSections()
	return s
}

// buildSections computes, for every piece, the ordered list of file
// spans it overlaps, mirroring the teacher's section.go concatenation
// model generalized to arbitrary piece/file boundaries.
func (s *Store) buildSections() [][]section {
	out := make([][]section, len(s.pieces))
	fileIndex := 0
	fileOffset := int64(0)
	for i := range s.pieces {
		need := int64(s.pieces[i].Length)
		var spans []section
		for need > 0 {
			left := s.files[fileIndex].length - fileOffset
			if left == 0 {
				fileIndex++
				fileOffset = 0
				continue
			}
			n := left
			if n > need {
				n = need
			}
			spans = append(spans, section{fileIndex: fileIndex, offset: fileOffset, length: n})
			fileOffset += n
			need -= n
		}
		out[i] = spans
	}
	return out
}

// WriteBlock buffers a downloaded block into the piece's staging buffer.
// It returns true once every block of the piece has been received.
func (s *Store) WriteBlock(pieceIndex uint32, begin uint32, data []byte) (complete bool, err error) {
	if pieceIndex >= uint32(len(s.pieces)) {
		return false, fmt.Errorf("store: piece index %d out of range", pieceIndex)
	}
	p := &s.pieces[pieceIndex]
	if begin%piece.BlockSize != 0 {
		return false, errors.New("store: block offset not aligned to block size")
	}
	blockIndex := begin / piece.BlockSize
	if blockIndex >= uint32(len(p.Blocks)) {
		return false, errors.New("store: block index out of range")
	}
	block := p.Blocks[blockIndex]
	if uint32(len(data)) != block.Length {
		return false, fmt.Errorf("store: block length %d, expected %d", len(data), block.Length)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.staging[pieceIndex]
	if !ok {
		st = &stagingPiece{
			data: make([]byte, p.Length),
			have: bitfield.New(uint32(len(p.Blocks))),
		}
		s.staging[pieceIndex] = st
	}
	copy(st.data[block.Begin:block.Begin+block.Length], data)
	st.have.Set(blockIndex)
	return st.have.All(), nil
}

// VerifyAndCommit hashes the buffered piece, and on success writes it to
// the backing files (possibly straddling file boundaries) and sets the
// corresponding bitfield bit. On mismatch the staging buffer is
// discarded and ErrHashMismatch is returned.
func (s *Store) VerifyAndCommit(pieceIndex uint32) error {
	s.mu.Lock()
	st, ok := s.staging[pieceIndex]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("store: piece %d has no staged data", pieceIndex)
	}

	h := sha1.Sum(st.data) // nolint: gosec
	if !bytes.Equal(h[:], s.pieces[pieceIndex].Hash[:]) {
		s.mu.Lock()
		delete(s.staging, pieceIndex)
		s.mu.Unlock()
		return ErrHashMismatch
	}

	if err := s.writeSections(pieceIndex, st.data); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.staging, pieceIndex)
	s.bf.Set(pieceIndex)
	s.mu.Unlock()
	return nil
}

func (s *Store) writeSections(pieceIndex uint32, data []byte) error {
	var pos int64
	for _, sec := range s.sections[pieceIndex] {
		f, err := s.handles.open(s, sec.fileIndex)
		if err != nil {
			return err
		}
		if _, err := f.WriteAt(data[pos:pos+sec.length], sec.offset); err != nil {
			return fmt.Errorf("store: write piece %d: %w", pieceIndex, err)
		}
		pos += sec.length
	}
	return nil
}

// ReadBlock serves an upload request from disk for a piece we hold.
func (s *Store) ReadBlock(pieceIndex uint32, begin uint32, length uint32) ([]byte, error) {
	if !s.Has(pieceIndex) {
		return nil, fmt.Errorf("store: piece %d not held", pieceIndex)
	}
	out := make([]byte, length)
	var pos int64
	var read int64
	target := int64(begin)
	remaining := int64(length)
	for _, sec := range s.sections[pieceIndex] {
		if pos+sec.length <= target {
			pos += sec.length
			continue
		}
		skip := int64(0)
		if pos < target {
			skip = target - pos
		}
		n := sec.length - skip
		if n > remaining {
			n = remaining
		}
		f, err := s.handles.open(s, sec.fileIndex)
		if err != nil {
			return nil, err
		}
		if _, err := f.ReadAt(out[read:read+n], sec.offset+skip); err != nil && err != io.EOF {
			return nil, fmt.Errorf("store: read piece %d: %w", pieceIndex, err)
		}
		read += n
		remaining -= n
		pos += sec.length
		if remaining == 0 {
			break
		}
	}
	return out, nil
}

// Bitfield returns a copy of the store's current possession bitfield.
func (s *Store) Bitfield() bitfield.BitField {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := bitfield.New(s.bf.Len())
	copy(cp.Bytes(), s.bf.Bytes())
	return cp
}

// Has reports whether piece index has been verified and committed.
func (s *Store) Has(index uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bf.Test(index)
}

// DiscardStaging drops a piece's in-progress staging buffer.
func (s *Store) DiscardStaging(pieceIndex uint32) {
	s.mu.Lock()
	delete(s.staging, pieceIndex)
	s.mu.Unlock()
}

// Verify rehashes every piece already present on disk and rebuilds the
// bitfield from scratch, clearing any piece whose on-disk bytes no
// longer match its hash. Run once at startup before rejoining swarms.
func (s *Store) Verify() (bitfield.BitField, error) {
	bf := bitfield.New(uint32(len(s.pieces)))
	buf := make([]byte, s.info.PieceLength)
	for i := range s.pieces {
		n := int(s.pieces[i].Length)
		if err := s.readWholePiece(uint32(i), buf[:n]); err != nil {
			continue // missing/short file: piece bit stays clear
		}
		h := sha1.Sum(buf[:n]) // nolint: gosec
		if bytes.Equal(h[:], s.pieces[i].Hash[:]) {
			bf.Set(uint32(i))
		}
	}
	s.mu.Lock()
	s.bf = bf
	s.mu.Unlock()
	cp := bitfield.New(bf.Len())
	copy(cp.Bytes(), bf.Bytes())
	return cp, nil
}

func (s *Store) readWholePiece(pieceIndex uint32, out []byte) error {
	var pos int64
	for _, sec := range s.sections[pieceIndex] {
		f, err := s.handles.open(s, sec.fileIndex)
		if err != nil {
			return err
		}
		if _, err := io.ReadFull(io.NewSectionReader(f, sec.offset, sec.length), out[pos:pos+sec.length]); err != nil {
			return err
		}
		pos += sec.length
	}
	return nil
}

// Close closes every open backing file handle.
func (s *Store) Close() error { return s.handles.closeAll() }

func (s *Store) ensureFile(index int) (*os.File, error) {
	spec := s.files[index]
	if err := os.MkdirAll(filepath.Dir(spec.path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(spec.path, os.O_RDWR|os.O_CREATE, 0o640) // nolint: gosec
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() < spec.length {
		if err := f.Truncate(spec.length); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}
