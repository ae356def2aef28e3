// Package piece describes the fixed layout of pieces and blocks derived
// from a torrent's metainfo: sizes, boundaries, and the block grid used
// for request pipelining. It holds no I/O state; see package store for
// that.
package piece

import "github.com/Jagalite/superseedr/internal/metainfo"

// BlockSize is the standard request size: 16 KiB. The last block of a
// piece may be shorter.
const BlockSize = 16 * 1024

// MaxRequestSize is the largest request length this client will honor;
// requests over this are illegal traffic (spec.md §4.5).
const MaxRequestSize = 128 * 1024

// Block identifies one block within a piece.
type Block struct {
	Index  uint32 // index within the piece's block grid
	Begin  uint32 // byte offset within the piece
	Length uint32
}

// Piece is the static layout of one piece: its size and block grid.
// Size is PieceLength for all but possibly the last piece.
type Piece struct {
	Index  uint32
	Length uint32
	Hash   [20]byte
	Blocks []Block
}

// NewPieces derives the piece/block layout for an entire torrent from its
// metainfo. Piece length is that declared in Info; the last piece is
// truncated to whatever remains of TotalLength.
func NewPieces(info *metainfo.Info) []Piece {
	pieces := make([]Piece, info.NumPieces)
	for i := uint32(0); i < info.NumPieces; i++ {
		p := Piece{
			Index:  i,
			Length: info.PieceLen(i),
		}
		copy(p.Hash[:], info.PieceHash(i))
		p.Blocks = blocksFor(p.Length)
		pieces[i] = p
	}
	return pieces
}

func blocksFor(length uint32) []Block {
	full := length / BlockSize
	rem := length % BlockSize
	n := full
	if rem != 0 {
		n++
	}
	blocks := make([]Block, n)
	var i uint32
	for ; i < full; i++ {
		blocks[i] = Block{Index: i, Begin: i * BlockSize, Length: BlockSize}
	}
	if rem != 0 {
		blocks[full] = Block{Index: full, Begin: full * BlockSize, Length: rem}
	}
	return blocks
}
