package piecepicker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jagalite/superseedr/internal/bitfield"
	"github.com/Jagalite/superseedr/internal/piece"
)

type testPeer struct {
	name string
	have map[uint32]bool
}

func (p *testPeer) HasPiece(index uint32) bool { return p.have[index] }

func newTestPieces(n int, blocksPerPiece int) []piece.Piece {
	pieces := make([]piece.Piece, n)
	for i := range pieces {
		blocks := make([]piece.Block, blocksPerPiece)
		for b := range blocks {
			blocks[b] = piece.Block{Index: uint32(b), Begin: uint32(b) * piece.BlockSize, Length: piece.BlockSize}
		}
		pieces[i] = piece.Piece{Index: uint32(i), Blocks: blocks}
	}
	return pieces
}

func TestStrictPriorityCoversFirstFourBeforeRarity(t *testing.T) {
	pieces := newTestPieces(10, 1)
	p := New(pieces, bitfield.BitField{})
	pe := &testPeer{name: "a", have: map[uint32]bool{0: true, 1: true, 2: true, 3: true, 4: true}}
	for i := uint32(0); i < 5; i++ {
		p.OnHave(pe, i)
	}

	seen := map[uint32]bool{}
	for i := 0; i < 4; i++ {
		reqs := p.Reserve(pe, 1)
		require.Len(t, reqs, 1)
		seen[reqs[0].Piece] = true
	}
	assert.Len(t, seen, 4)
	assert.True(t, p.strictDone)
}

func TestRarestFirstPrefersLeastAvailablePiece(t *testing.T) {
	pieces := newTestPieces(6, 1)
	p := New(pieces, bitfield.BitField{})
	p.strictDone = true

	common := &testPeer{name: "common", have: map[uint32]bool{0: true, 1: true}}
	extra := &testPeer{name: "extra", have: map[uint32]bool{0: true}}
	for i := uint32(0); i < 2; i++ {
		p.OnHave(common, i)
	}
	p.OnHave(extra, 0)

	// Piece 0 is held by two peers, piece 1 by only one: piece 1 is rarer.
	reqs := p.Reserve(common, 1)
	require.Len(t, reqs, 1)
	assert.Equal(t, uint32(1), reqs[0].Piece)
}

func TestEndgameDuplicatesReservationAndCancelsOnReceive(t *testing.T) {
	pieces := newTestPieces(1, 1)
	p := New(pieces, bitfield.BitField{})
	p.strictDone = true
	p.endgameThreshold = 1

	a := &testPeer{have: map[uint32]bool{0: true}}
	b := &testPeer{have: map[uint32]bool{0: true}}
	p.OnHave(a, 0)
	p.OnHave(b, 0)

	reqsA := p.Reserve(a, 1)
	require.Len(t, reqsA, 1)
	assert.True(t, p.Endgame())

	reqsB := p.Reserve(b, 1)
	require.Len(t, reqsB, 1, "endgame duplication should allow a second peer to request the same block")

	cancels := p.OnBlockReceived(a, 0, 0)
	require.Len(t, cancels, 1)
	assert.Equal(t, b, cancels[0].Peer)
}

func TestExpireReservationsFlagsSnub(t *testing.T) {
	pieces := newTestPieces(1, 1)
	p := New(pieces, bitfield.BitField{})
	p.strictDone = true
	p.reservationTimeout = time.Millisecond

	pe := &testPeer{have: map[uint32]bool{0: true}}
	p.OnHave(pe, 0)
	reqs := p.Reserve(pe, 1)
	require.Len(t, reqs, 1)

	events := p.ExpireReservations(time.Now().Add(time.Hour))
	require.Len(t, events, 1)
	assert.Equal(t, pe, events[0].Peer)

	// Block returns to the pool and can be reserved again.
	reqs = p.Reserve(pe, 1)
	require.Len(t, reqs, 1)
}

func TestMarkPieceVerifiedFailureReleasesBlocks(t *testing.T) {
	pieces := newTestPieces(1, 2)
	p := New(pieces, bitfield.BitField{})
	p.strictDone = true

	pe := &testPeer{have: map[uint32]bool{0: true}}
	p.OnHave(pe, 0)
	reqs := p.Reserve(pe, 2)
	require.Len(t, reqs, 2)

	p.MarkPieceVerified(0, false)
	assert.Equal(t, uint32(1), p.Missing())
	reqs = p.Reserve(pe, 2)
	assert.Len(t, reqs, 2)
}
