// Package piecepicker implements the rarest-first piece selection policy
// with a strict-priority startup phase and endgame duplication, tracking
// in-flight block reservations directly (spec.md §4.4).
package piecepicker

import (
	"math/rand"
	"sort"
	"time"

	"github.com/Jagalite/superseedr/internal/bitfield"
	"github.com/Jagalite/superseedr/internal/piece"
)

// StrictPriorityCount is the number of initial pieces picked uniformly
// at random, ignoring rarity, to seed peers quickly.
const StrictPriorityCount = 4

// DefaultMaxDuplicateDownload bounds how many peers may be reserved for
// the same block once endgame mode is active.
const DefaultMaxDuplicateDownload = 2

// DefaultReservationTimeout is how long a block reservation may sit
// unanswered before the assigned peer is flagged snubbed and the block
// returns to the pool.
const DefaultReservationTimeout = 60 * time.Second

// Peer identifies a remote peer for reservation bookkeeping. Any
// comparable type implementing it (typically a *peer.Peer) may be used
// as a map key.
type Peer interface {
	HasPiece(index uint32) bool
}

// BlockRequest is one block to request from a specific peer.
type BlockRequest struct {
	Piece  uint32
	Block  uint32
	Begin  uint32
	Length uint32
}

// reservation records which peer holds a block and since when.
type reservation struct {
	peer  Peer
	since time.Time
}

type pieceState struct {
	piece       *piece.Piece
	having      map[Peer]struct{}
	done        bool
	reservedBy  [][]reservation // reservedBy[blockIndex] = peers holding it (len>1 only in endgame)
	unreserved  int             // count of blocks with zero reservations
}

// Picker selects which piece/block to request next for a given peer.
type Picker struct {
	pieces               []pieceState
	available            uint32
	missing              uint32
	strictDone           bool
	strictPicked         int
	maxDuplicateDownload int
	endgameThreshold     uint32
	reservationTimeout   time.Duration
	rng                  *rand.Rand
}

// New returns a Picker over the given static piece layout. have is the
// set of pieces already verified on disk (e.g. from a resumed torrent).
func New(pieces []piece.Piece, have bitfield.BitField) *Picker {
	ps := make([]pieceState, len(pieces))
	var missing uint32
	for i := range pieces {
		done := have.Len() > 0 && have.Test(uint32(i))
		ps[i] = pieceState{
			piece:      &pieces[i],
			having:     make(map[Peer]struct{}),
			done:       done,
			reservedBy: make([][]reservation, len(pieces[i].Blocks)),
			unreserved: len(pieces[i].Blocks),
		}
		if !done {
			missing++
		}
	}
	n := uint32(len(pieces)) / 100
	if n > 20 {
		n = 20
	}
	if n == 0 {
		n = 1
	}
	return &Picker{
		pieces:               ps,
		missing:              missing,
		maxDuplicateDownload: DefaultMaxDuplicateDownload,
		endgameThreshold:     n,
		reservationTimeout:   DefaultReservationTimeout,
		rng:                  rand.New(rand.NewSource(time.Now().UnixNano())), // nolint: gosec
	}
}

func (p *Picker) endgame() bool { return p.missing <= p.endgameThreshold }

// OnHave must be called when a peer announces possession of a piece,
// via either `have` or the initial `bitfield`.
func (p *Picker) OnHave(pe Peer, index uint32) {
	ps := &p.pieces[index]
	if _, ok := ps.having[pe]; ok {
		return
	}
	if len(ps.having) == 0 {
		p.available++
	}
	ps.having[pe] = struct{}{}
}

// OnBitfield applies every bit set in bf as an OnHave call.
func (p *Picker) OnBitfield(pe Peer, bf bitfield.BitField) {
	for i := uint32(0); i < bf.Len(); i++ {
		if bf.Test(i) {
			p.OnHave(pe, i)
		}
	}
}

// OnPeerGone releases the peer's availability and reservations.
func (p *Picker) OnPeerGone(pe Peer) {
	for i := range p.pieces {
		ps := &p.pieces[i]
		if _, ok := ps.having[pe]; ok {
			delete(ps.having, pe)
			if len(ps.having) == 0 {
				p.available--
			}
		}
		for b := range ps.reservedBy {
			p.releaseReservation(ps, b, pe)
		}
	}
}

func (p *Picker) releaseReservation(ps *pieceState, block int, pe Peer) {
	rs := ps.reservedBy[block]
	for i, r := range rs {
		if r.peer == pe {
			if len(rs) == 1 {
				ps.unreserved++
			}
			ps.reservedBy[block] = append(rs[:i], rs[i+1:]...)
			return
		}
	}
}

// candidatePieces returns the indexes of pieces the given peer has that
// are not yet complete, sorted by ascending availability (rarest first).
func (p *Picker) candidatePieces(pe Peer) []uint32 {
	var out []uint32
	for i := range p.pieces {
		ps := &p.pieces[i]
		if ps.done {
			continue
		}
		if _, ok := ps.having[pe]; !ok {
			continue
		}
		out = append(out, uint32(i))
	}
	sort.Slice(out, func(i, j int) bool {
		return len(p.pieces[out[i]].having) < len(p.pieces[out[j]].having)
	})
	return out
}

// Reserve returns up to budget block requests to issue to pe, applying
// the strict-priority / rarest-first / endgame policy in order.
func (p *Picker) Reserve(pe Peer, budget int) []BlockRequest {
	var out []BlockRequest
	if !p.strictDone {
		out = p.reserveStrictPriority(pe, budget)
		if len(out) >= budget {
			return out
		}
	}
	out = append(out, p.reserveRarestFirst(pe, budget-len(out))...)
	return out
}

func (p *Picker) reserveStrictPriority(pe Peer, budget int) []BlockRequest {
	candidates := p.candidatePieces(pe)
	if len(candidates) == 0 {
		return nil
	}
	p.rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	var out []BlockRequest
	remainingUnassigned := 0
	for _, idx := range candidates {
		ps := &p.pieces[idx]
		if ps.unreserved == 0 {
			continue
		}
		remainingUnassigned++
		if len(out) >= budget {
			continue
		}
		fresh := ps.unreserved == len(ps.piece.Blocks)
		if fresh && p.strictPicked >= StrictPriorityCount {
			continue
		}
		out = append(out, p.reserveFromPiece(pe, idx, budget-len(out))...)
		if fresh {
			p.strictPicked++
		}
	}
	if remainingUnassigned == 0 || p.strictPicked >= StrictPriorityCount {
		p.strictDone = true
	}
	return out
}

func (p *Picker) reserveRarestFirst(pe Peer, budget int) []BlockRequest {
	if budget <= 0 {
		return nil
	}
	candidates := p.candidatePieces(pe)
	var out []BlockRequest
	for _, idx := range candidates {
		if len(out) >= budget {
			break
		}
		ps := &p.pieces[idx]
		if ps.unreserved == 0 {
			if !p.endgame() {
				continue
			}
			out = append(out, p.reserveDuplicateFromPiece(pe, idx, budget-len(out))...)
			continue
		}
		out = append(out, p.reserveFromPiece(pe, idx, budget-len(out))...)
	}
	return out
}

// reserveFromPiece reserves up to n never-reserved blocks, lowest offset first.
func (p *Picker) reserveFromPiece(pe Peer, index uint32, n int) []BlockRequest {
	ps := &p.pieces[index]
	var out []BlockRequest
	for b, blk := range ps.piece.Blocks {
		if len(out) >= n {
			break
		}
		if len(ps.reservedBy[b]) > 0 {
			continue
		}
		ps.reservedBy[b] = []reservation{{peer: pe, since: time.Now()}}
		ps.unreserved--
		out = append(out, BlockRequest{Piece: index, Block: blk.Index, Begin: blk.Begin, Length: blk.Length})
	}
	return out
}

// reserveDuplicateFromPiece reserves blocks already held by another peer,
// up to maxDuplicateDownload holders, for endgame mode.
func (p *Picker) reserveDuplicateFromPiece(pe Peer, index uint32, n int) []BlockRequest {
	ps := &p.pieces[index]
	var out []BlockRequest
	for b, blk := range ps.piece.Blocks {
		if len(out) >= n {
			break
		}
		rs := ps.reservedBy[b]
		if len(rs) == 0 || len(rs) >= p.maxDuplicateDownload {
			continue
		}
		already := false
		for _, r := range rs {
			if r.peer == pe {
				already = true
				break
			}
		}
		if already {
			continue
		}
		ps.reservedBy[b] = append(rs, reservation{peer: pe, since: time.Now()})
		out = append(out, BlockRequest{Piece: index, Block: blk.Index, Begin: blk.Begin, Length: blk.Length})
	}
	return out
}

// CancelTarget is a peer that must be sent `cancel` for a block another
// peer has already delivered.
type CancelTarget struct {
	Peer  Peer
	Piece uint32
	Block uint32
}

// OnBlockReceived clears the reservation for (piece,block) held by pe,
// and returns any other peers that were holding a duplicate reservation
// for the same block (endgame mode) so the caller can send them cancel.
func (p *Picker) OnBlockReceived(pe Peer, pieceIndex, block uint32) []CancelTarget {
	ps := &p.pieces[pieceIndex]
	rs := ps.reservedBy[block]
	var cancels []CancelTarget
	for _, r := range rs {
		if r.peer != pe {
			cancels = append(cancels, CancelTarget{Peer: r.peer, Piece: pieceIndex, Block: block})
		}
	}
	if len(rs) == 0 {
		ps.unreserved--
	}
	ps.reservedBy[block] = nil
	return cancels
}

// MarkPieceVerified must be called once the store has hashed the piece.
// On success the piece is removed from the missing set; on failure its
// blocks are returned to the pool for re-download.
func (p *Picker) MarkPieceVerified(index uint32, success bool) {
	ps := &p.pieces[index]
	if success {
		ps.done = true
		p.missing--
		return
	}
	for b := range ps.reservedBy {
		ps.reservedBy[b] = nil
	}
	ps.unreserved = len(ps.piece.Blocks)
}

// SnubEvent names a peer whose reservation expired.
type SnubEvent struct {
	Peer  Peer
	Piece uint32
	Block uint32
}

// ExpireReservations releases any reservation older than the timeout,
// returning one SnubEvent per expired (peer, block) pair.
func (p *Picker) ExpireReservations(now time.Time) []SnubEvent {
	var out []SnubEvent
	for i := range p.pieces {
		ps := &p.pieces[i]
		for b, rs := range ps.reservedBy {
			kept := rs[:0]
			for _, r := range rs {
				if now.Sub(r.since) >= p.reservationTimeout {
					out = append(out, SnubEvent{Peer: r.peer, Piece: uint32(i), Block: uint32(b)})
					continue
				}
				kept = append(kept, r)
			}
			if len(rs) > 0 && len(kept) == 0 {
				ps.unreserved++
			}
			ps.reservedBy[b] = kept
		}
	}
	return out
}

// Available reports the number of pieces at least one peer has.
func (p *Picker) Available() uint32 { return p.available }

// Missing reports the number of pieces not yet verified.
func (p *Picker) Missing() uint32 { return p.missing }

// Endgame reports whether endgame duplication is currently active.
func (p *Picker) Endgame() bool { return p.endgame() }
