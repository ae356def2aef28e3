// Package choking implements the per-torrent tit-for-tat choking
// scheduler: every tick it unchokes the top N interested, non-snubbed
// peers by throughput, plus one rotating optimistic slot.
package choking

import (
	"math/rand"
	"sort"
)

// Peer is the subset of peer state the scheduler needs to read and
// mutate choke status for.
type Peer interface {
	Choke()
	Unchoke()
	Choking() bool
	Interested() bool
	Snubbed() bool

	SetOptimistic(value bool)
	Optimistic() bool

	DownloadSpeed() int64
	UploadSpeed() int64
}

// Scheduler picks which peers to unchoke on each tick.
type Scheduler struct {
	numUnchoked           int
	numOptimisticUnchoked int

	// round cycles 0,1,2; an optimistic rotation happens on round 0,
	// i.e. every third tick (30s at a 10s tick interval).
	round uint8

	unchoked   map[Peer]struct{}
	optimistic map[Peer]struct{}
}

// New returns a Scheduler that keeps numUnchoked regular slots and
// numOptimisticUnchoked rotating slots open.
func New(numUnchoked, numOptimisticUnchoked int) *Scheduler {
	return &Scheduler{
		numUnchoked:           numUnchoked,
		numOptimisticUnchoked: numOptimisticUnchoked,
		unchoked:              make(map[Peer]struct{}, numUnchoked),
		optimistic:            make(map[Peer]struct{}, numOptimisticUnchoked),
	}
}

// HandleDisconnect removes a peer from internal bookkeeping.
func (s *Scheduler) HandleDisconnect(pe Peer) {
	delete(s.unchoked, pe)
	delete(s.optimistic, pe)
}

func (s *Scheduler) candidates(all []Peer) []Peer {
	out := all[:0]
	for _, pe := range all {
		if pe.Interested() && !pe.Snubbed() {
			out = append(out, pe)
		}
	}
	return out
}

func sortByThroughput(peers []Peer, seeding bool) {
	if seeding {
		sort.Slice(peers, func(i, j int) bool { return peers[i].UploadSpeed() > peers[j].UploadSpeed() })
	} else {
		sort.Slice(peers, func(i, j int) bool { return peers[i].DownloadSpeed() > peers[j].DownloadSpeed() })
	}
}

// Tick runs one round of the scheduler, called every 10 seconds.
// seeding selects the upload-rate ranking used once the torrent has
// completed, in place of the download-rate ranking used while leeching.
func (s *Scheduler) Tick(allPeers []Peer, seeding bool) {
	optimisticRound := s.round == 0
	peers := s.candidates(allPeers)
	sortByThroughput(peers, seeding)

	var i, unchoked int
	for ; i < len(peers) && unchoked < s.numUnchoked; i++ {
		if !optimisticRound && peers[i].Optimistic() {
			continue
		}
		s.unchoke(peers[i])
		unchoked++
	}
	rest := peers[i:]

	if optimisticRound {
		for n := 0; n < s.numOptimisticUnchoked && len(rest) > 0; n++ {
			idx := rand.Intn(len(rest)) // nolint: gosec
			s.unchokeOptimistic(rest[idx])
			rest[idx] = rest[len(rest)-1]
			rest = rest[:len(rest)-1]
		}
	}
	for _, pe := range rest {
		s.choke(pe)
	}
	s.round = (s.round + 1) % 3
}

// FastUnchoke immediately grants a free slot to pe if one is
// available, rather than waiting for the next tick (spec.md §4.6).
func (s *Scheduler) FastUnchoke(pe Peer) {
	if pe.Choking() && pe.Interested() && !pe.Snubbed() {
		if len(s.unchoked) < s.numUnchoked {
			s.unchoke(pe)
		} else if len(s.optimistic) < s.numOptimisticUnchoked {
			s.unchokeOptimistic(pe)
		}
	}
}

func (s *Scheduler) choke(pe Peer) {
	if pe.Choking() {
		return
	}
	pe.Choke()
	pe.SetOptimistic(false)
	delete(s.unchoked, pe)
	delete(s.optimistic, pe)
}

func (s *Scheduler) unchoke(pe Peer) {
	if !pe.Choking() {
		if pe.Optimistic() {
			pe.SetOptimistic(false)
			delete(s.optimistic, pe)
			s.unchoked[pe] = struct{}{}
		}
		return
	}
	pe.Unchoke()
	pe.SetOptimistic(false)
	s.unchoked[pe] = struct{}{}
}

func (s *Scheduler) unchokeOptimistic(pe Peer) {
	if !pe.Choking() {
		if !pe.Optimistic() {
			pe.SetOptimistic(true)
			delete(s.unchoked, pe)
			s.optimistic[pe] = struct{}{}
		}
		return
	}
	pe.Unchoke()
	pe.SetOptimistic(true)
	s.optimistic[pe] = struct{}{}
}
