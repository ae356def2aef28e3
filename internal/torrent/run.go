package torrent

import (
	"time"

	"github.com/Jagalite/superseedr/internal/piece"
)

// run is the torrent's single event-loop goroutine. Every field above
// is owned by this goroutine alone; everything else reaches it only
// through the channels New allocated (spec.md §5).
func (t *Torrent) run() {
	defer close(t.doneC)

	_, discCancel := t.startDiscovery()
	defer discCancel()

	chokeTicker := time.NewTicker(chokeTickInterval)
	defer chokeTicker.Stop()
	reservationTicker := time.NewTicker(reservationSweep)
	defer reservationTicker.Stop()
	connectTicker := time.NewTicker(connectTickInterval)
	defer connectTicker.Stop()

	for {
		select {
		case msg := <-t.messages:
			t.handlePeerMessage(msg)

		case h := <-t.incomingConnC:
			t.handleIncomingConn(h)

		case h := <-t.outgoingResC:
			t.handleOutgoingResult(h)

		case addrs := <-t.trackerAddrsC:
			t.addrs.Push(addrs, t.ourAddr())

		case addrs := <-t.dhtAddrsC:
			t.addrs.Push(addrs, t.ourAddr())

		case addrs := <-t.addAddrsC:
			t.addrs.Push(addrs, t.ourAddr())

		case req := <-t.statsC:
			req <- t.snapshotStats()

		case <-t.pauseC:
			t.status = Paused
			for pe := range t.peers {
				pe.Choke()
			}

		case <-t.resumeC:
			if t.store != nil {
				bf := t.store.Bitfield()
				if bf.All() {
					t.status = Seeding
				} else {
					t.status = Downloading
				}
			} else {
				t.status = Checking
			}

		case <-chokeTicker.C:
			t.runChokeTick()

		case <-reservationTicker.C:
			t.runReservationSweep()

		case <-connectTicker.C:
			t.fillOutgoing()

		case <-t.stopC:
			discCancel()
			for pe := range t.peers {
				pe.Close()
			}
			if t.dhtAnnouncer != nil {
				t.dhtAnnouncer.Close()
			}
			if t.store != nil {
				_ = t.store.Close()
			}
			return
		}
	}
}

func (t *Torrent) snapshotStats() Stats {
	s := Stats{
		InfoHash: t.cfg.InfoHash,
		Name:     t.cfg.Name,
		Status:   t.status,
		Peers:    len(t.peers),
		AddedAt:  t.addedAt,
	}
	if t.info != nil {
		s.TotalPieces = t.info.NumPieces
	}
	if t.store != nil {
		bf := t.store.Bitfield()
		s.HavePieces = bf.Count()
	}
	t.mu.Lock()
	s.Uploaded = t.uploaded
	s.Downloaded = t.downloaded
	t.mu.Unlock()
	for pe := range t.peers {
		s.DownloadSpeed += pe.DownloadSpeed()
		s.UploadSpeed += pe.UploadSpeed()
	}
	return s
}

// runChokeTick recomputes which peers are unchoked this round.
func (t *Torrent) runChokeTick() {
	if len(t.peers) == 0 {
		return
	}
	t.choker.Tick(t.choPeers(), t.status == Seeding)
}

// runReservationSweep releases block reservations that sat unanswered
// too long, marking their peer snubbed so the choker deprioritizes it
// (spec.md §4.4, §4.6), then tops every unchoked peer's pipeline back
// up to its budget.
func (t *Torrent) runReservationSweep() {
	if t.picker == nil {
		return
	}
	for _, ev := range t.picker.ExpireReservations(time.Now()) {
		if pe, ok := ev.Peer.(interface{ SetSnubbed(bool) }); ok {
			pe.SetSnubbed(true)
		}
	}
	for pe := range t.peers {
		if pe.Choking() {
			continue
		}
		if pe.PeerChoking() || !pe.AmInterested() {
			continue
		}
		budget := pipelineBudget(pe.DownloadSpeed())
		for _, br := range t.picker.Reserve(pe, budget) {
			pe.Request(br.Piece, br.Begin, br.Length)
		}
	}
}

// pipelineBudget is the adaptive per-peer block-request depth: enough
// in-flight requests to cover one RTT's worth of download at the
// peer's current rate, clamped to a sane range (spec.md §4.5).
func pipelineBudget(downloadRate int64) int {
	budget := int(downloadRate * int64(assumedRTT) / int64(time.Second) / piece.BlockSize)
	if budget < 4 {
		budget = 4
	}
	if budget > 500 {
		budget = 500
	}
	return budget
}
