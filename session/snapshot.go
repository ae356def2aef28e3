package session

import "github.com/Jagalite/superseedr/internal/torrent"

// SessionSnapshot is the read-only state a TUI (or any other external
// consumer) polls: one row per torrent, in the order each was added
// (spec.md §6's TUI contract).
type SessionSnapshot struct {
	Torrents []torrent.Stats
	Port     int
	Peers    int
}

// Snapshot returns the current state of every torrent this session
// owns. It never blocks on a stuck torrent goroutine: each Stats()
// call already round-trips through that torrent's own doneC guard.
func (s *Session) Snapshot() (SessionSnapshot, error) {
	s.mu.Lock()
	order := append([][20]byte(nil), s.order...)
	torrents := make(map[[20]byte]*torrent.Torrent, len(s.torrents))
	for k, v := range s.torrents {
		torrents[k] = v
	}
	s.mu.Unlock()

	snap := SessionSnapshot{Port: s.port}
	for _, ih := range order {
		t, ok := torrents[ih]
		if !ok {
			continue
		}
		stats := t.Stats()
		snap.Torrents = append(snap.Torrents, stats)
		snap.Peers += stats.Peers
	}
	return snap, nil
}
