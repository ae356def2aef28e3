package pexlist

import (
	"net"

	"github.com/Jagalite/superseedr/internal/tracker"
)

// MaxLength is the maximum number of addresses RecentlySeen retains.
const MaxLength = 25

// RecentlySeen is a fixed-capacity ring of peer addresses, used to
// seed a fresh PEXList's dropped set across reconnects so a peer we
// previously told about an address eventually hears it was dropped.
type RecentlySeen struct {
	peers  []tracker.CompactPeer
	offset int
}

// Add records addr, evicting the oldest entry once the ring is full.
func (l *RecentlySeen) Add(addr *net.TCPAddr) {
	cp := tracker.NewCompactPeer(addr)
	if l.has(cp) {
		return
	}
	if len(l.peers) >= MaxLength {
		l.peers[l.offset] = cp
	} else {
		l.peers = append(l.peers, cp)
	}
	l.offset = (l.offset + 1) % MaxLength
}

func (l *RecentlySeen) has(cp tracker.CompactPeer) bool {
	for _, p := range l.peers {
		if p == cp {
			return true
		}
	}
	return false
}

// Peers returns the addresses currently retained.
func (l *RecentlySeen) Peers() []tracker.CompactPeer { return l.peers }

// Len returns the number of addresses currently retained.
func (l *RecentlySeen) Len() int { return len(l.peers) }
