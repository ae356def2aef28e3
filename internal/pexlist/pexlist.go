// Package pexlist accumulates the peers to report in the next PEX
// message (BEP 11): added and dropped sets flushed into the compact
// peer strings an extension message carries.
package pexlist

import (
	"net"
	"strings"

	"github.com/Jagalite/superseedr/internal/tracker"
)

// maxPeers is BEP 11's cap: except for the initial PEX message, the
// combined amount of added/dropped v4 contacts must not exceed 50.
const maxPeers = 50

// PEXList tracks peers added and dropped since the last flush.
type PEXList struct {
	added   map[tracker.CompactPeer]struct{}
	dropped map[tracker.CompactPeer]struct{}
	flushed bool
}

// New returns an empty PEXList.
func New() *PEXList {
	return &PEXList{
		added:   make(map[tracker.CompactPeer]struct{}),
		dropped: make(map[tracker.CompactPeer]struct{}),
	}
}

// NewWithRecentlySeen seeds the dropped set with peers the caller has
// already told this peer about in a previous session, so they get
// reported as dropped rather than silently omitted.
func NewWithRecentlySeen(rs []tracker.CompactPeer) *PEXList {
	l := New()
	for _, cp := range rs {
		l.dropped[cp] = struct{}{}
	}
	return l
}

// Add records addr as newly available, undoing any pending drop.
func (l *PEXList) Add(addr *net.TCPAddr) {
	p := tracker.NewCompactPeer(addr)
	l.added[p] = struct{}{}
	delete(l.dropped, p)
}

// Drop records addr as gone, undoing any pending add.
func (l *PEXList) Drop(addr *net.TCPAddr) {
	p := tracker.NewCompactPeer(addr)
	l.dropped[p] = struct{}{}
	delete(l.added, p)
}

// Flush returns the compact-encoded added and dropped peer strings and
// clears both sets. Every flush after the first carries at most
// maxPeers added and dropped peers combined, per BEP 11; added peers
// fill the cap first.
func (l *PEXList) Flush() (added, dropped string) {
	added = l.flush(l.added, l.flushed, maxPeers)
	dropped = l.flush(l.dropped, l.flushed, maxPeers-len(added)/6)
	l.flushed = true
	return
}

func (l *PEXList) flush(m map[tracker.CompactPeer]struct{}, limit bool, max int) string {
	count := len(m)
	if limit && count > max {
		count = max
	}

	var s strings.Builder
	s.Grow(count * 6)
	for p := range m {
		if count == 0 {
			break
		}
		count--

		b, err := p.MarshalBinary()
		if err != nil {
			panic(err)
		}
		s.Write(b)
		delete(m, p)
	}
	return s.String()
}
