// Package addrlist holds the pool of candidate peer addresses a
// torrent has learned about but not yet connected to: oldest-first
// service order, a capacity cap, and eviction of addresses that have
// failed to connect or handshake too many times (spec.md §4.7).
package addrlist

import (
	"net"
	"sort"
	"time"
)

// MaxFailures is how many dial/handshake failures an address may
// accumulate before Push refuses to re-add it.
const MaxFailures = 5

type candidate struct {
	addr *net.TCPAddr
	seen time.Time
}

// AddrList is the per-torrent candidate peer address pool.
type AddrList struct {
	byKey    map[string]*candidate
	ordered  []*candidate
	failures map[string]int
	maxItems int
}

// New returns an empty pool capped at maxItems addresses.
func New(maxItems int) *AddrList {
	return &AddrList{
		byKey:    make(map[string]*candidate),
		failures: make(map[string]int),
		maxItems: maxItems,
	}
}

// Len returns the number of candidates available to pop.
func (l *AddrList) Len() int { return len(l.ordered) }

// Push adds or refreshes addrs, skipping the zero port, any loopback
// address on ourAddr's port (self-connect), and any address that has already
// accumulated MaxFailures failures, then caps the pool by evicting the
// oldest entries over maxItems.
func (l *AddrList) Push(addrs []*net.TCPAddr, ourAddr *net.TCPAddr) {
	now := time.Now()
	for _, a := range addrs {
		if a.Port == 0 {
			continue
		}
		if ourAddr != nil && a.IP.IsLoopback() && a.Port == ourAddr.Port {
			continue
		}
		key := a.String()
		if l.failures[key] >= MaxFailures {
			continue
		}
		if c, ok := l.byKey[key]; ok {
			c.seen = now
			continue
		}
		c := &candidate{addr: a, seen: now}
		l.byKey[key] = c
		l.ordered = append(l.ordered, c)
	}
	l.sortAndCap()
}

func (l *AddrList) sortAndCap() {
	sort.Slice(l.ordered, func(i, j int) bool { return l.ordered[i].seen.Before(l.ordered[j].seen) })
	if l.maxItems > 0 && len(l.ordered) > l.maxItems {
		drop := len(l.ordered) - l.maxItems
		for _, c := range l.ordered[:drop] {
			delete(l.byKey, c.addr.String())
		}
		l.ordered = l.ordered[drop:]
	}
}

// Pop removes and returns the oldest candidate address, or nil if the
// pool is empty.
func (l *AddrList) Pop() *net.TCPAddr {
	if len(l.ordered) == 0 {
		return nil
	}
	c := l.ordered[0]
	l.ordered = l.ordered[1:]
	delete(l.byKey, c.addr.String())
	return c.addr
}

// MarkFailed records a dial or handshake failure for addr, so a future
// Push of the same address is refused once MaxFailures is reached.
func (l *AddrList) MarkFailed(addr *net.TCPAddr) {
	l.failures[addr.String()]++
}

// MarkSucceeded clears any accumulated failures for addr, called once a
// connection to it completes a handshake.
func (l *AddrList) MarkSucceeded(addr *net.TCPAddr) {
	delete(l.failures, addr.String())
}

// Reset empties the pool, keeping failure history.
func (l *AddrList) Reset() {
	l.byKey = make(map[string]*candidate)
	l.ordered = nil
}
