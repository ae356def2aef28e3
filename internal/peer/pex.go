package peer

import (
	"net"
	"time"

	"github.com/Jagalite/superseedr/internal/peerprotocol"
	"github.com/Jagalite/superseedr/internal/pexlist"
)

// pexFlushInterval is BEP 11's recommended PEX message cadence.
const pexFlushInterval = time.Minute

// pex runs the periodic ut_pex flush for one peer connection once both
// sides have advertised support for it.
type pex struct {
	peer    *Peer
	extID   uint8
	pexList *pexlist.PEXList

	addC  chan *net.TCPAddr
	dropC chan *net.TCPAddr

	closeC chan struct{}
	doneC  chan struct{}
}

func newPEX(p *Peer, extID uint8, initialPeers []*net.TCPAddr, recentlySeen *pexlist.RecentlySeen) *pex {
	var pl *pexlist.PEXList
	if recentlySeen != nil {
		pl = pexlist.NewWithRecentlySeen(recentlySeen.Peers())
	} else {
		pl = pexlist.New()
	}
	for _, addr := range initialPeers {
		if addr.String() != p.Addr().String() {
			pl.Add(addr)
		}
	}
	return &pex{
		peer:    p,
		extID:   extID,
		pexList: pl,
		addC:    make(chan *net.TCPAddr),
		dropC:   make(chan *net.TCPAddr),
		closeC:  make(chan struct{}),
		doneC:   make(chan struct{}),
	}
}

// EnablePEX starts this peer's ut_pex exchange, if both sides
// advertised support for it. initialPeers seeds the first PEX message
// (the swarm's current peers, minus this one); recentlySeen seeds the
// dropped set so a reconnecting peer learns about churn it missed.
func (p *Peer) EnablePEX(initialPeers []*net.TCPAddr, recentlySeen *pexlist.RecentlySeen) {
	extID, ok := p.extensionID(peerprotocol.ExtensionKeyPEX)
	if !ok || p.pex != nil {
		return
	}
	p.pex = newPEX(p, extID, initialPeers, recentlySeen)
	go p.pex.run()
}

// PEXAdd reports a newly available peer to this connection's next PEX
// message, if PEX is enabled.
func (p *Peer) PEXAdd(addr *net.TCPAddr) {
	if p.pex != nil {
		p.pex.add(addr)
	}
}

// PEXDrop reports a peer that is no longer available.
func (p *Peer) PEXDrop(addr *net.TCPAddr) {
	if p.pex != nil {
		p.pex.drop(addr)
	}
}

func (x *pex) close() {
	close(x.closeC)
	<-x.doneC
}

func (x *pex) add(addr *net.TCPAddr) {
	select {
	case x.addC <- addr:
	case <-x.doneC:
	}
}

func (x *pex) drop(addr *net.TCPAddr) {
	select {
	case x.dropC <- addr:
	case <-x.doneC:
	}
}

func (x *pex) run() {
	defer close(x.doneC)

	x.flush()

	ticker := time.NewTicker(pexFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case addr := <-x.addC:
			x.pexList.Add(addr)
		case addr := <-x.dropC:
			x.pexList.Drop(addr)
		case <-ticker.C:
			x.flush()
		case <-x.closeC:
			return
		}
	}
}

func (x *pex) flush() {
	added, dropped := x.pexList.Flush()
	if len(added) == 0 && len(dropped) == 0 {
		return
	}
	msg := peerprotocol.ExtensionMessage{
		ExtendedMessageID: x.extID,
		Payload: peerprotocol.ExtensionPEXMessage{
			Added:   []byte(added),
			Dropped: []byte(dropped),
		},
	}
	x.peer.conn.SendMessage(msg)
}
