package torrent

import (
	"net"
	"strconv"
	"time"

	"github.com/Jagalite/superseedr/internal/choking"
	"github.com/Jagalite/superseedr/internal/metadownloader"
	"github.com/Jagalite/superseedr/internal/metainfo"
	"github.com/Jagalite/superseedr/internal/peer"
	"github.com/Jagalite/superseedr/internal/peerconn"
	"github.com/Jagalite/superseedr/internal/peerprotocol"
	"github.com/Jagalite/superseedr/internal/piece"
	"github.com/Jagalite/superseedr/internal/piecepicker"
	"github.com/Jagalite/superseedr/internal/store"
)

// numPieces returns the piece count to construct a peer's bitfield
// with: the real count once metadata is resolved, zero (a stub) while
// it is not (spec.md §4.2).
func (t *Torrent) numPieces() uint32 {
	if t.info == nil {
		return 0
	}
	return t.info.NumPieces
}

func (t *Torrent) addPeer(conn *peerconn.Conn, direction peer.Direction, peerID [20]byte, extSupported bool) *peer.Peer {
	pe := peer.New(conn, direction, peerID, t.numPieces(), extSupported, t.messages)
	t.peers[pe] = struct{}{}
	go pe.Run()

	pe.SendExtensionHandshake(t.metadataSize(), "superseedr", t.cfg.PEXEnabled)
	if t.picker != nil {
		pe.SendBitfield(t.store.Bitfield())
	}
	t.addrs.MarkSucceeded(pe.Addr())
	return pe
}

func (t *Torrent) metadataSize() int {
	if t.info == nil {
		return 0
	}
	return len(t.info.Bytes)
}

func (t *Torrent) removePeer(pe *peer.Peer) {
	if _, ok := t.peers[pe]; !ok {
		return
	}
	delete(t.peers, pe)
	t.choker.HandleDisconnect(pe)
	if t.picker != nil {
		t.picker.OnPeerGone(pe)
	}
	if pe == t.metaPeer {
		t.metaDL = nil
		t.metaPeer = nil
	}
	for _, addr := range []*net.TCPAddr{pe.Addr()} {
		t.recentlySeen.Add(addr)
	}
	pe.Close()
}

// choPeers returns the current roster as choking.Peer values.
func (t *Torrent) choPeers() []choking.Peer {
	out := make([]choking.Peer, 0, len(t.peers))
	for pe := range t.peers {
		out = append(out, pe)
	}
	return out
}

func (t *Torrent) handlePeerMessage(msg peer.Message) {
	pe := msg.Peer
	switch m := msg.Message.(type) {
	case peer.HaveEvent:
		if t.picker != nil {
			t.picker.OnHave(pe, m.Index)
			t.updateInterest(pe)
		}
	case peer.RequestEvent:
		t.handleRequest(pe, m)
	case peer.BlockEvent:
		t.handleBlock(pe, m)
	case peer.DHTPortEvent:
		if t.cfg.DHT != nil {
			t.cfg.DHT.AddNode(net.JoinHostPort(pe.Addr().IP.String(), strconv.Itoa(int(m.Port))))
		}
	case peer.PEXEvent:
		t.handlePEX(m)
	case peerprotocol.ExtensionHandshakeMessage:
		t.handleExtensionHandshake(pe, m)
	case peerprotocol.ExtensionMetadataMessage:
		t.handleMetadataMessage(pe, m)
	case peer.DisconnectEvent:
		t.removePeer(pe)
	}
}

func (t *Torrent) handleExtensionHandshake(pe *peer.Peer, m peerprotocol.ExtensionHandshakeMessage) {
	if t.cfg.PEXEnabled && pe.SupportsExtension(peerprotocol.ExtensionKeyPEX) {
		pe.EnablePEX(t.initialPEXPeers(pe), t.recentlySeen)
	}
	if t.info == nil && t.metaDL == nil && pe.SupportsExtension(peerprotocol.ExtensionKeyMetadata) && pe.MetadataSize() > 0 {
		t.startMetadataDownload(pe)
	}
}

func (t *Torrent) initialPEXPeers(exclude *peer.Peer) []*net.TCPAddr {
	var addrs []*net.TCPAddr
	for pe := range t.peers {
		if pe == exclude {
			continue
		}
		addrs = append(addrs, pe.Addr())
	}
	return addrs
}

func (t *Torrent) handlePEX(m peer.PEXEvent) {
	if !t.cfg.PEXEnabled {
		return
	}
	if len(m.Added) > 0 {
		t.addrs.Push(m.Added, t.ourAddr())
	}
	for pe := range t.peers {
		for _, a := range m.Added {
			pe.PEXAdd(a)
		}
		for _, a := range m.Dropped {
			pe.PEXDrop(a)
		}
	}
}

func (t *Torrent) ourAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: t.cfg.OurPort}
}

// updateInterest sends `interested`/`not interested` per spec.md §4.5:
// interested whenever pe has at least one piece we still need, not
// interested otherwise.
func (t *Torrent) updateInterest(pe piecepicker.Peer) {
	p, ok := pe.(*peer.Peer)
	if !ok || t.picker == nil {
		return
	}
	for i := uint32(0); i < uint32(len(t.pieces)); i++ {
		if !t.store.Has(i) && pe.HasPiece(i) {
			p.BeInterested()
			return
		}
	}
	p.BeNotInterested()
}

func (t *Torrent) handleRequest(pe *peer.Peer, m peer.RequestEvent) {
	if pe.Choking() {
		return
	}
	if m.Length > 128*1024 {
		t.removePeer(pe)
		return
	}
	if t.store == nil || !t.store.Has(m.Index) {
		return
	}
	pe.SendPiece(peerprotocol.RequestMessage{Index: m.Index, Begin: m.Begin, Length: m.Length},
		pieceReaderAt{store: t.store, index: m.Index})
}

func (t *Torrent) handleBlock(pe *peer.Peer, m peer.BlockEvent) {
	defer m.Buffer.Release()
	if t.store == nil || t.picker == nil {
		return
	}
	if banned, until := t.isBanned(pe.ID()); banned {
		_ = until
		return
	}
	t.markContributor(m.Index, pe.ID())

	cancels := t.picker.OnBlockReceived(pe, m.Index, m.Begin/piece.BlockSize)
	for _, c := range cancels {
		if cp, ok := c.Peer.(*peer.Peer); ok {
			cp.SendCancel(c.Piece, m.Begin, uint32(len(m.Buffer.Data)))
		}
	}

	complete, err := t.store.WriteBlock(m.Index, m.Begin, m.Buffer.Data)
	if err != nil {
		t.log.Errorln("write block:", err)
		return
	}
	if !complete {
		return
	}
	t.commitPiece(m.Index)
}

func (t *Torrent) commitPiece(index uint32) {
	err := t.store.VerifyAndCommit(index)
	if err == store.ErrHashMismatch {
		t.banContributors(index)
		t.picker.MarkPieceVerified(index, false)
		return
	}
	if err != nil {
		t.log.Errorln("verify/commit piece", index, ":", err)
		return
	}
	delete(t.contributors, index)
	t.picker.MarkPieceVerified(index, true)
	for pe := range t.peers {
		pe.SendHave(index)
		t.updateInterest(pe)
	}
	bf := t.store.Bitfield()
	if bf.All() {
		t.status = Seeding
		t.completedOnce.Do(func() { close(t.completedC) })
	}
}

func (t *Torrent) startMetadataDownload(pe *peer.Peer) {
	t.metaDL = metadownloader.New(pe)
	t.metaPeer = pe
	t.metaDL.RequestPieces(metadataPipelineDepth)
}

func (t *Torrent) handleMetadataMessage(pe *peer.Peer, m peerprotocol.ExtensionMetadataMessage) {
	switch m.Type {
	case peerprotocol.MetadataRequest:
		t.serveMetadataRequest(pe, m.Piece)
	case peerprotocol.MetadataData:
		if t.metaDL == nil || pe != t.metaPeer {
			return
		}
		if err := t.metaDL.GotPiece(m.Piece, m.Data); err != nil {
			t.log.Debugln("metadata piece rejected:", err)
			return
		}
		t.metaDL.RequestPieces(metadataPipelineDepth)
		if t.metaDL.Done() {
			t.finishMetadataDownload()
		}
	case peerprotocol.MetadataReject:
		if pe == t.metaPeer {
			t.metaDL = nil
			t.metaPeer = nil
		}
	}
}

func (t *Torrent) serveMetadataRequest(pe *peer.Peer, index uint32) {
	if t.info == nil {
		pe.SendMetadataReject(index)
		return
	}
	const blk = piece.BlockSize
	begin := index * blk
	if begin >= uint32(len(t.info.Bytes)) {
		pe.SendMetadataReject(index)
		return
	}
	end := begin + blk
	if end > uint32(len(t.info.Bytes)) {
		end = uint32(len(t.info.Bytes))
	}
	pe.SendMetadataPiece(index, len(t.info.Bytes), t.info.Bytes[begin:end])
}

func (t *Torrent) finishMetadataDownload() {
	data := t.metaDL.Bytes
	t.metaDL = nil
	t.metaPeer = nil
	if !verifyMetadataHash(t.cfg.InfoHash, data) {
		t.log.Warningln("metadata hash mismatch, discarding")
		return
	}
	info, err := metainfo.NewInfo(data)
	if err != nil {
		t.log.Warningln("metadata parse failed:", err)
		return
	}
	t.setInfo(info)
	if info.IsPrivate() && t.dhtAnnouncer != nil {
		t.dhtAnnouncer.Close()
		t.dhtAnnouncer = nil
	}
	for pe := range t.peers {
		pe.SetNumPieces(info.NumPieces)
		pe.SendExtensionHandshake(len(info.Bytes), "superseedr", t.cfg.PEXEnabled)
		pe.SendBitfield(t.store.Bitfield())
	}
}

func (t *Torrent) markContributor(index uint32, id [20]byte) {
	m, ok := t.contributors[index]
	if !ok {
		m = make(map[[20]byte]struct{})
		t.contributors[index] = m
	}
	m[id] = struct{}{}
}

func (t *Torrent) banContributors(index uint32) {
	until := time.Now().Add(contributorBanTTL)
	for id := range t.contributors[index] {
		t.banned[id] = until
	}
	delete(t.contributors, index)
}

func (t *Torrent) isBanned(id [20]byte) (bool, time.Time) {
	until, ok := t.banned[id]
	if !ok {
		return false, time.Time{}
	}
	if time.Now().After(until) {
		delete(t.banned, id)
		return false, time.Time{}
	}
	return true, until
}
