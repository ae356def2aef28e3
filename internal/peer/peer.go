// Package peer holds the choke/interest/extension state machine for one
// peer connection, on top of the raw message transport in package
// peerconn: handshake state, am_choking/am_interested/peer_choking/
// peer_interested bookkeeping, the BEP 10 extension handshake, and the
// glue that satisfies the choking scheduler's and piece picker's Peer
// interfaces.
package peer

import (
	"io"
	"net"
	"sync"

	"github.com/Jagalite/superseedr/internal/bitfield"
	"github.com/Jagalite/superseedr/internal/bufferpool"
	"github.com/Jagalite/superseedr/internal/logger"
	"github.com/Jagalite/superseedr/internal/peerconn"
	"github.com/Jagalite/superseedr/internal/peerconn/peerreader"
	"github.com/Jagalite/superseedr/internal/peerconn/peerwriter"
	"github.com/Jagalite/superseedr/internal/peerprotocol"
	"github.com/Jagalite/superseedr/internal/ratesample"
	"github.com/Jagalite/superseedr/internal/tracker"
)

// Direction records which side initiated the connection.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Outgoing {
		return "->"
	}
	return "<-"
}

// Message wraps an event a Peer forwards to its owning torrent: either
// a decoded wire message it has no local handling for (Have, Bitfield,
// Request, a received block), or a synthesized event (PEX peers,
// disconnect).
type Message struct {
	Peer    *Peer
	Message interface{}
}

// HaveEvent reports a peer announcing possession of a piece, via either
// a `have` message or a bit set in the initial bitfield.
type HaveEvent struct{ Index uint32 }

// RequestEvent is a block request the remote peer wants served.
type RequestEvent struct{ Index, Begin, Length uint32 }

// BlockEvent is a received block of piece data. Buffer must be released
// by the recipient once the data has been consumed.
type BlockEvent struct {
	Index, Begin uint32
	Buffer       bufferpool.Buffer
}

// PEXEvent carries the peers one PEX message announced as newly added
// or recently dropped by the remote peer (BEP 11).
type PEXEvent struct {
	Added, Dropped []*net.TCPAddr
}

// DHTPortEvent reports the remote peer's DHT node port (BEP 5).
type DHTPortEvent struct{ Port uint16 }

// DisconnectEvent is sent once, after Messages has stopped delivering
// anything else, to let the torrent drop its bookkeeping for this peer.
type DisconnectEvent struct{}

// Peer tracks the choke/interest/extension state of one connection and
// forwards everything else upward via its owning torrent's Message
// channel.
type Peer struct {
	conn      *peerconn.Conn
	direction Direction
	id        [20]byte
	numPieces uint32

	extensionsSupported bool // BEP10 bit set in the handshake reserved bytes

	downloadSampler *ratesample.Sampler
	uploadSampler   *ratesample.Sampler

	mu             sync.Mutex
	have           bitfield.BitField
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	optimistic     bool
	snubbed        bool
	peerExtIDs     map[string]uint8 // extension name -> id the peer wants it addressed by
	metadataSize   int

	pex *pex

	messages chan Message
	log      logger.Logger
	closeC   chan struct{}
	doneC    chan struct{}
}

// New wraps conn in a Peer. extensionsSupported reflects whether the
// peer set the BEP10 reserved bit during handshake; numPieces sizes the
// possession bitfield. messages receives every event the torrent needs
// to react to.
func New(conn *peerconn.Conn, direction Direction, id [20]byte, numPieces uint32, extensionsSupported bool, messages chan Message) *Peer {
	return &Peer{
		conn:                conn,
		direction:           direction,
		id:                  id,
		numPieces:           numPieces,
		extensionsSupported: extensionsSupported,
		downloadSampler:     ratesample.New(),
		uploadSampler:       ratesample.New(),
		have:                bitfield.New(numPieces),
		amChoking:           true,
		peerChoking:         true,
		messages:            messages,
		log:                 conn.Logger(),
		closeC:              make(chan struct{}),
		doneC:               make(chan struct{}),
	}
}

// ID returns the peer id received during handshake.
func (p *Peer) ID() [20]byte { return p.id }

// Addr returns the peer's TCP address.
func (p *Peer) Addr() *net.TCPAddr { return p.conn.Addr() }

// String identifies the peer for logging.
func (p *Peer) String() string { return p.direction.String() + " " + p.conn.String() }

// Direction reports whether this connection was dialed or accepted.
func (p *Peer) Direction() Direction { return p.direction }

// Close tears down the connection and waits for Run to return.
func (p *Peer) Close() {
	close(p.closeC)
	<-p.doneC
	if p.pex != nil {
		p.pex.close()
	}
	p.downloadSampler.Stop()
	p.uploadSampler.Stop()
}

// --- choking.Peer ---

// Choke tells the peer it will no longer receive piece data.
func (p *Peer) Choke() {
	p.mu.Lock()
	already := p.amChoking
	p.amChoking = true
	p.mu.Unlock()
	if !already {
		p.conn.SendMessage(peerprotocol.ChokeMessage{})
	}
}

// Unchoke tells the peer it may now request pieces.
func (p *Peer) Unchoke() {
	p.mu.Lock()
	already := p.amChoking
	p.amChoking = false
	p.mu.Unlock()
	if already {
		p.conn.SendMessage(peerprotocol.UnchokeMessage{})
	}
}

// Choking reports whether we are currently choking this peer.
func (p *Peer) Choking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.amChoking
}

// Interested reports whether the peer is interested in us.
func (p *Peer) Interested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerInterested
}

// SetOptimistic marks or unmarks this peer as holding the rotating
// optimistic-unchoke slot.
func (p *Peer) SetOptimistic(v bool) {
	p.mu.Lock()
	p.optimistic = v
	p.mu.Unlock()
}

// Optimistic reports whether this peer currently holds the optimistic
// slot.
func (p *Peer) Optimistic() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.optimistic
}

// DownloadSpeed returns the exponentially-decaying download rate, in
// bytes/sec, of blocks received from this peer.
func (p *Peer) DownloadSpeed() int64 { return p.downloadSampler.Rate() }

// UploadSpeed returns the exponentially-decaying upload rate, in
// bytes/sec, of blocks sent to this peer.
func (p *Peer) UploadSpeed() int64 { return p.uploadSampler.Rate() }

// Snubbed reports whether a block reservation to this peer has expired
// without a response.
func (p *Peer) Snubbed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snubbed
}

// SetSnubbed marks or clears the snubbed flag, called by the piece
// picker's reservation-timeout sweep and cleared on the next block it
// actually delivers.
func (p *Peer) SetSnubbed(v bool) {
	p.mu.Lock()
	p.snubbed = v
	p.mu.Unlock()
}

// SetNumPieces resizes the peer's possession bitfield once the real
// piece count becomes known. Used for a peer connected while a magnet
// torrent's metadata was still unresolved, where the connection is
// opened against a stub metainfo with an unknown piece count
// (spec.md §4.2); no haves can have been recorded yet, since the
// zero-length bitfield rejected every prior Have/Bitfield message.
func (p *Peer) SetNumPieces(n uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.numPieces == n {
		return
	}
	p.numPieces = n
	p.have = bitfield.New(n)
}

// --- piecepicker.Peer ---

// HasPiece reports whether the peer has announced possession of piece
// index (via `have` or the initial bitfield).
func (p *Peer) HasPiece(index uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.have.Test(index)
}

// --- outgoing message helpers ---

// BeInterested sends `interested` once, idempotently.
func (p *Peer) BeInterested() {
	p.mu.Lock()
	already := p.amInterested
	p.amInterested = true
	p.mu.Unlock()
	if !already {
		p.conn.SendMessage(peerprotocol.InterestedMessage{})
	}
}

// BeNotInterested sends `not interested` once, idempotently.
func (p *Peer) BeNotInterested() {
	p.mu.Lock()
	already := p.amInterested
	p.amInterested = false
	p.mu.Unlock()
	if already {
		p.conn.SendMessage(peerprotocol.NotInterestedMessage{})
	}
}

// AmInterested reports whether we have sent `interested` and not since
// sent `not interested`.
func (p *Peer) AmInterested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.amInterested
}

// PeerChoking reports whether the peer is choking us.
func (p *Peer) PeerChoking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerChoking
}

// SendBitfield sends our possession bitfield, unless we have nothing.
func (p *Peer) SendBitfield(bf bitfield.BitField) {
	if bf.Count() == 0 {
		return
	}
	data := append([]byte(nil), bf.Bytes()...)
	p.conn.SendMessage(&peerprotocol.BitfieldMessage{Data: data})
}

// SendHave announces possession of piece index.
func (p *Peer) SendHave(index uint32) {
	p.conn.SendMessage(peerprotocol.HaveMessage{Index: index})
}

// SendPort announces our DHT node port (BEP 5).
func (p *Peer) SendPort(port uint16) {
	p.conn.SendMessage(peerprotocol.PortMessage{Port: port})
}

// Request asks the peer for one block.
func (p *Peer) Request(index, begin, length uint32) {
	p.conn.SendMessage(peerprotocol.RequestMessage{Index: index, Begin: begin, Length: length})
}

// SendCancel tells the peer we no longer want a block we requested.
func (p *Peer) SendCancel(index, begin, length uint32) {
	p.conn.SendMessage(peerprotocol.CancelMessage{RequestMessage: peerprotocol.RequestMessage{Index: index, Begin: begin, Length: length}})
}

// SendPiece queues a block for upload, read lazily from pi at the
// absolute piece offset msg.Begin.
func (p *Peer) SendPiece(msg peerprotocol.RequestMessage, pi io.ReaderAt) {
	p.conn.SendPiece(msg, pi)
}

// ExtensionHandshakeSupported reports whether the peer supports BEP10.
func (p *Peer) ExtensionHandshakeSupported() bool { return p.extensionsSupported }

// SendExtensionHandshake advertises our supported extensions.
func (p *Peer) SendExtensionHandshake(metadataSize int, version string, pexEnabled bool) {
	if !p.extensionsSupported {
		return
	}
	hs := peerprotocol.NewExtensionHandshake(metadataSize, version, pexEnabled)
	p.conn.SendMessage(peerprotocol.ExtensionMessage{ExtendedMessageID: peerprotocol.ExtensionIDHandshake, Payload: hs})
}

// extensionID looks up the id the peer wants a named extension
// addressed by, per its own extended handshake.
func (p *Peer) extensionID(name string) (uint8, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.peerExtIDs[name]
	return id, ok
}

// SupportsExtension reports whether the peer's extended handshake
// advertised support for the named extension.
func (p *Peer) SupportsExtension(name string) bool {
	_, ok := p.extensionID(name)
	return ok
}

// MetadataSize returns the info dictionary size the peer advertised in
// its extended handshake, or 0 if unknown.
func (p *Peer) MetadataSize() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return uint32(p.metadataSize)
}

// RequestMetadataPiece asks the peer for one 16 KiB piece of the info
// dictionary (BEP 9).
func (p *Peer) RequestMetadataPiece(index uint32) {
	extID, ok := p.extensionID(peerprotocol.ExtensionKeyMetadata)
	if !ok {
		return
	}
	msg := peerprotocol.ExtensionMessage{
		ExtendedMessageID: extID,
		Payload: peerprotocol.ExtensionMetadataMessage{
			Type:  peerprotocol.MetadataRequest,
			Piece: index,
		},
	}
	p.conn.SendMessage(msg)
}

// SendMetadataPiece replies to a metadata request with one piece of the
// info dictionary we hold.
func (p *Peer) SendMetadataPiece(index uint32, totalSize int, data []byte) {
	extID, ok := p.extensionID(peerprotocol.ExtensionKeyMetadata)
	if !ok {
		return
	}
	msg := peerprotocol.ExtensionMessage{
		ExtendedMessageID: extID,
		Payload: peerprotocol.ExtensionMetadataMessage{
			Type:      peerprotocol.MetadataData,
			Piece:     index,
			TotalSize: totalSize,
			Data:      data,
		},
	}
	p.conn.SendMessage(msg)
}

// SendMetadataReject tells the peer we cannot serve a metadata request,
// because we do not hold the info dictionary ourselves yet.
func (p *Peer) SendMetadataReject(index uint32) {
	extID, ok := p.extensionID(peerprotocol.ExtensionKeyMetadata)
	if !ok {
		return
	}
	msg := peerprotocol.ExtensionMessage{
		ExtendedMessageID: extID,
		Payload: peerprotocol.ExtensionMetadataMessage{
			Type:  peerprotocol.MetadataReject,
			Piece: index,
		},
	}
	p.conn.SendMessage(msg)
}

// --- run loop ---

// Run drives the connection until it closes or Close is called,
// maintaining local choke/interest/extension state and forwarding
// everything else to the owning torrent's Message channel.
func (p *Peer) Run() {
	defer close(p.doneC)
	go p.conn.Run()

	for {
		select {
		case msg, ok := <-p.conn.Messages():
			if !ok {
				p.forward(DisconnectEvent{})
				return
			}
			p.handleMessage(msg)
		case <-p.closeC:
			p.conn.Close()
			return
		}
	}
}

func (p *Peer) forward(m interface{}) {
	select {
	case p.messages <- Message{Peer: p, Message: m}:
	case <-p.closeC:
	}
}

func (p *Peer) handleMessage(msg interface{}) {
	switch m := msg.(type) {
	case peerprotocol.ChokeMessage:
		p.mu.Lock()
		p.peerChoking = true
		p.mu.Unlock()
	case peerprotocol.UnchokeMessage:
		p.mu.Lock()
		p.peerChoking = false
		p.mu.Unlock()
	case peerprotocol.InterestedMessage:
		p.mu.Lock()
		p.peerInterested = true
		p.mu.Unlock()
	case peerprotocol.NotInterestedMessage:
		p.mu.Lock()
		p.peerInterested = false
		p.mu.Unlock()
	case peerprotocol.HaveMessage:
		if m.Index >= p.numPieces {
			p.log.Errorf("have message with out-of-range piece index %d", m.Index)
			return
		}
		p.mu.Lock()
		p.have.Set(m.Index)
		p.mu.Unlock()
		p.forward(HaveEvent{Index: m.Index})
	case peerprotocol.BitfieldMessage:
		p.applyBitfield(m.Data)
	case peerprotocol.RequestMessage:
		p.forward(RequestEvent{Index: m.Index, Begin: m.Begin, Length: m.Length})
	case peerprotocol.CancelMessage:
		p.conn.CancelRequest(m)
	case peerreader.Piece:
		p.downloadSampler.Mark(int64(len(m.Buffer.Data)))
		p.mu.Lock()
		p.snubbed = false
		p.mu.Unlock()
		p.forward(BlockEvent{Index: m.Index, Begin: m.Begin, Buffer: m.Buffer})
	case peerwriter.BlockUploaded:
		p.uploadSampler.Mark(int64(m.Length))
	case peerprotocol.PortMessage:
		p.forward(DHTPortEvent{Port: m.Port})
	case peerprotocol.ExtensionMessage:
		p.handleExtensionMessage(m)
	}
}

func (p *Peer) applyBitfield(data []byte) {
	want := (p.numPieces + 7) / 8
	if uint32(len(data)) != want {
		p.log.Errorf("invalid bitfield length: got %d, want %d", len(data), want)
		return
	}
	bf := bitfield.NewBytes(append([]byte(nil), data...), p.numPieces)
	var haves []uint32
	p.mu.Lock()
	for i := uint32(0); i < bf.Len(); i++ {
		if bf.Test(i) {
			p.have.Set(i)
			haves = append(haves, i)
		}
	}
	p.mu.Unlock()
	for _, i := range haves {
		p.forward(HaveEvent{Index: i})
	}
}

func (p *Peer) handleExtensionMessage(m peerprotocol.ExtensionMessage) {
	switch payload := m.Payload.(type) {
	case peerprotocol.ExtensionHandshakeMessage:
		p.mu.Lock()
		p.peerExtIDs = payload.M
		p.metadataSize = payload.MetadataSize
		p.mu.Unlock()
		p.forward(payload)
	case peerprotocol.ExtensionMetadataMessage:
		p.forward(payload)
	case peerprotocol.ExtensionPEXMessage:
		p.forward(p.decodePEXEvent(payload))
	}
}

func (p *Peer) decodePEXEvent(m peerprotocol.ExtensionPEXMessage) PEXEvent {
	added, err := tracker.DecodePeersCompact(m.Added)
	if err != nil {
		p.log.Debugln("invalid pex added list:", err)
	}
	dropped, err := tracker.DecodePeersCompact(m.Dropped)
	if err != nil {
		p.log.Debugln("invalid pex dropped list:", err)
	}
	return PEXEvent{Added: added, Dropped: dropped}
}
