// Package torrent runs the per-torrent supervisor: the single goroutine
// that owns a torrent's piece store, piece picker, choking scheduler,
// peer roster, and discovery sources, communicating with them only
// through typed message channels (spec.md §5).
package torrent

import (
	"crypto/sha1" // nolint: gosec
	"errors"
	"net"
	"sync"
	"time"

	"github.com/Jagalite/superseedr/internal/addrlist"
	"github.com/Jagalite/superseedr/internal/announcer"
	"github.com/Jagalite/superseedr/internal/bitfield"
	"github.com/Jagalite/superseedr/internal/choking"
	"github.com/Jagalite/superseedr/internal/dht"
	"github.com/Jagalite/superseedr/internal/handshaker"
	"github.com/Jagalite/superseedr/internal/logger"
	"github.com/Jagalite/superseedr/internal/metadownloader"
	"github.com/Jagalite/superseedr/internal/metainfo"
	"github.com/Jagalite/superseedr/internal/peer"
	"github.com/Jagalite/superseedr/internal/piece"
	"github.com/Jagalite/superseedr/internal/piecepicker"
	"github.com/Jagalite/superseedr/internal/pexlist"
	"github.com/Jagalite/superseedr/internal/ratelimit"
	"github.com/Jagalite/superseedr/internal/resourcemanager"
	"github.com/Jagalite/superseedr/internal/store"
	"github.com/Jagalite/superseedr/internal/tracker"
)

// Status reports a torrent's lifecycle state.
type Status int

const (
	Checking Status = iota
	Downloading
	Seeding
	Paused
	Error
)

func (s Status) String() string {
	switch s {
	case Checking:
		return "checking"
	case Downloading:
		return "downloading"
	case Seeding:
		return "seeding"
	case Paused:
		return "paused"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

const (
	numUnchoked           = 4
	numOptimisticUnchoked = 1
	maxFailures           = addrlist.MaxFailures
	contributorBanTTL     = 10 * time.Minute
	metadataPipelineDepth = 5
	chokeTickInterval     = 10 * time.Second
	reservationSweep      = 5 * time.Second
	connectTickInterval   = 2 * time.Second
	assumedRTT            = time.Second
)

// Config carries everything the session hands a new torrent at
// creation. Info is nil for a magnet add until the ut_metadata
// exchange resolves it.
type Config struct {
	Info         *metainfo.Info
	InfoHash     [20]byte
	Name         string
	TrackerTiers [][]string
	DestDir      string
	OurPeerID    [20]byte
	OurPort      int
	Limiter      *ratelimit.Limiter
	DHT          *dht.Node // nil when DHT is disabled (private tracker)
	PEXEnabled   bool
	MaxPeers     int
	HandleBudget int
}

// Stats is a read-only snapshot of a torrent's progress, served to the
// TUI/control surface (spec.md §6).
type Stats struct {
	InfoHash        [20]byte
	Name            string
	Status          Status
	HavePieces      uint32
	TotalPieces     uint32
	Uploaded        int64
	Downloaded      int64
	DownloadSpeed   int64
	UploadSpeed     int64
	Peers           int
	AddedAt         time.Time
}

// Torrent supervises one swarm: discovery, peer connections, the piece
// picker, the choking scheduler, and the piece store.
type Torrent struct {
	cfg     Config
	log     logger.Logger
	addedAt time.Time

	info  *metainfo.Info
	pieces []piece.Piece

	store  *store.Store
	picker *piecepicker.Picker
	choker *choking.Scheduler

	peers map[*peer.Peer]struct{}

	metaDL   *metadownloader.Downloader
	metaPeer *peer.Peer

	addrs *addrlist.AddrList

	recentlySeen *pexlist.RecentlySeen

	contributors map[uint32]map[[20]byte]struct{}
	banned       map[[20]byte]time.Time

	status Status

	mu         sync.Mutex
	uploaded   int64
	downloaded int64

	messages       chan peer.Message
	incomingConnC  chan *handshaker.Incoming
	outgoingResC   chan *handshaker.Outgoing
	trackerAddrsC  chan []*net.TCPAddr
	dhtAddrsC      chan []*net.TCPAddr

	statsC  chan chan Stats
	stopC   chan struct{}
	pauseC  chan struct{}
	resumeC chan struct{}
	addAddrsC chan []*net.TCPAddr

	completedC chan struct{}
	completedOnce sync.Once

	dhtAnnouncer *dht.Announcer

	doneC chan struct{}

	outstandingHandshakes map[string]struct{} // addr.String() of in-flight outgoing handshakes
}

// New constructs and starts a torrent supervisor. Its Run loop begins
// immediately in a new goroutine.
func New(cfg Config) *Torrent {
	t := &Torrent{
		cfg:                   cfg,
		log:                   logger.New("torrent " + cfg.Name),
		addedAt:               time.Now(),
		peers:                 make(map[*peer.Peer]struct{}),
		addrs:                 addrlist.New(maxAddrPoolSize(cfg.MaxPeers)),
		recentlySeen:          &pexlist.RecentlySeen{},
		contributors:          make(map[uint32]map[[20]byte]struct{}),
		banned:                make(map[[20]byte]time.Time),
		status:                Checking,
		messages:              make(chan peer.Message, 64),
		incomingConnC:         make(chan *handshaker.Incoming),
		outgoingResC:          make(chan *handshaker.Outgoing),
		trackerAddrsC:         make(chan []*net.TCPAddr, 8),
		dhtAddrsC:             make(chan []*net.TCPAddr, 8),
		statsC:                make(chan chan Stats),
		stopC:                 make(chan struct{}),
		pauseC:                make(chan struct{}),
		resumeC:               make(chan struct{}),
		addAddrsC:             make(chan []*net.TCPAddr, 8),
		completedC:            make(chan struct{}),
		doneC:                 make(chan struct{}),
		outstandingHandshakes: make(map[string]struct{}),
		choker:                choking.New(numUnchoked, numOptimisticUnchoked),
	}
	if cfg.Info != nil {
		t.setInfo(cfg.Info)
	}
	go t.run()
	return t
}

func maxAddrPoolSize(maxPeers int) int {
	if maxPeers <= 0 {
		maxPeers = 80
	}
	return maxPeers * 10
}

// setInfo installs a resolved metainfo, building the piece store and
// picker and running the startup integrity pass.
func (t *Torrent) setInfo(info *metainfo.Info) {
	t.info = info
	t.pieces = piece.NewPieces(info)
	handleBudget := t.cfg.HandleBudget
	if handleBudget <= 0 {
		handleBudget = resourcemanager.FileHandleBudget()
	}
	t.store = store.New(info, t.cfg.DestDir, handleBudget)
	bf, err := t.store.Verify()
	if err != nil {
		t.log.Errorln("integrity pass failed:", err)
		bf = bitfield.New(info.NumPieces)
	}
	t.picker = piecepicker.New(t.pieces, bf)
	if bf.All() {
		t.status = Seeding
	} else {
		t.status = Downloading
	}
}

// InfoHash returns the torrent's 20-byte identity.
func (t *Torrent) InfoHash() [20]byte { return t.cfg.InfoHash }

// Stats requests a snapshot from the run loop.
func (t *Torrent) Stats() Stats {
	req := make(chan Stats, 1)
	select {
	case t.statsC <- req:
		return <-req
	case <-t.doneC:
		return Stats{InfoHash: t.cfg.InfoHash, Name: t.cfg.Name, Status: Error}
	}
}

// AddAddrs feeds externally-discovered candidate peer addresses
// (e.g. from a manually specified peer) into the connect pool.
func (t *Torrent) AddAddrs(addrs []*net.TCPAddr) {
	select {
	case t.addAddrsC <- addrs:
	case <-t.doneC:
	}
}

// HandleIncomingConn hands a completed inbound handshake (matched to
// this torrent's info hash by the session's acceptor) to the run loop.
func (t *Torrent) HandleIncomingConn(res *handshaker.Incoming) {
	select {
	case t.incomingConnC <- res:
	case <-t.doneC:
		res.Conn.Close()
	}
}

// Pause quiesces all peers without destroying torrent state.
func (t *Torrent) Pause() {
	select {
	case t.pauseC <- struct{}{}:
	case <-t.doneC:
	}
}

// Resume undoes Pause.
func (t *Torrent) Resume() {
	select {
	case t.resumeC <- struct{}{}:
	case <-t.doneC:
	}
}

// Stop cancels discovery, closes every peer connection, flushes the
// piece store, and returns once the run loop has exited.
func (t *Torrent) Stop() {
	select {
	case <-t.doneC:
		return
	default:
	}
	close(t.stopC)
	<-t.doneC
}

// errTorrentStopped is returned by helpers called after shutdown began.
var errTorrentStopped = errors.New("torrent: stopped")

// pieceReaderAt adapts the store's random-access block reads to the
// io.ReaderAt contract peerconn.SendPiece expects: offsets relative to
// the start of one piece.
type pieceReaderAt struct {
	store *store.Store
	index uint32
}

func (r pieceReaderAt) ReadAt(b []byte, off int64) (int, error) {
	data, err := r.store.ReadBlock(r.index, uint32(off), uint32(len(b)))
	if err != nil {
		return 0, err
	}
	return copy(b, data), nil
}

func verifyMetadataHash(infoHash [20]byte, data []byte) bool {
	h := sha1.Sum(data) // nolint: gosec
	return h == infoHash
}

func buildTrackerTiers(rawTiers [][]string) []*tracker.Tier {
	var tiers []*tracker.Tier
	for _, urls := range rawTiers {
		var trs []tracker.Tracker
		for _, u := range urls {
			tr, err := announcer.NewTracker(u)
			if err != nil {
				continue
			}
			trs = append(trs, tr)
		}
		if len(trs) > 0 {
			tiers = append(tiers, tracker.NewTier(trs))
		}
	}
	return tiers
}
