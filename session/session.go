package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Jagalite/superseedr/internal/dht"
	"github.com/Jagalite/superseedr/internal/handshaker"
	"github.com/Jagalite/superseedr/internal/logger"
	"github.com/Jagalite/superseedr/internal/metainfo"
	"github.com/Jagalite/superseedr/internal/peerprotocol"
	"github.com/Jagalite/superseedr/internal/ratelimit"
	"github.com/Jagalite/superseedr/internal/torrent"
)

func ourExtensions() [8]byte {
	var ext [8]byte
	peerprotocol.SetExtensionBit(&ext)
	return ext
}

// peerIDPrefix identifies this client in the 20-byte peer id, the way
// client.go's generatePeerID prefixes rain's own.
const peerIDPrefix = "-SS0001-"

// Session owns every torrent supervisor, the peer-accepting listener,
// the DHT node, the shared rate limiters, and the control socket
// (spec.md §4.9). It is the module's composition root.
type Session struct {
	cfg    Config
	log    logger.Logger
	peerID [20]byte

	limiter *ratelimit.Limiter
	dhtNode *dht.Node

	listener net.Listener
	port     int

	ctrl  *controlServer
	watch *watcher

	mu       sync.Mutex
	torrents map[[20]byte]*torrent.Torrent
	cfgs     map[[20]byte]torrent.Config // the Config each torrent was built from, for state.json
	order    [][20]byte                  // preserves add order for Snapshot/state.json

	incomingConnC chan *handshaker.Incoming

	stopC  chan struct{}
	doneC  chan struct{}
	saveWg sync.WaitGroup
}

// New starts a session: the peer listener, the DHT node (unless
// disabled), the rate limiters, the control socket, any previously
// persisted torrents from state.json, and the watch-folder scanner.
func New(cfg Config) (*Session, error) {
	peerID, err := generatePeerID()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.ConfigDir, 0o755); err != nil {
		return nil, fmt.Errorf("session: cannot create config dir: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("session: cannot create data dir: %w", err)
	}

	s := &Session{
		cfg:           cfg,
		log:           logger.New("session"),
		peerID:        peerID,
		limiter:       ratelimit.New(cfg.DownloadRateLimit, cfg.UploadRateLimit),
		torrents:      make(map[[20]byte]*torrent.Torrent),
		cfgs:          make(map[[20]byte]torrent.Config),
		incomingConnC: make(chan *handshaker.Incoming, 64),
		stopC:         make(chan struct{}),
		doneC:         make(chan struct{}),
	}

	if cfg.DHTEnabled {
		node, err := dht.New(cfg.DHTPort, filepath.Join(cfg.ConfigDir, "dht.dat"))
		if err != nil {
			s.log.Warningln("cannot start dht node:", err)
		} else {
			s.dhtNode = node
		}
	}

	ln, err := net.ListenTCP("tcp4", &net.TCPAddr{Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("session: cannot listen on peer port: %w", err)
	}
	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port
	go s.acceptLoop(ln)
	go s.dispatchIncoming()

	ctrl, err := newControlServer(s, SocketPath(cfg.ConfigDir))
	if err != nil {
		s.Stop()
		return nil, err
	}
	s.ctrl = ctrl

	s.loadState()

	if cfg.WatchDir != "" {
		w, err := newWatcher(s, cfg.WatchDir)
		if err != nil {
			s.log.Warningln("cannot start watch folder:", err)
		} else {
			s.watch = w
		}
	}

	s.saveWg.Add(1)
	go s.saveLoop()

	return s, nil
}

func generatePeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], peerIDPrefix)
	_, err := rand.Read(id[len(peerIDPrefix):])
	return id, err
}

// SocketPath is the well-known rendezvous socket location under the
// config directory (spec.md §4.9), shared by cmd's forwarding logic
// and the control server itself.
func SocketPath(configDir string) string {
	return filepath.Join(configDir, "control.sock")
}

// Port is the TCP port this instance listens on for incoming peers.
func (s *Session) Port() int { return s.port }

// Add resolves a magnet URI or a .torrent file path into a new torrent
// supervisor and starts it. It returns the torrent's infohash.
func (s *Session) Add(spec string) ([20]byte, error) {
	cfg, err := s.buildTorrentConfig(spec)
	if err != nil {
		return [20]byte{}, err
	}
	return s.addTorrent(cfg)
}

func (s *Session) buildTorrentConfig(spec string) (torrent.Config, error) {
	if strings.HasPrefix(spec, "magnet:") {
		m, err := metainfo.ParseMagnet(spec)
		if err != nil {
			return torrent.Config{}, err
		}
		var tiers [][]string
		for _, tr := range m.Trackers {
			tiers = append(tiers, []string{tr})
		}
		return torrent.Config{
			InfoHash:     m.InfoHash,
			Name:         m.Name,
			TrackerTiers: tiers,
		}, nil
	}

	f, err := os.Open(spec)
	if err != nil {
		return torrent.Config{}, err
	}
	defer f.Close()
	mi, err := metainfo.New(f)
	if err != nil {
		return torrent.Config{}, err
	}
	info := mi.Info
	return torrent.Config{
		Info:         &info,
		InfoHash:     info.Hash,
		Name:         info.Name,
		TrackerTiers: mi.AnnounceList,
	}, nil
}

func (s *Session) addTorrent(cfg torrent.Config) ([20]byte, error) {
	s.mu.Lock()
	if _, ok := s.torrents[cfg.InfoHash]; ok {
		s.mu.Unlock()
		return cfg.InfoHash, errors.New("session: torrent already added")
	}
	s.mu.Unlock()

	cfg.DestDir = filepath.Join(s.cfg.DataDir, fmt.Sprintf("%x", cfg.InfoHash))
	cfg.OurPeerID = s.peerID
	cfg.OurPort = s.port
	cfg.Limiter = s.limiter
	cfg.PEXEnabled = s.cfg.PEXEnabled
	cfg.MaxPeers = s.cfg.MaxPeersPerTorrent
	cfg.HandleBudget = handleBudget()
	if s.dhtNode != nil && !(cfg.Info != nil && cfg.Info.IsPrivate()) {
		cfg.DHT = s.dhtNode
	}

	t := torrent.New(cfg)

	s.mu.Lock()
	s.torrents[cfg.InfoHash] = t
	s.cfgs[cfg.InfoHash] = cfg
	s.order = append(s.order, cfg.InfoHash)
	s.mu.Unlock()

	return cfg.InfoHash, nil
}

// Remove stops and forgets a torrent.
func (s *Session) Remove(infoHash [20]byte) error {
	s.mu.Lock()
	t, ok := s.torrents[infoHash]
	if ok {
		delete(s.torrents, infoHash)
		delete(s.cfgs, infoHash)
		for i, ih := range s.order {
			if ih == infoHash {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return errors.New("session: unknown torrent")
	}
	t.Stop()
	return nil
}

// hasInfoHash reports whether any owned torrent matches infoHash,
// consulted by the shared acceptor before completing a handshake
// (spec.md §3 "PeerSessions created on accepted inbound").
func (s *Session) hasInfoHash(infoHash [20]byte) bool {
	s.mu.Lock()
	_, ok := s.torrents[infoHash]
	s.mu.Unlock()
	return ok
}

func (s *Session) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopC:
				return
			default:
				s.log.Errorln("accept:", err)
				return
			}
		}
		h := handshaker.NewIncoming(conn)
		go h.Run(s.peerID, s.hasInfoHash, 10*time.Second, ourExtensions(), s.incomingConnC)
	}
}

func (s *Session) dispatchIncoming() {
	for h := range s.incomingConnC {
		if h.Error != nil {
			continue
		}
		s.mu.Lock()
		t, ok := s.torrents[h.InfoHash]
		s.mu.Unlock()
		if !ok {
			h.Conn.Close()
			continue
		}
		t.HandleIncomingConn(h)
	}
}

func (s *Session) saveLoop() {
	defer s.saveWg.Done()
	interval := s.cfg.StateSaveInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.saveState(); err != nil {
				s.log.Errorln("save state:", err)
			}
		case <-s.stopC:
			return
		}
	}
}

// Stop stops every torrent (announcing the tracker "stopped" event),
// closes all listeners, persists state.json one last time, and
// returns once everything has shut down (spec.md scenario S6).
func (s *Session) Stop() {
	select {
	case <-s.doneC:
		return
	default:
	}
	close(s.stopC)

	if s.watch != nil {
		s.watch.Close()
	}
	if s.ctrl != nil {
		s.ctrl.Close()
	}
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	all := make([]*torrent.Torrent, 0, len(s.torrents))
	for _, t := range s.torrents {
		all = append(all, t)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range all {
		wg.Add(1)
		go func(t *torrent.Torrent) {
			defer wg.Done()
			t.Stop()
		}(t)
	}
	wg.Wait()

	if err := s.saveState(); err != nil {
		s.log.Errorln("save state:", err)
	}

	if s.dhtNode != nil {
		s.dhtNode.Stop()
	}

	s.saveWg.Wait()
	close(s.doneC)
}

// Wait blocks until Stop has fully completed.
func (s *Session) Wait() { <-s.doneC }
