package session

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/Jagalite/superseedr/internal/metainfo"
	"github.com/Jagalite/superseedr/internal/torrent"
)

// statePath is the well-known state.json location under the config
// directory (spec.md §6).
func statePath(configDir string) string {
	return filepath.Join(configDir, "state.json")
}

// persistedTorrent is one state.json entry. InfoBytes is set once a
// torrent's metadata has been resolved (a .torrent add, or a magnet
// whose ut_metadata exchange completed); otherwise the magnet's own
// trackers are replayed and metadata acquisition starts over.
type persistedTorrent struct {
	InfoHash     string     `json:"info_hash"`
	Name         string     `json:"name"`
	TrackerTiers [][]string `json:"tracker_tiers,omitempty"`
	InfoBytes    string     `json:"info_bytes,omitempty"`
	AddedAt      time.Time  `json:"added_at"`
}

type stateFile struct {
	Torrents []persistedTorrent `json:"torrents"`
}

// saveState writes state.json atomically: write to a temp file in the
// same directory, then os.Rename over the real path, so a crash mid
// -write never corrupts the previous snapshot.
func (s *Session) saveState() error {
	s.mu.Lock()
	entries := make([]persistedTorrent, 0, len(s.order))
	for _, ih := range s.order {
		cfg, ok := s.cfgs[ih]
		if !ok {
			continue
		}
		t := s.torrents[ih]
		pt := persistedTorrent{
			InfoHash:     hex.EncodeToString(ih[:]),
			Name:         cfg.Name,
			TrackerTiers: cfg.TrackerTiers,
		}
		if t != nil {
			pt.AddedAt = t.Stats().AddedAt
		}
		if cfg.Info != nil {
			pt.InfoBytes = base64.StdEncoding.EncodeToString(cfg.Info.Bytes)
		}
		entries = append(entries, pt)
	}
	s.mu.Unlock()

	path := statePath(s.cfg.ConfigDir)
	data, err := json.MarshalIndent(stateFile{Torrents: entries}, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "state-*.json.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// loadState restores every torrent recorded in state.json from a
// previous run, resuming each one's piece-store verify pass.
func (s *Session) loadState() {
	path := statePath(s.cfg.ConfigDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Errorln("read state.json:", err)
		}
		return
	}
	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		s.log.Errorln("parse state.json:", err)
		return
	}
	for _, pt := range sf.Torrents {
		cfg, err := persistedToConfig(pt)
		if err != nil {
			s.log.Errorln("restore torrent", pt.Name, ":", err)
			continue
		}
		if _, err := s.addTorrent(cfg); err != nil {
			s.log.Errorln("restore torrent", pt.Name, ":", err)
		}
	}
}

func persistedToConfig(pt persistedTorrent) (torrent.Config, error) {
	var ih [20]byte
	b, err := hex.DecodeString(pt.InfoHash)
	if err != nil || len(b) != 20 {
		return torrent.Config{}, err
	}
	copy(ih[:], b)

	cfg := torrent.Config{
		InfoHash:     ih,
		Name:         pt.Name,
		TrackerTiers: pt.TrackerTiers,
	}
	if pt.InfoBytes != "" {
		raw, err := base64.StdEncoding.DecodeString(pt.InfoBytes)
		if err != nil {
			return torrent.Config{}, err
		}
		info, err := metainfo.NewInfo(raw)
		if err != nil {
			return torrent.Config{}, err
		}
		cfg.Info = info
	}
	return cfg, nil
}
