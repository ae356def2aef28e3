// Package session implements the swarm engine's top-level supervisor:
// it owns every torrent, the shared rate limiters, the DHT node, the
// peer-accepting listen socket, and the local control socket that a
// second invocation of the binary forwards commands to (spec.md §4.9).
package session

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	homedir "github.com/mitchellh/go-homedir"

	"github.com/Jagalite/superseedr/internal/resourcemanager"
)

// Config is loaded from a TOML file, analogous to how the teacher's
// Config is loaded from YAML in cmd/rain/rain.go.
type Config struct {
	// DataDir is where downloaded files are written.
	DataDir string `toml:"data_dir"`
	// ConfigDir holds state.json, dht.dat, and the control socket.
	ConfigDir string `toml:"config_dir"`
	// WatchDir, if set, is scanned for .torrent files to auto-add.
	WatchDir string `toml:"watch_dir"`

	// Port is the TCP port this instance listens on for incoming peer
	// connections. Zero lets the OS choose.
	Port int `toml:"port"`

	// DHTPort is the UDP port the DHT node listens on.
	DHTPort int `toml:"dht_port"`
	// DHTEnabled turns the DHT node on. Disabled automatically per
	// torrent when that torrent's metainfo is private (BEP 27).
	DHTEnabled bool `toml:"dht_enabled"`

	PEXEnabled bool `toml:"pex_enabled"`

	MaxPeersPerTorrent int `toml:"max_peers_per_torrent"`

	DownloadRateLimit int64 `toml:"download_rate_limit"`
	UploadRateLimit   int64 `toml:"upload_rate_limit"`

	StateSaveInterval time.Duration `toml:"state_save_interval"`

	Debug bool `toml:"debug"`
}

// DefaultConfig mirrors the shape of rain.DefaultConfig, with this
// module's own defaults.
var DefaultConfig = Config{
	DataDir:            "~/superseedr/downloads",
	ConfigDir:          "~/.config/superseedr",
	Port:               50007,
	DHTPort:            50007,
	DHTEnabled:         true,
	PEXEnabled:         true,
	MaxPeersPerTorrent: 80,
	StateSaveInterval:  30 * time.Second,
}

// LoadConfig reads a TOML config file, falling back to DefaultConfig
// for any field the file does not set, and expanding "~" in path
// fields the way cmd/rain/rain.go expands "-c"/"-w".
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig
	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return cfg, err
		}
		if _, err := os.Stat(expanded); err == nil {
			if _, err := toml.DecodeFile(expanded, &cfg); err != nil {
				return cfg, err
			}
		} else if !os.IsNotExist(err) {
			return cfg, err
		}
	}
	var err error
	cfg.DataDir, err = homedir.Expand(cfg.DataDir)
	if err != nil {
		return cfg, err
	}
	cfg.ConfigDir, err = homedir.Expand(cfg.ConfigDir)
	if err != nil {
		return cfg, err
	}
	if cfg.WatchDir != "" {
		cfg.WatchDir, err = homedir.Expand(cfg.WatchDir)
		if err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// handleBudget resolves the piece store's open-file budget, shared
// across every torrent in this session (spec.md §4.3).
func handleBudget() int {
	return resourcemanager.FileHandleBudget()
}
