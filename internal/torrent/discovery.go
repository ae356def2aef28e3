package torrent

import (
	"context"
	"time"

	"github.com/Jagalite/superseedr/internal/announcer"
	"github.com/Jagalite/superseedr/internal/dht"
	"github.com/Jagalite/superseedr/internal/tracker"
)

// dhtAnnounceInterval is how often a torrent re-announces itself to
// the DHT.
const dhtAnnounceInterval = 5 * time.Minute

// startDiscovery launches one goroutine per tracker tier and, unless
// this torrent is private or the session has no DHT node, the DHT
// announcer, each feeding candidate addresses into the run loop's
// channels. Per spec.md §9, a disabled capability must stay fully
// inert rather than merely unused: no goroutine, no ticker, no DHT
// announcer handle is ever created for a private torrent.
func (t *Torrent) startDiscovery() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	for _, tier := range buildTrackerTiers(t.cfg.TrackerTiers) {
		a := announcer.NewTier(tier, t.trackerStats, t.completedC, t.trackerAddrsC)
		go a.Run(ctx)
	}

	if t.cfg.DHT != nil && !t.isPrivate() {
		t.dhtAnnouncer = t.cfg.DHT.Announcer(t.cfg.InfoHash)
		go t.forwardDHTPeers(ctx, t.dhtAnnouncer)
		go t.periodicDHTAnnounce(ctx, t.dhtAnnouncer)
	}

	return ctx, cancel
}

func (t *Torrent) isPrivate() bool {
	return t.info != nil && t.info.IsPrivate()
}

func (t *Torrent) trackerStats() tracker.Torrent {
	t.mu.Lock()
	up, down := t.uploaded, t.downloaded
	t.mu.Unlock()
	var left int64
	if t.info != nil {
		left = t.info.TotalLength - down
		if left < 0 {
			left = 0
		}
	}
	return tracker.Torrent{
		InfoHash:        t.cfg.InfoHash,
		PeerID:          t.cfg.OurPeerID,
		Port:            t.cfg.OurPort,
		BytesUploaded:   up,
		BytesDownloaded: down,
		BytesLeft:       left,
	}
}

func (t *Torrent) forwardDHTPeers(ctx context.Context, a *dht.Announcer) {
	for {
		select {
		case addrs := <-a.Peers():
			select {
			case t.dhtAddrsC <- addrs:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (t *Torrent) periodicDHTAnnounce(ctx context.Context, a *dht.Announcer) {
	a.Announce()
	ticker := time.NewTicker(dhtAnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.Announce()
		case <-ctx.Done():
			return
		}
	}
}
