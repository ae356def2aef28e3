// Package announcer runs the periodic tracker announce loop for one
// tracker URL: started/stopped/completed lifecycle events, a
// minimum-interval-respecting re-announce timer, and exponential
// backoff on failure.
package announcer

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"

	"github.com/Jagalite/superseedr/internal/logger"
	"github.com/Jagalite/superseedr/internal/tracker"
	"github.com/Jagalite/superseedr/internal/tracker/httptracker"
	"github.com/Jagalite/superseedr/internal/tracker/udptracker"
)

// TorrentStats is polled before each announce to report fresh
// upload/download/left counters and identity.
type TorrentStats func() tracker.Torrent

// Announcer drives one tracker's announce lifecycle until its context
// is canceled.
type Announcer struct {
	rawURL     string
	tr         tracker.Tracker
	stats      TorrentStats
	completedC <-chan struct{}
	newPeers   chan<- []*net.TCPAddr
	log        logger.Logger
}

// New returns an Announcer for trackerURL. newPeers receives each
// announce response's peer list; completedC, when closed, triggers a
// one-time "completed" event announce.
func New(trackerURL string, stats TorrentStats, completedC <-chan struct{}, newPeers chan<- []*net.TCPAddr) *Announcer {
	return &Announcer{
		rawURL:     trackerURL,
		stats:      stats,
		completedC: completedC,
		newPeers:   newPeers,
		log:        logger.New("announcer " + trackerURL),
	}
}

// NewTier returns an Announcer that announces to a multi-tracker tier
// (BEP 12), failing over within the tier rather than constructing a
// single tracker from a URL.
func NewTier(tier *tracker.Tier, stats TorrentStats, completedC <-chan struct{}, newPeers chan<- []*net.TCPAddr) *Announcer {
	return &Announcer{
		rawURL:     tier.URL(),
		tr:         tier,
		stats:      stats,
		completedC: completedC,
		newPeers:   newPeers,
		log:        logger.New("announcer " + tier.URL()),
	}
}

// NewTracker constructs the protocol-specific Tracker implementation
// for a tracker URL's scheme.
func NewTracker(rawURL string) (tracker.Tracker, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https":
		return httptracker.New(rawURL, u), nil
	case "udp":
		return udptracker.New(rawURL, u), nil
	default:
		return nil, fmt.Errorf("announcer: unsupported tracker scheme %q", u.Scheme)
	}
}

// Run announces to the tracker until ctx is canceled: an immediate
// "started" event, periodic re-announces respecting the tracker's
// reported interval (backing off exponentially on failure), a
// "completed" event the first time completedC fires, and a final
// "stopped" event on the way out.
func (a *Announcer) Run(ctx context.Context) {
	tr := a.tr
	if tr == nil {
		var err error
		tr, err = NewTracker(a.rawURL)
		if err != nil {
			a.log.Errorln("cannot construct tracker:", err)
			return
		}
	}

	var (
		mu           sync.Mutex
		nextAnnounce time.Duration
	)

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 5 * time.Second
	retry.RandomizationFactor = 0.5
	retry.Multiplier = 2
	retry.MaxInterval = 30 * time.Minute
	retry.MaxElapsedTime = 0 // never stop retrying
	retry.Reset()

	announce := func(e tracker.Event) {
		req := tracker.AnnounceRequest{Torrent: a.stats(), Event: e}
		resp, err := tr.Announce(ctx, req)
		mu.Lock()
		if err != nil {
			a.log.Debugln("announce error:", err)
			nextAnnounce = retry.NextBackOff()
			mu.Unlock()
			return
		}
		retry.Reset()
		nextAnnounce = resp.Interval
		if nextAnnounce < resp.MinInterval {
			nextAnnounce = resp.MinInterval
		}
		mu.Unlock()

		if len(resp.Peers) > 0 {
			select {
			case a.newPeers <- resp.Peers:
			case <-ctx.Done():
			}
		}
	}

	announce(tracker.EventStarted)
	defer announce(tracker.EventStopped)

	completedOnce := a.completedC
	for {
		mu.Lock()
		d := nextAnnounce
		mu.Unlock()
		if d <= 0 {
			d = retry.InitialInterval
		}
		select {
		case <-time.After(d):
			announce(tracker.EventNone)
		case <-completedOnce:
			completedOnce = nil
			announce(tracker.EventCompleted)
		case <-ctx.Done():
			return
		}
	}
}
