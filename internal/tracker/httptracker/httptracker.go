// Package httptracker implements the HTTP(S) tracker announce
// protocol (BEP 3), including its compact (BEP 23) and dictionary peer
// list encodings.
package httptracker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Jagalite/superseedr/internal/bencode"
	"github.com/Jagalite/superseedr/internal/logger"
	"github.com/Jagalite/superseedr/internal/tracker"
)

var httpTimeout = 30 * time.Second

// HTTPTracker announces to a single HTTP tracker URL.
type HTTPTracker struct {
	rawURL    string
	url       *url.URL
	log       logger.Logger
	http      *http.Client
	trackerID string
}

// New returns an HTTPTracker for u.
func New(rawURL string, u *url.URL) *HTTPTracker {
	return &HTTPTracker{
		rawURL: rawURL,
		url:    u,
		log:    logger.New("tracker " + u.String()),
		http: &http.Client{
			Timeout: httpTimeout,
			Transport: &http.Transport{
				DisableKeepAlives: true,
			},
		},
	}
}

func (t *HTTPTracker) URL() string { return t.rawURL }

type announceResponse struct {
	FailureReason  string             `bencode:"failure reason,omitempty"`
	WarningMessage string             `bencode:"warning message,omitempty"`
	Interval       int32              `bencode:"interval"`
	MinInterval    int32              `bencode:"min interval,omitempty"`
	TrackerID      string             `bencode:"tracker id,omitempty"`
	Complete       int32              `bencode:"complete,omitempty"`
	Incomplete     int32              `bencode:"incomplete,omitempty"`
	Peers          bencode.RawMessage `bencode:"peers,omitempty"`
}

// Announce sends one announce request and parses the response.
func (t *HTTPTracker) Announce(ctx context.Context, req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	q := url.Values{}
	q.Set("info_hash", string(req.Torrent.InfoHash[:]))
	q.Set("peer_id", string(req.Torrent.PeerID[:]))
	q.Set("port", strconv.Itoa(req.Torrent.Port))
	q.Set("uploaded", strconv.FormatInt(req.Torrent.BytesUploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Torrent.BytesDownloaded, 10))
	q.Set("left", strconv.FormatInt(req.Torrent.BytesLeft, 10))
	q.Set("compact", "1")
	q.Set("numwant", strconv.Itoa(numWant(req.NumWant)))
	if req.Event != tracker.EventNone {
		q.Set("event", req.Event.String())
	}
	if t.trackerID != "" {
		q.Set("trackerid", t.trackerID)
	}

	u := *t.url
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("httptracker: status %d: %q", resp.StatusCode, string(data))
	}

	var ar announceResponse
	if err := bencode.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, tracker.ErrDecode
	}
	if ar.FailureReason != "" {
		return nil, tracker.Error(ar.FailureReason)
	}
	if ar.WarningMessage != "" {
		t.log.Warning(ar.WarningMessage)
	}
	if ar.TrackerID != "" {
		t.trackerID = ar.TrackerID
	}

	peers, err := parsePeers(ar.Peers)
	if err != nil {
		return nil, err
	}

	return &tracker.AnnounceResponse{
		Interval:    time.Duration(ar.Interval) * time.Second,
		MinInterval: time.Duration(ar.MinInterval) * time.Second,
		Leechers:    ar.Incomplete,
		Seeders:     ar.Complete,
		Peers:       peers,
	}, nil
}

func numWant(n int) int {
	if n <= 0 {
		return tracker.NumWant
	}
	return n
}

func parsePeers(raw bencode.RawMessage) ([]*net.TCPAddr, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] == 'l' {
		var dicts []struct {
			IP   string `bencode:"ip"`
			Port uint16 `bencode:"port"`
		}
		if err := bencode.DecodeBytes(raw, &dicts); err != nil {
			return nil, err
		}
		addrs := make([]*net.TCPAddr, len(dicts))
		for i, d := range dicts {
			addrs[i] = &net.TCPAddr{IP: net.ParseIP(d.IP), Port: int(d.Port)}
		}
		return addrs, nil
	}
	var b []byte
	if err := bencode.DecodeBytes(raw, &b); err != nil {
		return nil, err
	}
	return tracker.DecodePeersCompact(bytes.TrimSpace(b))
}
