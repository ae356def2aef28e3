// Package tracker announces torrent progress to HTTP and UDP trackers
// and parses the peer lists they return (BEP 3, BEP 15, BEP 23).
package tracker

import (
	"context"
	"errors"
	"net"
	"time"
)

// NumWant is the number of peers requested in an announce, when the
// caller does not need a specific count.
const NumWant = 50

// Tracker announces a torrent's progress and receives peer addresses
// in return.
type Tracker interface {
	Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error)
	URL() string
}

// Torrent carries the fields an announce request reports about the
// torrent being announced.
type Torrent struct {
	InfoHash        [20]byte
	PeerID          [20]byte
	Port            int
	BytesUploaded   int64
	BytesDownloaded int64
	BytesLeft       int64
}

// AnnounceRequest is passed to Tracker.Announce.
type AnnounceRequest struct {
	Torrent Torrent
	Event   Event
	NumWant int
}

// AnnounceResponse is the tracker's reply to an announce.
type AnnounceResponse struct {
	Interval    time.Duration
	MinInterval time.Duration
	Leechers    int32
	Seeders     int32
	Peers       []*net.TCPAddr
}

// Event is sent with an announce to mark a lifecycle transition.
type Event int32

// Announce events; the numeric values match the UDP tracker protocol.
const (
	EventNone Event = iota
	EventCompleted
	EventStarted
	EventStopped
)

var eventNames = [...]string{"empty", "completed", "started", "stopped"}

func (e Event) String() string { return eventNames[e] }

// ErrDecode is returned when a tracker's response cannot be parsed.
var ErrDecode = errors.New("tracker: cannot decode response")

// Error is a failure reason string sent by the tracker itself.
type Error string

func (e Error) Error() string { return string(e) }
