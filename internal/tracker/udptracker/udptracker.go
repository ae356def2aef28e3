// Package udptracker implements the UDP tracker protocol (BEP 15):
// connect/announce/scrape action codes over a single UDP socket per
// tracker, each request retried with capped exponential backoff.
package udptracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math/rand"
	"net"
	"net/url"
	"time"

	"github.com/Jagalite/superseedr/internal/logger"
	"github.com/Jagalite/superseedr/internal/tracker"
)

type action int32

const (
	actionConnect  action = 0
	actionAnnounce action = 1
	actionScrape   action = 2
	actionError    action = 3
)

const connectionIDMagic = 0x41727101980

type udpMessageHeader struct {
	Action        action
	TransactionID int32
}

type connectRequest struct {
	ConnectionID int64
	udpMessageHeader
}

type connectResponse struct {
	udpMessageHeader
	ConnectionID int64
}

type announceRequest struct {
	ConnectionID int64
	udpMessageHeader
	InfoHash   [20]byte
	PeerID     [20]byte
	Downloaded int64
	Left       int64
	Uploaded   int64
	Event      tracker.Event
	IP         uint32
	Key        uint32
	NumWant    int32
	Port       uint16
}

type announceResponseHeader struct {
	udpMessageHeader
	Interval int32
	Leechers int32
	Seeders  int32
}

// UDPTracker announces over a dedicated UDP socket to one tracker.
// Each Announce dials, connects, and announces in sequence; the
// connection id is not cached across calls, unlike the teacher's
// shared multiplexing transport, since this module announces to one
// tracker at a time rather than fanning many trackers over one socket.
type UDPTracker struct {
	rawURL string
	dest   string
	log    logger.Logger
}

var _ tracker.Tracker = (*UDPTracker)(nil)

// New returns a UDPTracker for u.
func New(rawURL string, u *url.URL) *UDPTracker {
	return &UDPTracker{
		rawURL: rawURL,
		dest:   u.Host,
		log:    logger.New("tracker " + u.Host),
	}
}

func (t *UDPTracker) URL() string { return t.rawURL }

// Announce performs a connect handshake followed by an announce
// request, retrying each with exponential backoff per BEP 15 (15 * 2^n
// seconds, up to 8 attempts), bounded by ctx.
func (t *UDPTracker) Announce(ctx context.Context, req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	conn, err := net.Dial("udp", t.dest)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	connID, err := t.connect(ctx, conn)
	if err != nil {
		return nil, err
	}

	return t.announce(ctx, conn, connID, req)
}

func (t *UDPTracker) connect(ctx context.Context, conn net.Conn) (int64, error) {
	txID := newTransactionID()
	req := connectRequest{
		ConnectionID: connectionIDMagic,
		udpMessageHeader: udpMessageHeader{
			Action:        actionConnect,
			TransactionID: txID,
		},
	}
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, req)

	data, err := t.roundTrip(ctx, conn, buf.Bytes(), 16)
	if err != nil {
		return 0, err
	}

	var resp connectResponse
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, &resp); err != nil {
		return 0, err
	}
	if resp.Action != actionConnect || resp.TransactionID != txID {
		return 0, errors.New("udptracker: mismatched connect response")
	}
	return resp.ConnectionID, nil
}

func (t *UDPTracker) announce(ctx context.Context, conn net.Conn, connID int64, req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	txID := newTransactionID()
	ar := announceRequest{
		ConnectionID: connID,
		udpMessageHeader: udpMessageHeader{
			Action:        actionAnnounce,
			TransactionID: txID,
		},
		InfoHash:   req.Torrent.InfoHash,
		PeerID:     req.Torrent.PeerID,
		Downloaded: req.Torrent.BytesDownloaded,
		Left:       req.Torrent.BytesLeft,
		Uploaded:   req.Torrent.BytesUploaded,
		Event:      req.Event,
		NumWant:    int32(numWant(req.NumWant)),
		Port:       uint16(req.Torrent.Port),
	}
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, ar)

	data, err := t.roundTrip(ctx, conn, buf.Bytes(), 20)
	if err != nil {
		return nil, err
	}

	var hdr announceResponseHeader
	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, err
	}
	if hdr.Action == actionError {
		return nil, tracker.Error(string(data[binary.Size(udpMessageHeader{}):]))
	}
	if hdr.Action != actionAnnounce || hdr.TransactionID != txID {
		return nil, errors.New("udptracker: mismatched announce response")
	}

	peers, err := tracker.DecodePeersCompact(data[binary.Size(hdr):])
	if err != nil {
		return nil, err
	}

	return &tracker.AnnounceResponse{
		Interval: time.Duration(hdr.Interval) * time.Second,
		Leechers: hdr.Leechers,
		Seeders:  hdr.Seeders,
		Peers:    peers,
	}, nil
}

// roundTrip sends req and waits for a response, retrying with the
// BEP 15 backoff schedule (15s, 30s, 60s, ... capped at 8 tries) until
// ctx is done.
func (t *UDPTracker) roundTrip(ctx context.Context, conn net.Conn, req []byte, minRespLen int) ([]byte, error) {
	buf := make([]byte, 2048)
	for n := 0; n < 8; n++ {
		timeout := 15 * time.Second * (1 << n)
		if _, err := conn.Write(req); err != nil {
			return nil, err
		}
		deadline := time.Now().Add(timeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}

		read, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue // timed out; retry with longer deadline
		}
		if read < minRespLen {
			continue
		}
		return buf[:read], nil
	}
	return nil, errors.New("udptracker: no response after retries")
}

func numWant(n int) int {
	if n <= 0 {
		return tracker.NumWant
	}
	return n
}

func newTransactionID() int32 {
	return rand.Int31()
}
