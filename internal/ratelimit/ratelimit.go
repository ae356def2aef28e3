// Package ratelimit holds the two process-wide token buckets shared by
// every peer connection: one for outbound block payloads, one for
// inbound. A rate of zero means unlimited and is represented as a nil
// bucket, so call sites already written against *ratelimit.Bucket
// (internal/peerconn, internal/peerconn/peerreader,
// internal/peerconn/peerwriter) need no special-casing.
package ratelimit

import (
	"sync"

	"github.com/juju/ratelimit"
)

// Limiter owns the upload and download buckets for one session. Rates
// may be changed at runtime; Download and Upload always return the
// bucket currently in effect. A peer connection keeps the bucket it was
// created with, so a change applies to connections made after it.
type Limiter struct {
	mu       sync.RWMutex
	download *ratelimit.Bucket
	upload   *ratelimit.Bucket
}

// New creates a Limiter with the given initial rates, in bytes per
// second. A rate of zero means unlimited.
func New(downloadRate, uploadRate int64) *Limiter {
	l := &Limiter{}
	l.SetDownloadRate(downloadRate)
	l.SetUploadRate(uploadRate)
	return l
}

// SetDownloadRate changes the download bucket's rate. Zero means
// unlimited.
func (l *Limiter) SetDownloadRate(bytesPerSec int64) {
	l.mu.Lock()
	l.download = newBucket(bytesPerSec)
	l.mu.Unlock()
}

// SetUploadRate changes the upload bucket's rate. Zero means unlimited.
func (l *Limiter) SetUploadRate(bytesPerSec int64) {
	l.mu.Lock()
	l.upload = newBucket(bytesPerSec)
	l.mu.Unlock()
}

// Download returns the current download bucket, or nil if unlimited.
func (l *Limiter) Download() *ratelimit.Bucket {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.download
}

// Upload returns the current upload bucket, or nil if unlimited.
func (l *Limiter) Upload() *ratelimit.Bucket {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.upload
}

func newBucket(bytesPerSec int64) *ratelimit.Bucket {
	if bytesPerSec <= 0 {
		return nil
	}
	// Capacity equal to one second's worth of traffic: bursts up to the
	// configured rate are allowed.
	return ratelimit.NewBucketWithRate(float64(bytesPerSec), bytesPerSec)
}
