// Package ratesample tracks exponentially-decaying transfer rates,
// used per-peer for the choking scheduler's throughput ranking and
// per-torrent for the session's reported speed.
package ratesample

import "github.com/rcrowley/go-metrics"

// Sampler is a one-minute exponentially-weighted moving average of a
// byte count, updated by Mark and read by Rate.
type Sampler struct {
	meter metrics.Meter
}

// New returns a running Sampler.
func New() *Sampler {
	return &Sampler{meter: metrics.NewMeter()}
}

// Mark records n bytes transferred just now.
func (s *Sampler) Mark(n int64) { s.meter.Mark(n) }

// Rate returns the current one-minute rate, in bytes per second.
func (s *Sampler) Rate() int64 { return int64(s.meter.Rate1()) }

// Stop releases the underlying meter's background goroutine.
func (s *Sampler) Stop() { s.meter.Stop() }
