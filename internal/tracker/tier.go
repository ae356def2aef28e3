package tracker

import (
	"context"
	"math/rand"
	"sync/atomic"
)

// Tier is a multi-tracker tier (BEP 12): on announce failure it
// advances to the next tracker in the tier and sticks with it until
// that one fails too.
type Tier struct {
	Trackers []Tracker
	index    int32
}

var _ Tracker = (*Tier)(nil)

// NewTier returns a Tier with its trackers shuffled, per BEP 12's
// recommendation to randomize tracker order within a tier.
func NewTier(trackers []Tracker) *Tier {
	rand.Shuffle(len(trackers), func(i, j int) { trackers[i], trackers[j] = trackers[j], trackers[i] })
	return &Tier{Trackers: trackers}
}

// Announce tries the current tracker; on failure it advances to the
// next one for subsequent calls.
func (t *Tier) Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error) {
	index := t.loadIndex()
	resp, err := t.Trackers[index].Announce(ctx, req)
	if err != nil {
		atomic.CompareAndSwapInt32(&t.index, index, index+1)
	}
	return resp, err
}

// URL returns the URL of the tracker currently in use.
func (t *Tier) URL() string { return t.Trackers[t.loadIndex()].URL() }

func (t *Tier) loadIndex() int32 {
	index := atomic.LoadInt32(&t.index)
	if index >= int32(len(t.Trackers)) {
		index = 0
	}
	return index
}
