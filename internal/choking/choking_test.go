package choking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type testPeer struct {
	interested bool
	choking    bool
	optimistic bool
	snubbed    bool
	download   int64
	upload     int64
}

func (p *testPeer) Choke()                   { p.choking = true }
func (p *testPeer) Unchoke()                 { p.choking = false }
func (p *testPeer) Choking() bool            { return p.choking }
func (p *testPeer) Interested() bool         { return p.interested }
func (p *testPeer) Snubbed() bool            { return p.snubbed }
func (p *testPeer) Optimistic() bool         { return p.optimistic }
func (p *testPeer) SetOptimistic(v bool)     { p.optimistic = v }
func (p *testPeer) DownloadSpeed() int64     { return p.download }
func (p *testPeer) UploadSpeed() int64       { return p.upload }

func TestTickUnchokesFastestTwo(t *testing.T) {
	peers := []*testPeer{
		{interested: true, choking: true, download: 1},
		{interested: true, choking: true, download: 2},
		{interested: true, choking: true, download: 4},
		{choking: true},
	}
	all := make([]Peer, len(peers))
	for i := range peers {
		all[i] = peers[i]
	}
	s := New(2, 1)
	s.round = 1 // force a non-optimistic round
	s.Tick(all, false)

	assert.False(t, peers[1].choking)
	assert.False(t, peers[2].choking)
	assert.True(t, peers[0].choking)
	assert.True(t, peers[3].choking)
}

func TestTickSkipsSnubbedPeer(t *testing.T) {
	peers := []*testPeer{
		{interested: true, choking: true, download: 100, snubbed: true},
		{interested: true, choking: true, download: 1},
	}
	all := make([]Peer, len(peers))
	for i := range peers {
		all[i] = peers[i]
	}
	s := New(1, 0)
	s.round = 1
	s.Tick(all, false)

	assert.True(t, peers[0].choking)
	assert.False(t, peers[1].choking)
}

func TestOptimisticRoundGrantsExtraSlot(t *testing.T) {
	peers := []*testPeer{
		{interested: true, choking: true, download: 5},
		{interested: true, choking: true},
	}
	all := make([]Peer, len(peers))
	for i := range peers {
		all[i] = peers[i]
	}
	s := New(1, 1)
	s.round = 0
	s.Tick(all, false)

	assert.False(t, peers[0].choking)
	assert.False(t, peers[1].choking)
	assert.True(t, peers[1].optimistic)
}

func TestFastUnchokeGrantsFreeSlotImmediately(t *testing.T) {
	pe := &testPeer{interested: true, choking: true}
	s := New(2, 0)
	s.FastUnchoke(pe)
	assert.False(t, pe.choking)
}
