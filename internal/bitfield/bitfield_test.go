package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetClearTest(t *testing.T) {
	b := New(10)
	assert.False(t, b.Test(0))
	b.Set(0)
	assert.True(t, b.Test(0))
	b.Clear(0)
	assert.False(t, b.Test(0))
}

func TestMSBFirst(t *testing.T) {
	b := New(8)
	b.Set(0)
	assert.Equal(t, byte(0x80), b.Bytes()[0])
}

func TestCountAndAll(t *testing.T) {
	b := New(3)
	assert.False(t, b.All())
	b.Set(0)
	b.Set(1)
	b.Set(2)
	assert.EqualValues(t, 3, b.Count())
	assert.True(t, b.All())
}

func TestNewBytesClearsUnusedTail(t *testing.T) {
	raw := []byte{0xff}
	b := NewBytes(raw, 3)
	assert.EqualValues(t, 3, b.Count())
}

func TestSubsetOf(t *testing.T) {
	a := New(4)
	a.Set(1)
	other := New(4)
	other.Set(1)
	other.Set(2)
	assert.True(t, a.SubsetOf(&other))
	a.Set(3)
	assert.False(t, a.SubsetOf(&other))
}
