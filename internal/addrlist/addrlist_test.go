package addrlist

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func addr(ip string, port int) *net.TCPAddr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: port}
}

func TestPushPopOldestFirst(t *testing.T) {
	l := New(10)
	l.Push([]*net.TCPAddr{addr("1.2.3.4", 6881)}, nil)
	l.Push([]*net.TCPAddr{addr("5.6.7.8", 6881)}, nil)

	a := l.Pop()
	assert.Equal(t, "1.2.3.4:6881", a.String())
	b := l.Pop()
	assert.Equal(t, "5.6.7.8:6881", b.String())
	assert.Nil(t, l.Pop())
}

func TestPushSkipsZeroPortAndSelf(t *testing.T) {
	l := New(10)
	self := addr("127.0.0.1", 6881)
	l.Push([]*net.TCPAddr{
		addr("1.2.3.4", 0),
		addr("127.0.0.1", 6881),
		addr("9.9.9.9", 6881),
	}, self)
	assert.Equal(t, 1, l.Len())
}

func TestMarkFailedEvictsAfterMaxFailures(t *testing.T) {
	l := New(10)
	a := addr("1.2.3.4", 6881)
	for i := 0; i < MaxFailures; i++ {
		l.MarkFailed(a)
	}
	l.Push([]*net.TCPAddr{a}, nil)
	assert.Equal(t, 0, l.Len())
}

func TestMarkSucceededClearsFailures(t *testing.T) {
	l := New(10)
	a := addr("1.2.3.4", 6881)
	for i := 0; i < MaxFailures; i++ {
		l.MarkFailed(a)
	}
	l.MarkSucceeded(a)
	l.Push([]*net.TCPAddr{a}, nil)
	assert.Equal(t, 1, l.Len())
}

func TestCapEvictsOldest(t *testing.T) {
	l := New(1)
	l.Push([]*net.TCPAddr{addr("1.1.1.1", 1)}, nil)
	l.Push([]*net.TCPAddr{addr("2.2.2.2", 2)}, nil)
	assert.Equal(t, 1, l.Len())
	a := l.Pop()
	assert.Equal(t, "2.2.2.2:2", a.String())
}
