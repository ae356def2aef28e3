package pexlist

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPEXListAddDropFlush(t *testing.T) {
	l := New()
	l.Add(newAddr("1.1.1.1", 1))
	l.Add(newAddr("2.2.2.2", 2))
	l.Drop(newAddr("3.3.3.3", 3))

	added, dropped := l.Flush()
	assert.Equal(t, 12, len(added))
	assert.Equal(t, 6, len(dropped))

	added, dropped = l.Flush()
	assert.Equal(t, "", added)
	assert.Equal(t, "", dropped)
}

func TestPEXListAddCancelsDrop(t *testing.T) {
	l := New()
	addr := newAddr("1.1.1.1", 1)
	l.Drop(addr)
	l.Add(addr)

	added, dropped := l.Flush()
	assert.Equal(t, 6, len(added))
	assert.Equal(t, "", dropped)
}

func newAddr(ip string, port int) *net.TCPAddr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: port}
}
