// Package resourcemanager sizes the piece store's open-file-handle
// budget from the process's file-descriptor rlimit, reserving headroom
// for peer sockets, grounded on the teacher's torrent/rlimit.go.
package resourcemanager

import "golang.org/x/sys/unix"

// PeerSocketReserve is subtracted from the file-descriptor rlimit before
// handing the remainder to the piece store as its open-file budget, so
// peer connections are never starved by file handles (spec.md §4.3).
const PeerSocketReserve = 600

// DefaultFileHandleBudget is used when the rlimit cannot be read.
const DefaultFileHandleBudget = 128

// FileHandleBudget returns the number of concurrently open backing files
// the piece store may hold, derived from RLIMIT_NOFILE minus
// PeerSocketReserve, floored at 8.
func FileHandleBudget() int {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return DefaultFileHandleBudget
	}
	budget := int(rl.Cur) - PeerSocketReserve
	if budget < 8 {
		budget = 8
	}
	return budget
}
