package session

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// controlServer is the rendezvous socket (spec.md §4.9): a unix-domain
// socket accepting newline-delimited commands, "add <magnet-or-path>"
// and "stop", each answered with a single "OK" or "ERR <message>"
// line. Grounded on the request/response shape of rpc/rpcserver, with
// the teacher's JSON-RPC codec replaced by the plain text protocol
// spec.md pins exactly.
type controlServer struct {
	s    *Session
	ln   net.Listener
	path string
}

func newControlServer(s *Session, path string) (*controlServer, error) {
	// A stale socket file from a crashed previous instance would make
	// Listen fail with "address already in use"; by the time New is
	// reached, cmd's ForwardOrBecomeInstance has already confirmed no
	// live instance answers at this path, so removing it is safe.
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("session: cannot listen on control socket: %w", err)
	}
	cs := &controlServer{s: s, ln: ln, path: path}
	go cs.run()
	return cs, nil
}

func (c *controlServer) run() {
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			return
		}
		go c.handle(conn)
	}
}

func (c *controlServer) handle(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}
	line := strings.TrimSpace(scanner.Text())
	fmt.Fprintln(conn, c.dispatch(line))
}

func (c *controlServer) dispatch(line string) string {
	switch {
	case line == "stop":
		go c.s.Stop()
		return "OK"
	case strings.HasPrefix(line, "add "):
		arg := strings.TrimSpace(strings.TrimPrefix(line, "add "))
		if arg == "" {
			return "ERR add requires a magnet URI or file path"
		}
		if _, err := c.s.Add(arg); err != nil {
			return "ERR " + err.Error()
		}
		return "OK"
	default:
		return "ERR unknown command"
	}
}

// Close stops accepting new connections and removes the socket file.
func (c *controlServer) Close() {
	c.ln.Close()
	os.Remove(c.path)
}

// ForwardOrBecomeInstance implements the CLI ingress contract
// (spec.md §4.9/"Command-line ingress"): if a running instance
// answers on socketPath, arg is forwarded to it and the caller should
// exit with the returned code. If none answers, the caller becomes the
// running instance when arg is empty, and otherwise exits with code 2.
// arg is empty when the binary was launched with no positional argument.
func ForwardOrBecomeInstance(socketPath, arg string) (becomeInstance bool, exitCode int) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		// No running instance. A stale socket file left behind by a
		// crashed process would otherwise block this process's own
		// Listen call, so it is removed here before deciding.
		os.Remove(socketPath)
		if arg == "" {
			return true, 0
		}
		return false, 2
	}
	defer conn.Close()

	if arg == "" {
		// A running instance exists and no command was given; this
		// binary ships no TUI renderer (spec.md §1's explicit
		// out-of-scope), so there is nothing further to attach.
		return false, 0
	}

	cmd := "add " + arg
	if arg == "stop-client" {
		cmd = "stop"
	}
	if _, err := fmt.Fprintln(conn, cmd); err != nil {
		return false, 1
	}
	resp, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return false, 1
	}
	if strings.HasPrefix(strings.TrimSpace(resp), "OK") {
		return false, 0
	}
	return false, 1
}
