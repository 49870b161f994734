package torrent

import (
	"context"
	"errors"
	"net"
	"strconv"
	"syscall"

	"github.com/anacrolix/missinggo"
	"golang.org/x/sys/unix"
)

// Listener accepts incoming peer connections on one address.
type Listener interface {
	Accept() (net.Conn, error)
	Addr() net.Addr
	Close() error
}

// Listen opens a TCP listener on addr, retrying with port 0 (OS-assigned)
// if the requested port is already in use. Adapted from the teacher's
// socket.go listenTcp/listenAllRetry — the uTP, UDP and WebRTC socket
// variants are dropped per Non-goals (TCP only is in scope).
func Listen(network, addr string) (Listener, error) {
	lc := net.ListenConfig{Control: controlSetReuseAddr}
	ctx := context.Background()
	l, err := lc.Listen(ctx, network, addr)
	if err == nil {
		return l, nil
	}
	if !missinggo.IsAddrInUse(err) {
		return nil, err
	}
	host, _, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		return nil, err
	}
	return lc.Listen(ctx, network, net.JoinHostPort(host, "0"))
}

// controlSetReuseAddr sets SO_REUSEADDR on the listening socket before
// bind, matching the teacher's own listenTcp Control callback — lets a
// restarted client rebind a just-closed listen port immediately.
func controlSetReuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// ListenAll opens a listener on addr for every network in networks (e.g.
// "tcp4", "tcp6"), skipping networks unsupported on the host rather than
// failing the whole call, mirroring the teacher's listenAll tolerance for
// per-family unsupported-network errors.
func ListenAll(networks []string, addr string) ([]Listener, error) {
	var out []Listener
	for _, network := range networks {
		l, err := Listen(network, addr)
		if err != nil {
			if isUnsupportedNetworkError(err) {
				continue
			}
			for _, opened := range out {
				opened.Close()
			}
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func isUnsupportedNetworkError(err error) bool {
	return errors.Is(err, syscall.EAFNOSUPPORT)
}

// ListenPort returns the TCP port a Listener is bound to.
func ListenPort(l Listener) (int, error) {
	_, portStr, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}
