package transport

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// TCP implements the client/server TCP backend. In server mode only the
// first accepted connection is used, matching spec.md §4.2.2.
type TCP struct {
	base

	cfg      Config
	listener net.Listener
	conn     net.Conn

	acceptDone chan struct{}
	asyncStop  chan struct{}
	asyncDone  chan struct{}
}

func NewTCP() *TCP {
	return &TCP{base: newBase()}
}

func (t *TCP) Open(cfg Config) error {
	t.mu.Lock()
	if t.state != StateClosed && t.state != StateError {
		t.mu.Unlock()
		return errf(AlreadyOpen, "tcp already open")
	}
	t.mu.Unlock()

	t.setState(StateOpening)
	t.cfg = cfg
	addr := fmt.Sprintf("%s:%d", cfg.IP, cfg.Port)

	if cfg.IsServer {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			t.setState(StateError)
			return errf(OpenFailed, "listen %s: %v", addr, err)
		}
		t.listener = ln
		t.acceptDone = make(chan struct{})
		go t.acceptLoop()
		t.setState(StateOpen)
		return nil
	}

	timeout := time.Duration(cfg.WriteTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		t.setState(StateError)
		return errf(OpenFailed, "dial %s: %v", addr, err)
	}
	t.conn = conn
	t.setState(StateOpen)
	return nil
}

// acceptLoop accepts exactly one connection and then returns; the listener
// stays open until Close, so later connection attempts may sit in the OS
// backlog but are never accepted or used by this backend.
func (t *TCP) acceptLoop() {
	defer close(t.acceptDone)
	conn, err := t.listener.Accept()
	if err != nil {
		t.reportError(OpenFailed, errors.Wrap(err, "accept").Error())
		return
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
}

func (t *TCP) Close() error {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return nil
	}
	conn, ln := t.conn, t.listener
	t.mu.Unlock()

	t.setState(StateClosing)
	t.StopAsyncRead()
	if conn != nil {
		_ = conn.Close()
	}
	if ln != nil {
		_ = ln.Close()
	}
	t.setState(StateClosed)
	return nil
}

func (t *TCP) currentConn() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// ActualAddr returns the listener's bound address, useful when the caller
// opened with Port=0 and needs to discover the OS-assigned ephemeral port
// (tests do this to avoid fixed-port flakiness).
func (t *TCP) ActualAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return t.listener.Addr()
	}
	if t.conn != nil {
		return t.conn.LocalAddr()
	}
	return nil
}

func (t *TCP) Write(data []byte) (int, error) {
	conn := t.currentConn()
	if conn == nil || t.State() != StateOpen {
		return 0, errf(NotOpen, "tcp not connected")
	}
	n, err := conn.Write(data)
	if err != nil {
		t.reportError(WriteFailed, err.Error())
		return n, errf(WriteFailed, "%v", err)
	}
	t.stats.onSend(n)
	return n, nil
}

func (t *TCP) Read(buf []byte, timeout time.Duration) (int, error) {
	conn := t.currentConn()
	if conn == nil || t.State() != StateOpen {
		return 0, errf(NotOpen, "tcp not connected")
	}
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		defer conn.SetReadDeadline(time.Time{})
	}
	n, err := conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, errf(Timeout, "tcp read timeout")
		}
		t.reportError(ReadFailed, err.Error())
		return n, errf(ConnectionClosed, "%v", err)
	}
	t.stats.onReceive(n)
	return n, nil
}

func (t *TCP) StartAsyncRead() error {
	if t.State() != StateOpen {
		return errf(NotOpen, "tcp not connected")
	}
	t.mu.Lock()
	if t.asyncStop != nil {
		t.mu.Unlock()
		return nil
	}
	t.asyncStop = make(chan struct{})
	t.asyncDone = make(chan struct{})
	stop, done := t.asyncStop, t.asyncDone
	t.mu.Unlock()

	go func() {
		defer close(done)
		buf := make([]byte, 65536)
		for {
			select {
			case <-stop:
				return
			default:
			}
			conn := t.currentConn()
			if conn == nil {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
			n, err := conn.Read(buf)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				if isClosedConnErr(err) {
					return
				}
				t.reportError(ReadFailed, err.Error())
				t.setState(StateError)
				return
			}
			if n > 0 {
				t.stats.onReceive(n)
				data := append([]byte(nil), buf[:n]...)
				t.deliverData(data)
			}
		}
	}()
	return nil
}

func (t *TCP) StopAsyncRead() error {
	t.mu.Lock()
	stop, done := t.asyncStop, t.asyncDone
	t.asyncStop, t.asyncDone = nil, nil
	t.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (t *TCP) Flush() error { return nil }

func (t *TCP) Available() int { return 0 }

func isClosedConnErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}

var _ Transport = (*TCP)(nil)
