package transport

import (
	"fmt"
	"net"
	"time"
)

// UDP is a datagram-oriented backend: each Write maps to exactly one
// datagram, and each received datagram surfaces as exactly one callback
// invocation. It provides no reliability of its own — ReliableChannel
// supplies that when layered on top.
type UDP struct {
	base

	cfg    Config
	conn   *net.UDPConn
	peer   *net.UDPAddr // set once the first datagram arrives, for server mode replies

	asyncStop chan struct{}
	asyncDone chan struct{}
}

func NewUDP() *UDP {
	return &UDP{base: newBase()}
}

func (u *UDP) Open(cfg Config) error {
	u.mu.Lock()
	if u.state != StateClosed && u.state != StateError {
		u.mu.Unlock()
		return errf(AlreadyOpen, "udp already open")
	}
	u.mu.Unlock()

	u.setState(StateOpening)
	u.cfg = cfg

	if cfg.IsServer {
		addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf(":%d", cfg.Port))
		if err != nil {
			u.setState(StateError)
			return errf(InvalidConfig, "%v", err)
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			u.setState(StateError)
			return errf(OpenFailed, "%v", err)
		}
		u.conn = conn
	} else {
		addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.IP, cfg.Port))
		if err != nil {
			u.setState(StateError)
			return errf(InvalidConfig, "%v", err)
		}
		conn, err := net.DialUDP("udp", nil, addr)
		if err != nil {
			u.setState(StateError)
			return errf(OpenFailed, "%v", err)
		}
		u.conn = conn
		u.peer = addr
	}

	u.setState(StateOpen)
	return nil
}

func (u *UDP) Close() error {
	u.mu.Lock()
	if u.state == StateClosed {
		u.mu.Unlock()
		return nil
	}
	conn := u.conn
	u.mu.Unlock()

	u.setState(StateClosing)
	u.StopAsyncRead()
	if conn != nil {
		_ = conn.Close()
	}
	u.setState(StateClosed)
	return nil
}

func (u *UDP) Write(data []byte) (int, error) {
	if u.State() != StateOpen {
		return 0, errf(NotOpen, "udp not open")
	}
	u.mu.Lock()
	conn, peer := u.conn, u.peer
	u.mu.Unlock()

	var n int
	var err error
	if peer != nil && u.cfg.IsServer {
		n, err = conn.WriteToUDP(data, peer)
	} else {
		n, err = conn.Write(data)
	}
	if err != nil {
		u.reportError(WriteFailed, err.Error())
		return n, errf(WriteFailed, "%v", err)
	}
	u.stats.onSend(n)
	return n, nil
}

func (u *UDP) Read(buf []byte, timeout time.Duration) (int, error) {
	if u.State() != StateOpen {
		return 0, errf(NotOpen, "udp not open")
	}
	if timeout > 0 {
		_ = u.conn.SetReadDeadline(time.Now().Add(timeout))
		defer u.conn.SetReadDeadline(time.Time{})
	}
	n, addr, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, errf(Timeout, "udp read timeout")
		}
		u.reportError(ReadFailed, err.Error())
		return n, errf(ReadFailed, "%v", err)
	}
	if u.cfg.IsServer {
		u.mu.Lock()
		u.peer = addr
		u.mu.Unlock()
	}
	u.stats.onReceive(n)
	return n, nil
}

func (u *UDP) StartAsyncRead() error {
	if u.State() != StateOpen {
		return errf(NotOpen, "udp not open")
	}
	u.mu.Lock()
	if u.asyncStop != nil {
		u.mu.Unlock()
		return nil
	}
	u.asyncStop = make(chan struct{})
	u.asyncDone = make(chan struct{})
	stop, done := u.asyncStop, u.asyncDone
	u.mu.Unlock()

	go func() {
		defer close(done)
		buf := make([]byte, 65536)
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = u.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
			n, addr, err := u.conn.ReadFromUDP(buf)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				u.reportError(ReadFailed, err.Error())
				u.setState(StateError)
				return
			}
			if u.cfg.IsServer {
				u.mu.Lock()
				u.peer = addr
				u.mu.Unlock()
			}
			u.stats.onReceive(n)
			data := append([]byte(nil), buf[:n]...)
			u.deliverData(data)
		}
	}()
	return nil
}

func (u *UDP) StopAsyncRead() error {
	u.mu.Lock()
	stop, done := u.asyncStop, u.asyncDone
	u.asyncStop, u.asyncDone = nil, nil
	u.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (u *UDP) Flush() error { return nil }

func (u *UDP) Available() int { return 0 }

var _ Transport = (*UDP)(nil)
