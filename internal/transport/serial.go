package transport

import (
	"os"
	"time"

	"github.com/pkg/errors"
)

// Serial opens a named port with the platform serial API, configures
// baud/databits/parity/stopbits/flow, and delivers data via continuous
// asynchronous reads performed by a worker goroutine. Baud/parity/flow
// configuration is delegated to configureTermios, which is implemented per
// platform (see serial_linux.go / serial_other.go) — the Windows/POSIX
// dependency here is a platform detail, not part of the transport contract.
type Serial struct {
	base

	cfg  Config
	file *os.File

	asyncStop chan struct{}
	asyncDone chan struct{}
}

func NewSerial() *Serial {
	return &Serial{base: newBase()}
}

type modemLine int

const (
	modemLineDTR modemLine = iota
	modemLineRTS
)

func (s *Serial) Open(cfg Config) error {
	s.mu.Lock()
	if s.state != StateClosed && s.state != StateError {
		s.mu.Unlock()
		return errf(AlreadyOpen, "serial already open")
	}
	s.mu.Unlock()

	s.setState(StateOpening)
	f, err := os.OpenFile(cfg.PortName, os.O_RDWR|os.O_NOCTTY, 0)
	if err != nil {
		s.setState(StateError)
		return errf(OpenFailed, "open %s: %v", cfg.PortName, err)
	}

	if err := configureTermios(f, cfg); err != nil {
		_ = f.Close()
		s.setState(StateError)
		return errf(ConfigFailed, "%v", errors.WithStack(err))
	}

	s.cfg = cfg
	s.file = f
	s.setState(StateOpen)
	return nil
}

func (s *Serial) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	f := s.file
	s.mu.Unlock()

	s.setState(StateClosing)
	s.StopAsyncRead()
	if f != nil {
		_ = f.Close()
	}
	s.setState(StateClosed)
	return nil
}

func (s *Serial) Write(data []byte) (int, error) {
	if s.State() != StateOpen {
		return 0, errf(NotOpen, "serial not open")
	}
	deadline := time.Duration(s.cfg.WriteTimeoutMS) * time.Millisecond
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	_ = s.file.SetWriteDeadline(time.Now().Add(deadline))
	n, err := s.file.Write(data)
	if err != nil {
		s.reportError(WriteFailed, err.Error())
		return n, errf(WriteFailed, "%v", err)
	}
	s.stats.onSend(n)
	return n, nil
}

func (s *Serial) Read(buf []byte, timeout time.Duration) (int, error) {
	if s.State() != StateOpen {
		return 0, errf(NotOpen, "serial not open")
	}
	if timeout > 0 {
		_ = s.file.SetReadDeadline(time.Now().Add(timeout))
		defer s.file.SetReadDeadline(time.Time{})
	}
	n, err := s.file.Read(buf)
	if err != nil {
		if os.IsTimeout(err) {
			return 0, errf(Timeout, "serial read timeout")
		}
		s.reportError(ReadFailed, err.Error())
		return n, errf(ReadFailed, "%v", err)
	}
	s.stats.onReceive(n)
	return n, nil
}

func (s *Serial) StartAsyncRead() error {
	if s.State() != StateOpen {
		return errf(NotOpen, "serial not open")
	}
	s.mu.Lock()
	if s.asyncStop != nil {
		s.mu.Unlock()
		return nil
	}
	s.asyncStop = make(chan struct{})
	s.asyncDone = make(chan struct{})
	stop, done := s.asyncStop, s.asyncDone
	s.mu.Unlock()

	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = s.file.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
			n, err := s.file.Read(buf)
			if err != nil {
				if os.IsTimeout(err) {
					continue
				}
				s.reportError(ReadFailed, err.Error())
				s.setState(StateError)
				return
			}
			if n > 0 {
				s.stats.onReceive(n)
				data := append([]byte(nil), buf[:n]...)
				s.deliverData(data)
			}
		}
	}()
	return nil
}

func (s *Serial) StopAsyncRead() error {
	s.mu.Lock()
	stop, done := s.asyncStop, s.asyncDone
	s.asyncStop, s.asyncDone = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (s *Serial) Flush() error {
	if s.file == nil {
		return errf(NotOpen, "serial not open")
	}
	return flushTermios(s.file)
}

func (s *Serial) Available() int { return 0 }

// SetDTR and SetRTS expose the modem control lines; both are no-ops on
// platforms without a termios implementation (see serial_other.go).
func (s *Serial) SetDTR(on bool) error {
	if s.file == nil {
		return errf(NotOpen, "serial not open")
	}
	return setModemLine(s.file, modemLineDTR, on)
}

func (s *Serial) SetRTS(on bool) error {
	if s.file == nil {
		return errf(NotOpen, "serial not open")
	}
	return setModemLine(s.file, modemLineRTS, on)
}

var _ Transport = (*Serial)(nil)
