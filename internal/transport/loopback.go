package transport

import (
	"math/rand"
	"time"
)

// packet is one write handed to the loopback backend's internal queue.
type packet struct {
	data []byte
}

// Loopback is an in-process backend used to validate the reliability layer
// deterministically: it injects configurable delay, jitter, byte corruption
// and packet loss instead of talking to any real device.
type Loopback struct {
	base

	cfg Config

	sendCh chan packet
	recvCh chan packet
	stopCh chan struct{}

	asyncStop chan struct{}
	asyncDone chan struct{}

	rng *rand.Rand

	injectedLoss  uint64
	injectedCorr  uint64
}

// NewLoopback returns a fresh, closed Loopback backend.
func NewLoopback() *Loopback {
	return &Loopback{base: newBase(), rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (l *Loopback) Open(cfg Config) error {
	l.mu.Lock()
	if l.state != StateClosed && l.state != StateError {
		l.mu.Unlock()
		return errf(AlreadyOpen, "loopback already open")
	}
	l.mu.Unlock()

	l.setState(StateOpening)
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 1024
	}
	l.cfg = cfg
	l.sendCh = make(chan packet, cfg.MaxQueueSize)
	l.recvCh = make(chan packet, cfg.MaxQueueSize)
	l.stopCh = make(chan struct{})

	go l.deliveryWorker()

	l.setState(StateOpen)
	return nil
}

// deliveryWorker moves packets from the send queue to the receive queue
// after the configured delay/jitter, dropping or corrupting them per the
// configured rates.
func (l *Loopback) deliveryWorker() {
	for {
		select {
		case <-l.stopCh:
			return
		case p, ok := <-l.sendCh:
			if !ok {
				return
			}
			delay := time.Duration(l.cfg.DelayMS) * time.Millisecond
			if l.cfg.JitterMaxMS > 0 {
				delay += time.Duration(l.rng.Intn(l.cfg.JitterMaxMS)) * time.Millisecond
			}
			if delay > 0 {
				t := time.NewTimer(delay)
				select {
				case <-t.C:
				case <-l.stopCh:
					t.Stop()
					return
				}
			}

			if l.cfg.PacketLossRatePercent > 0 && l.rng.Float64()*100 < l.cfg.PacketLossRatePercent {
				l.injectedLoss++
				continue
			}
			if l.cfg.ErrorRatePercent > 0 && len(p.data) > 0 {
				out := append([]byte(nil), p.data...)
				corrupted := false
				for i := range out {
					if l.rng.Float64()*100 < l.cfg.ErrorRatePercent {
						out[i] ^= byte(1 << uint(l.rng.Intn(8)))
						corrupted = true
					}
				}
				if corrupted {
					l.injectedCorr++
				}
				p.data = out
			}

			select {
			case l.recvCh <- p:
			case <-l.stopCh:
				return
			}
		}
	}
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	l.setState(StateClosing)
	l.StopAsyncRead()
	close(l.stopCh)
	l.setState(StateClosed)
	return nil
}

func (l *Loopback) Write(data []byte) (int, error) {
	if l.State() != StateOpen {
		return 0, errf(NotOpen, "loopback not open")
	}
	buf := append([]byte(nil), data...)
	select {
	case l.sendCh <- packet{data: buf}:
		l.stats.onSend(len(data))
		return len(data), nil
	default:
		l.reportError(Busy, "loopback send queue full")
		return 0, errf(Busy, "loopback send queue full")
	}
}

func (l *Loopback) Read(buf []byte, timeout time.Duration) (int, error) {
	if l.State() != StateOpen {
		return 0, errf(NotOpen, "loopback not open")
	}
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timeoutCh = timer.C
		defer timer.Stop()
	}
	select {
	case p, ok := <-l.recvCh:
		if !ok {
			return 0, errf(ConnectionClosed, "loopback closed")
		}
		n := copy(buf, p.data)
		l.stats.onReceive(n)
		return n, nil
	case <-timeoutCh:
		return 0, errf(Timeout, "loopback read timeout")
	case <-l.stopCh:
		return 0, errf(ConnectionClosed, "loopback closed")
	}
}

func (l *Loopback) StartAsyncRead() error {
	if l.State() != StateOpen {
		return errf(NotOpen, "loopback not open")
	}
	l.mu.Lock()
	if l.asyncStop != nil {
		l.mu.Unlock()
		return nil
	}
	l.asyncStop = make(chan struct{})
	l.asyncDone = make(chan struct{})
	stop := l.asyncStop
	done := l.asyncDone
	l.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case p, ok := <-l.recvCh:
				if !ok {
					return
				}
				l.stats.onReceive(len(p.data))
				l.deliverData(p.data)
			}
		}
	}()
	return nil
}

func (l *Loopback) StopAsyncRead() error {
	l.mu.Lock()
	stop := l.asyncStop
	done := l.asyncDone
	l.asyncStop = nil
	l.asyncDone = nil
	l.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (l *Loopback) Flush() error { return nil }

func (l *Loopback) Available() int {
	return len(l.recvCh)
}

var _ Transport = (*Loopback)(nil)
