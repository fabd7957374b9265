package session

import (
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/portmaster-go/portmaster/internal/cache"
	"github.com/portmaster-go/portmaster/internal/reliable"
	"github.com/portmaster-go/portmaster/internal/transport"
)

// Callbacks are the host-marshaled hooks a shell installs on a Controller;
// all fire from worker goroutines, matching spec.md §6's contract that the
// host (not the core) marshals to its own UI thread.
type Callbacks struct {
	OnDataReceived func(data []byte)
	OnProgress     func(done, total uint64)
	OnCompletion   func(success bool, reason string)
	OnStateChanged func(from, to ApplicationState)
	OnError        func(err error)
	OnLog          func(level, msg string)
}

const teardownPollCap = 3 * time.Second

// Controller is PortSessionController: it owns a Transport and, in
// reliable mode, a reliable.Channel layered on top, plus the ReceiveCache
// that raw or delivered bytes land in.
type Controller struct {
	*stateMachine
	log *log.Logger
	cb  Callbacks

	mu        sync.Mutex
	tp        transport.Transport
	channel   *reliable.Channel
	recvCache *cache.ReceiveCache
	reliable  bool
}

// New builds an idle Controller. logger may be nil (log.Default() is used).
func New(logger *log.Logger, cb Callbacks) *Controller {
	if logger == nil {
		logger = log.Default()
	}
	c := &Controller{stateMachine: newStateMachine(), log: logger, cb: cb}
	if err := c.transition(Ready); err != nil {
		c.log.Printf("session: unexpected init transition failure: %v", err)
	}
	return c
}

// Connect opens tpCfg's backend and, if relCfg is non-nil, layers a
// reliable.Channel on top and connects it. Raw-mode received bytes are
// forwarded straight into the receive cache; reliable-mode bytes are
// delivered through the channel's own OnData callback, which lands in the
// same cache so StartReceiveSession behaves identically either way.
func (c *Controller) Connect(portType transport.PortType, tpCfg transport.Config, relCfg *reliable.Config) error {
	if err := c.transition(Connecting); err != nil {
		return err
	}

	tp, err := transport.New(portType)
	if err != nil {
		c.forceError()
		return errors.Wrap(err, "session: build transport")
	}
	if err := tp.Open(tpCfg); err != nil {
		c.forceError()
		return errors.Wrap(err, "session: open transport")
	}

	rc := cache.New(c.log)
	if err := rc.Initialize(); err != nil {
		tp.Close()
		c.forceError()
		return errors.Wrap(err, "session: initialize receive cache")
	}

	var ch *reliable.Channel
	if relCfg != nil {
		chCb := reliable.Callbacks{
			OnData: func(data []byte) {
				if err := rc.Append(data); err != nil {
					c.fireError(errors.Wrap(err, "session: cache append"))
				}
				if c.cb.OnDataReceived != nil {
					c.cb.OnDataReceived(data)
				}
			},
			OnProgress: func(done, total uint64) {
				if c.cb.OnProgress != nil {
					c.cb.OnProgress(done, total)
				}
			},
			OnCompletion: func(success bool, reason string) {
				if c.cb.OnCompletion != nil {
					c.cb.OnCompletion(success, reason)
				}
			},
			OnError: func(err error) { c.fireError(err) },
		}
		ch, err = reliable.New(*relCfg, tp, chCb)
		if err != nil {
			rc.Shutdown()
			tp.Close()
			c.forceError()
			return errors.Wrap(err, "session: construct reliable channel")
		}
		ch.Connect()
	} else {
		tp.SetCallbacks(transport.Callbacks{
			OnDataReceived: func(data []byte) {
				if err := rc.Append(data); err != nil {
					c.fireError(errors.Wrap(err, "session: cache append"))
					return
				}
				if c.cb.OnDataReceived != nil {
					c.cb.OnDataReceived(data)
				}
			},
			OnError: func(kind transport.ErrorKind, msg string) {
				c.fireError(errors.Errorf("session: transport error: %s: %s", kind, msg))
			},
		})
	}

	c.mu.Lock()
	c.tp = tp
	c.channel = ch
	c.recvCache = rc
	c.reliable = relCfg != nil
	c.mu.Unlock()

	return c.transition(Connected)
}

// StartReceiveSession begins async reads on the raw transport. In reliable
// mode the channel's own worker loop already reads continuously once
// Connect() is called, so this is a no-op there.
func (c *Controller) StartReceiveSession() error {
	c.mu.Lock()
	tp, reliableMode := c.tp, c.reliable
	c.mu.Unlock()
	if tp == nil {
		return errors.New("session: not connected")
	}
	if reliableMode {
		return nil
	}
	return tp.StartAsyncRead()
}

// Transmit moves to the Transmitting state; the caller drives an actual
// transmission.Coordinator separately and calls FinishTransmit when done.
func (c *Controller) Transmit() error { return c.transition(Transmitting) }

// FinishTransmit returns from Transmitting back to Connected.
func (c *Controller) FinishTransmit() error { return c.transition(Connected) }

// Pause/Resume mirror a TransmissionTask pause onto the session state.
func (c *Controller) Pause() error  { return c.transition(Paused) }
func (c *Controller) Resume() error { return c.transition(Transmitting) }

// Disconnect tears both layers down in reverse order: cancel has already
// happened at the task layer by the time this runs (spec.md §5's teardown
// sequence starts there); this method covers transport/channel/cache.
func (c *Controller) Disconnect() error {
	if err := c.transition(Disconnecting); err != nil {
		return err
	}

	c.mu.Lock()
	ch, tp, rc := c.channel, c.tp, c.recvCache
	c.channel, c.tp, c.recvCache = nil, nil, nil
	c.mu.Unlock()

	if ch != nil {
		done := make(chan struct{})
		go func() { ch.Shutdown(); close(done) }()
		select {
		case <-done:
		case <-time.After(teardownPollCap):
			c.log.Printf("session: channel shutdown exceeded teardown cap")
		}
	}
	if rc != nil {
		if err := rc.Shutdown(); err != nil {
			c.log.Printf("session: cache shutdown: %v", err)
		}
	}
	if tp != nil {
		if err := tp.Close(); err != nil {
			c.log.Printf("session: transport close: %v", err)
		}
	}

	return c.transition(Ready)
}

// Shutdown is the terminal, idempotent teardown spec.md §5 describes for
// application exit: disconnect if still connected, then move to Shutdown.
func (c *Controller) Shutdown() error {
	st := c.State()
	if st == Shutdown {
		return nil
	}
	if st != Ready {
		if err := c.Disconnect(); err != nil {
			c.log.Printf("session: disconnect during shutdown: %v", err)
		}
	}
	return c.transition(Shutdown)
}

// Transport returns the current backend, or nil if not connected.
func (c *Controller) Transport() transport.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tp
}

// Channel returns the current reliable channel, or nil in raw mode / not
// connected.
func (c *Controller) Channel() *reliable.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// Cache returns the receive cache backing this session, or nil if not
// connected.
func (c *Controller) Cache() *cache.ReceiveCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recvCache
}

// transition wraps stateMachine.transition to fire OnStateChanged on
// success, matching spec.md §6's contract that state-changed callbacks
// fire from worker goroutines.
func (c *Controller) transition(next ApplicationState) error {
	from := c.stateMachine.State()
	if err := c.stateMachine.transition(next); err != nil {
		return err
	}
	if c.cb.OnStateChanged != nil {
		c.cb.OnStateChanged(from, next)
	}
	return nil
}

func (c *Controller) fireError(err error) {
	from := c.stateMachine.State()
	c.stateMachine.forceError()
	if c.cb.OnStateChanged != nil && from != Error {
		c.cb.OnStateChanged(from, Error)
	}
	if c.cb.OnError != nil {
		c.cb.OnError(err)
	}
}
