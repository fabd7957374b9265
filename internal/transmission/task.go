package transmission

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/portmaster-go/portmaster/internal/reliable"
	"github.com/portmaster-go/portmaster/internal/transport"
)

// TaskState enumerates the TransmissionTask lifecycle (spec.md §3/§4.4).
type TaskState int32

const (
	Ready TaskState = iota
	Running
	Paused
	Cancelled
	Completed
	Failed
)

func (s TaskState) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Paused:
		return "Paused"
	case Cancelled:
		return "Cancelled"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Callbacks mirrors the teacher's style of a flat struct of optional hooks
// (see reliable.Callbacks) rather than an observer interface.
type Callbacks struct {
	OnProgress func(Progress)
	OnComplete func(Result)
}

// chunkSender is the "subclass hook" spec.md describes: a TransmissionTask
// is generic over how a chunk actually leaves the box. ReliableTask and
// RawTask differ only in which sender they're built with.
type chunkSender interface {
	// sendChunk delivers one chunk, or returns an error that fails the task.
	sendChunk(chunk []byte) error
	// finish runs once after every chunk has been handed to sendChunk, to
	// let the reliable path wait out ACKs before declaring Completed. cancel
	// is closed if the task is cancelled while finish is waiting.
	finish(cancel <-chan struct{}) error
	// doneBytes reports how many bytes should be considered delivered for
	// progress purposes so far. queued is the number of bytes handed to
	// sendChunk so far; a sender with no stronger delivery signal than
	// "handed to the transport" returns queued unchanged, while a sender
	// backed by an ARQ channel returns its bytes-ACKed counter instead, per
	// spec.md §4.3's "progress is reported by bytes-ACKed, not
	// bytes-queued" requirement.
	doneBytes(queued uint64) uint64
}

const pauseCancelPollInterval = 50 * time.Millisecond

// Task drives cfg.ChunkSize-sized pieces of a payload through a chunkSender,
// honoring pause/cancel between chunks and throttling progress reports.
type Task struct {
	sender    chunkSender
	chunkSize int
	cb        Callbacks
	throttle  *ProgressThrottle

	mu    sync.Mutex
	state TaskState

	cancelOnce sync.Once
	cancelCh   chan struct{}

	bytesTotal uint64
	bytesDone  uint64 // atomic

	startTime time.Time

	completionOnce sync.Once
	wg             sync.WaitGroup
}

func newTask(sender chunkSender, chunkSize int, progressInterval time.Duration, cb Callbacks) *Task {
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	return &Task{
		sender:    sender,
		chunkSize: chunkSize,
		cb:        cb,
		throttle:  NewProgressThrottle(progressInterval),
		cancelCh:  make(chan struct{}),
		state:     Ready,
	}
}

// NewReliableTask builds a Task that submits chunks to a connected
// reliable.Channel, completing only once the channel reports every
// submitted chunk has cleared its send window (ACKed or definitively
// failed).
func NewReliableTask(ch *reliable.Channel, chunkSize int, progressInterval time.Duration, cb Callbacks) *Task {
	return newTask(&reliableSender{channel: ch}, chunkSize, progressInterval, cb)
}

// NewRawTask builds a Task that writes chunks directly to a Transport,
// retrying on a Busy backend up to maxRetries times with retryDelay
// between attempts.
func NewRawTask(tp transport.Transport, chunkSize int, progressInterval time.Duration, maxRetries int, retryDelay time.Duration, cb Callbacks) *Task {
	return newTask(&rawSender{tp: tp, maxRetries: maxRetries, retryDelay: retryDelay}, chunkSize, progressInterval, cb)
}

// State returns the task's current lifecycle state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Start launches the worker goroutine over data and returns immediately.
// It fails if the task isn't in the Ready state.
func (t *Task) Start(data []byte) error {
	t.mu.Lock()
	if t.state != Ready {
		st := t.state
		t.mu.Unlock()
		return errors.Errorf("transmission: cannot start task in state %s", st)
	}
	t.state = Running
	t.startTime = time.Now()
	t.bytesTotal = uint64(len(data))
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run(data)
	return nil
}

// Wait blocks until the task reaches a terminal state. Tests use this; a
// live caller normally just consumes OnComplete instead.
func (t *Task) Wait() { t.wg.Wait() }

func (t *Task) run(data []byte) {
	defer t.wg.Done()

	offset := 0
	for offset < len(data) {
		select {
		case <-t.cancelCh:
			t.finish(Cancelled, nil)
			return
		default:
		}
		if !t.waitWhilePaused() {
			t.finish(Cancelled, nil)
			return
		}

		end := offset + t.chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]
		if err := t.sender.sendChunk(chunk); err != nil {
			t.finish(Failed, err)
			return
		}
		offset = end
		atomic.StoreUint64(&t.bytesDone, t.sender.doneBytes(uint64(offset)))

		isFinal := offset == len(data)
		if t.throttle.Allow(time.Now(), isFinal) {
			t.reportProgress()
		}
	}

	if err := t.sender.finish(t.cancelCh); err != nil {
		t.finish(Failed, err)
		return
	}
	select {
	case <-t.cancelCh:
		t.finish(Cancelled, nil)
		return
	default:
	}
	// finish only returns once every queued chunk has cleared the sender
	// (ACKed, for a reliable sender), so bytesDone can now be pinned to the
	// sender's own final tally and reported one last time.
	atomic.StoreUint64(&t.bytesDone, t.sender.doneBytes(uint64(len(data))))
	t.reportProgress()
	t.finish(Completed, nil)
}

func (t *Task) reportProgress() {
	if t.cb.OnProgress == nil {
		return
	}
	t.cb.OnProgress(Progress{
		BytesDone:  atomic.LoadUint64(&t.bytesDone),
		BytesTotal: t.bytesTotal,
	})
}

// waitWhilePaused polls in short bursts while the task is Paused, staying
// responsive to cancellation. Returns false if cancelled while waiting.
func (t *Task) waitWhilePaused() bool {
	for {
		t.mu.Lock()
		st := t.state
		t.mu.Unlock()
		if st != Paused {
			return true
		}
		select {
		case <-t.cancelCh:
			return false
		case <-time.After(pauseCancelPollInterval):
		}
	}
}

// Pause transitions Running -> Paused. No-op error if not currently Running.
func (t *Task) Pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Running {
		return errors.Errorf("transmission: cannot pause task in state %s", t.state)
	}
	t.state = Paused
	return nil
}

// Resume transitions Paused -> Running.
func (t *Task) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Paused {
		return errors.Errorf("transmission: cannot resume task in state %s", t.state)
	}
	t.state = Running
	return nil
}

// Cancel requests termination and returns immediately; the worker observes
// it at the next chunk boundary (or pause-poll tick) and reports Cancelled.
func (t *Task) Cancel() {
	t.cancelOnce.Do(func() { close(t.cancelCh) })
	t.mu.Lock()
	if t.state == Ready || t.state == Running || t.state == Paused {
		t.state = Cancelled
	}
	t.mu.Unlock()
}

func (t *Task) finish(state TaskState, err error) {
	t.completionOnce.Do(func() {
		t.mu.Lock()
		t.state = state
		t.mu.Unlock()
		if t.cb.OnComplete != nil {
			t.cb.OnComplete(Result{FinalState: state, Err: err, Duration: time.Since(t.startTime)})
		}
	})
}

// reliableSender submits chunks to a reliable.Channel and waits for the
// channel's send window to drain before declaring the task done, since
// Channel.Send only guarantees the chunk was queued, not ACKed.
type reliableSender struct {
	channel *reliable.Channel
}

func (s *reliableSender) sendChunk(chunk []byte) error {
	if !s.channel.IsConnected() {
		return errors.New("transmission: reliable channel closed")
	}
	return s.channel.Send(chunk)
}

// doneBytes ignores queued and reports the channel's own bytes-ACKed
// counter, so progress never overshoots past what the peer has actually
// acknowledged (spec.md §4.3).
func (s *reliableSender) doneBytes(queued uint64) uint64 {
	return s.channel.BytesAcked()
}

const reliableFinishPoll = 20 * time.Millisecond

func (s *reliableSender) finish(cancel <-chan struct{}) error {
	before := s.channel.GetStats().Errors
	for s.channel.Pending() > 0 {
		select {
		case <-cancel:
			return nil
		case <-time.After(reliableFinishPoll):
		}
		if !s.channel.IsConnected() {
			break
		}
	}
	if s.channel.GetStats().Errors > before {
		return errors.New("transmission: reliable channel reported errors before completion")
	}
	return nil
}

// rawSender writes chunks directly to a Transport, retrying a Busy backend.
type rawSender struct {
	tp         transport.Transport
	maxRetries int
	retryDelay time.Duration
}

func (s *rawSender) sendChunk(chunk []byte) error {
	attempts := s.maxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		_, err := s.tp.Write(chunk)
		if err == nil {
			return nil
		}
		lastErr = err
		te, ok := err.(*transport.Error)
		if !ok || te.Kind != transport.Busy {
			return errors.Wrap(err, "transmission: raw write")
		}
		time.Sleep(s.retryDelay)
	}
	return errors.Wrap(lastErr, "transmission: raw write exhausted retries")
}

func (s *rawSender) finish(cancel <-chan struct{}) error { return nil }

// doneBytes reports queued unchanged: a raw write has no ARQ feedback
// channel, so "handed to the transport" is the strongest delivery signal
// available.
func (s *rawSender) doneBytes(queued uint64) uint64 { return queued }
