package transmission

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/portmaster-go/portmaster/internal/reliable"
	"github.com/portmaster-go/portmaster/internal/transport"
)

// Config bundles the knobs a Coordinator needs to size a task, independent
// of which subtype it ends up building.
type Config struct {
	ChunkSize              int
	ProgressUpdateInterval time.Duration
	RawMaxRetries          int
	RawRetryDelay          time.Duration
}

// DefaultConfig mirrors reliable.DefaultConfig's role: sane defaults for a
// Coordinator that hasn't been given an explicit Config.
func DefaultConfig() Config {
	return Config{
		ChunkSize:              4096,
		ProgressUpdateInterval: 200 * time.Millisecond,
		RawMaxRetries:          3,
		RawRetryDelay:          100 * time.Millisecond,
	}
}

// Coordinator owns at most one in-flight Task at a time, picking whether
// that task rides a reliable.Channel or writes a Transport directly based
// on which layer is actually connected (spec.md §4.4).
type Coordinator struct {
	cfg Config

	mu   sync.Mutex
	task *Task
}

// NewCoordinator builds a Coordinator with the given task-sizing config.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{cfg: cfg}
}

// Submit builds exactly one Task for data and starts it. reliableChannel
// may be nil; tp must not be. If a reliable channel is supplied and
// reports itself connected, its ARQ path is used; otherwise data is
// written directly to tp.
func (co *Coordinator) Submit(data []byte, reliableChannel *reliable.Channel, tp transport.Transport, cb Callbacks) (*Task, error) {
	co.mu.Lock()
	defer co.mu.Unlock()

	if co.task != nil {
		if st := co.task.State(); st == Running || st == Paused {
			return nil, errors.New("transmission: a task is already running on this coordinator")
		}
	}

	var task *Task
	switch {
	case reliableChannel != nil && reliableChannel.IsConnected():
		task = NewReliableTask(reliableChannel, co.cfg.ChunkSize, co.cfg.ProgressUpdateInterval, cb)
	case tp != nil:
		task = NewRawTask(tp, co.cfg.ChunkSize, co.cfg.ProgressUpdateInterval, co.cfg.RawMaxRetries, co.cfg.RawRetryDelay, cb)
	default:
		return nil, errors.New("transmission: neither a connected reliable channel nor an open transport is available")
	}

	if err := task.Start(data); err != nil {
		return nil, err
	}
	co.task = task
	return task, nil
}

// Current returns the most recently submitted task, or nil if none has run.
func (co *Coordinator) Current() *Task {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.task
}

// Cancel cancels the current task, if any. It's a no-op if nothing is running.
func (co *Coordinator) Cancel() {
	co.mu.Lock()
	task := co.task
	co.mu.Unlock()
	if task != nil {
		task.Cancel()
	}
}
