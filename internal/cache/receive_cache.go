// Package cache implements ReceiveCache: a thread-safe, temp-file-backed
// accumulator for arbitrarily large received streams (spec.md §4.6).
package cache

import (
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

const copyChunkSize = 64 * 1024

// ReceiveCache accumulates bytes for one session without bounding memory:
// every append goes straight to a temp file, and reads stream back out of
// it. Only the cache's own mutex may touch the file.
type ReceiveCache struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	bad    bool
	log    *log.Logger
	total  uint64
	copier *bufferedCopier
}

// New returns an uninitialized cache; call Initialize before use. logger may
// be nil, in which case log.Default() is used (matching the teacher's bare
// log.Printf style rather than a structured logging framework).
func New(logger *log.Logger) *ReceiveCache {
	if logger == nil {
		logger = log.Default()
	}
	return &ReceiveCache{log: logger, copier: newBufferedCopier(copyChunkSize)}
}

// Initialize allocates a unique temp file with prefix "PM_" and opens it for
// binary append.
func (c *ReceiveCache) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tmp, err := os.CreateTemp("", "PM_*.bin")
	if err != nil {
		return errors.Wrap(err, "cache: create temp file")
	}
	path := tmp.Name()
	tmp.Close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		os.Remove(path)
		return errors.Wrap(err, "cache: open temp file for append")
	}
	c.path = path
	c.file = f
	c.bad = false
	atomic.StoreUint64(&c.total, 0)
	return nil
}

// Shutdown closes and deletes the backing file and clears counters. Callers
// must not use the cache afterward.
func (c *ReceiveCache) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.file != nil {
		err = c.file.Close()
		c.file = nil
	}
	if c.path != "" {
		if rmErr := os.Remove(c.path); rmErr != nil && !os.IsNotExist(rmErr) {
			if err == nil {
				err = rmErr
			}
		}
		c.path = ""
	}
	atomic.StoreUint64(&c.total, 0)
	c.bad = false
	return err
}

// Append writes data to the backing file, flushing and updating
// total_received_bytes atomically. It recovers from a previously-bad
// writer handle by reopening in append mode.
func (c *ReceiveCache) Append(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkAndRecoverLocked(); err != nil {
		return err
	}
	n, err := c.file.Write(data)
	if err != nil {
		c.bad = true
		return errors.Wrap(err, "cache: append")
	}
	if err := c.file.Sync(); err != nil {
		c.bad = true
		return errors.Wrap(err, "cache: flush")
	}
	atomic.AddUint64(&c.total, uint64(n))
	return nil
}

// Read seeks to offset and reads up to length bytes through an independent
// reader, while holding the same lock the writer uses. It detects — and
// logs — writes that land concurrently with the read.
func (c *ReceiveCache) Read(offset int64, length int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil, errors.New("cache: not initialized")
	}
	if err := c.file.Sync(); err != nil {
		return nil, errors.Wrap(err, "cache: flush before read")
	}
	before := atomic.LoadUint64(&c.total)

	r, err := os.Open(c.path)
	if err != nil {
		return nil, errors.Wrap(err, "cache: open for read")
	}
	defer r.Close()
	if _, err := r.Seek(offset, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "cache: seek")
	}

	out, rerr := c.copier.copyN(r, length)
	if rerr != nil && rerr != io.EOF {
		return nil, errors.Wrap(rerr, "cache: read")
	}

	if after := atomic.LoadUint64(&c.total); after != before {
		c.log.Printf("cache: concurrent write during read (before=%d after=%d)", before, after)
	}
	return out, nil
}

// CopyToFile streams the whole cache to targetPath through the shared
// copier (its WriterTo/ReaderFrom fast paths first), under the same lock,
// and returns the number of bytes written.
func (c *ReceiveCache) CopyToFile(targetPath string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return 0, errors.New("cache: not initialized")
	}
	if err := c.file.Sync(); err != nil {
		return 0, errors.Wrap(err, "cache: flush before copy")
	}
	src, err := os.Open(c.path)
	if err != nil {
		return 0, errors.Wrap(err, "cache: open for copy")
	}
	defer src.Close()

	dst, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, errors.Wrap(err, "cache: open destination")
	}
	defer dst.Close()

	written, err := c.copier.copy(dst, src)
	if err != nil {
		return written, errors.Wrap(err, "cache: copy")
	}
	return written, nil
}

// VerifyIntegrity reports whether the file size matches total_received_bytes.
func (c *ReceiveCache) VerifyIntegrity() (ok bool, fileSize int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return false, 0, errors.New("cache: not initialized")
	}
	info, statErr := os.Stat(c.path)
	if statErr != nil {
		return false, 0, errors.Wrap(statErr, "cache: stat")
	}
	total := int64(atomic.LoadUint64(&c.total))
	return info.Size() == total, info.Size(), nil
}

// CheckAndRecover reopens the writer in append mode if it was marked bad or
// closed out from under the cache.
func (c *ReceiveCache) CheckAndRecover() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkAndRecoverLocked()
}

func (c *ReceiveCache) checkAndRecoverLocked() error {
	if c.file != nil && !c.bad {
		return nil
	}
	if c.path == "" {
		return errors.New("cache: not initialized")
	}
	if c.file != nil {
		c.file.Close()
	}
	f, err := os.OpenFile(c.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.Wrap(err, "cache: reopen for append")
	}
	c.file = f
	c.bad = false
	return nil
}

// TotalReceivedBytes returns the monotonic byte counter.
func (c *ReceiveCache) TotalReceivedBytes() uint64 {
	return atomic.LoadUint64(&c.total)
}

// Path returns the backing temp file's path (for diagnostics/logging only).
func (c *ReceiveCache) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}
