package cache

import (
	"io"
	"sync"
)

// bufferedCopier is a memory-optimized streaming copy helper, adapted from
// the teacher's generic.Copy/CopyControl: one shared buffer, guarded by its
// own mutex, reused across every Read and CopyToFile call instead of
// allocating copyChunkSize bytes per call. The teacher's multiplexed-TCP
// fan-in branch (rawCopy) has no home here — this cache only ever streams
// between a local file and an io.Writer, never a net.TCPConn fan-in — so it
// is dropped; the WriterTo/ReaderFrom fast paths and the shared-buffer
// fallback are kept.
type bufferedCopier struct {
	mu  sync.Mutex
	buf []byte
}

func newBufferedCopier(size int) *bufferedCopier {
	return &bufferedCopier{buf: make([]byte, size)}
}

// copy streams src into dst using the shared buffer, honoring io.WriterTo
// and io.ReaderFrom fast paths first exactly as the teacher's Copy does.
func (c *bufferedCopier) copy(dst io.Writer, src io.Reader) (int64, error) {
	if wt, ok := src.(io.WriterTo); ok {
		return wt.WriteTo(dst)
	}
	if rt, ok := dst.(io.ReaderFrom); ok {
		return rt.ReadFrom(src)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return io.CopyBuffer(dst, src, c.buf)
}

// copyN streams up to n bytes of src into a freshly allocated []byte using
// the shared buffer for the underlying chunked reads.
func (c *bufferedCopier) copyN(src io.Reader, n int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]byte, 0, n)
	for len(out) < n {
		want := len(c.buf)
		if remaining := n - len(out); remaining < want {
			want = remaining
		}
		rn, rerr := src.Read(c.buf[:want])
		if rn > 0 {
			out = append(out, c.buf[:rn]...)
		}
		if rerr != nil {
			return out, rerr
		}
	}
	return out, nil
}
