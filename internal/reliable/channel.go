package reliable

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/portmaster-go/portmaster/internal/frame"
	"github.com/portmaster-go/portmaster/internal/transport"
)

// queuedChunk is one already-transformed (compressed/encrypted, or raw FEC
// shard) unit waiting for a sequence number. appLen is the application-level
// byte count it represents for ack-based progress reporting — 0 for chunks
// (e.g. FEC shards) that don't map onto a single Send() call.
type queuedChunk struct {
	payload []byte
	appLen  int
}

// Callbacks are invoked from the channel's internal goroutines, never while
// any internal lock is held, matching transport.Callbacks' contract.
type Callbacks struct {
	OnData       func(data []byte)
	OnProgress   func(done, total uint64)
	OnCompletion func(success bool, reason string)
	OnError      func(err error)
}

// Channel is the sliding-window, selective-repeat ARQ layer of spec.md §4.3,
// interposed over any transport.Transport. One Channel drives exactly one
// session in one direction of bulk transfer (plus its own ACK/NAK/heartbeat
// traffic back); PortSessionController owns the Transport's lifecycle.
type Channel struct {
	cfg   Config
	tp    transport.Transport
	codec *frame.Codec
	cb    Callbacks

	sendWin *sendWindow
	recvWin *receiveWindow
	cipher  streamCipher
	fecEnc  *ShardEncoder
	fecDec  *ShardDecoder

	sendQueue chan queuedChunk

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	connected int32

	handshakeOnce sync.Once
	handshakeErr  error
	handshakeSeq  uint16
	handshakeAck  chan struct{}
	ackOnce       sync.Once
	sessionID     uint16

	receiverStarted int32
	currentFileSize uint64
	bytesDelivered  uint64

	// FEC shards bypass the ARQ window entirely (spec.md §4.3's FEC layer is
	// meant to recover a loss without waiting a retransmission round trip,
	// which only works if the shard can actually go missing). fecGroupSeq is
	// the sender's next shard-group sequence; fecPending/fecRecvNext track
	// partially-arrived groups on the receive side, keyed by that sequence so
	// groups still drain to the application in original order.
	fecGroupSeq  uint32 // atomic
	fecGroupSize int
	fecRecvMu    sync.Mutex
	fecRecvNext  uint32
	fecPending   map[uint32][][]byte

	rttMu      sync.Mutex
	srtt       time.Duration
	timeout    time.Duration
	lastFrameT int64 // unix nano, atomic

	completionOnce sync.Once

	stats statCounters
}

// New builds a Channel bound to tp, ready for Connect. tp must already be
// Open (spec.md: PortSessionController opens the transport before handing it
// to the channel).
func New(cfg Config, tp transport.Transport, cb Callbacks) (*Channel, error) {
	cipher, err := newCipher(cfg.CipherName, cfg.PassPhrase)
	if err != nil {
		return nil, err
	}
	if !cfg.EnableEncryption {
		cipher = identityCipher{}
	}
	fecEnc, err := NewShardEncoder(cfg.FECDataShards, cfg.FECParityShards)
	if err != nil {
		return nil, err
	}
	fecDec, err := NewShardDecoder(cfg.FECDataShards, cfg.FECParityShards)
	if err != nil {
		return nil, err
	}
	c := &Channel{
		cfg:          cfg,
		tp:           tp,
		codec:        frame.NewCodec(cfg.MaxPayloadSize),
		cb:           cb,
		sendWin:      newSendWindow(cfg.WindowSize),
		recvWin:      newReceiveWindow(cfg.WindowSize),
		cipher:       cipher,
		fecEnc:       fecEnc,
		fecDec:       fecDec,
		sendQueue:    make(chan queuedChunk, cfg.sendQueueCap()),
		stopCh:       make(chan struct{}),
		handshakeAck: make(chan struct{}),
		srtt:         cfg.timeoutBase() / 2,
		timeout:      cfg.timeoutBase(),
	}
	if fecDec != nil {
		c.fecGroupSize = cfg.FECDataShards + cfg.FECParityShards
		c.fecPending = make(map[uint32][][]byte)
	}
	c.touchLiveness()
	return c, nil
}

// Connect starts the four worker goroutines (process/send/receive/heartbeat)
// described in spec.md §4.3. It does not itself perform the handshake; call
// EnsureSessionStarted, Send or SendFile for that.
func (c *Channel) Connect() {
	if !atomic.CompareAndSwapInt32(&c.connected, 0, 1) {
		return
	}
	c.wg.Add(4)
	go c.processLoop()
	go c.sendLoop()
	go c.receiveLoop()
	go c.heartbeatLoop()
}

func (c *Channel) IsConnected() bool { return atomic.LoadInt32(&c.connected) == 1 }

func (c *Channel) GetStats() Stats { return c.stats.snapshot() }

// Pending reports how many allocated sequences have not yet advanced past
// send_base (i.e. are still unacknowledged or mid-retry). A
// TransmissionTask driving this channel polls this down to zero before
// declaring its chunks fully delivered (spec.md §4.4's "all chunks ACKed").
func (c *Channel) Pending() int { return c.sendWin.distance() }

// BytesAcked returns the cumulative application-level bytes whose sequences
// have been acknowledged so far — the basis for send-side progress
// reporting (spec.md §4.3: "progress is reported by bytes-ACKed, not
// bytes-queued, to avoid optimistic overshoot").
func (c *Channel) BytesAcked() uint64 { return c.sendWin.ackedBytes() }

// Shutdown stops every worker and joins them. Never call this from one of
// the channel's own worker goroutines — use requestStop for that.
func (c *Channel) Shutdown() {
	c.requestStop()
	c.wg.Wait()
}

func (c *Channel) requestStop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.sendWin.close()
		atomic.StoreInt32(&c.connected, 0)
	})
}

func (c *Channel) touchLiveness() {
	atomic.StoreInt64(&c.lastFrameT, time.Now().UnixNano())
}

func (c *Channel) timeSinceLastFrame() time.Duration {
	return time.Since(time.Unix(0, atomic.LoadInt64(&c.lastFrameT)))
}

func newSessionID() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint16(time.Now().UnixNano())
	}
	id := binary.LittleEndian.Uint16(b[:])
	if id == 0 {
		id = 1
	}
	return id
}

// EnsureSessionStarted performs the handshake exactly once per Channel. meta
// may be nil for a metadata-less session (plain Send, no SendFile).
// Concurrent and repeat callers all observe the single handshake's outcome.
func (c *Channel) EnsureSessionStarted(meta *frame.StartMetadata) error {
	c.handshakeOnce.Do(func() {
		c.handshakeErr = c.performHandshake(meta)
	})
	return c.handshakeErr
}

func (c *Channel) performHandshake(meta *frame.StartMetadata) error {
	if meta == nil {
		meta = &frame.StartMetadata{}
	}
	c.sessionID = newSessionID()
	meta.SessionID = c.sessionID
	meta.Version = c.cfg.Version
	atomic.StoreUint64(&c.currentFileSize, meta.FileSize)

	seq, ok := c.sendWin.allocate()
	if !ok {
		return errSessionClosed()
	}
	encoded, err := c.codec.EncodeStart(seq, *meta)
	if err != nil {
		return err
	}
	c.sendWin.fill(seq, encoded, 0)
	c.handshakeSeq = seq
	if err := c.writeFrame(encoded); err != nil {
		return err
	}

	select {
	case <-c.handshakeAck:
		return nil
	case <-time.After(c.cfg.timeoutMax()):
		return errHandshakeTimeout()
	case <-c.stopCh:
		return errSessionClosed()
	}
}

// Send enqueues one already-chunked piece of application data: it applies
// the compress-then-encrypt hooks and blocks (without holding any lock) while
// the send window is saturated. A zero-length data is a documented no-op.
func (c *Channel) Send(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := c.EnsureSessionStarted(nil); err != nil {
		return err
	}
	transformed := compressPayload(c.cfg.EnableCompression, data)
	var err error
	transformed, err = c.cipher.Seal(transformed)
	if err != nil {
		return errors.Wrap(err, "reliable: seal")
	}
	return c.enqueueChunk(transformed, len(data))
}

// enqueueChunk hands an already-transformed (compressed/encrypted, or raw FEC
// shard) chunk straight to the send queue. appLen is the original
// application-level byte count this chunk represents, credited to the
// ack-based progress counter once its slot is acknowledged; callers with no
// such mapping (e.g. FEC shards) pass 0.
func (c *Channel) enqueueChunk(chunk []byte, appLen int) error {
	if len(chunk) > c.cfg.MaxPayloadSize {
		return &ProtocolError{Kind: InvalidFrame, Msg: "chunk exceeds max_payload_size after transform"}
	}
	select {
	case c.sendQueue <- queuedChunk{payload: chunk, appLen: appLen}:
		return nil
	case <-c.stopCh:
		return errSessionClosed()
	}
}

// fileChunkSize reserves headroom under max_payload_size for whatever the
// compress/encrypt/FEC pipeline might add, so transformed chunks never blow
// the wire ceiling.
func (c *Channel) fileChunkSize() int {
	size := c.cfg.MaxPayloadSize
	if c.cfg.EnableEncryption || c.cfg.EnableCompression {
		size -= 64
	}
	if c.fecEnc != nil {
		size -= lenPrefixSize
		size -= fecShardHeaderSize
	}
	if size < 1 {
		size = 1
	}
	return size
}

// sendFECShard writes one Reed-Solomon shard straight to the transport,
// tagged with its group sequence and index, deliberately bypassing the ARQ
// send window: a shard that ARQ faithfully retransmits until acked can never
// actually go missing by the time FEC sees it, which defeats the point of
// carrying parity at all. An unreliable, best-effort shard can genuinely be
// lost, and it's the loss recovery Reconstruct exists for.
func (c *Channel) sendFECShard(groupSeq uint32, shardIdx uint16, shard []byte) error {
	payload := make([]byte, fecShardHeaderSize+len(shard))
	payload[0] = fecTagByte
	binary.LittleEndian.PutUint32(payload[1:5], groupSeq)
	binary.LittleEndian.PutUint16(payload[5:7], shardIdx)
	copy(payload[fecShardHeaderSize:], shard)
	encoded, err := c.codec.EncodeData(0, payload)
	if err != nil {
		return err
	}
	return c.writeFrame(encoded)
}

// SendFile streams the bytes returned by read in order, automatically appending
// SendEnd once every byte has been queued. name/size/modTime populate the
// START handshake's metadata (spec.md §4.3, §9).
func (c *Channel) SendFile(name string, size uint64, modTime uint64, read func([]byte) (int, error)) error {
	meta := &frame.StartMetadata{FileSize: size, ModifyTime: modTime, FileName: name}
	if err := c.EnsureSessionStarted(meta); err != nil {
		return err
	}

	chunkSize := c.fileChunkSize()
	buf := make([]byte, chunkSize)

	if c.fecEnc == nil {
		for {
			n, rerr := read(buf)
			if n > 0 {
				if err := c.Send(append([]byte(nil), buf[:n]...)); err != nil {
					return err
				}
			}
			if rerr != nil {
				break
			}
		}
		return c.SendEnd()
	}

	set := make([][]byte, 0, c.fecEnc.dataShards)
	flush := func() error {
		if len(set) == 0 {
			return nil
		}
		shards, err := c.fecEnc.EncodeSet(set)
		if err != nil {
			return err
		}
		groupSeq := atomic.AddUint32(&c.fecGroupSeq, 1) - 1
		for idx, shard := range shards {
			if err := c.sendFECShard(groupSeq, uint16(idx), shard); err != nil {
				return err
			}
		}
		set = set[:0]
		return nil
	}
	for {
		n, rerr := read(buf)
		if n > 0 {
			plain := append([]byte(nil), buf[:n]...)
			transformed := compressPayload(c.cfg.EnableCompression, plain)
			sealed, serr := c.cipher.Seal(transformed)
			if serr != nil {
				return errors.Wrap(serr, "reliable: seal")
			}
			set = append(set, sealed)
			if len(set) == c.fecEnc.dataShards {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if rerr != nil {
			break
		}
	}
	if err := flush(); err != nil {
		return err
	}
	return c.SendEnd()
}

// SendEnd writes an END frame on its own allocated sequence (spec.md §4.3).
func (c *Channel) SendEnd() error {
	seq, ok := c.sendWin.allocate()
	if !ok {
		return errSessionClosed()
	}
	encoded := c.codec.EncodeEnd(seq)
	c.sendWin.fill(seq, encoded, 0)
	return c.writeFrame(encoded)
}

func (c *Channel) writeFrame(encoded []byte) error {
	_, err := c.tp.Write(encoded)
	if err != nil {
		atomic.AddUint64(&c.stats.errors, 1)
		return err
	}
	atomic.AddUint64(&c.stats.packetsSent, 1)
	atomic.AddUint64(&c.stats.bytesSent, uint64(len(encoded)))
	return nil
}

func (c *Channel) reportError(err error) {
	atomic.AddUint64(&c.stats.errors, 1)
	if c.cb.OnError != nil {
		c.cb.OnError(err)
	}
}

func (c *Channel) fireCompletion(success bool, reason string) {
	c.completionOnce.Do(func() {
		if c.cb.OnCompletion != nil {
			c.cb.OnCompletion(success, reason)
		}
	})
}

// --- RTT / timeout adaptation (spec.md §9, EWMA) ---

func (c *Channel) sampleRTT(sample time.Duration) {
	c.rttMu.Lock()
	defer c.rttMu.Unlock()
	c.srtt = (c.srtt*7 + sample) / 8
	t := c.srtt * 2
	base, max := c.cfg.timeoutBase(), c.cfg.timeoutMax()
	if t < base {
		t = base
	}
	if t > max {
		t = max
	}
	c.timeout = t
}

func (c *Channel) currentTimeout() time.Duration {
	c.rttMu.Lock()
	defer c.rttMu.Unlock()
	return c.timeout
}

// --- worker goroutines ---

const processPollInterval = 50 * time.Millisecond

func (c *Channel) processLoop() {
	defer c.wg.Done()
	readBuf := make([]byte, 65536)
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		n, err := c.tp.Read(readBuf, processPollInterval)
		switch te, ok := err.(*transport.Error); {
		case err == nil:
			if n > 0 {
				c.codec.Append(readBuf[:n])
			}
		case ok && te.Kind == transport.Timeout:
			// expected: fall through to the retransmission scan below.
		case ok && te.Kind == transport.NotOpen:
			// the peer hasn't finished accepting yet; avoid busy-spinning.
			time.Sleep(10 * time.Millisecond)
		default:
			atomic.AddUint64(&c.stats.errors, 1)
		}

		for {
			fr, ok := c.codec.TryGetFrame()
			if !ok {
				break
			}
			c.dispatch(fr)
		}

		retransmit, failed := c.sendWin.scanTimeouts(c.currentTimeout(), c.cfg.MaxRetries)
		for _, enc := range retransmit {
			c.writeFrame(enc)
			atomic.AddUint64(&c.stats.packetsRetransmitted, 1)
			atomic.AddUint64(&c.stats.timeouts, 1)
		}
		for _, seq := range failed {
			c.reportError(&ProtocolError{Kind: MaxRetriesExceeded, Sequence: seq})
			c.requestStop()
			c.fireCompletion(false, fmt.Sprintf("max retries exceeded at seq %d", seq))
			return
		}
	}
}

func (c *Channel) dispatch(fr frame.Frame) {
	if !fr.Valid {
		atomic.AddUint64(&c.stats.packetsInvalid, 1)
		return
	}
	c.touchLiveness()
	atomic.AddUint64(&c.stats.packetsReceived, 1)

	switch fr.Type {
	case frame.TypeAck:
		c.handleAck(fr)
	case frame.TypeNak:
		if encoded, ok := c.sendWin.retransmitOne(fr.Sequence); ok {
			c.writeFrame(encoded)
			atomic.AddUint64(&c.stats.packetsRetransmitted, 1)
		}
	case frame.TypeStart:
		c.handleStart(fr)
	case frame.TypeData:
		if c.fecDec != nil && isFECShardPayload(fr.Payload) {
			c.handleFECShard(fr.Payload)
		} else {
			c.handleData(fr)
		}
	case frame.TypeEnd:
		c.handleInbound(fr.Sequence, nil, true)
	case frame.TypeHeartbeat:
		// liveness already recorded above; heartbeat carries no payload.
	}
}

func (c *Channel) handleAck(fr frame.Frame) {
	ts, matched := c.sendWin.ack(fr.Sequence)
	if matched {
		c.sampleRTT(time.Since(ts))
	}
	if fr.Sequence == c.handshakeSeq {
		c.ackOnce.Do(func() { close(c.handshakeAck) })
	}
}

func (c *Channel) handleStart(fr frame.Frame) {
	meta, ok := frame.DecodeStartMetadata(fr.Payload)
	if !ok {
		atomic.AddUint64(&c.stats.packetsInvalid, 1)
		return
	}
	if atomic.CompareAndSwapInt32(&c.receiverStarted, 0, 1) {
		c.recvWin.reset(fr.Sequence + 1)
		c.sessionID = meta.SessionID
		atomic.StoreUint64(&c.currentFileSize, meta.FileSize)
	}
	c.writeFrame(c.codec.EncodeAck(fr.Sequence))
}

func (c *Channel) handleData(fr frame.Frame) {
	c.handleInbound(fr.Sequence, fr.Payload, false)
}

// handleInbound implements the store-then-ack logic common to DATA and END
// (spec.md §4.3's "END rides the receive window" design).
func (c *Channel) handleInbound(seq uint16, payload []byte, isEnd bool) {
	result := c.recvWin.store(seq, payload, isEnd)
	switch result {
	case storeOutOfWindow:
		c.writeFrame(c.codec.EncodeAck(c.recvWin.lastAckSeq()))
	case storeDuplicate, storeAccepted:
		c.writeFrame(c.codec.EncodeAck(seq))
	}
}

// handleFECShard parses an unreliable shard frame and feeds it into its
// group, draining any groups that are now reconstructable. Unlike DATA/END,
// a shard is never acked and never touches recvWin — store-and-forget is the
// point.
func (c *Channel) handleFECShard(payload []byte) {
	if len(payload) < fecShardHeaderSize {
		atomic.AddUint64(&c.stats.packetsInvalid, 1)
		return
	}
	groupSeq := binary.LittleEndian.Uint32(payload[1:5])
	shardIdx := int(binary.LittleEndian.Uint16(payload[5:7]))
	shard := append([]byte(nil), payload[fecShardHeaderSize:]...)

	c.fecRecvMu.Lock()
	group, ok := c.fecPending[groupSeq]
	if !ok {
		if groupSeq < c.fecRecvNext {
			c.fecRecvMu.Unlock()
			return // group already drained/delivered, a stray duplicate
		}
		group = make([][]byte, c.fecGroupSize)
		c.fecPending[groupSeq] = group
	}
	if shardIdx < len(group) {
		group[shardIdx] = shard
	}
	chunks, errs := c.drainFECGroupsLocked()
	c.fecRecvMu.Unlock()

	for _, err := range errs {
		c.reportError(err)
	}
	for _, chunk := range chunks {
		c.deliver(chunk)
	}
}

// drainFECGroupsLocked reconstructs every contiguous group starting at
// fecRecvNext that has accumulated at least dataShards shards, stopping at
// the first group that either hasn't arrived yet or is still short. It
// returns the recovered chunks in order, plus any reconstruction errors, so
// the caller delivers and reports them after releasing the lock.
// c.fecRecvMu must be held.
func (c *Channel) drainFECGroupsLocked() (chunks [][]byte, errs []error) {
	for {
		group, ok := c.fecPending[c.fecRecvNext]
		if !ok {
			return chunks, errs
		}
		present := 0
		for _, s := range group {
			if s != nil {
				present++
			}
		}
		if present < c.fecDec.dataShards {
			return chunks, errs
		}
		recovered, err := c.fecDec.Reconstruct(group)
		delete(c.fecPending, c.fecRecvNext)
		c.fecRecvNext++
		if err != nil {
			errs = append(errs, errors.Wrap(err, "reliable: fec reconstruct"))
			continue
		}
		chunks = append(chunks, recovered...)
	}
}

func (c *Channel) sendLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case item, ok := <-c.sendQueue:
			if !ok {
				return
			}
			seq, ok := c.sendWin.allocate()
			if !ok {
				return
			}
			encoded, err := c.codec.EncodeData(seq, item.payload)
			if err != nil {
				c.reportError(err)
				continue
			}
			c.sendWin.fill(seq, encoded, item.appLen)
			c.writeFrame(encoded)
		}
	}
}

const receivePollInterval = 20 * time.Millisecond

func (c *Channel) receiveLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(receivePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			for _, slot := range c.recvWin.drainContiguous() {
				if slot.isEnd {
					c.handleEnd()
					continue
				}
				c.deliver(slot.payload)
			}
		}
	}
}

// deliver inverts the encrypt/compress pipeline on one already-reassembled
// application chunk and hands it to the progress callback.
func (c *Channel) deliver(sealed []byte) {
	plain, err := c.cipher.Open(sealed)
	if err != nil {
		c.reportError(errors.Wrap(err, "reliable: open"))
		return
	}
	plain, err = decompressPayload(c.cfg.EnableCompression, plain)
	if err != nil {
		c.reportError(err)
		return
	}
	atomic.AddUint64(&c.stats.bytesReceived, uint64(len(plain)))
	done := atomic.AddUint64(&c.bytesDelivered, uint64(len(plain)))
	if c.cb.OnData != nil {
		c.cb.OnData(plain)
	}
	if c.cb.OnProgress != nil {
		c.cb.OnProgress(done, atomic.LoadUint64(&c.currentFileSize))
	}
}

// handleEnd evaluates completion against the expected file size and its
// 1024-byte tolerance, entering the grace-period wait on an unresolved
// underflow (spec.md §4.3, §9).
func (c *Channel) handleEnd() {
	const tolerance = 1024
	expected := atomic.LoadUint64(&c.currentFileSize)
	if expected == 0 {
		c.fireCompletion(true, "")
		return
	}
	received := atomic.LoadUint64(&c.bytesDelivered)
	diff := int64(received) - int64(expected)
	if diff < 0 {
		diff = -diff
	}
	if diff <= tolerance || received >= expected {
		c.fireCompletion(true, "")
		return
	}
	go c.endGraceTimer(expected, tolerance)
}

func (c *Channel) endGraceTimer(expected uint64, tolerance uint64) {
	deadline := time.After(c.cfg.EndGracePeriod)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-deadline:
			c.fireCompletion(false, "underflow: received fewer bytes than announced")
			return
		case <-ticker.C:
			received := atomic.LoadUint64(&c.bytesDelivered)
			if expected-received <= tolerance || received >= expected {
				c.fireCompletion(true, "")
				return
			}
		}
	}
}

func (c *Channel) heartbeatLoop() {
	defer c.wg.Done()
	var seq uint32
	ticker := time.NewTicker(c.cfg.heartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			seq++
			c.writeFrame(c.codec.EncodeHeartbeat(uint16(seq)))
			if c.timeSinceLastFrame() > time.Duration(3)*c.cfg.timeoutMax() {
				c.reportError(errors.New("reliable: heartbeat timeout, peer unresponsive"))
				c.requestStop()
				c.fireCompletion(false, "heartbeat timeout")
				return
			}
		}
	}
}
