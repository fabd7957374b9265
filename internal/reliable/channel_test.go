package reliable

import (
	"bytes"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/portmaster-go/portmaster/internal/frame"
	"github.com/portmaster-go/portmaster/internal/transport"
)

// tcpPair opens a loopback TCP client/server pair on 127.0.0.1, the same
// pattern transport_test.go uses for its own round-trip test. The server
// side accepts asynchronously; callers don't need to wait for it; a
// Channel's own START retransmission absorbs the brief accept() delay.
func tcpPair(t *testing.T) (transport.Transport, transport.Transport) {
	t.Helper()
	srv := transport.NewTCP()
	if err := srv.Open(transport.Config{IsServer: true, IP: "127.0.0.1", Port: 0}); err != nil {
		t.Fatalf("server open: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(srv.ActualAddr().String())
	port, _ := strconv.Atoi(portStr)

	cli := transport.NewTCP()
	if err := cli.Open(transport.Config{IP: "127.0.0.1", Port: port, WriteTimeoutMS: 2000}); err != nil {
		t.Fatalf("client open: %v", err)
	}
	return srv, cli
}

// lossyTransport wraps a transport.Transport and randomly drops writes,
// standing in for a wire with packet loss since the single-ended Loopback
// backend cannot itself connect two independent channel endpoints.
type lossyTransport struct {
	transport.Transport
	lossPercent float64
	rng         *rand.Rand
	mu          sync.Mutex
}

func (l *lossyTransport) Write(data []byte) (int, error) {
	l.mu.Lock()
	drop := l.rng.Float64()*100 < l.lossPercent
	l.mu.Unlock()
	if drop {
		return len(data), nil
	}
	return l.Transport.Write(data)
}

func newLossy(tp transport.Transport, lossPercent float64, seed int64) *lossyTransport {
	return &lossyTransport{Transport: tp, lossPercent: lossPercent, rng: rand.New(rand.NewSource(seed))}
}

type collector struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	done     bool
	success  bool
	reason   string
	doneCh   chan struct{}
}

func newCollector() *collector {
	return &collector{doneCh: make(chan struct{})}
}

func (c *collector) callbacks() Callbacks {
	return Callbacks{
		OnData: func(data []byte) {
			c.mu.Lock()
			c.buf.Write(data)
			c.mu.Unlock()
		},
		OnCompletion: func(success bool, reason string) {
			c.mu.Lock()
			c.done = true
			c.success = success
			c.reason = reason
			c.mu.Unlock()
			close(c.doneCh)
		},
	}
}

func (c *collector) bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...)
}

func TestChannelHappyPath(t *testing.T) {
	srvTp, cliTp := tcpPair(t)
	defer srvTp.Close()
	defer cliTp.Close()

	cfg := DefaultConfig()
	cfg.WindowSize = 4
	cfg.MaxPayloadSize = 256
	cfg.TimeoutBaseMS = 200
	cfg.TimeoutMaxMS = 1000
	cfg.HeartbeatIntervalMS = 100

	recv := newCollector()
	receiver, err := New(cfg, srvTp, recv.callbacks())
	if err != nil {
		t.Fatal(err)
	}
	receiver.Connect()
	defer receiver.Shutdown()

	sender, err := New(cfg, cliTp, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	sender.Connect()
	defer sender.Shutdown()

	payload := bytes.Repeat([]byte("abcdefgh"), 200) // 1600 bytes, several chunks
	r := bytes.NewReader(payload)
	if err := sender.SendFile("data.bin", uint64(len(payload)), 0, r.Read); err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	select {
	case <-recv.doneCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
	if !recv.success {
		t.Fatalf("transfer failed: %s", recv.reason)
	}
	if !bytes.Equal(recv.bytes(), payload) {
		t.Fatalf("payload mismatch: got %d bytes, want %d", len(recv.bytes()), len(payload))
	}
}

func TestChannelLossyRetransmits(t *testing.T) {
	srvTp, cliTp := tcpPair(t)
	defer srvTp.Close()
	defer cliTp.Close()

	cfg := DefaultConfig()
	cfg.WindowSize = 8
	cfg.MaxPayloadSize = 128
	cfg.MaxRetries = 10
	cfg.TimeoutBaseMS = 100
	cfg.TimeoutMaxMS = 500
	cfg.HeartbeatIntervalMS = 50

	recv := newCollector()
	receiver, err := New(cfg, newLossy(srvTp, 20, 1), recv.callbacks())
	if err != nil {
		t.Fatal(err)
	}
	receiver.Connect()
	defer receiver.Shutdown()

	sender, err := New(cfg, newLossy(cliTp, 20, 2), Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	sender.Connect()
	defer sender.Shutdown()

	payload := bytes.Repeat([]byte("x"), 4000)
	r := bytes.NewReader(payload)
	if err := sender.SendFile("lossy.bin", uint64(len(payload)), 0, r.Read); err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	select {
	case <-recv.doneCh:
	case <-time.After(20 * time.Second):
		t.Fatal("timed out waiting for completion under loss")
	}
	if !recv.success {
		t.Fatalf("transfer failed: %s", recv.reason)
	}
	if !bytes.Equal(recv.bytes(), payload) {
		t.Fatalf("payload mismatch under loss: got %d bytes, want %d", len(recv.bytes()), len(payload))
	}
	stats := sender.GetStats()
	if stats.PacketsRetransmitted == 0 {
		t.Fatal("expected at least one retransmission under 20% loss")
	}
}

func TestChannelHandshakeTimeout(t *testing.T) {
	srvTp, cliTp := tcpPair(t)
	defer srvTp.Close()
	defer cliTp.Close()

	cfg := DefaultConfig()
	cfg.TimeoutBaseMS = 50
	cfg.TimeoutMaxMS = 100

	// No receiver channel is started: the sender's START frame goes
	// unanswered and the handshake must time out rather than hang.
	sender, err := New(cfg, cliTp, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	sender.Connect()
	defer sender.Shutdown()

	start := time.Now()
	err = sender.EnsureSessionStarted(nil)
	if err == nil {
		t.Fatal("expected handshake timeout error")
	}
	pe, ok := err.(*ProtocolError)
	if !ok || pe.Kind != HandshakeTimeout {
		t.Fatalf("expected HandshakeTimeout, got %v", err)
	}
	if time.Since(start) < cfg.timeoutMax() {
		t.Fatal("handshake returned before timeoutMax elapsed")
	}
}

func TestChannelCancelMidFlight(t *testing.T) {
	srvTp, cliTp := tcpPair(t)
	defer srvTp.Close()
	defer cliTp.Close()

	cfg := DefaultConfig()
	cfg.WindowSize = 2
	cfg.MaxPayloadSize = 64
	cfg.TimeoutBaseMS = 2000
	cfg.TimeoutMaxMS = 5000

	recv := newCollector()
	receiver, err := New(cfg, srvTp, recv.callbacks())
	if err != nil {
		t.Fatal(err)
	}
	receiver.Connect()
	defer receiver.Shutdown()

	sender, err := New(cfg, cliTp, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	sender.Connect()

	go func() {
		payload := bytes.Repeat([]byte("y"), 1<<20)
		r := bytes.NewReader(payload)
		sender.SendFile("huge.bin", uint64(len(payload)), 0, r.Read)
	}()

	time.Sleep(50 * time.Millisecond)
	sender.Shutdown() // mid-flight cancel

	if sender.IsConnected() {
		t.Fatal("expected sender to report disconnected after Shutdown")
	}
}

func TestChannelEndUnderflowGrace(t *testing.T) {
	srvTp, cliTp := tcpPair(t)
	defer srvTp.Close()
	defer cliTp.Close()

	cfg := DefaultConfig()
	cfg.WindowSize = 4
	cfg.MaxPayloadSize = 64
	cfg.TimeoutBaseMS = 100
	cfg.TimeoutMaxMS = 300
	cfg.EndGracePeriod = 150 * time.Millisecond

	recv := newCollector()
	receiver, err := New(cfg, srvTp, recv.callbacks())
	if err != nil {
		t.Fatal(err)
	}
	receiver.Connect()
	defer receiver.Shutdown()

	sender, err := New(cfg, cliTp, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	sender.Connect()
	defer sender.Shutdown()

	// Announce a file size far larger than what will actually be sent, so
	// the receiver sees an underflow at END and must wait out the grace
	// period before declaring failure.
	meta := &frame.StartMetadata{FileSize: 10_000_000}
	if err := sender.EnsureSessionStarted(meta); err != nil {
		t.Fatal(err)
	}
	if err := sender.Send([]byte("short")); err != nil {
		t.Fatal(err)
	}
	if err := sender.SendEnd(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-recv.doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for grace-period completion")
	}
	if recv.success {
		t.Fatal("expected underflow failure after grace period elapses")
	}
}

func TestChannelSequenceWrapAround(t *testing.T) {
	srvTp, cliTp := tcpPair(t)
	defer srvTp.Close()
	defer cliTp.Close()

	cfg := DefaultConfig()
	cfg.WindowSize = 32
	cfg.MaxPayloadSize = 1
	cfg.TimeoutBaseMS = 200
	cfg.TimeoutMaxMS = 1000
	cfg.HeartbeatIntervalMS = 500

	recv := newCollector()
	receiver, err := New(cfg, srvTp, recv.callbacks())
	if err != nil {
		t.Fatal(err)
	}
	receiver.Connect()
	defer receiver.Shutdown()

	sender, err := New(cfg, cliTp, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	sender.Connect()
	defer sender.Shutdown()

	const total = 70000
	payload := make([]byte, total)
	for i := range payload {
		payload[i] = byte(i)
	}
	r := bytes.NewReader(payload)
	if err := sender.SendFile("wrap.bin", uint64(total), 0, r.Read); err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	select {
	case <-recv.doneCh:
	case <-time.After(60 * time.Second):
		t.Fatal("timed out waiting for wraparound transfer to complete")
	}
	if !recv.success {
		t.Fatalf("transfer failed: %s", recv.reason)
	}
	if !bytes.Equal(recv.bytes(), payload) {
		t.Fatal("payload mismatch across sequence wraparound")
	}
}

func TestChannelSendZeroBytesIsNoOp(t *testing.T) {
	srvTp, cliTp := tcpPair(t)
	defer srvTp.Close()
	defer cliTp.Close()

	cfg := DefaultConfig()
	sender, err := New(cfg, cliTp, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	sender.Connect()
	defer sender.Shutdown()

	if err := sender.Send(nil); err != nil {
		t.Fatalf("Send(nil) should be a no-op, got %v", err)
	}
	if sender.handshakeErr != nil || sender.handshakeSeq != 0 {
		t.Fatal("Send with zero bytes must not trigger a handshake")
	}
}
