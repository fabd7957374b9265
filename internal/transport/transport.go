// Package transport defines the uniform byte-stream abstraction that every
// physical channel (serial, TCP, UDP, loopback, printer spooler) implements,
// and the shared config/stats/error/state types that go with it.
package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// PortType selects which backend a TransportConfig describes.
type PortType int

const (
	PortSerial PortType = iota
	PortParallel
	PortUSBPrint
	PortNetworkPrint
	PortLoopback
	PortTCP
	PortUDP
)

// Parity values for the serial backend.
type Parity int

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
	ParityMark
	ParitySpace
)

// StopBits values for the serial backend.
type StopBits int

const (
	StopBits1 StopBits = iota
	StopBits1_5
	StopBits2
)

// Config is the immutable endpoint descriptor passed once to Open. It is
// built by the (out-of-core) UI adapter and consumed verbatim.
type Config struct {
	PortType PortType
	PortName string

	ReadTimeoutMS  int
	WriteTimeoutMS int
	BufferSize     int
	Async          bool

	// Serial-specific.
	BaudRate    int
	DataBits    int
	Parity      Parity
	StopBits    StopBits
	FlowControl bool

	// TCP/UDP/network-print-specific.
	IP       string
	Port     int
	IsServer bool

	// Loopback tuning.
	DelayMS               int
	JitterMaxMS           int
	ErrorRatePercent      float64
	PacketLossRatePercent float64
	MaxQueueSize          int
}

// ErrorKind enumerates the taxonomy every backend reports through.
type ErrorKind int

const (
	Success ErrorKind = iota
	OpenFailed
	CloseFailed
	ReadFailed
	WriteFailed
	Timeout
	Busy
	NotOpen
	InvalidParameter
	InvalidConfig
	AlreadyOpen
	ConnectionClosed
	FlushFailed
	ConfigFailed
	AuthenticationFailed
	AccessDenied
)

func (k ErrorKind) String() string {
	names := [...]string{
		"Success", "OpenFailed", "CloseFailed", "ReadFailed", "WriteFailed",
		"Timeout", "Busy", "NotOpen", "InvalidParameter", "InvalidConfig",
		"AlreadyOpen", "ConnectionClosed", "FlushFailed", "ConfigFailed",
		"AuthenticationFailed", "AccessDenied",
	}
	if int(k) < 0 || int(k) >= len(names) {
		return "Unknown"
	}
	return names[k]
}

// Error is the typed error every Transport method returns; spec.md's error
// taxonomy maps directly onto Kind.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func errf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// State is a transport's lifecycle position.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
	StateError
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpening:
		return "Opening"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Stats are running counters owned by each Transport; GetStats returns a
// read-only snapshot.
type Stats struct {
	BytesSent        uint64
	BytesReceived    uint64
	PacketsSent      uint64
	PacketsReceived  uint64
	PacketsErrored   uint64
	ThroughputBps    float64
	LastErrorCode    ErrorKind
}

// statCounters is the mutable, atomically-updated form embedded in backends.
type statCounters struct {
	bytesSent       uint64
	bytesReceived   uint64
	packetsSent     uint64
	packetsReceived uint64
	packetsErrored  uint64

	mu            sync.Mutex
	windowStart   time.Time
	windowBytes   uint64
	throughputBps float64
	lastErr       ErrorKind
}

func newStatCounters() *statCounters {
	return &statCounters{windowStart: time.Now()}
}

func (s *statCounters) onSend(n int) {
	atomic.AddUint64(&s.bytesSent, uint64(n))
	atomic.AddUint64(&s.packetsSent, 1)
	s.observeThroughput(n)
}

func (s *statCounters) onReceive(n int) {
	atomic.AddUint64(&s.bytesReceived, uint64(n))
	atomic.AddUint64(&s.packetsReceived, 1)
	s.observeThroughput(n)
}

func (s *statCounters) onError(kind ErrorKind) {
	atomic.AddUint64(&s.packetsErrored, 1)
	s.mu.Lock()
	s.lastErr = kind
	s.mu.Unlock()
}

func (s *statCounters) observeThroughput(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windowBytes += uint64(n)
	elapsed := time.Since(s.windowStart).Seconds()
	if elapsed >= 1.0 {
		s.throughputBps = float64(s.windowBytes) / elapsed
		s.windowBytes = 0
		s.windowStart = time.Now()
	}
}

func (s *statCounters) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		BytesSent:       atomic.LoadUint64(&s.bytesSent),
		BytesReceived:   atomic.LoadUint64(&s.bytesReceived),
		PacketsSent:     atomic.LoadUint64(&s.packetsSent),
		PacketsReceived: atomic.LoadUint64(&s.packetsReceived),
		PacketsErrored:  atomic.LoadUint64(&s.packetsErrored),
		ThroughputBps:   s.throughputBps,
		LastErrorCode:   s.lastErr,
	}
}

func (s *statCounters) reset() {
	atomic.StoreUint64(&s.bytesSent, 0)
	atomic.StoreUint64(&s.bytesReceived, 0)
	atomic.StoreUint64(&s.packetsSent, 0)
	atomic.StoreUint64(&s.packetsReceived, 0)
	atomic.StoreUint64(&s.packetsErrored, 0)
	s.mu.Lock()
	s.windowStart = time.Now()
	s.windowBytes = 0
	s.throughputBps = 0
	s.lastErr = Success
	s.mu.Unlock()
}

// Callbacks are invoked from at most one goroutine at a time per Transport,
// and never while the transport holds its own internal lock.
type Callbacks struct {
	OnDataReceived func(data []byte)
	OnStateChanged func(state State)
	OnError        func(kind ErrorKind, msg string)
}

// Transport is the contract every backend honors.
type Transport interface {
	Open(cfg Config) error
	Close() error
	Write(data []byte) (int, error)
	Read(buf []byte, timeout time.Duration) (int, error)
	StartAsyncRead() error
	StopAsyncRead() error
	Flush() error
	Available() int
	GetStats() Stats
	ResetStats()
	SetCallbacks(cb Callbacks)
	State() State
}

// New builds the backend named by portType, unopened. Callers open it
// with cfg via Open. This is the dispatch a shell (or PortSessionController)
// uses instead of switching on PortType itself.
func New(portType PortType) (Transport, error) {
	switch portType {
	case PortSerial:
		return NewSerial(), nil
	case PortParallel, PortUSBPrint, PortNetworkPrint:
		return NewPrinter(), nil
	case PortLoopback:
		return NewLoopback(), nil
	case PortTCP:
		return NewTCP(), nil
	case PortUDP:
		return NewUDP(), nil
	default:
		return nil, errf(InvalidConfig, "unknown port type %d", portType)
	}
}
