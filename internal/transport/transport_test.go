package transport

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"
)

func TestLoopbackWriteRead(t *testing.T) {
	lb := NewLoopback()
	if err := lb.Open(Config{MaxQueueSize: 16}); err != nil {
		t.Fatal(err)
	}
	defer lb.Close()

	if _, err := lb.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 16)
	n, err := lb.Read(buf, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestLoopbackReadTimeout(t *testing.T) {
	lb := NewLoopback()
	if err := lb.Open(Config{MaxQueueSize: 4}); err != nil {
		t.Fatal(err)
	}
	defer lb.Close()

	buf := make([]byte, 16)
	_, err := lb.Read(buf, 50*time.Millisecond)
	te, ok := err.(*Error)
	if !ok || te.Kind != Timeout {
		t.Fatalf("expected Timeout error, got %v", err)
	}
}

func TestLoopbackAsyncDelivery(t *testing.T) {
	lb := NewLoopback()
	if err := lb.Open(Config{MaxQueueSize: 16, DelayMS: 5}); err != nil {
		t.Fatal(err)
	}
	defer lb.Close()

	var mu sync.Mutex
	var got []byte
	done := make(chan struct{})
	lb.SetCallbacks(Callbacks{OnDataReceived: func(data []byte) {
		mu.Lock()
		got = append(got, data...)
		mu.Unlock()
		close(done)
	}})
	if err := lb.StartAsyncRead(); err != nil {
		t.Fatal(err)
	}
	if _, err := lb.Write([]byte("async")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for async delivery")
	}
	mu.Lock()
	defer mu.Unlock()
	if string(got) != "async" {
		t.Fatalf("got %q", got)
	}
}

func TestLoopbackInjectsLoss(t *testing.T) {
	lb := NewLoopback()
	if err := lb.Open(Config{MaxQueueSize: 64, PacketLossRatePercent: 100}); err != nil {
		t.Fatal(err)
	}
	defer lb.Close()
	if _, err := lb.Write([]byte("dropped")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 16)
	_, err := lb.Read(buf, 100*time.Millisecond)
	te, ok := err.(*Error)
	if !ok || te.Kind != Timeout {
		t.Fatalf("expected the datagram to be dropped, got %v", err)
	}
}

func TestTCPClientServerRoundTrip(t *testing.T) {
	srv := NewTCP()
	if err := srv.Open(Config{IsServer: true, IP: "127.0.0.1", Port: 0}); err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	_, portStr, _ := net.SplitHostPort(srv.ActualAddr().String())
	port, _ := strconv.Atoi(portStr)

	cli := NewTCP()
	if err := cli.Open(Config{IP: "127.0.0.1", Port: port, WriteTimeoutMS: 2000}); err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.currentConn() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if srv.currentConn() == nil {
		t.Fatal("server never accepted a connection")
	}

	if _, err := cli.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 16)
	n, err := srv.Read(buf, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestUDPClientServerRoundTrip(t *testing.T) {
	srv := NewUDP()
	if err := srv.Open(Config{IsServer: true, Port: 0}); err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	_, portStr, _ := net.SplitHostPort(srv.conn.LocalAddr().String())
	port, _ := strconv.Atoi(portStr)

	cli := NewUDP()
	if err := cli.Open(Config{IP: "127.0.0.1", Port: port}); err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	if _, err := cli.Write([]byte("hi")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 16)
	n, err := srv.Read(buf, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "hi" {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestStateMachineRejectsDoubleOpen(t *testing.T) {
	lb := NewLoopback()
	if err := lb.Open(Config{MaxQueueSize: 4}); err != nil {
		t.Fatal(err)
	}
	defer lb.Close()
	err := lb.Open(Config{})
	te, ok := err.(*Error)
	if !ok || te.Kind != AlreadyOpen {
		t.Fatalf("expected AlreadyOpen, got %v", err)
	}
}
