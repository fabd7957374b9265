package transmission

import (
	"bytes"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/portmaster-go/portmaster/internal/transport"
)

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

func TestCoordinatorUsesRawTaskWhenNoReliableChannel(t *testing.T) {
	srvTp, cliTp := tcpPair(t)
	defer srvTp.Close()
	defer cliTp.Close()

	co := NewCoordinator(DefaultConfig())
	done := make(chan struct{})
	var result Result
	task, err := co.Submit(bytes.Repeat([]byte("z"), 100), nil, cliTp, Callbacks{
		OnComplete: func(r Result) { result = r; close(done) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if task != co.Current() {
		t.Fatal("Current() did not return the submitted task")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	if result.FinalState != Completed {
		t.Fatalf("final state = %v, want Completed", result.FinalState)
	}
}

func TestCoordinatorRejectsConcurrentSubmit(t *testing.T) {
	srvTp, cliTp := tcpPair(t)
	defer srvTp.Close()
	defer cliTp.Close()

	co := NewCoordinator(DefaultConfig())
	co.cfg.ProgressUpdateInterval = time.Hour
	_, err := co.Submit(bytes.Repeat([]byte("q"), 1<<20), nil, cliTp, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := co.Submit([]byte("more"), nil, cliTp, Callbacks{}); err == nil {
		t.Fatal("expected second Submit to be rejected while a task is running")
	}
	co.Cancel()
}

func TestCoordinatorErrorsWithNoSenderAvailable(t *testing.T) {
	co := NewCoordinator(DefaultConfig())
	if _, err := co.Submit([]byte("x"), nil, nil, Callbacks{}); err == nil {
		t.Fatal("expected error when neither reliable channel nor transport is available")
	}
}
