package session

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/portmaster-go/portmaster/internal/transport"
)

func TestControllerRawModeRoundTrip(t *testing.T) {
	const port = 18991

	var mu sync.Mutex
	var got []byte
	done := make(chan struct{})

	recv := New(nil, Callbacks{
		OnDataReceived: func(data []byte) {
			mu.Lock()
			got = append(got, data...)
			if len(got) >= 5 {
				close(done)
			}
			mu.Unlock()
		},
	})
	if err := recv.Connect(transport.PortTCP, transport.Config{IsServer: true, IP: "127.0.0.1", Port: port}, nil); err != nil {
		t.Fatalf("server connect: %v", err)
	}
	defer recv.Shutdown()
	if err := recv.StartReceiveSession(); err != nil {
		t.Fatalf("start receive session: %v", err)
	}

	sender := New(nil, Callbacks{})
	if err := sender.Connect(transport.PortTCP, transport.Config{IP: "127.0.0.1", Port: port, WriteTimeoutMS: 2000}, nil); err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer sender.Shutdown()

	tp := sender.Transport()
	if tp == nil {
		t.Fatal("expected a non-nil transport after Connect")
	}
	for i := 0; i < 5; i++ {
		if _, err := tp.Write([]byte("x")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for data")
	}
	if !bytes.Equal(got, []byte("xxxxx")) {
		t.Fatalf("got %q", got)
	}
	if recv.State() != Connected {
		t.Fatalf("receiver state = %s, want Connected", recv.State())
	}
}

func TestControllerDisconnectReturnsToReady(t *testing.T) {
	const port = 18992

	srv := New(nil, Callbacks{})
	if err := srv.Connect(transport.PortTCP, transport.Config{IsServer: true, IP: "127.0.0.1", Port: port}, nil); err != nil {
		t.Fatal(err)
	}
	if err := srv.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if srv.State() != Ready {
		t.Fatalf("state after disconnect = %s, want Ready", srv.State())
	}
	if srv.Transport() != nil {
		t.Fatal("expected transport to be cleared after disconnect")
	}
}

func TestControllerShutdownIsTerminal(t *testing.T) {
	c := New(nil, Callbacks{})
	if err := c.Shutdown(); err != nil {
		t.Fatalf("shutdown from Ready: %v", err)
	}
	if c.State() != Shutdown {
		t.Fatalf("state = %s, want Shutdown", c.State())
	}
}
