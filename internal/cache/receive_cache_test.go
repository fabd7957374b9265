package cache

import (
	"bytes"
	"os"
	"testing"
)

func TestReceiveCacheAppendAndRead(t *testing.T) {
	c := New(nil)
	if err := c.Initialize(); err != nil {
		t.Fatal(err)
	}
	defer c.Shutdown()

	if err := c.Append([]byte("hello ")); err != nil {
		t.Fatal(err)
	}
	if err := c.Append([]byte("world")); err != nil {
		t.Fatal(err)
	}
	if got := c.TotalReceivedBytes(); got != 11 {
		t.Fatalf("total_received_bytes = %d, want 11", got)
	}

	got, err := c.Read(0, 11)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Fatalf("Read = %q", got)
	}

	partial, err := c.Read(6, 5)
	if err != nil {
		t.Fatal(err)
	}
	if string(partial) != "world" {
		t.Fatalf("Read(6,5) = %q", partial)
	}
}

func TestReceiveCacheVerifyIntegrity(t *testing.T) {
	c := New(nil)
	if err := c.Initialize(); err != nil {
		t.Fatal(err)
	}
	defer c.Shutdown()

	if err := c.Append(bytes.Repeat([]byte{0xAB}, 4096)); err != nil {
		t.Fatal(err)
	}
	ok, size, err := c.VerifyIntegrity()
	if err != nil {
		t.Fatal(err)
	}
	if !ok || size != 4096 {
		t.Fatalf("VerifyIntegrity: ok=%v size=%d", ok, size)
	}
}

func TestReceiveCacheCopyToFile(t *testing.T) {
	c := New(nil)
	if err := c.Initialize(); err != nil {
		t.Fatal(err)
	}
	defer c.Shutdown()

	payload := []byte("the quick brown fox")
	if err := c.Append(payload); err != nil {
		t.Fatal(err)
	}

	dst := t.TempDir() + "/out.bin"
	n, err := c.CopyToFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(payload)) {
		t.Fatalf("CopyToFile wrote %d bytes, want %d", n, len(payload))
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("copied content mismatch: %q", got)
	}
}

func TestReceiveCacheShutdownDeletesFile(t *testing.T) {
	c := New(nil)
	if err := c.Initialize(); err != nil {
		t.Fatal(err)
	}
	path := c.Path()
	if err := c.Append([]byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := c.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected temp file to be deleted, stat err = %v", err)
	}
}

func TestReceiveCacheRecoversBadWriter(t *testing.T) {
	c := New(nil)
	if err := c.Initialize(); err != nil {
		t.Fatal(err)
	}
	defer c.Shutdown()

	c.mu.Lock()
	c.bad = true
	c.mu.Unlock()

	if err := c.Append([]byte("recovered")); err != nil {
		t.Fatal(err)
	}
	got, err := c.Read(0, 9)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "recovered" {
		t.Fatalf("Read after recovery = %q", got)
	}
}
