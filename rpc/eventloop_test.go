package rpc

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestEventLoop_RunsInOrderOnOneGoroutine(t *testing.T) {
	t.Parallel()
	l := NewEventLoop()
	defer l.Close()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		l.Schedule(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 99 {
				close(done)
			}
		})
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callbacks did not run")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("callback %d ran at position %d", v, i)
		}
	}
}

func TestEventLoop_CloseDrainsThenRejects(t *testing.T) {
	t.Parallel()
	l := NewEventLoop()
	ran := make(chan struct{}, 1)
	block := make(chan struct{})
	l.Schedule(func() { <-block })
	l.Schedule(func() { ran <- struct{}{} })
	l.Close()
	if l.Schedule(func() {}) {
		t.Fatal("Schedule after Close should report false")
	}
	close(block)
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("queued callback was dropped on Close")
	}
	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit")
	}
}

func TestEventLoop_CloseFromCallback(t *testing.T) {
	t.Parallel()
	l := NewEventLoop()
	l.Schedule(func() { l.Close() })
	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after closing itself")
	}
}

func TestAcquireBootstrap_SharedAndRefCounted(t *testing.T) {
	b1, err := AcquireBootstrap(DefaultBootstrapOptions())
	if err != nil {
		t.Fatalf("AcquireBootstrap: %v", err)
	}
	before := b1.Refs()
	b2, err := AcquireBootstrap(BootstrapOptions{Workers: 4})
	if err != nil {
		t.Fatalf("AcquireBootstrap: %v", err)
	}
	if b1 != b2 {
		t.Fatal("expected the process-wide bootstrap to be shared")
	}
	if b2.Refs() != before+1 {
		t.Fatalf("refs = %d, want %d", b2.Refs(), before+1)
	}
	if b1.Options().Workers != 1 {
		t.Fatalf("later options must not reconfigure the shared bootstrap, workers=%d", b1.Options().Workers)
	}

	b2.Release()
	b1.Release()
	if b1.Refs() != before-1 {
		t.Fatalf("refs after release = %d, want %d", b1.Refs(), before-1)
	}
	if b1.Refs() == 0 {
		if _, err := NewClient(b1, ClientOptions{SocketPath: "/nonexistent"}); err != ErrBootstrapReleased {
			t.Fatalf("expected ErrBootstrapReleased, got %v", err)
		}
		b1.Release() // extra release is ignored
		b3, err := AcquireBootstrap(DefaultBootstrapOptions())
		if err != nil {
			t.Fatalf("AcquireBootstrap: %v", err)
		}
		defer b3.Release()
		if b3 == b1 {
			t.Fatal("expected a fresh bootstrap after the last release")
		}
	}
}

func TestAcquireBootstrap_RejectsNegativeOptions(t *testing.T) {
	if _, err := AcquireBootstrap(BootstrapOptions{Workers: -1}); err == nil {
		t.Fatal("expected error for negative worker count")
	}
}

func TestEventLoopGroup_RoundRobin(t *testing.T) {
	t.Parallel()
	g := NewEventLoopGroup(2)
	defer g.Close()
	a, b, c := g.Next(), g.Next(), g.Next()
	if a == b || a != c {
		t.Fatal("expected round-robin assignment over two loops")
	}
}

func TestHostResolver_RejectsNonSocketAndCaches(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	plain := filepath.Join(dir, "plain")
	if err := os.WriteFile(plain, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	r := NewHostResolver(4, time.Minute)
	if _, err := r.Resolve(plain); err == nil {
		t.Fatal("expected a regular file to be rejected")
	}
	if _, err := r.Resolve(filepath.Join(dir, "missing")); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("failures must not be cached, len=%d", r.Len())
	}
}

func TestWaitForSocket(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "ipc.socket")

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(path, nil, 0o600)
	}()

	ctx, cancel := contextWithTimeout(t, 2*time.Second)
	defer cancel()
	if err := WaitForSocket(ctx, path); err != nil {
		t.Fatalf("WaitForSocket: %v", err)
	}

	short, cancel2 := contextWithTimeout(t, 30*time.Millisecond)
	defer cancel2()
	if err := WaitForSocket(short, filepath.Join(dir, "never")); err == nil {
		t.Fatal("expected timeout waiting for a socket that never appears")
	}
}
