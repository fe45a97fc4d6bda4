package registry

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/tcsrpc/rpc/common"
)

func newTestRegistry() *Registry {
	return NewRegistry(common.DefaultClientConfig())
}

// TestAddRejectsDuplicates tests that a live handle cannot be added twice
func TestAddRejectsDuplicates(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()

	first, err := r.Add(7, "host-a", common.ConnKindTCPPersistent)
	if err != nil {
		t.Fatalf("Failed to add: %v", err)
	}

	_, err = r.Add(7, "host-b", common.ConnKindTCPPersistent)
	if !errors.Is(err, common.ErrAlreadyConnected) {
		t.Fatalf("Expected already connected, got %v", err)
	}

	e, err := r.Get(7)
	if err != nil {
		t.Fatalf("Failed to get: %v", err)
	}
	defer r.Put(e)
	if e != first || e.Hostname != "host-a" {
		t.Errorf("Existing entry was replaced: %+v", e)
	}
	if r.Len() != 1 {
		t.Errorf("Expected 1 entry, got %d", r.Len())
	}
}

// TestAddInitialBuffer tests the capacity of a new entry's communication buffer
func TestAddInitialBuffer(t *testing.T) {
	testCases := []struct {
		name    string
		initial uint32
		want    int
	}{
		{name: "Default", initial: 0, want: common.DefaultInitialBufferSize},
		{name: "Configured", initial: 4096, want: 4096},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			config := common.DefaultClientConfig()
			config.InitialBufferSize = tc.initial
			r := NewRegistry(config)
			defer r.Shutdown()

			e, err := r.Add(1, "localhost", common.ConnKindTCPPersistent)
			if err != nil {
				t.Fatalf("Failed to add: %v", err)
			}
			if e.Buffer.Cap() != tc.want {
				t.Errorf("Expected capacity %d, got %d", tc.want, e.Buffer.Cap())
			}
		})
	}
}

// TestGetUnknownHandle tests the error for missing entries
func TestGetUnknownHandle(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()

	if _, err := r.Get(99); !errors.Is(err, common.ErrNoConnection) {
		t.Errorf("Expected no connection, got %v", err)
	}

	if _, err := r.Add(99, "localhost", common.ConnKindTCPPersistent); err != nil {
		t.Fatalf("Failed to add: %v", err)
	}
	r.Remove(99)
	if _, err := r.Get(99); !errors.Is(err, common.ErrNoConnection) {
		t.Errorf("Expected no connection after remove, got %v", err)
	}

	// removing twice is a no-op
	r.Remove(99)
}

// TestGetHoldsEntry tests that a held entry blocks a second Get until Put
func TestGetHoldsEntry(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()

	if _, err := r.Add(1, "localhost", common.ConnKindTCPPersistent); err != nil {
		t.Fatalf("Failed to add: %v", err)
	}

	e, err := r.Get(1)
	if err != nil {
		t.Fatalf("Failed to get: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		e2, err := r.Get(1)
		if err == nil {
			r.Put(e2)
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("Second Get returned while the entry was held")
	case <-time.After(50 * time.Millisecond):
	}

	r.Put(e)

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Second Get did not return after Put")
	}
}

// TestRemoveClosesSocket tests that Remove waits for the holder and closes the socket
func TestRemoveClosesSocket(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()

	client, server := net.Pipe()
	defer server.Close()

	if _, err := r.Add(3, "localhost", common.ConnKindTCPPersistent); err != nil {
		t.Fatalf("Failed to add: %v", err)
	}
	e, err := r.Get(3)
	if err != nil {
		t.Fatalf("Failed to get: %v", err)
	}
	e.Conn = client

	removed := make(chan struct{})
	go func() {
		r.Remove(3)
		close(removed)
	}()

	select {
	case <-removed:
		t.Fatal("Remove tore down an entry that was still held")
	case <-time.After(50 * time.Millisecond):
	}
	r.Put(e)
	<-removed

	if _, err := client.Write([]byte{1}); err == nil {
		t.Error("Expected socket to be closed")
	}
	if e.Conn != nil {
		t.Error("Expected entry to drop its socket")
	}
}

// TestConcurrentAdd tests that concurrent adds of one handle succeed exactly once
func TestConcurrentAdd(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Add(5, "localhost", common.ConnKindTCPPersistent); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Errorf("Expected exactly one successful add, got %d", succeeded)
	}
}

// TestNextHandleUnique tests that generated handles do not repeat
func TestNextHandleUnique(t *testing.T) {
	r := newTestRegistry()
	seen := make(map[common.ContextHandle]bool)
	for i := 0; i < 1000; i++ {
		h := r.NextHandle()
		if seen[h] {
			t.Fatalf("Handle %d handed out twice", h)
		}
		seen[h] = true
	}
}

// TestShutdownAndStats tests that Shutdown empties the registry and the counters follow
func TestShutdownAndStats(t *testing.T) {
	r := newTestRegistry()

	for h := common.ContextHandle(1); h <= 3; h++ {
		if _, err := r.Add(h, "localhost", common.ConnKindTCPPersistent); err != nil {
			t.Fatalf("Failed to add: %v", err)
		}
	}
	_, _ = r.Add(1, "localhost", common.ConnKindTCPPersistent)

	r.Shutdown()
	if r.Len() != 0 {
		t.Errorf("Expected empty registry, got %d entries", r.Len())
	}

	var out bytes.Buffer
	r.WriteStats(&out)
	stats := out.String()
	for _, want := range []string{"counter registry.adds", "counter registry.duplicates", "counter registry.removes", "gauge registry.entries"} {
		if !strings.Contains(stats, want) {
			t.Errorf("Expected %q in stats:\n%s", want, stats)
		}
	}

	if r.adds.Count() != 3 || r.duplicates.Count() != 1 || r.removes.Count() != 3 || r.live.Value() != 0 {
		t.Errorf("Unexpected counters: adds %d, duplicates %d, removes %d, live %d",
			r.adds.Count(), r.duplicates.Count(), r.removes.Count(), r.live.Value())
	}
}

// TestGetWaitsBehindContendedEntry tests the lock order of Get: a caller waiting for a
// held entry keeps the table lock, so lookups of other handles wait until the holder
// releases the entry
func TestGetWaitsBehindContendedEntry(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()

	for _, h := range []common.ContextHandle{1, 2} {
		if _, err := r.Add(h, "localhost", common.ConnKindTCPPersistent); err != nil {
			t.Fatalf("Failed to add %d: %v", h, err)
		}
	}

	held, err := r.Get(1)
	if err != nil {
		t.Fatalf("Failed to get: %v", err)
	}

	waiterDone := make(chan struct{})
	go func() {
		defer close(waiterDone)
		e, err := r.Get(1)
		if err != nil {
			t.Errorf("Waiter failed: %v", err)
			return
		}
		r.Put(e)
	}()
	// let the waiter reach the entry lock
	time.Sleep(50 * time.Millisecond)

	otherDone := make(chan struct{})
	go func() {
		defer close(otherDone)
		e, err := r.Get(2)
		if err != nil {
			t.Errorf("Get(2) failed: %v", err)
			return
		}
		r.Put(e)
	}()

	select {
	case <-otherDone:
		t.Fatal("Expected Get(2) to wait while a caller waits for handle 1")
	case <-time.After(100 * time.Millisecond):
	}

	r.Put(held)

	for name, done := range map[string]chan struct{}{"waiter": waiterDone, "Get(2)": otherDone} {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("%s still blocked after the entry was released", name)
		}
	}
}
