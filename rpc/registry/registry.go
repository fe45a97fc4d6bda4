package registry

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/tcsrpc/rpc/common"
	"github.com/ValentinKolb/tcsrpc/rpc/serializer"
	"github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"
)

var Logger = logger.GetLogger("tcs/registry")

// --------------------------------------------------------------------------
// Connection Entry
// --------------------------------------------------------------------------

// Entry is the connection state of one client context. All fields except ClientHandle
// may only be touched while the entry is held (between Get and Put).
type Entry struct {
	ClientHandle common.ContextHandle
	RemoteHandle common.ContextHandle
	Hostname     string
	Kind         common.ConnKind

	// Conn is nil until the open handshake succeeded
	Conn   net.Conn
	Buffer *serializer.Buffer

	mu sync.Mutex
}

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

// Registry maps client handles to their connection entries.
//
// Lock order is table lock, then entry lock. Get keeps holding the table lock while
// it waits for the entry lock, so a long running call on one handle blocks lookups
// of all other handles until it ends. Remove releases the table lock before it takes
// the entry lock, an entry may therefore be handed out by a Get that raced the unlink.
// Such a Get sees the closed socket and fails with a communication error.
type Registry struct {
	mu      sync.Mutex
	entries map[common.ContextHandle]*Entry

	initialBufferSize uint32
	maxPacketSize     uint32
	lastHandle        atomic.Uint32

	stats      gometrics.Registry
	live       gometrics.Gauge
	adds       gometrics.Counter
	removes    gometrics.Counter
	duplicates gometrics.Counter
}

// NewRegistry creates an empty registry. New entries get a communication buffer with
// config.InitialBufferSize bytes that may grow up to config.MaxPacketSize.
func NewRegistry(config common.ClientConfig) *Registry {
	initial := config.InitialBufferSize
	if initial == 0 {
		initial = common.DefaultInitialBufferSize
	}

	stats := gometrics.NewRegistry()
	return &Registry{
		entries:           make(map[common.ContextHandle]*Entry),
		initialBufferSize: initial,
		maxPacketSize:     config.MaxPacketSize,
		stats:             stats,
		live:              gometrics.NewRegisteredGauge("registry.entries", stats),
		adds:              gometrics.NewRegisteredCounter("registry.adds", stats),
		removes:           gometrics.NewRegisteredCounter("registry.removes", stats),
		duplicates:        gometrics.NewRegisteredCounter("registry.duplicates", stats),
	}
}

// NextHandle returns a client handle that has not been handed out by this registry before
func (r *Registry) NextHandle() common.ContextHandle {
	return common.ContextHandle(r.lastHandle.Add(1))
}

// Add creates the entry for handle. The entry is returned unlocked.
// A handle with a live entry is rejected with ErrAlreadyConnected and the
// existing entry is left untouched.
func (r *Registry) Add(handle common.ContextHandle, hostname string, kind common.ConnKind) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[handle]; ok {
		r.duplicates.Inc(1)
		return nil, fmt.Errorf("handle %#x: %w", uint32(handle), common.ErrAlreadyConnected)
	}

	e := &Entry{
		ClientHandle: handle,
		Hostname:     hostname,
		Kind:         kind,
		Buffer:       serializer.NewBuffer(r.initialBufferSize, r.maxPacketSize),
	}
	r.entries[handle] = e

	r.adds.Inc(1)
	r.live.Update(int64(len(r.entries)))
	Logger.Debugf("added handle %#x for %s", uint32(handle), hostname)
	return e, nil
}

// Remove unlinks the entry of handle and closes its socket. Removing an unknown
// handle is a no-op. The caller must not hold the entry.
func (r *Registry) Remove(handle common.ContextHandle) {
	r.mu.Lock()
	e, ok := r.entries[handle]
	if ok {
		delete(r.entries, handle)
		r.live.Update(int64(len(r.entries)))
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	// wait for a call in progress before tearing the socket down
	e.mu.Lock()
	closeEntry(e)
	e.mu.Unlock()

	r.removes.Inc(1)
	Logger.Debugf("removed handle %#x", uint32(handle))
}

// Get returns the entry of handle, locked. Every successful Get must be paired
// with exactly one Put.
//
// The table lock is held until the entry lock is acquired, so while a caller waits
// here for a busy entry every other lookup, Add and Remove waits too. An entry handed out
// here can still be unlinked by Remove while the caller works on it; Remove then
// closes the socket after Put. A per-entry removed marker checked here would
// close that window.
func (r *Registry) Get(handle common.ContextHandle) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[handle]
	if !ok {
		return nil, fmt.Errorf("handle %#x: %w", uint32(handle), common.ErrNoConnection)
	}
	e.mu.Lock()
	return e, nil
}

// Put releases an entry obtained by Get
func (r *Registry) Put(e *Entry) {
	e.mu.Unlock()
}

// Len returns the number of live entries
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Shutdown removes all entries and closes their sockets
func (r *Registry) Shutdown() {
	r.mu.Lock()
	entries := make([]*Entry, 0, len(r.entries))
	for handle, e := range r.entries {
		entries = append(entries, e)
		delete(r.entries, handle)
	}
	r.live.Update(0)
	r.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		closeEntry(e)
		e.mu.Unlock()
		r.removes.Inc(1)
	}

	if len(entries) > 0 {
		Logger.Infof("closed %d remaining connections", len(entries))
	}
}

// WriteStats writes the registry counters in go-metrics text format
func (r *Registry) WriteStats(w io.Writer) {
	gometrics.WriteOnce(r.stats, w)
}

// closeEntry closes the socket of a held entry
func closeEntry(e *Entry) {
	if e.Conn == nil {
		return
	}
	if err := e.Conn.Close(); err != nil {
		Logger.Debugf("closing handle %#x: %v", uint32(e.ClientHandle), err)
	}
	e.Conn = nil
}
