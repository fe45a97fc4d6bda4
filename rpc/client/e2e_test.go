package client

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/tcsrpc/rpc/common"
	"github.com/ValentinKolb/tcsrpc/rpc/registry"
	"github.com/ValentinKolb/tcsrpc/rpc/serializer"
	"github.com/ValentinKolb/tcsrpc/rpc/server"
	"github.com/ValentinKolb/tcsrpc/rpc/transport/tcp"
	"github.com/ValentinKolb/tcsrpc/rpc/transport/unix"
	"github.com/google/go-cmp/cmp"
)

// --------------------------------------------------------------------------
// Setup
// --------------------------------------------------------------------------

func clientConfig(addr net.Addr) common.ClientConfig {
	config := common.DefaultClientConfig()
	config.Hostname = "127.0.0.1"
	config.Port = addr.(*net.TCPAddr).Port
	config.TimeoutSecond = 5
	return config
}

// startDaemon runs a TCS server with the emulator on a free local port and returns a
// client connected to it by configuration
func startDaemon(t *testing.T, configure func(s *server.TCSServer)) (*Client, *server.Emulator) {
	t.Helper()

	emu := server.NewEmulator()
	s := server.NewTCSServer(common.ServerConfig{
		Endpoint:      "127.0.0.1:0",
		TimeoutSecond: 5,
		LogLevel:      "info",
	}, tcp.NewTCPServerTransport())
	s.RegisterService(emu)
	if configure != nil {
		configure(s)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })

	config := clientConfig(s.Addr())
	reg := registry.NewRegistry(config)
	t.Cleanup(reg.Shutdown)

	return NewClient(reg, tcp.NewTCPClientTransport(config)), emu
}

// scriptedDaemon accepts a single connection and answers the n-th request with
// script(n). A nil answer closes the connection, so does an answer shorter than the
// packet size it announces, right after it was written.
func scriptedDaemon(t *testing.T, script func(n int) []byte) net.Addr {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		for n := 0; ; n++ {
			header := make([]byte, common.HeaderSize)
			if _, err := io.ReadFull(conn, header); err != nil {
				return
			}
			rest := make([]byte, binary.BigEndian.Uint32(header)-common.HeaderSize)
			if _, err := io.ReadFull(conn, rest); err != nil {
				return
			}

			answer := script(n)
			if answer == nil {
				return
			}
			if _, err := conn.Write(answer); err != nil {
				return
			}
			if uint32(len(answer)) < binary.BigEndian.Uint32(answer) {
				return
			}
		}
	}()

	return l.Addr()
}

func replyPacket(t *testing.T, code common.ResultCode, params ...serializer.Param) []byte {
	t.Helper()
	b := serializer.NewBuffer(common.DefaultInitialBufferSize, 0)
	b.ResetResponse(len(params), code)
	if err := b.AppendAll(params...); err != nil {
		t.Fatalf("Failed to build reply: %v", err)
	}
	if err := b.Seal(); err != nil {
		t.Fatalf("Failed to seal reply: %v", err)
	}
	return bytes.Clone(b.Bytes())
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

// TestOpenContextOverTCP tests the open handshake against a daemon answering {42, 1}
func TestOpenContextOverTCP(t *testing.T) {
	var kind atomic.Uint32
	c, _ := startDaemon(t, func(s *server.TCSServer) {
		s.Handle(common.OpOpenContext, func(r *serializer.Reader) ([]serializer.Param, common.ResultCode) {
			kind.Store(r.Uint32())
			return []serializer.Param{serializer.ParamUint32(42), serializer.ParamUint32(1)}, common.ResultSuccess
		})
	})

	remote, version, err := c.OpenContext(7, "127.0.0.1")
	if err != nil {
		t.Fatalf("Failed to open context: %v", err)
	}
	if remote != 42 || version != 1 {
		t.Errorf("Expected {42, 1}, got {%d, %d}", remote, version)
	}
	if kind.Load() != uint32(common.ConnKindTCPPersistent) {
		t.Errorf("Expected connection kind %d, got %d", common.ConnKindTCPPersistent, kind.Load())
	}

	e, err := c.Registry().Get(7)
	if err != nil {
		t.Fatalf("Failed to get entry: %v", err)
	}
	if e.RemoteHandle != 42 || e.Conn == nil {
		t.Errorf("Entry not set up: remote %d, conn %v", e.RemoteHandle, e.Conn)
	}
	c.Registry().Put(e)
}

// TestEmulator runs every implemented command against the emulated daemon
func TestEmulator(t *testing.T) {
	c, emu := startDaemon(t, nil)

	const h = common.ContextHandle(1)
	if _, _, err := c.OpenContext(h, "127.0.0.1"); err != nil {
		t.Fatalf("Failed to open context: %v", err)
	}
	if emu.Contexts() != 1 {
		t.Fatalf("Expected one context on the daemon, got %d", emu.Contexts())
	}

	t.Run("Random", func(t *testing.T) {
		for _, n := range []uint32{0, 1, 32, 4096} {
			random, err := c.GetRandom(h, n)
			if err != nil {
				t.Fatalf("GetRandom(%d) failed: %v", n, err)
			}
			if uint32(len(random)) != n {
				t.Errorf("Expected %d bytes, got %d", n, len(random))
			}
		}
		if err := c.StirRandom(h, []byte("entropy")); err != nil {
			t.Errorf("StirRandom failed: %v", err)
		}
		if _, err := c.GetRandom(h, server.MaxRandom+1); common.Code(err) != common.TPMBadParameter {
			t.Errorf("Expected %#x, got %v", common.TPMBadParameter, err)
		}
	})

	t.Run("PCRs", func(t *testing.T) {
		digest := common.Digest{1, 2, 3}
		extended, err := c.Extend(h, 10, digest)
		if err != nil {
			t.Fatalf("Extend failed: %v", err)
		}

		want := common.Digest(sha1.Sum(append(make([]byte, common.DigestSize), digest[:]...)))
		if extended != want {
			t.Errorf("Expected %x, got %x", want, extended)
		}

		value, err := c.PcrRead(h, 10)
		if err != nil {
			t.Fatalf("PcrRead failed: %v", err)
		}
		if value != extended {
			t.Errorf("Expected %x, got %x", extended, value)
		}

		if _, err := c.PcrRead(h, server.NumPCRs); !errors.Is(err, common.TPMBadIndex) {
			t.Errorf("Expected bad index, got %v", err)
		}
	})

	t.Run("Events", func(t *testing.T) {
		event := common.PCREvent{
			PcrIndex:  4,
			EventType: 0x0d,
			PcrValue:  bytes.Repeat([]byte{0xaa}, common.DigestSize),
			Event:     []byte("bootloader"),
		}
		for i := uint32(0); i < 3; i++ {
			number, err := c.LogPcrEvent(h, event)
			if err != nil {
				t.Fatalf("LogPcrEvent failed: %v", err)
			}
			if number != i {
				t.Errorf("Expected event number %d, got %d", i, number)
			}
		}

		number, got, err := c.GetPcrEvent(h, 4, 2)
		if err != nil {
			t.Fatalf("GetPcrEvent failed: %v", err)
		}
		if number != 2 {
			t.Errorf("Expected event number 2, got %d", number)
		}
		if diff := cmp.Diff(event, got); diff != "" {
			t.Errorf("Event mismatch (-want +got):\n%s", diff)
		}

		if _, _, err := c.GetPcrEvent(h, 4, 3); !errors.Is(err, common.TPMBadIndex) {
			t.Errorf("Expected bad index, got %v", err)
		}
	})

	t.Run("Keys", func(t *testing.T) {
		parent := common.UUIDFrom([16]byte{0x10, 1})
		child := common.UUIDFrom([16]byte{0x20, 2})

		if err := c.RegisterKey(h, common.SRKUUID, parent, []byte("parent blob"), nil); err != nil {
			t.Fatalf("RegisterKey failed: %v", err)
		}
		if err := c.RegisterKey(h, parent, child, []byte("child blob"), []byte{9}); err != nil {
			t.Fatalf("RegisterKey failed: %v", err)
		}
		if err := c.RegisterKey(h, parent, child, nil, nil); !errors.Is(err, common.TCSKeyAlreadyRegistered) {
			t.Errorf("Expected already registered, got %v", err)
		}

		chain, err := c.EnumRegisteredKeys(h, child)
		if err != nil {
			t.Fatalf("EnumRegisteredKeys failed: %v", err)
		}
		var ids []common.UUID
		for _, k := range chain {
			ids = append(ids, k.KeyUUID)
		}
		if diff := cmp.Diff([]common.UUID{child, parent, common.SRKUUID}, ids); diff != "" {
			t.Errorf("Key chain mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]byte{9}, chain[0].VendorData); diff != "" {
			t.Errorf("Vendor data mismatch (-want +got):\n%s", diff)
		}

		all, err := c.EnumRegisteredKeys(h, common.UUID{})
		if err != nil {
			t.Fatalf("EnumRegisteredKeys failed: %v", err)
		}
		if len(all) != 3 {
			t.Errorf("Expected 3 registered keys, got %d", len(all))
		}

		blob, err := c.GetRegisteredKeyBlob(h, child)
		if err != nil {
			t.Fatalf("GetRegisteredKeyBlob failed: %v", err)
		}
		if string(blob) != "child blob" {
			t.Errorf("Expected child blob, got %q", blob)
		}

		keyHandle, err := c.LoadKeyByUUID(h, child, common.LoadKeyInfo{KeyUUID: child, ParentKeyUUID: parent})
		if err != nil {
			t.Fatalf("LoadKeyByUUID failed: %v", err)
		}
		if keyHandle == 0 {
			t.Error("Expected a key handle")
		}

		chain, err = c.EnumRegisteredKeys(h, child)
		if err != nil {
			t.Fatalf("EnumRegisteredKeys failed: %v", err)
		}
		if !chain[0].IsLoaded {
			t.Error("Expected the key to be marked loaded")
		}

		if err := c.UnregisterKey(h, parent); !errors.Is(err, common.TCSBadParameter) {
			t.Errorf("Expected a parent with children to stay registered, got %v", err)
		}
		if err := c.UnregisterKey(h, child); err != nil {
			t.Errorf("UnregisterKey failed: %v", err)
		}
		if _, err := c.GetRegisteredKeyBlob(h, child); !errors.Is(err, common.TCSKeyNotFound) {
			t.Errorf("Expected key not found, got %v", err)
		}
	})

	t.Run("Sessions", func(t *testing.T) {
		oiap, nonce, err := c.OIAP(h)
		if err != nil {
			t.Fatalf("OIAP failed: %v", err)
		}
		if nonce == (common.Nonce{}) {
			t.Error("Expected an even nonce")
		}

		osap, err := c.OSAP(h, 0x0005, 0x40000001, common.Nonce{0x01})
		if err != nil {
			t.Fatalf("OSAP failed: %v", err)
		}
		if osap.AuthHandle == oiap {
			t.Error("Expected distinct session handles")
		}

		newAuth := common.Secret{0xff, 0x0f}
		resp, err := c.ChangeAuth(h, ChangeAuthRequest{
			ParentHandle: 0x40000000,
			Protocol:     0x0001,
			NewAuth:      newAuth,
			EntityType:   0x0001,
			EncData:      []byte{0xff, 0xff, 0xff},
			OwnerAuth:    common.AuthSession{AuthHandle: osap.AuthHandle, ContinueAuth: true},
			EntityAuth:   common.AuthSession{AuthHandle: oiap},
		})
		if err != nil {
			t.Fatalf("ChangeAuth failed: %v", err)
		}
		if diff := cmp.Diff([]byte{0x00, 0xf0, 0xff}, resp.OutData); diff != "" {
			t.Errorf("Output data mismatch (-want +got):\n%s", diff)
		}
		if resp.OwnerAuth.AuthHandle != osap.AuthHandle || resp.OwnerAuth.NonceEven == osap.NonceEven {
			t.Errorf("Expected the owner session to roll its nonce, got %+v", resp.OwnerAuth)
		}

		// the entity session did not continue
		if err := c.TerminateHandle(h, oiap); !errors.Is(err, common.TCSInvalidAuthHandle) {
			t.Errorf("Expected invalid auth handle, got %v", err)
		}
		if err := c.TerminateHandle(h, osap.AuthHandle); err != nil {
			t.Errorf("TerminateHandle failed: %v", err)
		}
	})

	t.Run("Endorsement key", func(t *testing.T) {
		antiReplay := common.Nonce{0xde, 0xad}
		pubKey, checksum, err := c.ReadPubek(h, antiReplay)
		if err != nil {
			t.Fatalf("ReadPubek failed: %v", err)
		}
		if len(pubKey) != 256 {
			t.Errorf("Expected 256 byte key, got %d", len(pubKey))
		}
		if want := server.PubekChecksum(pubKey, antiReplay); checksum != want {
			t.Errorf("Expected checksum %x, got %x", want, checksum)
		}
	})

	t.Run("Capabilities", func(t *testing.T) {
		version, err := c.GetCapability(h, common.CapVersion, nil)
		if err != nil {
			t.Fatalf("GetCapability failed: %v", err)
		}
		if diff := cmp.Diff([]byte{1, 2, 0, 0}, version); diff != "" {
			t.Errorf("Version mismatch (-want +got):\n%s", diff)
		}

		supported, err := c.GetCapability(h, common.CapAlg, []byte{0, 0, 0, 4})
		if err != nil {
			t.Fatalf("GetCapability failed: %v", err)
		}
		if diff := cmp.Diff([]byte{1}, supported); diff != "" {
			t.Errorf("Algorithm support mismatch (-want +got):\n%s", diff)
		}

		if _, err := c.GetCapability(h, common.CapArea(99), nil); !errors.Is(err, common.TCSBadParameter) {
			t.Errorf("Expected bad parameter, got %v", err)
		}
	})

	t.Run("TPM", func(t *testing.T) {
		if err := c.SelfTestFull(h); err != nil {
			t.Errorf("SelfTestFull failed: %v", err)
		}
		if err := c.SetOwnerInstall(h, true); err != nil {
			t.Errorf("SetOwnerInstall failed: %v", err)
		}
		if !emu.OwnerInstall() {
			t.Error("Expected owner install to be set")
		}

		first, err := c.ReadCurrentTicks(h)
		if err != nil {
			t.Fatalf("ReadCurrentTicks failed: %v", err)
		}
		second, err := c.ReadCurrentTicks(h)
		if err != nil {
			t.Fatalf("ReadCurrentTicks failed: %v", err)
		}
		if second < first {
			t.Errorf("Ticks went backwards: %d then %d", first, second)
		}
	})

	if err := c.CloseContext(h); err != nil {
		t.Fatalf("CloseContext failed: %v", err)
	}
	if _, err := c.GetRandom(h, 1); !errors.Is(err, common.ErrNoConnection) {
		t.Errorf("Expected no connection after close, got %v", err)
	}
	if emu.Contexts() != 0 {
		t.Errorf("Expected no context on the daemon, got %d", emu.Contexts())
	}
}

// TestUnixSocket tests the emulator behind a unix socket
func TestUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tcsd.sock")

	emu := server.NewEmulator()
	s := server.NewTCSServer(common.ServerConfig{Endpoint: path}, unix.NewUnixServerTransport())
	s.RegisterService(emu)
	if err := s.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })

	config := common.DefaultClientConfig()
	config.Hostname = path
	config.TimeoutSecond = 5
	reg := registry.NewRegistry(config)
	t.Cleanup(reg.Shutdown)
	c := NewClient(reg, unix.NewUnixClientTransport(config))

	if _, _, err := c.OpenContext(1, path); err != nil {
		t.Fatalf("Failed to open context: %v", err)
	}
	e, err := reg.Get(1)
	if err != nil {
		t.Fatalf("Failed to get entry: %v", err)
	}
	kind := e.Kind
	reg.Put(e)
	if kind != common.ConnKindUnixSocket {
		t.Errorf("Expected unix connection kind, got %d", kind)
	}

	random, err := c.GetRandom(1, 64)
	if err != nil || len(random) != 64 {
		t.Fatalf("GetRandom failed: %d bytes, %v", len(random), err)
	}
	if err := c.CloseContext(1); err != nil {
		t.Errorf("CloseContext failed: %v", err)
	}
}

// TestManyContexts tests parallel contexts against one daemon
func TestManyContexts(t *testing.T) {
	c, emu := startDaemon(t, nil)

	const n = 16
	errs := make(chan error, n)
	for i := 1; i <= n; i++ {
		go func(h common.ContextHandle) {
			if _, _, err := c.OpenContext(h, "127.0.0.1"); err != nil {
				errs <- err
				return
			}
			for j := 0; j < 10; j++ {
				if _, err := c.GetRandom(h, 64); err != nil {
					errs <- err
					return
				}
			}
			errs <- c.CloseContext(h)
		}(common.ContextHandle(i))
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Errorf("Context failed: %v", err)
		}
	}

	if c.Registry().Len() != 0 || emu.Contexts() != 0 {
		t.Errorf("Expected all contexts closed, got %d local and %d remote", c.Registry().Len(), emu.Contexts())
	}
}

// TestPeerClosesAfterHeader tests that a reply cut short is a communication failure
func TestPeerClosesAfterHeader(t *testing.T) {
	truncated := make([]byte, common.HeaderSize)
	binary.BigEndian.PutUint32(truncated, 100)
	undersized := make([]byte, common.HeaderSize)
	binary.BigEndian.PutUint32(undersized, 12)

	testCases := []struct {
		name string
		// answers per request, nil closes the connection
		answers func(t *testing.T) [][]byte
		// open is expected to fail
		openFails bool
	}{
		{
			name: "During open",
			answers: func(t *testing.T) [][]byte {
				return [][]byte{truncated}
			},
			openFails: true,
		},
		{
			name: "Size below header",
			answers: func(t *testing.T) [][]byte {
				return [][]byte{undersized}
			},
			openFails: true,
		},
		{
			name: "After open",
			answers: func(t *testing.T) [][]byte {
				return [][]byte{
					replyPacket(t, common.ResultSuccess, serializer.ParamUint32(42), serializer.ParamUint32(1)),
					truncated,
				}
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			answers := tc.answers(t)
			addr := scriptedDaemon(t, func(n int) []byte {
				if n >= len(answers) {
					return nil
				}
				return answers[n]
			})
			config := clientConfig(addr)
			reg := registry.NewRegistry(config)
			t.Cleanup(reg.Shutdown)
			c := NewClient(reg, tcp.NewTCPClientTransport(config))

			_, _, err := c.OpenContext(1, "127.0.0.1")
			if tc.openFails {
				if !common.IsCommunication(err) {
					t.Fatalf("Expected communication failure, got %v", err)
				}
				if reg.Len() != 0 {
					t.Errorf("Expected the failed context to be removed")
				}
				return
			}
			if err != nil {
				t.Fatalf("Failed to open context: %v", err)
			}

			random, err := c.GetRandom(1, 8)
			if !common.IsCommunication(err) {
				t.Fatalf("Expected communication failure, got %v", err)
			}
			if random != nil {
				t.Errorf("Expected no output, got %x", random)
			}
			if reg.Len() != 1 {
				t.Errorf("Expected the context to stay registered")
			}
		})
	}
}
