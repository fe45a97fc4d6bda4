package server

import (
	"crypto/rand"
	"crypto/sha1"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/tcsrpc/rpc/common"
	"github.com/ValentinKolb/tcsrpc/rpc/serializer"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	// NumPCRs is the number of platform configuration registers of the emulated TPM
	NumPCRs = 24

	// EmulatorVersion is the protocol version reported on OpenContext
	EmulatorVersion = 1

	// MaxRandom is the largest number of random bytes one GetRandom returns
	MaxRandom = 64 * 1024

	// maxStir is the largest entropy sample StirRandom accepts
	maxStir = 255
)

// emulatedVersion is the TPM version reported by the version capability
var emulatedVersion = common.Version{Major: 1, Minor: 2}

// --------------------------------------------------------------------------
// State
// --------------------------------------------------------------------------

type emuContext struct {
	kind   common.ConnKind
	opened time.Time
}

type emuSession struct {
	ctx       common.ContextHandle
	osap      bool
	nonceEven common.Nonce
}

type emuKey struct {
	parent common.UUID
	blob   []byte
	vendor []byte
	loaded bool
}

// Emulator is a software TCS keeping all state in memory: open contexts, 24 SHA-1 PCRs
// with their event logs, authorization sessions, a persistent key store with the
// storage root key preregistered, and an endorsement key. It answers the same wire
// protocol a real daemon does and is used for tests and the serve command.
type Emulator struct {
	contexts   *xsync.MapOf[common.ContextHandle, emuContext]
	sessions   *xsync.MapOf[uint32, emuSession]
	lastHandle atomic.Uint32

	// mu guards everything below
	mu           sync.Mutex
	pcrs         [NumPCRs]common.Digest
	events       [NumPCRs][]common.PCREvent
	keys         map[common.UUID]*emuKey
	loaded       map[uint32]common.UUID
	ownerInstall bool
	stirred      int

	pubEK []byte
	rng   io.Reader
	boot  time.Time
}

// NewEmulator creates an emulator with fresh PCRs and a random endorsement key
func NewEmulator() *Emulator {
	e := &Emulator{
		contexts: xsync.NewMapOf[common.ContextHandle, emuContext](),
		sessions: xsync.NewMapOf[uint32, emuSession](),
		keys:     make(map[common.UUID]*emuKey),
		loaded:   make(map[uint32]common.UUID),
		rng:      rand.Reader,
		boot:     time.Now(),
	}

	// modulus of a 2048 bit key
	e.pubEK = e.random(256)
	e.keys[common.SRKUUID] = &emuKey{blob: e.random(64), loaded: true}

	return e
}

// Contexts returns the number of open contexts
func (e *Emulator) Contexts() int {
	return e.contexts.Size()
}

// OwnerInstall reports the state last set with SetOwnerInstall
func (e *Emulator) OwnerInstall() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ownerInstall
}

// Handlers implements IService
func (e *Emulator) Handlers() map[common.Opcode]HandlerFunc {
	return map[common.Opcode]HandlerFunc{
		common.OpOpenContext:          e.openContext,
		common.OpCloseContext:         e.closeContext,
		common.OpTCSGetCapability:     e.getCapability,
		common.OpRegisterKey:          e.registerKey,
		common.OpUnregisterKey:        e.unregisterKey,
		common.OpEnumRegisteredKeys:   e.enumRegisteredKeys,
		common.OpGetRegisteredKeyBlob: e.getRegisteredKeyBlob,
		common.OpLoadKeyByUUID:        e.loadKeyByUUID,
		common.OpLogPcrEvent:          e.logPcrEvent,
		common.OpGetPcrEvent:          e.getPcrEvent,
		common.OpSetOwnerInstall:      e.setOwnerInstall,
		common.OpOIAP:                 e.oiap,
		common.OpOSAP:                 e.osap,
		common.OpChangeAuth:           e.changeAuth,
		common.OpTerminateHandle:      e.terminateHandle,
		common.OpExtend:               e.extend,
		common.OpPcrRead:              e.pcrRead,
		common.OpGetRandom:            e.getRandom,
		common.OpStirRandom:           e.stirRandom,
		common.OpReadPubek:            e.readPubek,
		common.OpSelfTestFull:         e.selfTestFull,
		common.OpReadCurrentTicks:     e.readCurrentTicks,
	}
}

// --------------------------------------------------------------------------
// Contexts
// --------------------------------------------------------------------------

func (e *Emulator) openContext(r *serializer.Reader) ([]serializer.Param, common.ResultCode) {
	kind := common.ConnKind(r.Uint32())
	if r.Err() != nil {
		return nil, common.TCSBadParameter
	}

	ctx := common.ContextHandle(e.lastHandle.Add(1))
	e.contexts.Store(ctx, emuContext{kind: kind, opened: time.Now()})
	Logger.Debugf("opened context %#x (kind %d)", uint32(ctx), kind)

	return []serializer.Param{
		serializer.ParamUint32(uint32(ctx)),
		serializer.ParamUint32(EmulatorVersion),
	}, common.ResultSuccess
}

func (e *Emulator) closeContext(r *serializer.Reader) ([]serializer.Param, common.ResultCode) {
	ctx, code := e.context(r)
	if code != common.ResultSuccess {
		return nil, code
	}

	e.contexts.Delete(ctx)
	e.sessions.Range(func(handle uint32, s emuSession) bool {
		if s.ctx == ctx {
			e.sessions.Delete(handle)
		}
		return true
	})
	Logger.Debugf("closed context %#x", uint32(ctx))
	return nil, common.ResultSuccess
}

// context reads the context handle every command but OpenContext starts with
func (e *Emulator) context(r *serializer.Reader) (common.ContextHandle, common.ResultCode) {
	ctx := common.ContextHandle(r.Uint32())
	if r.Err() != nil {
		return 0, common.TCSBadParameter
	}
	if _, ok := e.contexts.Load(ctx); !ok {
		return 0, common.TCSInvalidContext
	}
	return ctx, common.ResultSuccess
}

// --------------------------------------------------------------------------
// Capabilities, self test and owner
// --------------------------------------------------------------------------

func (e *Emulator) getCapability(r *serializer.Reader) ([]serializer.Param, common.ResultCode) {
	if _, code := e.context(r); code != common.ResultSuccess {
		return nil, code
	}
	area := common.CapArea(r.Uint32())
	subCap := r.Sized()
	if r.Err() != nil {
		return nil, common.TCSBadParameter
	}

	var resp []byte
	switch area {
	case common.CapVersion:
		v := emulatedVersion
		resp = []byte{v.Major, v.Minor, v.RevMajor, v.RevMinor}
	case common.CapManufacturer:
		resp = []byte("EMUL")
	case common.CapPersStorage:
		resp = []byte{1}
	case common.CapCaching:
		resp = []byte{0}
	case common.CapAlg:
		if len(subCap) != 4 {
			return nil, common.TCSBadParameter
		}
		resp = []byte{0}
		switch uint32(subCap[0])<<24 | uint32(subCap[1])<<16 | uint32(subCap[2])<<8 | uint32(subCap[3]) {
		case 0x1, 0x4, 0x5: // rsa, sha1, hmac
			resp[0] = 1
		}
	default:
		return nil, common.TCSBadParameter
	}

	return serializer.ParamSized(resp), common.ResultSuccess
}

func (e *Emulator) selfTestFull(r *serializer.Reader) ([]serializer.Param, common.ResultCode) {
	_, code := e.context(r)
	return nil, code
}

func (e *Emulator) setOwnerInstall(r *serializer.Reader) ([]serializer.Param, common.ResultCode) {
	if _, code := e.context(r); code != common.ResultSuccess {
		return nil, code
	}
	state := r.Bool()
	if r.Err() != nil {
		return nil, common.TCSBadParameter
	}

	e.mu.Lock()
	e.ownerInstall = state
	e.mu.Unlock()
	return nil, common.ResultSuccess
}

func (e *Emulator) readCurrentTicks(r *serializer.Reader) ([]serializer.Param, common.ResultCode) {
	if _, code := e.context(r); code != common.ResultSuccess {
		return nil, code
	}
	ticks := uint64(time.Since(e.boot).Microseconds())
	return []serializer.Param{serializer.ParamUint64(ticks)}, common.ResultSuccess
}

// --------------------------------------------------------------------------
// PCRs and event log
// --------------------------------------------------------------------------

func (e *Emulator) extend(r *serializer.Reader) ([]serializer.Param, common.ResultCode) {
	if _, code := e.context(r); code != common.ResultSuccess {
		return nil, code
	}
	pcr := r.Uint32()
	digest := r.Digest()
	if r.Err() != nil {
		return nil, common.TCSBadParameter
	}
	if pcr >= NumPCRs {
		return nil, common.TPMBadIndex
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.pcrs[pcr] = extendDigest(e.pcrs[pcr], digest)
	return []serializer.Param{serializer.ParamDigest(e.pcrs[pcr])}, common.ResultSuccess
}

func (e *Emulator) pcrRead(r *serializer.Reader) ([]serializer.Param, common.ResultCode) {
	if _, code := e.context(r); code != common.ResultSuccess {
		return nil, code
	}
	pcr := r.Uint32()
	if r.Err() != nil {
		return nil, common.TCSBadParameter
	}
	if pcr >= NumPCRs {
		return nil, common.TPMBadIndex
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return []serializer.Param{serializer.ParamDigest(e.pcrs[pcr])}, common.ResultSuccess
}

func (e *Emulator) logPcrEvent(r *serializer.Reader) ([]serializer.Param, common.ResultCode) {
	if _, code := e.context(r); code != common.ResultSuccess {
		return nil, code
	}
	event := r.PCREvent()
	if r.Err() != nil {
		return nil, common.TCSBadParameter
	}
	if event.PcrIndex >= NumPCRs {
		return nil, common.TPMBadIndex
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.events[event.PcrIndex] = append(e.events[event.PcrIndex], event)
	number := uint32(len(e.events[event.PcrIndex]) - 1)
	return []serializer.Param{serializer.ParamUint32(number)}, common.ResultSuccess
}

// getPcrEvent returns one event of a pcr's log. A non-zero trailing byte asks for the
// number of events instead.
func (e *Emulator) getPcrEvent(r *serializer.Reader) ([]serializer.Param, common.ResultCode) {
	if _, code := e.context(r); code != common.ResultSuccess {
		return nil, code
	}
	pcr := r.Uint32()
	number := r.Uint32()
	countOnly := r.Byte() != 0
	if r.Err() != nil {
		return nil, common.TCSBadParameter
	}
	if pcr >= NumPCRs {
		return nil, common.TPMBadIndex
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	log := e.events[pcr]
	if countOnly {
		return []serializer.Param{serializer.ParamUint32(uint32(len(log)))}, common.ResultSuccess
	}
	if number >= uint32(len(log)) {
		return nil, common.TPMBadIndex
	}
	return []serializer.Param{
		serializer.ParamUint32(number),
		serializer.ParamPCREvent(log[number]),
	}, common.ResultSuccess
}

// extendDigest returns SHA1(old || digest)
func extendDigest(old, digest common.Digest) common.Digest {
	h := sha1.New()
	h.Write(old[:])
	h.Write(digest[:])
	var out common.Digest
	copy(out[:], h.Sum(nil))
	return out
}

// --------------------------------------------------------------------------
// Random numbers and endorsement key
// --------------------------------------------------------------------------

func (e *Emulator) getRandom(r *serializer.Reader) ([]serializer.Param, common.ResultCode) {
	if _, code := e.context(r); code != common.ResultSuccess {
		return nil, code
	}
	n := r.Uint32()
	if r.Err() != nil {
		return nil, common.TCSBadParameter
	}
	if n > MaxRandom {
		return nil, common.TPMBadParameter
	}
	return serializer.ParamSized(e.random(int(n))), common.ResultSuccess
}

func (e *Emulator) stirRandom(r *serializer.Reader) ([]serializer.Param, common.ResultCode) {
	if _, code := e.context(r); code != common.ResultSuccess {
		return nil, code
	}
	entropy := r.Sized()
	if r.Err() != nil {
		return nil, common.TCSBadParameter
	}
	if len(entropy) > maxStir {
		return nil, common.TPMBadParameter
	}

	// the generator is the system's, stirring is only counted
	e.mu.Lock()
	e.stirred += len(entropy)
	e.mu.Unlock()
	return nil, common.ResultSuccess
}

func (e *Emulator) readPubek(r *serializer.Reader) ([]serializer.Param, common.ResultCode) {
	if _, code := e.context(r); code != common.ResultSuccess {
		return nil, code
	}
	antiReplay := r.Nonce()
	if r.Err() != nil {
		return nil, common.TCSBadParameter
	}

	out := serializer.ParamSized(e.pubEK)
	out = append(out, serializer.ParamDigest(PubekChecksum(e.pubEK, antiReplay)))
	return out, common.ResultSuccess
}

// PubekChecksum returns SHA1(pubKey || antiReplay), the checksum ReadPubek replies with
func PubekChecksum(pubKey []byte, antiReplay common.Nonce) common.Digest {
	h := sha1.New()
	h.Write(pubKey)
	h.Write(antiReplay[:])
	var out common.Digest
	copy(out[:], h.Sum(nil))
	return out
}

func (e *Emulator) random(n int) []byte {
	out := make([]byte, n)
	if _, err := io.ReadFull(e.rng, out); err != nil {
		Logger.Panicf("random source failed: %v", err)
	}
	return out
}

func (e *Emulator) nonce() common.Nonce {
	var n common.Nonce
	copy(n[:], e.random(common.DigestSize))
	return n
}

// --------------------------------------------------------------------------
// Authorization sessions
// --------------------------------------------------------------------------

func (e *Emulator) oiap(r *serializer.Reader) ([]serializer.Param, common.ResultCode) {
	ctx, code := e.context(r)
	if code != common.ResultSuccess {
		return nil, code
	}

	handle := e.lastHandle.Add(1)
	s := emuSession{ctx: ctx, nonceEven: e.nonce()}
	e.sessions.Store(handle, s)

	return []serializer.Param{
		serializer.ParamUint32(handle),
		serializer.ParamNonce(s.nonceEven),
	}, common.ResultSuccess
}

func (e *Emulator) osap(r *serializer.Reader) ([]serializer.Param, common.ResultCode) {
	ctx, code := e.context(r)
	if code != common.ResultSuccess {
		return nil, code
	}
	_ = r.Uint16() // entity type
	_ = r.Uint32() // entity value
	_ = r.Nonce()  // odd OSAP nonce
	if r.Err() != nil {
		return nil, common.TCSBadParameter
	}

	handle := e.lastHandle.Add(1)
	s := emuSession{ctx: ctx, osap: true, nonceEven: e.nonce()}
	e.sessions.Store(handle, s)

	return []serializer.Param{
		serializer.ParamUint32(handle),
		serializer.ParamNonce(s.nonceEven),
		serializer.ParamNonce(e.nonce()),
	}, common.ResultSuccess
}

// changeAuth rewraps the encrypted data with the new secret. Both sessions roll their
// even nonce, a session without ContinueAuth is closed afterwards.
func (e *Emulator) changeAuth(r *serializer.Reader) ([]serializer.Param, common.ResultCode) {
	ctx, code := e.context(r)
	if code != common.ResultSuccess {
		return nil, code
	}
	_ = r.Uint32() // parent handle
	_ = r.Uint16() // protocol
	newAuth := r.Secret()
	_ = r.Uint16() // entity type
	encData := r.Sized()
	ownerAuth := r.Auth()
	entityAuth := r.Auth()
	if r.Err() != nil {
		return nil, common.TCSBadParameter
	}

	owner, code := e.rollSession(ctx, ownerAuth)
	if code != common.ResultSuccess {
		return nil, code
	}
	entity, code := e.rollSession(ctx, entityAuth)
	if code != common.ResultSuccess {
		return nil, code
	}

	outData := make([]byte, len(encData))
	for i := range encData {
		outData[i] = encData[i] ^ newAuth[i%len(newAuth)]
	}

	out := []serializer.Param{serializer.ParamAuth(owner), serializer.ParamAuth(entity)}
	return append(out, serializer.ParamSized(outData)...), common.ResultSuccess
}

// rollSession checks that auth names a session of ctx and returns it with a fresh even nonce
func (e *Emulator) rollSession(ctx common.ContextHandle, auth common.AuthSession) (common.AuthSession, common.ResultCode) {
	s, ok := e.sessions.Load(auth.AuthHandle)
	if !ok || s.ctx != ctx {
		return common.AuthSession{}, common.TCSInvalidAuthHandle
	}

	s.nonceEven = e.nonce()
	if auth.ContinueAuth {
		e.sessions.Store(auth.AuthHandle, s)
	} else {
		e.sessions.Delete(auth.AuthHandle)
	}

	auth.NonceEven = s.nonceEven
	return auth, common.ResultSuccess
}

func (e *Emulator) terminateHandle(r *serializer.Reader) ([]serializer.Param, common.ResultCode) {
	ctx, code := e.context(r)
	if code != common.ResultSuccess {
		return nil, code
	}
	handle := r.Uint32()
	if r.Err() != nil {
		return nil, common.TCSBadParameter
	}

	s, ok := e.sessions.Load(handle)
	if !ok || s.ctx != ctx {
		return nil, common.TCSInvalidAuthHandle
	}
	e.sessions.Delete(handle)
	return nil, common.ResultSuccess
}

// --------------------------------------------------------------------------
// Persistent key store
// --------------------------------------------------------------------------

func (e *Emulator) registerKey(r *serializer.Reader) ([]serializer.Param, common.ResultCode) {
	if _, code := e.context(r); code != common.ResultSuccess {
		return nil, code
	}
	parent := r.UUID()
	key := r.UUID()
	blob := r.Sized()
	vendor := r.Sized()
	if r.Err() != nil {
		return nil, common.TCSBadParameter
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.keys[key]; ok {
		return nil, common.TCSKeyAlreadyRegistered
	}
	if _, ok := e.keys[parent]; !ok {
		return nil, common.TCSKeyNotFound
	}
	e.keys[key] = &emuKey{parent: parent, blob: blob, vendor: vendor}
	return nil, common.ResultSuccess
}

func (e *Emulator) unregisterKey(r *serializer.Reader) ([]serializer.Param, common.ResultCode) {
	if _, code := e.context(r); code != common.ResultSuccess {
		return nil, code
	}
	key := r.UUID()
	if r.Err() != nil {
		return nil, common.TCSBadParameter
	}
	if key == common.SRKUUID {
		return nil, common.TCSBadParameter
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.keys[key]; !ok {
		return nil, common.TCSKeyNotFound
	}
	for _, k := range e.keys {
		if k.parent == key {
			// children must be unregistered first
			return nil, common.TCSBadParameter
		}
	}
	delete(e.keys, key)
	return nil, common.ResultSuccess
}

// enumRegisteredKeys lists all keys for the zero uuid, otherwise the path from key to the root
func (e *Emulator) enumRegisteredKeys(r *serializer.Reader) ([]serializer.Param, common.ResultCode) {
	if _, code := e.context(r); code != common.ResultSuccess {
		return nil, code
	}
	key := r.UUID()
	if r.Err() != nil {
		return nil, common.TCSBadParameter
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var ids []common.UUID
	if key == (common.UUID{}) {
		for id := range e.keys {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	} else {
		if _, ok := e.keys[key]; !ok {
			return nil, common.TCSKeyNotFound
		}
		for id := key; ; {
			ids = append(ids, id)
			if id == common.SRKUUID {
				break
			}
			id = e.keys[id].parent
		}
	}

	out := []serializer.Param{serializer.ParamUint32(uint32(len(ids)))}
	for _, id := range ids {
		out = append(out, serializer.ParamKMKeyInfo(e.keyInfo(id)))
	}
	return out, common.ResultSuccess
}

func (e *Emulator) keyInfo(id common.UUID) common.KMKeyInfo {
	k := e.keys[id]
	return common.KMKeyInfo{
		Version:       emulatedVersion,
		KeyUUID:       id,
		ParentKeyUUID: k.parent,
		IsLoaded:      k.loaded,
		VendorData:    k.vendor,
	}
}

func (e *Emulator) getRegisteredKeyBlob(r *serializer.Reader) ([]serializer.Param, common.ResultCode) {
	if _, code := e.context(r); code != common.ResultSuccess {
		return nil, code
	}
	key := r.UUID()
	if r.Err() != nil {
		return nil, common.TCSBadParameter
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	k, ok := e.keys[key]
	if !ok {
		return nil, common.TCSKeyNotFound
	}
	return serializer.ParamSized(k.blob), common.ResultSuccess
}

func (e *Emulator) loadKeyByUUID(r *serializer.Reader) ([]serializer.Param, common.ResultCode) {
	if _, code := e.context(r); code != common.ResultSuccess {
		return nil, code
	}
	key := r.UUID()
	_ = r.LoadKeyInfo()
	if r.Err() != nil {
		return nil, common.TCSBadParameter
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	k, ok := e.keys[key]
	if !ok {
		return nil, common.TCSKeyNotFound
	}

	handle := e.lastHandle.Add(1)
	k.loaded = true
	e.loaded[handle] = key
	return []serializer.Param{serializer.ParamUint32(handle)}, common.ResultSuccess
}
