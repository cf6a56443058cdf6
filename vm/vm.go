// Package vm implements the IHVM's per-interrupt instance lifecycle and
// the process-wide handler registry (C5). It is grounded on the
// teacher's HostVM/machine-state pattern (create fresh state per
// invocation, run to a terminal state, tear down) and on the original
// kernel's interrupt controller ack/finish protocol
// (kernel_core/src/exceptions/interrupt/handler.rs), narrowly exposed
// here through hostbridge.InterruptController rather than reimplemented.
package vm

import (
	"fmt"
	"sync"

	"github.com/cavern-os/ihvm/engine"
	"github.com/cavern-os/ihvm/hostbridge"
	"github.com/cavern-os/ihvm/isa"
	"github.com/cavern-os/ihvm/log"
	"github.com/cavern-os/ihvm/region"
	"github.com/cavern-os/ihvm/verify"
)

// ScratchSize is the fixed build constant for the S region's length, per
// spec.md §3 ("length is a fixed build constant"). It is generously sized
// for hand-written driver programs and their working set; a kernel that
// wants a different size recompiles with this constant changed, matching
// "kernel-allocated on VM creation" rather than a runtime-configurable
// value.
const ScratchSize = 256

// RegionBinding is what a driver declares for one of R1..R7 at
// registration time.
type RegionBinding struct {
	Present bool
	Bytes   []byte
	Mode    region.AccessMode
}

// Handler is a verified program plus its region bindings, registered for
// one hardware interrupt (per the glossary's "Handler" entry).
type Handler struct {
	ID          uint32
	DriverPID   uint32
	Program     []byte
	Bindings    [8]RegionBinding // index 0 unused; S is kernel-managed
	Verified    *verify.Result
	MaxCycles   uint64
	debugFrames bool
}

// shape derives the RegionShape verification needs from the driver's
// declared bindings.
func (h *Handler) shape() verify.RegionShape {
	var s verify.RegionShape
	for i := 1; i <= isa.MaxRegion; i++ {
		s.Present[i] = h.Bindings[i].Present
		if h.Bindings[i].Mode == region.ReadWrite {
			s.Mode[i] = 1
		}
	}
	return s
}

// Registry is the process-wide collection of registered handlers per
// interrupt vector. Per spec.md §9's "Process-wide state" note, the only
// shared mutable state is this registry, and it is locked only at
// register/unregister time — the hot Fire path takes an immutable
// snapshot of the slice under a brief read lock and then runs without
// holding it.
type Registry struct {
	mu         sync.RWMutex
	byVector   map[uint32][]*Handler
	nextID     uint32
	bridge     hostbridge.Bridge
	controller hostbridge.InterruptController
	maxCycles  uint64

	debugFrames bool
}

// NewRegistry constructs an empty Registry. controller may be nil, in
// which case Fire skips the ack/finish calls (useful for tests that don't
// care about that side channel).
func NewRegistry(bridge hostbridge.Bridge, controller hostbridge.InterruptController, maxCycles uint64) *Registry {
	return &Registry{
		byVector:   make(map[uint32][]*Handler),
		bridge:     bridge,
		controller: controller,
		maxCycles:  maxCycles,
	}
}

// Register verifies program against bindings and, on success, adds it to
// vector's handler list in registration order. It returns the assigned
// handler id or a *verify.Error.
func (r *Registry) Register(vector uint32, driverPID uint32, program []byte, bindings [8]RegionBinding) (uint32, error) {
	h := &Handler{DriverPID: driverPID, Program: program, Bindings: bindings, MaxCycles: r.maxCycles}
	result, err := verify.VerifyCached(program, h.shape(), r.maxCycles)
	if err != nil {
		return 0, err
	}
	h.Verified = result

	r.mu.Lock()
	r.nextID++
	h.ID = r.nextID
	h.debugFrames = r.debugFrames
	r.byVector[vector] = append(r.byVector[vector], h)
	r.mu.Unlock()

	log.Info(log.ModuleVM, "handler registered", "handler_id", h.ID, "vector", vector, "pid", driverPID)
	return h.ID, nil
}

// Unregister removes handlerID from future interrupts. Per spec.md §5,
// any in-flight VM for this handler on another CPU runs to completion —
// this implementation's single-goroutine Fire loop makes that
// automatic, since Unregister only ever mutates the slice between Fire
// calls, never during one.
func (r *Registry) Unregister(handlerID uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for vector, handlers := range r.byVector {
		for i, h := range handlers {
			if h.ID == handlerID {
				r.byVector[vector] = append(handlers[:i], handlers[i+1:]...)
				return true
			}
		}
	}
	return false
}

// EnableDebugFrames turns on debug_log frame emission for every handler
// subsequently fired by this registry, including handlers registered
// after the call. A panic termination emits no frame.
func (r *Registry) EnableDebugFrames(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.debugFrames = enabled
	for _, handlers := range r.byVector {
		for _, h := range handlers {
			h.debugFrames = enabled
		}
	}
}

// FireResult reports one handler's outcome from a single Fire call.
type FireResult struct {
	HandlerID uint32
	State     engine.State
	PanicCode engine.PanicCode
}

// Fire instantiates and runs one VM per handler registered for vector, in
// registration order, seeding registers via the pinned A0..A3 mapping
// (SPEC_FULL.md §9) from the metadata C6's ReadInterruptMetadata reports
// for the interrupt currently being handled. It acknowledges the
// interrupt line before running any handler and finishes it once every
// handler has completed, so that a panicking driver's VM cannot leave the
// line asserted for its siblings (restored from original_source's
// ack/finish policy).
func (r *Registry) Fire(vector uint32) []FireResult {
	r.mu.RLock()
	handlers := append([]*Handler(nil), r.byVector[vector]...)
	r.mu.RUnlock()

	meta := r.bridge.ReadInterruptMetadata()

	if r.controller != nil {
		r.controller.AckInterrupt(vector)
	}

	results := make([]FireResult, 0, len(handlers))
	for _, h := range handlers {
		results = append(results, r.runOne(h, meta))
	}

	if r.controller != nil {
		r.controller.FinishInterrupt(vector)
	}
	return results
}

func (r *Registry) runOne(h *Handler, meta hostbridge.InterruptMetadata) FireResult {
	regions := &region.Table{}
	if err := regions.Bind(isa.RegionScratch, &region.Binding{Bytes: make([]byte, ScratchSize), Mode: region.ReadWrite}); err != nil {
		panic(fmt.Sprintf("vm: bind scratch: %v", err)) // unreachable: index 0 is always in range
	}
	for i := 1; i <= isa.MaxRegion; i++ {
		b := h.Bindings[i]
		if !b.Present {
			continue
		}
		_ = regions.Bind(i, &region.Binding{Bytes: b.Bytes, Mode: b.Mode})
	}

	eng := engine.New(h.ID, h.DriverPID, h.Program, regions, h.MaxCycles, r.bridge)
	eng.EnableDebugFrames(h.debugFrames)
	seedRegisters(eng, meta)

	log.Debug(log.ModuleVM, "vm instance starting", "handler_id", h.ID, "irq", meta.InterruptNumber)
	state := eng.Run()

	result := FireResult{HandlerID: h.ID, State: state, PanicCode: eng.PanicCode()}
	if state == engine.Panicked {
		postPanicMessage(r.bridge, h, eng.PanicCode())
		log.Warn(log.ModuleVM, "vm instance panicked", "handler_id", h.ID, "code", eng.PanicCode().String())
	}
	return result
}

// seedRegisters implements SPEC_FULL.md §9 Open Question 3: A0 =
// interrupt number, A1 = source identifier, A2 = a monotonic tick (never
// wall-clock time), A3 = handler-identity tag, A4..A15 = 0.
func seedRegisters(eng *engine.Engine, meta hostbridge.InterruptMetadata) {
	eng.Registers[0] = uint64(meta.InterruptNumber)
	eng.Registers[1] = uint64(meta.SourceID)
	eng.Registers[2] = meta.Tick
	eng.Registers[3] = uint64(meta.HandlerTag)
}

// PanicMessage is the 64-byte wire block delivered to the owning driver
// on a Panicked termination, per spec.md §6.
type PanicMessage struct {
	HandlerID uint32
	_         [4]byte
	PanicCode uint64
	_         [48]byte
}

func postPanicMessage(bridge hostbridge.Bridge, h *Handler, code engine.PanicCode) {
	msg := PanicMessage{HandlerID: h.ID, PanicCode: uint64(code)}
	bridge.PostMessage(h.DriverPID, encodePanicMessage(msg))
}

func encodePanicMessage(m PanicMessage) []byte {
	buf := make([]byte, 64)
	buf[0] = byte(m.HandlerID)
	buf[1] = byte(m.HandlerID >> 8)
	buf[2] = byte(m.HandlerID >> 16)
	buf[3] = byte(m.HandlerID >> 24)
	for i := 0; i < 8; i++ {
		buf[8+i] = byte(m.PanicCode >> uint(8*i))
	}
	return buf
}
