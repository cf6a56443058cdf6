// Package hostbridge implements the narrow surface the execution engine
// uses to reach the surrounding kernel (C6). It is grounded on the
// teacher's HostEnv shape — one interface per concern rather than a
// single God-object — narrowed down to exactly the three operations
// the engine needs, plus the interrupt controller's ack/finish protocol
// that the VM registry uses around a batch of handler runs.
package hostbridge

// InterruptMetadata is the fixed vector read once per vm.Registry.Fire
// call and used to seed registers A0..A3 of every VM instance that call
// runs (SPEC_FULL.md §9, Open Question 3).
type InterruptMetadata struct {
	InterruptNumber uint32
	SourceID        uint32
	Tick            uint64 // monotonic counter, never a wall-clock reading
	HandlerTag      uint32
}

// Bridge is the interface the execution engine calls into. It never
// exposes anything about scheduling, page tables, or the message wire
// format beyond what §4.6 names.
type Bridge interface {
	// PostMessage hands off length bytes already assembled in region
	// starting at offset, to the driver process identified by pid. It
	// returns a fresh nonzero message id, or 0 on failure (queue full,
	// bad block count, misaligned length).
	PostMessage(pid uint32, message []byte) (id uint32, ok bool)

	// DebugLog records a snapshot for driver-author tooling. The engine
	// only calls it when debug frame emission has been enabled for the
	// firing handler; debug_log is otherwise a nop, per spec.md §4.1.
	DebugLog(snapshot Snapshot, tag uint32)

	// ReadInterruptMetadata returns the fixed seed vector for the
	// interrupt currently being handled.
	ReadInterruptMetadata() InterruptMetadata
}

// Snapshot is what a debug_log instruction hands to DebugLog: enough of
// the VM's visible state to reconstruct what happened without exposing
// the region backing slices themselves. A panic termination produces no
// Snapshot; it is reported only through the panic message.
type Snapshot struct {
	HandlerID       uint32
	InterruptNumber uint32
	IP              int
	Registers       [16]uint64
	ScratchLen      int
}

// InterruptController is the narrow ack/finish protocol the original
// kernel's interrupt handling policy uses around a batch of driver
// dispatches (kernel_core's exceptions/interrupt/handler.rs): acknowledge
// the line before running any handler, finish it once every registered
// handler for that vector has run to completion (or panicked). This
// guarantees a panicking driver's VM cannot leave the line asserted for
// its siblings.
type InterruptController interface {
	AckInterrupt(vector uint32)
	FinishInterrupt(vector uint32)
}
