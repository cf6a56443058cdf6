package hostbridge

import (
	"sync"

	"github.com/cavern-os/ihvm/log"
)

// MaxMessageBlocks is the block-count ceiling §6 assigns to post_message
// (1..=16 inclusive); a request outside that range is rejected as if the
// queue were full, matching "the host validates block count... and queue
// capacity."
const MaxMessageBlocks = 16

// MessageBlockSize is the simulator's fixed block size in bytes. The real
// kernel's block size is a build constant of the surrounding message
// system, out of scope here; the simulator picks one so PostMessage can
// enforce the same block-count rule end to end.
const MessageBlockSize = 64

// Message is one delivered post_message payload, queued for a driver pid.
type Message struct {
	ID      uint32
	Payload []byte
}

// Simulated is an in-process Bridge: message queues are bounded channels
// per driver pid, DebugLog records every snapshot it was given, and
// ReadInterruptMetadata returns whatever the test or CLI last set via
// SetMetadata. It plays the role of "the surrounding kernel" for
// cmd/ihvmctl and for every package's own tests.
type Simulated struct {
	mu       sync.Mutex
	queues   map[uint32]chan Message
	nextID   uint32
	metadata InterruptMetadata

	debugLog []Snapshot
}

// NewSimulated constructs an empty Simulated bridge.
func NewSimulated() *Simulated {
	return &Simulated{queues: make(map[uint32]chan Message)}
}

// Attach creates (or resets) a bounded queue for pid with the given
// capacity in messages, so a test can later drain it with Receive.
func (s *Simulated) Attach(pid uint32, capacity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[pid] = make(chan Message, capacity)
}

// SetMetadata installs the interrupt metadata ReadInterruptMetadata will
// return until changed again.
func (s *Simulated) SetMetadata(m InterruptMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata = m
}

func (s *Simulated) ReadInterruptMetadata() InterruptMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata
}

// PostMessage validates the block count the way §6 requires and, on
// success, enqueues message onto pid's queue with a freshly assigned
// nonzero id. A full or unattached queue is reported as failure (id 0),
// exactly as an unreachable driver would be on the real kernel.
func (s *Simulated) PostMessage(pid uint32, message []byte) (uint32, bool) {
	blocks := (len(message) + MessageBlockSize - 1) / MessageBlockSize
	if blocks == 0 || blocks > MaxMessageBlocks {
		return 0, false
	}

	s.mu.Lock()
	q, ok := s.queues[pid]
	if !ok {
		s.mu.Unlock()
		return 0, false
	}
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	msg := Message{ID: id, Payload: append([]byte(nil), message...)}
	select {
	case q <- msg:
		return id, true
	default:
		return 0, false
	}
}

// Receive drains one message for pid, blocking the caller not at all —
// it is non-blocking by design since it is only ever called from test
// and CLI code observing the simulator, never from the VM hot path.
func (s *Simulated) Receive(pid uint32) (Message, bool) {
	s.mu.Lock()
	q, ok := s.queues[pid]
	s.mu.Unlock()
	if !ok {
		return Message{}, false
	}
	select {
	case m := <-q:
		return m, true
	default:
		return Message{}, false
	}
}

func (s *Simulated) DebugLog(snapshot Snapshot, tag uint32) {
	s.mu.Lock()
	s.debugLog = append(s.debugLog, snapshot)
	s.mu.Unlock()
	log.Debug(log.ModuleHostBridge, "vm_snapshot",
		"handler_id", snapshot.HandlerID,
		"irq", snapshot.InterruptNumber,
		"ip", snapshot.IP,
		"tag", tag,
	)
}

// Snapshots returns every DebugLog call recorded so far, for test
// assertions.
func (s *Simulated) Snapshots() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Snapshot(nil), s.debugLog...)
}
