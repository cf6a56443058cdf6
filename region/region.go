// Package region implements the IHVM's memory model (C3): the eight
// regions S, R1..R7, their access capabilities, and bounds-checked
// read/write/copy with an optional single-copy-atomic modifier. It is
// grounded on the teacher's page-permission constants
// (pvmtypes.PageMutable/PageImmutable/PageInaccessible) via
// golang.org/x/sys/unix, reused here for the analogous read/write
// capability check on a region binding rather than an actual page table.
package region

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ptrTo returns a *uint64 aliasing the first 8 bytes of buf. Callers are
// responsible for ensuring len(buf) >= 8 and, for atomic.Load/StoreUint64,
// 8-byte alignment. ReadWord/WriteWord check the length and that the
// offset within the binding is a multiple of 8; the alignment of the
// binding's backing array itself is not checked.
func ptrTo(buf []byte) *uint64 {
	return (*uint64)(unsafe.Pointer(&buf[0]))
}

// AccessMode is a region's permitted access kind, borrowed from the same
// protection-flag vocabulary the teacher uses for real pages.
type AccessMode int

const (
	ReadOnly AccessMode = unix.PROT_READ
	ReadWrite AccessMode = unix.PROT_READ | unix.PROT_WRITE
)

func (m AccessMode) allows(kind AccessKind) bool {
	switch kind {
	case Read:
		return m&unix.PROT_READ != 0
	case Write:
		return m&unix.PROT_WRITE != 0
	default:
		return false
	}
}

// AccessKind distinguishes a read from a write for capability checks.
type AccessKind int

const (
	Read AccessKind = iota
	Write
)

// Binding is a bounded, borrowed extent: a host-visible byte view (whose
// length is the binding's length), an access mode, and a generation tag.
// Bind sets the tag to one more than that of the binding it replaces at
// the same index, or to 1 when the index was empty; Unbind keeps no
// record, so a Bind after an Unbind starts again at 1. This is the Go
// rendering of spec.md §9's "region table stores borrowed extents"
// design note.
type Binding struct {
	Bytes []byte
	Mode  AccessMode
	Gen   uint64
}

// Length returns the binding's length in bytes.
func (b *Binding) Length() uint32 { return uint32(len(b.Bytes)) }

// Table is the ordered mapping of region index 0..=7 to an optional
// Binding. Index 0 (S) is always present once initialized; 1..7 (R1..R7)
// may each be present or absent per spec.md §3.
type Table struct {
	bindings [8]*Binding
}

// Fault identifies why a region access was refused. These map 1:1 onto
// the runtime panic kinds spec.md §7 defines for memory accesses.
type Fault int

const (
	FaultNone Fault = iota
	FaultAbsentRegion
	FaultOutOfBounds
	FaultAccessViolation
)

func (f Fault) String() string {
	switch f {
	case FaultAbsentRegion:
		return "absent region"
	case FaultOutOfBounds:
		return "out of bounds"
	case FaultAccessViolation:
		return "access violation"
	default:
		return "none"
	}
}

// AccessError reports a failed region access together with the offset
// that caused it, so the engine can fold it directly into a panic code's
// low 48 bits per spec.md §7.
type AccessError struct {
	Fault  Fault
	Offset uint64
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("region: %s at offset %d", e.Fault, e.Offset)
}

var errBadIndex = errors.New("region: index out of 0..=7")

// Bind installs binding at index, replacing any previous occupant and
// bumping its generation tag. index 0 is reserved for scratch and is
// bound once per VM instance by vm.Registry's runOne.
func (t *Table) Bind(index int, b *Binding) error {
	if index < 0 || index > isaMaxRegion {
		return errBadIndex
	}
	if b != nil {
		if t.bindings[index] != nil {
			b.Gen = t.bindings[index].Gen + 1
		} else {
			b.Gen = 1
		}
	}
	t.bindings[index] = b
	return nil
}

// Unbind removes any binding at index.
func (t *Table) Unbind(index int) {
	if index >= 0 && index <= isaMaxRegion {
		t.bindings[index] = nil
	}
}

// Binding returns the binding at index, or nil if absent or index is out
// of range.
func (t *Table) Binding(index int) *Binding {
	if index < 0 || index > isaMaxRegion {
		return nil
	}
	return t.bindings[index]
}

const isaMaxRegion = 7

func (t *Table) lookup(index int, kind AccessKind) (*Binding, error) {
	b := t.Binding(index)
	if b == nil {
		return nil, &AccessError{Fault: FaultAbsentRegion}
	}
	if !b.Mode.allows(kind) {
		return nil, &AccessError{Fault: FaultAccessViolation}
	}
	return b, nil
}

func inBounds(binding *Binding, offset, length uint64) bool {
	end := offset + length
	if end < offset { // overflow
		return false
	}
	return end <= uint64(len(binding.Bytes))
}

// Read copies length bytes starting at offset out of region index into a
// fresh slice.
func (t *Table) Read(index int, offset, length uint64) ([]byte, error) {
	b, err := t.lookup(index, Read)
	if err != nil {
		return nil, err
	}
	if !inBounds(b, offset, length) {
		return nil, &AccessError{Fault: FaultOutOfBounds, Offset: offset}
	}
	out := make([]byte, length)
	copy(out, b.Bytes[offset:offset+length])
	return out, nil
}

// Write copies data into region index starting at offset.
func (t *Table) Write(index int, offset uint64, data []byte) error {
	b, err := t.lookup(index, Write)
	if err != nil {
		return err
	}
	if !inBounds(b, offset, uint64(len(data))) {
		return &AccessError{Fault: FaultOutOfBounds, Offset: offset}
	}
	copy(b.Bytes[offset:offset+uint64(len(data))], data)
	return nil
}

// ReadWord reads a width-byte (1, 2, 4, or 8) little-endian unsigned
// value at offset, optionally using a single-copy-atomic load. Unaligned
// accesses are permitted; they only take the atomic path when the
// platform can do so, matching "semantics matching the host CPU."
func (t *Table) ReadWord(index int, offset uint64, width int, atomicAccess bool) (uint64, error) {
	b, err := t.lookup(index, Read)
	if err != nil {
		return 0, err
	}
	if !inBounds(b, offset, uint64(width)) {
		return 0, &AccessError{Fault: FaultOutOfBounds, Offset: offset}
	}
	buf := b.Bytes[offset : offset+uint64(width)]
	if atomicAccess && width == 8 && offset%8 == 0 {
		return atomic.LoadUint64((*uint64)(ptrTo(buf))), nil
	}
	switch width {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	case 8:
		return binary.LittleEndian.Uint64(buf), nil
	default:
		return 0, fmt.Errorf("region: unsupported word width %d", width)
	}
}

// WriteWord stores a width-byte little-endian value at offset, optionally
// using a single-copy-atomic store.
func (t *Table) WriteWord(index int, offset uint64, width int, value uint64, atomicAccess bool) error {
	b, err := t.lookup(index, Write)
	if err != nil {
		return err
	}
	if !inBounds(b, offset, uint64(width)) {
		return &AccessError{Fault: FaultOutOfBounds, Offset: offset}
	}
	buf := b.Bytes[offset : offset+uint64(width)]
	if atomicAccess && width == 8 && offset%8 == 0 {
		atomic.StoreUint64((*uint64)(ptrTo(buf)), value)
		return nil
	}
	switch width {
	case 1:
		buf[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(buf, value)
	default:
		return fmt.Errorf("region: unsupported word width %d", width)
	}
	return nil
}

// Copy moves length bytes from srcIndex:srcOff to dstIndex:dstOff.
// Overlap within the same region is defined (spec.md §4.1) to behave as
// if the source were read into a temporary buffer first, which is exactly
// what this does.
func (t *Table) Copy(dstIndex int, dstOff uint64, srcIndex int, srcOff uint64, length uint64) error {
	src, err := t.lookup(srcIndex, Read)
	if err != nil {
		return err
	}
	if !inBounds(src, srcOff, length) {
		return &AccessError{Fault: FaultOutOfBounds, Offset: srcOff}
	}
	tmp := make([]byte, length)
	copy(tmp, src.Bytes[srcOff:srcOff+length])

	dst, err := t.lookup(dstIndex, Write)
	if err != nil {
		return err
	}
	if !inBounds(dst, dstOff, length) {
		return &AccessError{Fault: FaultOutOfBounds, Offset: dstOff}
	}
	copy(dst.Bytes[dstOff:dstOff+length], tmp)
	return nil
}

// ValidateAgainstMapping checks that a driver-declared binding's
// advertised AccessMode does not exceed the protection flags the
// simulator recorded when the driver mapped the backing pages. A real
// kernel performs the equivalent check against the driver's page tables
// at registration time (spec.md §4.3); the simulator reproduces it here
// so tests exercise the same rejection path without needing real pages.
func ValidateAgainstMapping(declared AccessMode, mapped int) error {
	if declared == ReadWrite && mapped&unix.PROT_WRITE == 0 {
		return fmt.Errorf("region: binding declares read-write over a read-only mapping")
	}
	if mapped&unix.PROT_READ == 0 {
		return fmt.Errorf("region: binding declares access to an inaccessible mapping")
	}
	return nil
}
