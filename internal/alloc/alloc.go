// Package alloc implements the hugepage-backed arena behind every message
// buffer. Memory is reserved in slabs, registered with the fabric, and
// carved into power-of-two size classes with per-class freelists. The arena
// only grows; slabs are released (and deregistered) at Close.
package alloc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/A-Jer/erpc-go/internal/interfaces"
)

// Size classes run from one cache line to the largest message a single
// buffer must hold (a jumbo multi-packet message plus its packet headers).
// Buddy coalescing is deliberately absent: padding to the next power of two
// bounds fragmentation and keeps Alloc/Free single freelist operations.
const (
	MinClassSize = 64
	NumClasses   = 18 // 64 B << 17 = 8 MiB
	MaxClassSize = MinClassSize << (NumClasses - 1)

	// slabSize is the growth unit of the arena: a whole number of 2 MiB
	// hugepages. Classes larger than one slab reserve their own slab.
	slabSize = 2 << 20
)

// freeSignature is stamped into the first word of a freed buffer and cleared
// on allocation. It catches double frees; it is advisory, not a security
// boundary.
const freeSignature uint64 = 0xa110c8edf2eeb10c

var (
	// ErrOutOfMemory is returned when no size class fits the request or the
	// OS refuses to reserve another slab.
	ErrOutOfMemory = errors.New("alloc: out of memory")

	// ErrForeignBuffer is returned when Free is handed a buffer whose class
	// index is out of range or whose length does not match its class. A
	// buffer of the right class size taken from another allocator is not
	// detected.
	ErrForeignBuffer = errors.New("alloc: buffer does not belong to this allocator")

	// ErrDoubleFree is returned when a buffer carrying the free signature
	// is freed again.
	ErrDoubleFree = errors.New("alloc: double free detected")
)

// RegisterFn registers a reserved slab with the NIC and returns an opaque
// registration handle. DeregisterFn releases the handle; all handles are
// released before the pages are unmapped, otherwise NIC-side state leaks.
type (
	RegisterFn   func(base []byte) (uint64, error)
	DeregisterFn func(handle uint64) error
)

// Config controls arena reservation policy.
type Config struct {
	// NumaNode binds every slab to the given node; negative disables
	// binding. Binding failure fails the reservation: running mis-bound is
	// a silent bandwidth loss, not a degraded mode.
	NumaNode int

	// AllowSmallPages permits falling back to normal pages when the OS has
	// no hugepages to give. Tests and hugepage-free dev machines set this.
	AllowSmallPages bool

	Register   RegisterFn
	Deregister DeregisterFn

	Logger interfaces.Logger
}

// Buf is a raw class-sized buffer handle. Data always spans the full class
// size; callers slice it down themselves.
type Buf struct {
	Data     []byte
	ClassIdx int
}

type slab struct {
	mem        []byte
	handle     uint64
	registered bool
	hugepages  bool
}

// Stats is a point-in-time view of arena accounting.
type Stats struct {
	BuffersOut    int
	BytesReserved int
	Slabs         int
}

// Allocator is a size-classed arena. Not safe for concurrent use: each
// endpoint owns one allocator and touches it only from its own thread.
type Allocator struct {
	cfg       Config
	freelists [NumClasses][][]byte
	slabs     []slab
	out       int
	reserved  int
	closed    bool
}

// New creates an empty allocator. No memory is reserved until first Alloc.
func New(cfg Config) *Allocator {
	return &Allocator{cfg: cfg}
}

// ClassSize returns the buffer size of a class index.
func ClassSize(idx int) int {
	return MinClassSize << idx
}

// classIndex returns the smallest class holding n bytes, or -1 when n
// exceeds the largest class. A zero-byte request maps to the smallest class.
func classIndex(n int) int {
	for i := 0; i < NumClasses; i++ {
		if ClassSize(i) >= n {
			return i
		}
	}
	return -1
}

// Alloc returns a buffer of the smallest class holding n bytes, growing the
// arena by one slab on freelist miss.
func (a *Allocator) Alloc(n int) (Buf, error) {
	if a.closed {
		return Buf{}, fmt.Errorf("alloc: allocator closed")
	}
	idx := classIndex(n)
	if idx < 0 {
		return Buf{}, fmt.Errorf("%w: %d bytes exceeds largest class %d", ErrOutOfMemory, n, MaxClassSize)
	}
	if len(a.freelists[idx]) == 0 {
		if err := a.grow(idx); err != nil {
			return Buf{}, err
		}
	}
	fl := a.freelists[idx]
	b := fl[len(fl)-1]
	a.freelists[idx] = fl[:len(fl)-1]
	// Clear the free signature so a later Free sees live memory.
	binary.LittleEndian.PutUint64(b[:8], 0)
	a.out++
	return Buf{Data: b, ClassIdx: idx}, nil
}

// Free returns a buffer to its class freelist in O(1).
func (a *Allocator) Free(b Buf) error {
	if b.ClassIdx < 0 || b.ClassIdx >= NumClasses || len(b.Data) != ClassSize(b.ClassIdx) {
		return ErrForeignBuffer
	}
	if binary.LittleEndian.Uint64(b.Data[:8]) == freeSignature {
		return ErrDoubleFree
	}
	binary.LittleEndian.PutUint64(b.Data[:8], freeSignature)
	a.freelists[b.ClassIdx] = append(a.freelists[b.ClassIdx], b.Data)
	a.out--
	return nil
}

// grow reserves one slab, registers it, and carves it into class idx
// buffers.
func (a *Allocator) grow(idx int) error {
	size := slabSize
	if ClassSize(idx) > size {
		size = ClassSize(idx)
	}
	mem, huge, err := reserve(size, a.cfg.NumaNode, a.cfg.AllowSmallPages)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	s := slab{mem: mem, hugepages: huge}
	if a.cfg.Register != nil {
		handle, err := a.cfg.Register(mem)
		if err != nil {
			release(mem)
			return err
		}
		s.handle = handle
		s.registered = true
	}
	a.slabs = append(a.slabs, s)
	a.reserved += size

	cs := ClassSize(idx)
	for off := 0; off+cs <= size; off += cs {
		buf := mem[off : off+cs : off+cs]
		binary.LittleEndian.PutUint64(buf[:8], freeSignature)
		a.freelists[idx] = append(a.freelists[idx], buf)
	}
	if a.cfg.Logger != nil {
		a.cfg.Logger.Debugf("arena grew by %d bytes (class %d, hugepages=%v)", size, idx, huge)
	}
	return nil
}

// Stats returns current arena accounting.
func (a *Allocator) Stats() Stats {
	return Stats{BuffersOut: a.out, BytesReserved: a.reserved, Slabs: len(a.slabs)}
}

// Close deregisters every slab from the NIC, then unmaps. Deregistration
// errors abort the unmap of that slab: dropping registered pages corrupts
// the adapter's view of memory.
func (a *Allocator) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	var firstErr error
	for i := range a.slabs {
		s := &a.slabs[i]
		if s.registered {
			if err := a.cfg.Deregister(s.handle); err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("alloc: deregister slab: %w", err)
				}
				continue
			}
			s.registered = false
		}
		release(s.mem)
		s.mem = nil
	}
	return firstErr
}
