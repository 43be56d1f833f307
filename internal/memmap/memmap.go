// Package memmap reads firmware memory map snapshots.
//
// The descriptor stride is reported by firmware and may exceed the size of
// the record the loader knows about, so the map is always walked by stepping
// a byte cursor by the stride and decoding a read-only view at each step.
package memmap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"

	"github.com/tinyrange/antboot/internal/firmware"
)

// RecordSize is the size of the EFI_MEMORY_DESCRIPTOR fields this package
// decodes. Firmware strides are at least this large.
const RecordSize = 40

const (
	offType          = 0
	offPhysicalStart = 8
	offVirtualStart  = 16
	offNumberOfPages = 24
	offAttribute     = 32
)

// Memory attribute bits.
const (
	AttrUC      uint64 = 0x1
	AttrWC      uint64 = 0x2
	AttrWT      uint64 = 0x4
	AttrWB      uint64 = 0x8
	AttrUCE     uint64 = 0x10
	AttrWP      uint64 = 0x1000
	AttrRP      uint64 = 0x2000
	AttrXP      uint64 = 0x4000
	AttrRuntime uint64 = 0x8000000000000000
)

var (
	ErrStrideTooSmall = errors.New("descriptor stride smaller than descriptor record")
	ErrMapOverflow    = errors.New("memory map size exceeds buffer")
)

// Descriptor is a decoded copy of one memory descriptor record.
type Descriptor struct {
	Type          firmware.MemoryType
	PhysicalStart firmware.PhysAddr
	VirtualStart  firmware.PhysAddr
	NumberOfPages uint64
	Attribute     uint64
}

// Len returns the byte length of the described range.
func (d Descriptor) Len() uint64 { return d.NumberOfPages * firmware.PageSize }

// PhysicalEnd returns the first physical address past the range.
func (d Descriptor) PhysicalEnd() firmware.PhysAddr {
	return d.PhysicalStart + firmware.PhysAddr(d.Len())
}

// Region returns the described physical range.
func (d Descriptor) Region() firmware.Region {
	return firmware.Region{Addr: d.PhysicalStart, Len: d.Len()}
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%-19s %s pages=%d attr=%#x", d.Type, d.Region(), d.NumberOfPages, d.Attribute)
}

// Decode reads a descriptor from the start of b.
func Decode(b []byte) (Descriptor, error) {
	if len(b) < RecordSize {
		return Descriptor{}, fmt.Errorf("descriptor needs %d bytes, have %d", RecordSize, len(b))
	}
	return Descriptor{
		Type:          firmware.MemoryType(binary.LittleEndian.Uint32(b[offType:])),
		PhysicalStart: firmware.PhysAddr(binary.LittleEndian.Uint64(b[offPhysicalStart:])),
		VirtualStart:  firmware.PhysAddr(binary.LittleEndian.Uint64(b[offVirtualStart:])),
		NumberOfPages: binary.LittleEndian.Uint64(b[offNumberOfPages:]),
		Attribute:     binary.LittleEndian.Uint64(b[offAttribute:]),
	}, nil
}

// Encode writes d to the start of b, which must hold stride bytes. Bytes
// between RecordSize and stride are zeroed.
func (d Descriptor) Encode(b []byte, stride int) error {
	if stride < RecordSize {
		return ErrStrideTooSmall
	}
	if len(b) < stride {
		return fmt.Errorf("descriptor slot needs %d bytes, have %d", stride, len(b))
	}
	clear(b[:stride])
	binary.LittleEndian.PutUint32(b[offType:], uint32(d.Type))
	binary.LittleEndian.PutUint64(b[offPhysicalStart:], uint64(d.PhysicalStart))
	binary.LittleEndian.PutUint64(b[offVirtualStart:], uint64(d.VirtualStart))
	binary.LittleEndian.PutUint64(b[offNumberOfPages:], d.NumberOfPages)
	binary.LittleEndian.PutUint64(b[offAttribute:], d.Attribute)
	return nil
}

// Map is a view over a memory map snapshot.
type Map struct {
	buf    []byte
	size   uint64
	stride uint64
}

// New wraps a snapshot of size bytes held in buf, with the given stride.
func New(buf []byte, size, stride uint64) (Map, error) {
	if stride < RecordSize {
		return Map{}, fmt.Errorf("%w: %d < %d", ErrStrideTooSmall, stride, RecordSize)
	}
	if size > uint64(len(buf)) {
		return Map{}, fmt.Errorf("%w: %d > %d", ErrMapOverflow, size, len(buf))
	}
	return Map{buf: buf[:size], size: size, stride: stride}, nil
}

// Size returns the map byte length.
func (m Map) Size() uint64 { return m.size }

// Stride returns the descriptor stride.
func (m Map) Stride() uint64 { return m.stride }

// Len returns the number of complete records in the map.
func (m Map) Len() int {
	if m.size < RecordSize {
		return 0
	}
	return int((m.size-RecordSize)/m.stride) + 1
}

// All yields each descriptor with its index. Iteration stops at the last
// record that fits inside the map byte length; a trailing partial record is
// never decoded. The sequence can be ranged over any number of times.
func (m Map) All() iter.Seq2[int, Descriptor] {
	return func(yield func(int, Descriptor) bool) {
		i := 0
		for off := uint64(0); off+RecordSize <= m.size; off += m.stride {
			d, _ := Decode(m.buf[off : off+RecordSize])
			if !yield(i, d) {
				return
			}
			i++
		}
	}
}

// At returns the i-th descriptor.
func (m Map) At(i int) (Descriptor, error) {
	if i < 0 || i >= m.Len() {
		return Descriptor{}, fmt.Errorf("descriptor index %d out of range [0, %d)", i, m.Len())
	}
	off := uint64(i) * m.stride
	return Decode(m.buf[off : off+RecordSize])
}

// Validate checks every descriptor for page alignment and a non-empty
// range.
func (m Map) Validate() error {
	for i, d := range m.All() {
		if d.PhysicalStart%firmware.PageSize != 0 {
			return fmt.Errorf("descriptor %d: start %#x not page aligned", i, uint64(d.PhysicalStart))
		}
		if d.NumberOfPages == 0 {
			return fmt.Errorf("descriptor %d: empty range at %#x", i, uint64(d.PhysicalStart))
		}
		if d.PhysicalEnd() < d.PhysicalStart {
			return fmt.Errorf("descriptor %d: range at %#x wraps", i, uint64(d.PhysicalStart))
		}
	}
	return nil
}

// Bytes returns the total bytes of memory of type t.
func (m Map) Bytes(t firmware.MemoryType) uint64 {
	var total uint64
	for _, d := range m.All() {
		if d.Type == t {
			total += d.Len()
		}
	}
	return total
}
