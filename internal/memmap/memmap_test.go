package memmap

import (
	"errors"
	"testing"

	"github.com/tinyrange/antboot/internal/firmware"
)

func buildMap(t *testing.T, stride int, descs []Descriptor, extra int) []byte {
	t.Helper()
	buf := make([]byte, stride*len(descs)+extra)
	for i, d := range descs {
		if err := d.Encode(buf[i*stride:], stride); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}
	return buf
}

var sample = []Descriptor{
	{Type: firmware.BootServicesCode, PhysicalStart: 0x0, NumberOfPages: 16, Attribute: AttrWB},
	{Type: firmware.ConventionalMemory, PhysicalStart: 0x10000, NumberOfPages: 240, Attribute: AttrWB},
	{Type: firmware.LoaderData, PhysicalStart: 0x100000, NumberOfPages: 4, Attribute: AttrWB},
	{Type: firmware.ACPIReclaimMemory, PhysicalStart: 0x104000, NumberOfPages: 1, Attribute: AttrWB},
	{Type: firmware.MemoryMappedIO, PhysicalStart: 0x80000000, NumberOfPages: 768, Attribute: AttrUC | AttrRuntime},
}

func TestWalkByStride(t *testing.T) {
	for _, stride := range []int{RecordSize, 48, 56, 64} {
		buf := buildMap(t, stride, sample, 0)
		m, err := New(buf, uint64(len(buf)), uint64(stride))
		if err != nil {
			t.Fatalf("New(stride=%d): %v", stride, err)
		}
		if m.Len() != len(sample) {
			t.Fatalf("stride %d: Len = %d, want %d", stride, m.Len(), len(sample))
		}
		n := 0
		for i, d := range m.All() {
			if d != sample[i] {
				t.Fatalf("stride %d: descriptor %d = %+v, want %+v", stride, i, d, sample[i])
			}
			if off := uint64(i)*m.Stride() + RecordSize; off > m.Size() {
				t.Fatalf("stride %d: descriptor %d crosses map end", stride, i)
			}
			n++
		}
		if n != len(sample) {
			t.Fatalf("stride %d: walked %d descriptors, want %d", stride, n, len(sample))
		}
	}
}

func TestWalkStopsAtByteLength(t *testing.T) {
	const stride = 48
	// Map length that is not a multiple of the stride: the final record is
	// complete but its padding is cut short.
	buf := buildMap(t, stride, sample, 0)
	size := uint64(len(buf) - 4)
	m, err := New(buf, size, stride)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.Len() != len(sample) {
		t.Fatalf("Len = %d, want %d", m.Len(), len(sample))
	}

	// Length that cuts into the last record drops it.
	size = uint64(stride*(len(sample)-1) + RecordSize - 1)
	m, err = New(buf, size, stride)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	count := 0
	for range m.All() {
		count++
	}
	if count != len(sample)-1 || m.Len() != len(sample)-1 {
		t.Fatalf("walked %d (Len %d), want %d", count, m.Len(), len(sample)-1)
	}
}

func TestWalkIsRestartable(t *testing.T) {
	buf := buildMap(t, 48, sample, 0)
	m, err := New(buf, uint64(len(buf)), 48)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i, d := range m.All() {
		if i == 1 {
			break
		}
		_ = d
	}
	var again []Descriptor
	for _, d := range m.All() {
		again = append(again, d)
	}
	if len(again) != len(sample) {
		t.Fatalf("second walk yielded %d descriptors, want %d", len(again), len(sample))
	}
}

func TestNewRejectsBadGeometry(t *testing.T) {
	buf := make([]byte, 100)
	if _, err := New(buf, 100, 32); !errors.Is(err, ErrStrideTooSmall) {
		t.Fatalf("stride 32: err = %v, want ErrStrideTooSmall", err)
	}
	if _, err := New(buf, 101, 48); !errors.Is(err, ErrMapOverflow) {
		t.Fatalf("size > buffer: err = %v, want ErrMapOverflow", err)
	}
}

func TestAt(t *testing.T) {
	buf := buildMap(t, 56, sample, 0)
	m, _ := New(buf, uint64(len(buf)), 56)
	d, err := m.At(3)
	if err != nil {
		t.Fatalf("At(3): %v", err)
	}
	if d != sample[3] {
		t.Fatalf("At(3) = %+v, want %+v", d, sample[3])
	}
	if _, err := m.At(len(sample)); err == nil {
		t.Fatalf("At(len) should fail")
	}
}

func TestValidate(t *testing.T) {
	buf := buildMap(t, 48, sample, 0)
	m, _ := New(buf, uint64(len(buf)), 48)
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	bad := append([]Descriptor(nil), sample...)
	bad[2].PhysicalStart = 0x100010
	buf = buildMap(t, 48, bad, 0)
	m, _ = New(buf, uint64(len(buf)), 48)
	if err := m.Validate(); err == nil {
		t.Fatalf("Validate accepted unaligned descriptor")
	}
}

func TestE820(t *testing.T) {
	buf := buildMap(t, 48, sample, 0)
	m, _ := New(buf, uint64(len(buf)), 48)
	got := m.E820()
	want := []E820Entry{
		{Addr: 0x0, Size: 0x104000, Type: E820RAM},
		{Addr: 0x104000, Size: 0x1000, Type: E820ACPI},
		{Addr: 0x80000000, Size: 768 * firmware.PageSize, Type: E820Reserved},
	}
	if len(got) != len(want) {
		t.Fatalf("E820 = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("E820[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
	if m.Bytes(firmware.ConventionalMemory) != 240*firmware.PageSize {
		t.Fatalf("Bytes(Conventional) = %d", m.Bytes(firmware.ConventionalMemory))
	}
}
