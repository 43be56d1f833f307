package memmap

import "github.com/tinyrange/antboot/internal/firmware"

// E820 range types.
const (
	E820RAM        uint32 = 1
	E820Reserved   uint32 = 2
	E820ACPI       uint32 = 3
	E820NVS        uint32 = 4
	E820Unusable   uint32 = 5
	E820Persistent uint32 = 7
)

// E820Entry is a BIOS e820 memory map entry.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// E820Type returns the e820 type the range has once boot services exit.
func (d Descriptor) E820Type() uint32 {
	switch d.Type {
	case firmware.LoaderCode, firmware.LoaderData,
		firmware.BootServicesCode, firmware.BootServicesData,
		firmware.ConventionalMemory:
		return E820RAM
	case firmware.PersistentMemory:
		return E820Persistent
	case firmware.ACPIReclaimMemory:
		return E820ACPI
	case firmware.ACPIMemoryNVS:
		return E820NVS
	case firmware.UnusableMemory:
		return E820Unusable
	default:
		return E820Reserved
	}
}

// E820 converts the map to e820 entries, coalescing adjacent ranges of the
// same e820 type.
func (m Map) E820() []E820Entry {
	var out []E820Entry
	for _, d := range m.All() {
		e := E820Entry{Addr: uint64(d.PhysicalStart), Size: d.Len(), Type: d.E820Type()}
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.Type == e.Type && last.Addr+last.Size == e.Addr {
				last.Size += e.Size
				continue
			}
		}
		out = append(out, e)
	}
	return out
}
