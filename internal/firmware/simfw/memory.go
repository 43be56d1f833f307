package simfw

import (
	"fmt"

	"github.com/tinyrange/antboot/internal/firmware"
)

// physMemory resolves physical addresses against the RAM and framebuffer
// banks.
type physMemory Machine

// Slice implements firmware.Memory.
func (p *physMemory) Slice(addr firmware.PhysAddr, n uint64) ([]byte, error) {
	m := (*Machine)(p)
	if b, ok := bankSlice(m.ram, 0, addr, n); ok {
		return b, nil
	}
	if b, ok := bankSlice(m.fb, framebufferBase, addr, n); ok {
		return b, nil
	}
	return nil, fmt.Errorf("physical range [%#x, +%#x) not backed by memory", uint64(addr), n)
}

func bankSlice(bank []byte, base, addr firmware.PhysAddr, n uint64) ([]byte, bool) {
	if len(bank) == 0 || addr < base {
		return nil, false
	}
	off := uint64(addr - base)
	if off > uint64(len(bank)) || n > uint64(len(bank))-off {
		return nil, false
	}
	return bank[off : off+n : off+n], true
}
