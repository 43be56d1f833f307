package simfw

import (
	"fmt"
	"slices"

	"github.com/tinyrange/antboot/internal/firmware"
	"github.com/tinyrange/antboot/internal/memmap"
)

const (
	nullGuardEnd     = 0x1000
	legacyHoleStart  = 0x9f000
	firmwareCodeBase = 0x100000
	firmwareCodeSize = 0x100000
	firmwareDataSize = 0x100000
	acpiReclaimSize  = 0x4000
	acpiNVSSize      = 0x1000
	loaderImageSize  = 0x10000
	runtimeDataSize  = 0x100000
)

// region is one entry of the firmware's memory map.
type region struct {
	typ   firmware.MemoryType
	start firmware.PhysAddr
	pages uint64
	attr  uint64
}

func (r region) end() firmware.PhysAddr {
	return r.start + firmware.PhysAddr(r.pages*firmware.PageSize)
}

func (r region) descriptor() memmap.Descriptor {
	return memmap.Descriptor{
		Type:          r.typ,
		PhysicalStart: r.start,
		NumberOfPages: r.pages,
		Attribute:     r.attr,
	}
}

func span(typ firmware.MemoryType, start, end uint64, attr uint64) region {
	return region{
		typ:   typ,
		start: firmware.PhysAddr(start),
		pages: (end - start) / firmware.PageSize,
		attr:  attr,
	}
}

// initialRegions lays out RAM the way a small x86 firmware would after
// loading the boot image.
func initialRegions(ramSize, fbSize uint64) []region {
	const wb = memmap.AttrUC | memmap.AttrWC | memmap.AttrWT | memmap.AttrWB

	bsData := uint64(firmwareCodeBase + firmwareCodeSize)
	acpi := bsData + firmwareDataSize
	nvs := acpi + acpiReclaimSize
	loaderImage := nvs + acpiNVSSize
	conventional := loaderImage + loaderImageSize
	runtime := ramSize - runtimeDataSize

	regions := []region{
		span(firmware.BootServicesData, 0, nullGuardEnd, wb),
		span(firmware.ConventionalMemory, nullGuardEnd, legacyHoleStart, wb),
		span(firmware.ReservedMemoryType, legacyHoleStart, firmwareCodeBase, wb),
		span(firmware.BootServicesCode, firmwareCodeBase, bsData, wb),
		span(firmware.BootServicesData, bsData, acpi, wb),
		span(firmware.ACPIReclaimMemory, acpi, nvs, wb),
		span(firmware.ACPIMemoryNVS, nvs, loaderImage, wb),
		span(firmware.LoaderCode, loaderImage, conventional, wb),
		span(firmware.ConventionalMemory, conventional, runtime, wb),
		span(firmware.RuntimeServicesData, runtime, ramSize, wb|memmap.AttrRuntime),
	}
	if fbSize > 0 {
		regions = append(regions, region{
			typ:   firmware.MemoryMappedIO,
			start: framebufferBase,
			pages: firmware.PagesFor(fbSize),
			attr:  memmap.AttrUC | memmap.AttrWC,
		})
	}
	return regions
}

func allocatableType(t firmware.MemoryType) bool {
	switch t {
	case firmware.LoaderCode, firmware.LoaderData,
		firmware.BootServicesCode, firmware.BootServicesData,
		firmware.RuntimeServicesCode, firmware.RuntimeServicesData,
		firmware.ACPIReclaimMemory, firmware.ACPIMemoryNVS:
		return true
	}
	// OEM and OS loader reserved ranges.
	return t >= 0x70000000
}

// carve finds pages of conventional memory and retypes them. Callers hold mu.
func (m *Machine) carve(op string, allocType firmware.AllocateType, memType firmware.MemoryType, pages uint64, addr firmware.PhysAddr) (firmware.PhysAddr, error) {
	if err := m.check(op); err != nil {
		return 0, err
	}
	if pages == 0 || !allocatableType(memType) {
		return 0, firmware.Fail(op, firmware.InvalidParameter)
	}
	if m.failAllocs > 0 {
		m.failAllocs--
		return 0, firmware.Fail(op, firmware.OutOfResources)
	}

	length := firmware.PhysAddr(pages * firmware.PageSize)
	start, found := firmware.PhysAddr(0), false

	switch allocType {
	case firmware.AllocateAnyPages, firmware.AllocateMaxAddress:
		limit := ^firmware.PhysAddr(0)
		if allocType == firmware.AllocateMaxAddress {
			limit = addr
		}
		for i := len(m.regions) - 1; i >= 0 && !found; i-- {
			r := m.regions[i]
			if r.typ != firmware.ConventionalMemory {
				continue
			}
			top := r.end()
			if limit != ^firmware.PhysAddr(0) && limit+1 < top {
				top = (limit + 1) &^ (firmware.PageSize - 1)
			}
			if top > r.start && top-r.start >= length {
				start, found = top-length, true
			}
		}
		if !found {
			return 0, firmware.Fail(op, firmware.OutOfResources)
		}
	case firmware.AllocateAddress:
		if addr%firmware.PageSize != 0 {
			return 0, firmware.Fail(op, firmware.InvalidParameter)
		}
		for _, r := range m.regions {
			if r.typ == firmware.ConventionalMemory && addr >= r.start && addr+length <= r.end() {
				start, found = addr, true
				break
			}
		}
		if !found {
			return 0, firmware.Fail(op, firmware.NotFound)
		}
	default:
		return 0, firmware.Fail(op, firmware.InvalidParameter)
	}

	if err := m.retype(start, pages, memType); err != nil {
		return 0, err
	}
	if b, ok := bankSlice(m.ram, 0, start, uint64(length)); ok {
		for i := range b {
			b[i] = poisonByte
		}
	}
	return start, nil
}

// retype changes the type of [start, start+pages) and coalesces the map.
func (m *Machine) retype(start firmware.PhysAddr, pages uint64, typ firmware.MemoryType) error {
	end := start + firmware.PhysAddr(pages*firmware.PageSize)
	idx := slices.IndexFunc(m.regions, func(r region) bool {
		return start >= r.start && end <= r.end()
	})
	if idx < 0 {
		return fmt.Errorf("range [%#x, %#x) spans memory map entries", uint64(start), uint64(end))
	}

	old := m.regions[idx]
	var pieces []region
	if start > old.start {
		pieces = append(pieces, region{typ: old.typ, start: old.start, pages: uint64(start-old.start) / firmware.PageSize, attr: old.attr})
	}
	pieces = append(pieces, region{typ: typ, start: start, pages: pages, attr: old.attr})
	if end < old.end() {
		pieces = append(pieces, region{typ: old.typ, start: end, pages: uint64(old.end()-end) / firmware.PageSize, attr: old.attr})
	}
	m.regions = slices.Replace(m.regions, idx, idx+1, pieces...)
	m.coalesce()
	m.mapKey++
	return nil
}

func (m *Machine) coalesce() {
	out := m.regions[:0]
	for _, r := range m.regions {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.typ == r.typ && last.attr == r.attr && last.end() == r.start {
				last.pages += r.pages
				continue
			}
		}
		out = append(out, r)
	}
	m.regions = out
}

// AllocatePages implements firmware.BootServices.
func (m *Machine) AllocatePages(allocType firmware.AllocateType, memType firmware.MemoryType, pages uint64, addr firmware.PhysAddr) (firmware.PhysAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start, err := m.carve("AllocatePages", allocType, memType, pages, addr)
	if err != nil {
		return 0, err
	}
	m.pages[start] = pages
	m.log.Debug("allocate pages", "addr", fmt.Sprintf("%#x", uint64(start)), "pages", pages, "type", memType)
	return start, nil
}

// FreePages implements firmware.BootServices.
func (m *Machine) FreePages(addr firmware.PhysAddr, pages uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("FreePages"); err != nil {
		return err
	}
	if n, ok := m.pages[addr]; !ok || n != pages {
		return firmware.Fail("FreePages", firmware.NotFound)
	}
	if err := m.retype(addr, pages, firmware.ConventionalMemory); err != nil {
		return err
	}
	delete(m.pages, addr)
	m.log.Debug("free pages", "addr", fmt.Sprintf("%#x", uint64(addr)), "pages", pages)
	return nil
}

// AllocatePool implements firmware.BootServices. Pools are page backed.
func (m *Machine) AllocatePool(memType firmware.MemoryType, size uint64) (firmware.PhysAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pages := max(firmware.PagesFor(size), 1)
	start, err := m.carve("AllocatePool", firmware.AllocateAnyPages, memType, pages, 0)
	if err != nil {
		return 0, err
	}
	m.pools[start] = pages
	m.log.Debug("allocate pool", "addr", fmt.Sprintf("%#x", uint64(start)), "size", size, "type", memType)
	return start, nil
}

// FreePool implements firmware.BootServices.
func (m *Machine) FreePool(addr firmware.PhysAddr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("FreePool"); err != nil {
		return err
	}
	pages, ok := m.pools[addr]
	if !ok {
		return firmware.Fail("FreePool", firmware.InvalidParameter)
	}
	if err := m.retype(addr, pages, firmware.ConventionalMemory); err != nil {
		return err
	}
	delete(m.pools, addr)
	m.log.Debug("free pool", "addr", fmt.Sprintf("%#x", uint64(addr)))
	return nil
}

// Outstanding returns the number of page and pool allocations not yet
// freed.
func (m *Machine) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pages) + len(m.pools)
}

func (m *Machine) mapInfo() firmware.MemoryMapInfo {
	return firmware.MemoryMapInfo{
		MapSize:           uint64(len(m.regions)) * m.stride,
		MapKey:            m.mapKey,
		DescriptorSize:    m.stride,
		DescriptorVersion: 1,
	}
}

// MemoryMapSize implements firmware.BootServices.
func (m *Machine) MemoryMapSize() (firmware.MemoryMapInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("GetMemoryMap"); err != nil {
		return firmware.MemoryMapInfo{}, err
	}
	return m.mapInfo(), nil
}

// GetMemoryMap implements firmware.BootServices.
func (m *Machine) GetMemoryMap(buf firmware.PhysAddr, size uint64) (firmware.MemoryMapInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("GetMemoryMap"); err != nil {
		return firmware.MemoryMapInfo{}, err
	}

	info := m.mapInfo()
	if size < info.MapSize {
		return info, firmware.Fail("GetMemoryMap", firmware.BufferTooSmall)
	}
	dst, ok := bankSlice(m.ram, 0, buf, info.MapSize)
	if !ok {
		return info, firmware.Fail("GetMemoryMap", firmware.InvalidParameter)
	}
	stride := int(m.stride)
	for i, r := range m.regions {
		if err := r.descriptor().Encode(dst[i*stride:], stride); err != nil {
			return info, fmt.Errorf("encode descriptor %d: %w", i, err)
		}
	}
	return info, nil
}
