package firmware

import (
	"fmt"
	"math/bits"
	"time"
)

// PageSize is the firmware page granularity in bytes.
const PageSize = 4096

// Handle identifies a firmware object (image, device, protocol instance).
type Handle uint64

// PhysAddr is a physical address. Boot services run identity mapped, so it
// is also the address the loader dereferences.
type PhysAddr uint64

// Region is a non-owning reference to firmware-managed memory. It carries no
// release obligation and is only valid while boot services are active.
type Region struct {
	Addr PhysAddr
	Len  uint64
}

// End returns the first address past the region.
func (r Region) End() PhysAddr { return r.Addr + PhysAddr(r.Len) }

// Contains reports whether [addr, addr+n) lies inside r.
func (r Region) Contains(addr PhysAddr, n uint64) bool {
	return addr >= r.Addr && uint64(addr-r.Addr)+n <= r.Len
}

func (r Region) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Addr), uint64(r.End()))
}

// PagesFor returns the number of pages needed to cover size bytes.
func PagesFor(size uint64) uint64 {
	return (size + PageSize - 1) / PageSize
}

// AllocateType selects how AllocatePages picks an address.
type AllocateType int

const (
	AllocateAnyPages AllocateType = iota
	AllocateMaxAddress
	AllocateAddress
)

// MemoryType is the EFI_MEMORY_TYPE of a memory range.
type MemoryType uint32

const (
	ReservedMemoryType MemoryType = iota
	LoaderCode
	LoaderData
	BootServicesCode
	BootServicesData
	RuntimeServicesCode
	RuntimeServicesData
	ConventionalMemory
	UnusableMemory
	ACPIReclaimMemory
	ACPIMemoryNVS
	MemoryMappedIO
	MemoryMappedIOPortSpace
	PalCode
	PersistentMemory
	UnacceptedMemory
	maxMemoryType
)

var memoryTypeNames = [...]string{
	"Reserved",
	"LoaderCode",
	"LoaderData",
	"BootServicesCode",
	"BootServicesData",
	"RuntimeServicesCode",
	"RuntimeServicesData",
	"Conventional",
	"Unusable",
	"ACPIReclaim",
	"ACPINVS",
	"MMIO",
	"MMIOPortSpace",
	"PalCode",
	"Persistent",
	"Unaccepted",
}

func (t MemoryType) String() string {
	if t < maxMemoryType {
		return memoryTypeNames[t]
	}
	return fmt.Sprintf("MemoryType(%#x)", uint32(t))
}

// MemoryMapInfo is what GetMemoryMap reports alongside the snapshot.
type MemoryMapInfo struct {
	MapSize           uint64
	MapKey            uint64
	DescriptorSize    uint64
	DescriptorVersion uint32
}

// FileMode is the open mode for File.Open.
type FileMode uint64

const (
	FileModeRead   FileMode = 0x1
	FileModeWrite  FileMode = 0x2
	FileModeCreate FileMode = 0x8000000000000000
)

// FileAttribute is the EFI_FILE attribute bit set.
type FileAttribute uint64

const (
	FileReadOnly  FileAttribute = 0x01
	FileHidden    FileAttribute = 0x02
	FileSystem    FileAttribute = 0x04
	FileReserved  FileAttribute = 0x08
	FileDirectory FileAttribute = 0x10
	FileArchive   FileAttribute = 0x20
)

// FileInfo mirrors EFI_FILE_INFO.
type FileInfo struct {
	Size             uint64
	FileSize         uint64
	PhysicalSize     uint64
	CreateTime       time.Time
	LastAccessTime   time.Time
	ModificationTime time.Time
	Attribute        FileAttribute
	Name             string
}

// IsDir reports whether the entry is a directory.
func (i FileInfo) IsDir() bool { return i.Attribute&FileDirectory != 0 }

// GUID is a protocol identifier.
type GUID [16]byte

func (g GUID) String() string {
	return fmt.Sprintf("%02x%02x%02x%02x-%02x%02x-%02x%02x-%02x%02x-%02x%02x%02x%02x%02x%02x",
		g[3], g[2], g[1], g[0], g[5], g[4], g[7], g[6],
		g[8], g[9], g[10], g[11], g[12], g[13], g[14], g[15])
}

var (
	// GraphicsOutputProtocolGUID is EFI_GRAPHICS_OUTPUT_PROTOCOL_GUID.
	GraphicsOutputProtocolGUID = GUID{0xde, 0xa9, 0x42, 0x90, 0xdc, 0x23, 0x38, 0x4a, 0x96, 0xfb, 0x7a, 0xde, 0xd0, 0x80, 0x51, 0x6a}
	// SimpleFileSystemProtocolGUID is EFI_SIMPLE_FILE_SYSTEM_PROTOCOL_GUID.
	SimpleFileSystemProtocolGUID = GUID{0x22, 0x5b, 0x4e, 0x96, 0x59, 0x64, 0xd2, 0x11, 0x8e, 0x39, 0x00, 0xa0, 0xc9, 0x69, 0x72, 0x3b}
)

// PixelFormat is EFI_GRAPHICS_PIXEL_FORMAT.
type PixelFormat uint32

const (
	PixelRGBReserved8Bit PixelFormat = iota
	PixelBGRReserved8Bit
	PixelBitMask
	PixelBltOnly
)

func (f PixelFormat) String() string {
	switch f {
	case PixelRGBReserved8Bit:
		return "RGBX8888"
	case PixelBGRReserved8Bit:
		return "BGRX8888"
	case PixelBitMask:
		return "BitMask"
	case PixelBltOnly:
		return "BltOnly"
	default:
		return fmt.Sprintf("PixelFormat(%d)", uint32(f))
	}
}

// PixelBitmask describes channel positions for PixelBitMask modes.
type PixelBitmask struct {
	Red      uint32
	Green    uint32
	Blue     uint32
	Reserved uint32
}

// ModeInfo mirrors EFI_GRAPHICS_OUTPUT_MODE_INFORMATION.
type ModeInfo struct {
	Version           uint32
	Width             uint32
	Height            uint32
	PixelFormat       PixelFormat
	PixelInformation  PixelBitmask
	PixelsPerScanLine uint32
}

// Mode mirrors EFI_GRAPHICS_OUTPUT_PROTOCOL_MODE.
type Mode struct {
	MaxMode     uint32
	Current     uint32
	Info        ModeInfo
	FrameBuffer Region
}

// BytesPerPixel returns the framebuffer bytes per pixel for info, or 0 when
// the mode has no linear framebuffer.
func BytesPerPixel(info ModeInfo) uint64 {
	switch info.PixelFormat {
	case PixelRGBReserved8Bit, PixelBGRReserved8Bit:
		return 4
	case PixelBitMask:
		m := info.PixelInformation
		n := bits.Len32(m.Red | m.Green | m.Blue | m.Reserved)
		return uint64(n+7) / 8
	default:
		return 0
	}
}
