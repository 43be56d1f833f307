// Package firmware describes the boot-services API the loader consumes.
//
// Every call is synchronous and non-reentrant. Implementations are either a
// real firmware binding or the simulated machine in simfw; the loader only
// ever sees these interfaces, threaded explicitly through a SystemTable.
package firmware

import (
	"io"
	"time"
)

// Memory exposes identity-mapped physical memory.
type Memory interface {
	// Slice returns a view of n bytes starting at addr. The view aliases
	// firmware memory; it is not a copy.
	Slice(addr PhysAddr, n uint64) ([]byte, error)
}

// File is an open EFI_FILE_PROTOCOL handle. Directories and regular files
// share the interface, as they do in firmware.
type File interface {
	Open(name string, mode FileMode, attrs FileAttribute) (File, error)
	Read(p []byte) (int, error)
	Info() (FileInfo, error)
	Close() error
}

// SimpleFileSystem is EFI_SIMPLE_FILE_SYSTEM_PROTOCOL.
type SimpleFileSystem interface {
	OpenVolume() (File, error)
}

// GraphicsOutput is an exclusively opened EFI_GRAPHICS_OUTPUT_PROTOCOL.
type GraphicsOutput interface {
	Mode() Mode
	QueryMode(n uint32) (ModeInfo, error)
	SetMode(n uint32) error
	// Close releases the exclusive open.
	Close() error
}

// BootServices is the subset of EFI_BOOT_SERVICES the loader uses.
type BootServices interface {
	AllocatePool(memType MemoryType, size uint64) (PhysAddr, error)
	FreePool(addr PhysAddr) error
	AllocatePages(allocType AllocateType, memType MemoryType, pages uint64, addr PhysAddr) (PhysAddr, error)
	FreePages(addr PhysAddr, pages uint64) error

	// MemoryMapSize reports the buffer size a snapshot currently needs and
	// the descriptor stride, without taking a snapshot.
	MemoryMapSize() (MemoryMapInfo, error)
	// GetMemoryMap writes the memory map into size bytes at buf. When the
	// map does not fit it returns BufferTooSmall and the required size in
	// MapSize.
	GetMemoryMap(buf PhysAddr, size uint64) (MemoryMapInfo, error)

	Memory() Memory

	// ImageFileSystem returns the filesystem of the device the image was
	// loaded from.
	ImageFileSystem(image Handle) (SimpleFileSystem, error)
	LocateHandle(protocol GUID) (Handle, error)
	OpenGraphicsOutputExclusive(handle Handle, agent Handle) (GraphicsOutput, error)

	// Stall busy-waits for d. It cannot be interrupted.
	Stall(d time.Duration)

	ExitBootServices(image Handle, mapKey uint64) error
}

// SystemTable is handed to the loader at entry together with its image
// handle.
type SystemTable struct {
	FirmwareVendor   string
	FirmwareRevision uint32

	ConsoleOut   io.Writer
	BootServices BootServices
}
