// Package simfw is a host-side firmware that implements firmware.BootServices
// on top of ordinary Go memory.
//
// It models the parts of a UEFI boot-services environment the loader
// touches: a page and pool allocator that edits a real memory map, an
// fs.FS-backed boot volume, a graphics output protocol with a linear
// framebuffer, a text console and the stall service. Fault injection hooks
// let tests drive every failure path of the loader.
package simfw

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/antboot/internal/firmware"
)

const (
	// DefaultMemorySize is the RAM size of a machine when Options leaves it
	// unset.
	DefaultMemorySize = 64 << 20
	// DefaultDescriptorSize is the stride EDK2 reports: a 40 byte record
	// followed by 8 bytes of padding.
	DefaultDescriptorSize = 48

	minMemorySize = 8 << 20

	framebufferBase firmware.PhysAddr = 0x80000000

	imageHandle  firmware.Handle = 0x1000
	volumeHandle firmware.Handle = 0x2000
	gopHandle    firmware.Handle = 0x3000

	poisonByte = 0xaf
)

var defaultModes = []firmware.ModeInfo{
	{Width: 1024, Height: 768, PixelFormat: firmware.PixelBGRReserved8Bit, PixelsPerScanLine: 1024},
	{Width: 800, Height: 600, PixelFormat: firmware.PixelBGRReserved8Bit, PixelsPerScanLine: 800},
	{Width: 1280, Height: 720, PixelFormat: firmware.PixelBGRReserved8Bit, PixelsPerScanLine: 1280},
}

// Options configures a simulated machine.
type Options struct {
	// MemorySize is the RAM size in bytes; rounded down to whole pages.
	MemorySize uint64
	// DescriptorSize is the memory map stride reported to callers.
	DescriptorSize uint64

	// Volume backs the filesystem of the device the image was booted from.
	// A nil Volume makes ImageFileSystem fail with Unsupported.
	Volume fs.FS
	// ShortReads caps the number of bytes Read ever returns for a file,
	// keyed by slash-separated path relative to the volume root.
	ShortReads map[string]int

	// Modes lists the graphics modes; CurrentMode selects the active one.
	Modes       []firmware.ModeInfo
	CurrentMode uint32
	// Headless machines expose no graphics output protocol.
	Headless bool

	// Console receives a copy of everything written to the text console.
	Console        io.Writer
	ConsoleColumns int
	ConsoleRows    int

	// Sleep, when set, is called by Stall. Without it stalls are only
	// recorded.
	Sleep func(time.Duration)

	Vendor string
	Logger *slog.Logger
}

// Machine is a simulated firmware instance. It implements
// firmware.BootServices.
type Machine struct {
	mu sync.Mutex

	log *slog.Logger

	ram    []byte
	fb     []byte
	unmap  func()
	stride uint64

	regions []region
	pages   map[firmware.PhysAddr]uint64
	pools   map[firmware.PhysAddr]uint64
	mapKey  uint64

	vol        fs.FS
	shortReads map[string]int
	handles    int

	modes   []firmware.ModeInfo
	current uint32
	gopOpen bool
	gopless bool

	console *Console
	vendor  string

	sleep   func(time.Duration)
	stalled time.Duration

	failAllocs int
	exited     bool
}

var _ firmware.BootServices = &Machine{}

// New powers on a machine.
func New(opts Options) (*Machine, error) {
	size := opts.MemorySize
	if size == 0 {
		size = DefaultMemorySize
	}
	size &^= firmware.PageSize - 1
	if size < minMemorySize {
		return nil, fmt.Errorf("memory size %#x below minimum %#x", size, minMemorySize)
	}

	stride := opts.DescriptorSize
	if stride == 0 {
		stride = DefaultDescriptorSize
	}
	if stride < 40 || stride%8 != 0 {
		return nil, fmt.Errorf("invalid descriptor size %d", stride)
	}

	modes := opts.Modes
	if len(modes) == 0 {
		modes = defaultModes
	}
	if int(opts.CurrentMode) >= len(modes) {
		return nil, fmt.Errorf("current mode %d out of range (%d modes)", opts.CurrentMode, len(modes))
	}
	for i, mode := range modes {
		if mode.PixelsPerScanLine < mode.Width {
			return nil, fmt.Errorf("mode %d: stride %d below width %d", i, mode.PixelsPerScanLine, mode.Width)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ram, unmap, err := newArena(int(size))
	if err != nil {
		return nil, fmt.Errorf("allocate guest RAM: %w", err)
	}

	m := &Machine{
		log:        logger,
		ram:        ram,
		unmap:      unmap,
		stride:     stride,
		pages:      make(map[firmware.PhysAddr]uint64),
		pools:      make(map[firmware.PhysAddr]uint64),
		vol:        opts.Volume,
		shortReads: opts.ShortReads,
		modes:      modes,
		current:    opts.CurrentMode,
		gopless:    opts.Headless,
		vendor:     opts.Vendor,
		sleep:      opts.Sleep,
	}
	if m.vendor == "" {
		m.vendor = "antboot simulated firmware"
	}

	if !m.gopless {
		m.fb = make([]byte, framebufferSize(modes))
	}
	m.regions = initialRegions(size, uint64(len(m.fb)))

	m.console = newConsole(opts.Console, opts.ConsoleColumns, opts.ConsoleRows)

	if !m.gopless {
		if err := m.paintSplash(); err != nil {
			m.Close()
			return nil, fmt.Errorf("paint splash: %w", err)
		}
	}

	return m, nil
}

// Close releases host resources held by the machine.
func (m *Machine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if m.console != nil {
		errs = append(errs, m.console.Close())
		m.console = nil
	}
	if m.unmap != nil {
		m.unmap()
		m.unmap = nil
	}
	m.ram = nil
	m.fb = nil
	return errors.Join(errs...)
}

// ImageHandle returns the handle of the image the machine "booted".
func (m *Machine) ImageHandle() firmware.Handle { return imageHandle }

// SystemTable returns the table handed to the loader at entry.
func (m *Machine) SystemTable() *firmware.SystemTable {
	return &firmware.SystemTable{
		FirmwareVendor:   m.vendor,
		FirmwareRevision: 0x00010000,
		ConsoleOut:       m.console,
		BootServices:     m,
	}
}

// Console returns the text console.
func (m *Machine) Console() *Console { return m.console }

// Stalled returns the total time spent in Stall.
func (m *Machine) Stalled() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stalled
}

// OpenHandles returns the number of file handles that have not been closed.
func (m *Machine) OpenHandles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles
}

// GraphicsHeld reports whether the graphics output protocol is open.
func (m *Machine) GraphicsHeld() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gopOpen
}

// Exited reports whether ExitBootServices succeeded.
func (m *Machine) Exited() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exited
}

// FailAllocations makes the next n page or pool allocations fail with
// OutOfResources.
func (m *Machine) FailAllocations(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAllocs = n
}

// check returns an error once boot services have exited. Callers hold mu.
func (m *Machine) check(op string) error {
	if m.exited {
		return firmware.Fail(op, firmware.Unsupported)
	}
	return nil
}

// Memory implements firmware.BootServices.
func (m *Machine) Memory() firmware.Memory { return (*physMemory)(m) }

// ImageFileSystem implements firmware.BootServices.
func (m *Machine) ImageFileSystem(image firmware.Handle) (firmware.SimpleFileSystem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("HandleProtocol"); err != nil {
		return nil, err
	}
	if image != imageHandle {
		return nil, firmware.Fail("HandleProtocol(LoadedImage)", firmware.Unsupported)
	}
	if m.vol == nil {
		return nil, firmware.Fail("HandleProtocol(SimpleFileSystem)", firmware.Unsupported)
	}
	return &volume{m: m}, nil
}

// LocateHandle implements firmware.BootServices.
func (m *Machine) LocateHandle(protocol firmware.GUID) (firmware.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("LocateHandle"); err != nil {
		return 0, err
	}
	switch protocol {
	case firmware.GraphicsOutputProtocolGUID:
		if m.gopless {
			break
		}
		return gopHandle, nil
	case firmware.SimpleFileSystemProtocolGUID:
		if m.vol == nil {
			break
		}
		return volumeHandle, nil
	}
	return 0, firmware.Fail("LocateHandle("+protocol.String()+")", firmware.NotFound)
}

// Stall implements firmware.BootServices.
func (m *Machine) Stall(d time.Duration) {
	m.mu.Lock()
	m.stalled += d
	sleep := m.sleep
	m.mu.Unlock()

	if sleep != nil {
		sleep(d)
	}
}

// ExitBootServices implements firmware.BootServices.
func (m *Machine) ExitBootServices(image firmware.Handle, mapKey uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("ExitBootServices"); err != nil {
		return err
	}
	if image != imageHandle {
		return firmware.Fail("ExitBootServices", firmware.InvalidParameter)
	}
	if mapKey != m.mapKey {
		return firmware.Fail("ExitBootServices", firmware.InvalidParameter)
	}
	m.exited = true
	m.log.Debug("boot services exited", "mapKey", mapKey)
	return nil
}
