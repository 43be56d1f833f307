package bootinfo

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/tinyrange/antboot/internal/firmware"
	"github.com/tinyrange/antboot/internal/memmap"
)

// DefaultMapSlack is the number of bytes allocated past the reported memory
// map size. Allocating the snapshot buffer can itself add map entries.
const DefaultMapSlack = 4096

// ErrMapBufferTooSmall matches a BuildError whose snapshot did not fit.
var ErrMapBufferTooSmall = errors.New("memory map buffer too small")

// BuildErrorKind classifies a BuildError.
type BuildErrorKind int

const (
	// MapBufferTooSmall means the memory map outgrew the snapshot buffer.
	MapBufferTooSmall BuildErrorKind = iota + 1
	// FramebufferTooSmall means the reported framebuffer cannot hold the
	// mode it describes.
	FramebufferTooSmall
)

func (k BuildErrorKind) String() string {
	switch k {
	case MapBufferTooSmall:
		return "MapBufferTooSmall"
	case FramebufferTooSmall:
		return "FramebufferTooSmall"
	default:
		return fmt.Sprintf("BuildErrorKind(%d)", int(k))
	}
}

// BuildError reports a record that could not be assembled without losing
// data.
type BuildError struct {
	Kind     BuildErrorKind
	Required uint64
	Capacity uint64
}

func (e *BuildError) Error() string {
	switch e.Kind {
	case MapBufferTooSmall:
		return fmt.Sprintf("memory map needs %d bytes, buffer holds %d", e.Required, e.Capacity)
	case FramebufferTooSmall:
		return fmt.Sprintf("mode needs %d framebuffer bytes, firmware reports %d", e.Required, e.Capacity)
	default:
		return fmt.Sprintf("%v: required %d, capacity %d", e.Kind, e.Required, e.Capacity)
	}
}

func (e *BuildError) Is(target error) bool {
	return target == ErrMapBufferTooSmall && e.Kind == MapBufferTooSmall
}

// Status implements the status carrier used by firmware.StatusOf.
func (e *BuildError) Status() firmware.Status {
	if e.Kind == MapBufferTooSmall {
		return firmware.BufferTooSmall
	}
	return firmware.BadBufferSize
}

// Builder gathers firmware state into a BootInfo. Construct runs once; the
// builder then owns the memory map buffer until Release or handoff.
type Builder struct {
	Services firmware.BootServices
	// Image is the agent handle for the exclusive graphics open.
	Image firmware.Handle
	// MapSlack is added to the reported map size; zero means DefaultMapSlack.
	MapSlack uint64
	// Version overrides the record version; zero means Version.
	Version uint8
	// PreferredMode, when set, is switched to before the mode is read.
	PreferredMode *uint32
	Logger        *slog.Logger

	info   *BootInfo
	pool   firmware.PhysAddr
	mapCap uint64
	record firmware.PhysAddr
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}

// Construct queries the display and snapshots the memory map. The snapshot
// is taken last so nothing the builder does afterwards changes the map.
func (b *Builder) Construct() (*BootInfo, error) {
	if b.info != nil {
		return nil, errors.New("boot info already constructed")
	}
	bs := b.Services

	gfx, err := b.queryGraphics()
	if err != nil {
		return nil, err
	}

	info, err := bs.MemoryMapSize()
	if err != nil {
		return nil, fmt.Errorf("query memory map size: %w", err)
	}
	slack := b.MapSlack
	if slack == 0 {
		slack = DefaultMapSlack
	}
	if slack > math.MaxUint64-info.MapSize {
		return nil, fmt.Errorf("memory map slack %d: %w", slack, firmware.BadBufferSize)
	}
	capacity := info.MapSize + slack

	pool, err := bs.AllocatePool(firmware.LoaderData, capacity)
	if err != nil {
		return nil, fmt.Errorf("%w: memory map buffer of %d bytes: %w", firmware.ErrAllocationFailed, capacity, err)
	}
	b.pool, b.mapCap = pool, capacity

	snap, err := b.snapshot()
	if err != nil {
		b.Release()
		return nil, err
	}

	version := b.Version
	if version == 0 {
		version = Version
	}
	b.info = &BootInfo{
		Version:        version,
		MemoryMap:      firmware.Region{Addr: pool, Len: snap.MapSize},
		DescriptorSize: snap.DescriptorSize,
		Graphics:       gfx,
	}
	b.logger().Debug("boot info constructed",
		"map", b.info.MemoryMap, "descriptorSize", snap.DescriptorSize,
		"descriptors", snap.MapSize/snap.DescriptorSize, "mapKey", snap.MapKey)
	return b.info, nil
}

// queryGraphics reads the active mode while holding the protocol exclusively.
func (b *Builder) queryGraphics() (gfx GraphicsInfo, err error) {
	bs := b.Services

	handle, err := bs.LocateHandle(firmware.GraphicsOutputProtocolGUID)
	if err != nil {
		return gfx, fmt.Errorf("locate graphics output: %w", err)
	}
	gop, err := bs.OpenGraphicsOutputExclusive(handle, b.Image)
	if err != nil {
		return gfx, fmt.Errorf("open graphics output: %w", err)
	}
	defer func() {
		if cerr := gop.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close graphics output: %w", cerr)
		}
	}()

	if want := b.PreferredMode; want != nil && *want != gop.Mode().Current {
		if _, err := gop.QueryMode(*want); err != nil {
			return gfx, fmt.Errorf("query mode %d: %w", *want, err)
		}
		if err := gop.SetMode(*want); err != nil {
			return gfx, fmt.Errorf("set mode %d: %w", *want, err)
		}
		b.logger().Debug("switched graphics mode", "mode", *want)
	}

	mode := gop.Mode()
	bpp := firmware.BytesPerPixel(mode.Info)
	if bpp == 0 {
		return gfx, fmt.Errorf("mode %d has pixel format %v: %w", mode.Current, mode.Info.PixelFormat, firmware.Unsupported)
	}
	need := uint64(mode.Info.PixelsPerScanLine) * uint64(mode.Info.Height) * bpp
	if mode.FrameBuffer.Len < need {
		return gfx, &BuildError{Kind: FramebufferTooSmall, Required: need, Capacity: mode.FrameBuffer.Len}
	}

	gfx = GraphicsInfo{
		Type:        GraphicsOutput,
		Width:       uint64(mode.Info.Width),
		Height:      uint64(mode.Info.Height),
		PixelFormat: mode.Info.PixelFormat,
		Stride:      uint64(mode.Info.PixelsPerScanLine),
		Framebuffer: mode.FrameBuffer,
	}
	b.logger().Debug("graphics mode", "mode", mode.Current, "width", gfx.Width, "height", gfx.Height,
		"format", gfx.PixelFormat, "framebuffer", gfx.Framebuffer)
	return gfx, nil
}

// snapshot writes the memory map into the pool buffer and checks it walks
// cleanly by stride.
func (b *Builder) snapshot() (firmware.MemoryMapInfo, error) {
	bs := b.Services
	info, err := bs.GetMemoryMap(b.pool, b.mapCap)
	if errors.Is(err, firmware.BufferTooSmall) {
		return info, &BuildError{Kind: MapBufferTooSmall, Required: info.MapSize, Capacity: b.mapCap}
	} else if err != nil {
		return info, fmt.Errorf("get memory map: %w", err)
	}
	if info.MapSize > b.mapCap {
		return info, &BuildError{Kind: MapBufferTooSmall, Required: info.MapSize, Capacity: b.mapCap}
	}

	raw, err := bs.Memory().Slice(b.pool, info.MapSize)
	if err != nil {
		return info, fmt.Errorf("map memory map buffer: %w", err)
	}
	m, err := memmap.New(raw, info.MapSize, info.DescriptorSize)
	if err != nil {
		return info, fmt.Errorf("memory map: %w: %w", err, firmware.CompromisedData)
	}
	if err := m.Validate(); err != nil {
		return info, fmt.Errorf("memory map: %w: %w", err, firmware.CompromisedData)
	}
	return info, nil
}

// BootInfo returns the constructed record, or nil before Construct.
func (b *Builder) BootInfo() *BootInfo { return b.info }

// Map returns a walker over the current snapshot.
func (b *Builder) Map() (memmap.Map, error) {
	if b.info == nil {
		return memmap.Map{}, errors.New("boot info not constructed")
	}
	raw, err := b.Services.Memory().Slice(b.info.MemoryMap.Addr, b.info.MemoryMap.Len)
	if err != nil {
		return memmap.Map{}, err
	}
	return memmap.New(raw, b.info.MemoryMap.Len, b.info.DescriptorSize)
}

// RefreshMemoryMap re-snapshots the map into the same buffer and returns
// the map key to exit boot services with. A placed record is rewritten.
func (b *Builder) RefreshMemoryMap() (uint64, error) {
	if b.info == nil || b.pool == 0 {
		return 0, errors.New("boot info not constructed")
	}
	snap, err := b.snapshot()
	if err != nil {
		return 0, err
	}
	b.info.MemoryMap.Len = snap.MapSize
	b.info.DescriptorSize = snap.DescriptorSize
	if b.record != 0 {
		if err := b.write(); err != nil {
			return 0, err
		}
	}
	return snap.MapKey, nil
}

// Place copies the encoded record into pool memory and returns where it
// lives. Later refreshes update it in place.
func (b *Builder) Place() (firmware.Region, error) {
	if b.info == nil {
		return firmware.Region{}, errors.New("boot info not constructed")
	}
	if b.record == 0 {
		addr, err := b.Services.AllocatePool(firmware.LoaderData, Size)
		if err != nil {
			return firmware.Region{}, fmt.Errorf("%w: boot info record: %w", firmware.ErrAllocationFailed, err)
		}
		b.record = addr
	}
	if err := b.write(); err != nil {
		return firmware.Region{}, err
	}
	return firmware.Region{Addr: b.record, Len: Size}, nil
}

func (b *Builder) write() error {
	dst, err := b.Services.Memory().Slice(b.record, Size)
	if err != nil {
		return fmt.Errorf("map boot info record: %w", err)
	}
	enc, err := b.info.MarshalBinary()
	if err != nil {
		return err
	}
	copy(dst, enc)
	return nil
}

// Release frees the buffers the builder owns. It is safe to call on a
// partially constructed builder and more than once.
func (b *Builder) Release() error {
	var errs []error
	if b.record != 0 {
		if err := b.Services.FreePool(b.record); err != nil {
			errs = append(errs, fmt.Errorf("free boot info record: %w", err))
		}
		b.record = 0
	}
	if b.pool != 0 {
		if err := b.Services.FreePool(b.pool); err != nil {
			errs = append(errs, fmt.Errorf("free memory map buffer: %w", err))
		}
		b.pool, b.mapCap = 0, 0
	}
	return errors.Join(errs...)
}
