// Package bootinfo assembles the record the loader hands to the kernel: the
// firmware memory map and the active display mode.
package bootinfo

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/antboot/internal/firmware"
)

// Version is the record format written by this loader.
const Version uint8 = 1

// GraphicsType discriminates how the display was discovered.
type GraphicsType uint8

const (
	GraphicsNone GraphicsType = iota
	// GraphicsOutput means the mode came from the graphics output protocol.
	GraphicsOutput
)

func (t GraphicsType) String() string {
	switch t {
	case GraphicsNone:
		return "none"
	case GraphicsOutput:
		return "graphics-output"
	default:
		return fmt.Sprintf("GraphicsType(%d)", uint8(t))
	}
}

// GraphicsInfo describes the active display mode. Framebuffer is owned by
// firmware.
type GraphicsInfo struct {
	Type        GraphicsType
	Width       uint64
	Height      uint64
	PixelFormat firmware.PixelFormat
	// Stride is in pixels and may exceed Width.
	Stride      uint64
	Framebuffer firmware.Region
}

// BootInfo is the record handed to the kernel. Both regions it references
// are firmware memory that stays valid only while boot services are active.
type BootInfo struct {
	Version        uint8
	MemoryMap      firmware.Region
	DescriptorSize uint64
	Graphics       GraphicsInfo
}

// Wire layout, little endian, natural alignment on a 64-bit target.
const (
	offVersion        = 0
	offMapAddr        = 8
	offDescriptorSize = 16
	offMapLen         = 24
	offGraphicsType   = 32
	offWidth          = 40
	offHeight         = 48
	offPixelFormat    = 56
	offStride         = 64
	offFramebuffer    = 72
	offFramebufferLen = 80

	// Size is the encoded length of a BootInfo.
	Size = 88
)

// MarshalBinary encodes the record in its wire layout. Padding is zero.
func (bi *BootInfo) MarshalBinary() ([]byte, error) {
	return bi.AppendBinary(make([]byte, 0, Size))
}

// AppendBinary appends the wire encoding of the record to b.
func (bi *BootInfo) AppendBinary(b []byte) ([]byte, error) {
	start := len(b)
	b = append(b, make([]byte, Size)...)
	out := b[start:]
	le := binary.LittleEndian

	out[offVersion] = bi.Version
	le.PutUint64(out[offMapAddr:], uint64(bi.MemoryMap.Addr))
	le.PutUint64(out[offDescriptorSize:], bi.DescriptorSize)
	le.PutUint64(out[offMapLen:], bi.MemoryMap.Len)

	g := &bi.Graphics
	out[offGraphicsType] = uint8(g.Type)
	le.PutUint64(out[offWidth:], g.Width)
	le.PutUint64(out[offHeight:], g.Height)
	le.PutUint32(out[offPixelFormat:], uint32(g.PixelFormat))
	le.PutUint64(out[offStride:], g.Stride)
	le.PutUint64(out[offFramebuffer:], uint64(g.Framebuffer.Addr))
	le.PutUint64(out[offFramebufferLen:], g.Framebuffer.Len)
	return b, nil
}

// UnmarshalBinary decodes a record written by MarshalBinary.
func (bi *BootInfo) UnmarshalBinary(b []byte) error {
	if len(b) < Size {
		return fmt.Errorf("boot info record is %d bytes, want %d", len(b), Size)
	}
	le := binary.LittleEndian
	*bi = BootInfo{
		Version: b[offVersion],
		MemoryMap: firmware.Region{
			Addr: firmware.PhysAddr(le.Uint64(b[offMapAddr:])),
			Len:  le.Uint64(b[offMapLen:]),
		},
		DescriptorSize: le.Uint64(b[offDescriptorSize:]),
		Graphics: GraphicsInfo{
			Type:        GraphicsType(b[offGraphicsType]),
			Width:       le.Uint64(b[offWidth:]),
			Height:      le.Uint64(b[offHeight:]),
			PixelFormat: firmware.PixelFormat(le.Uint32(b[offPixelFormat:])),
			Stride:      le.Uint64(b[offStride:]),
			Framebuffer: firmware.Region{
				Addr: firmware.PhysAddr(le.Uint64(b[offFramebuffer:])),
				Len:  le.Uint64(b[offFramebufferLen:]),
			},
		},
	}
	return nil
}

func (bi *BootInfo) String() string {
	g := bi.Graphics
	return fmt.Sprintf("v%d map=%v stride=%d %dx%d/%d %v fb=%v",
		bi.Version, bi.MemoryMap, bi.DescriptorSize, g.Width, g.Height, g.Stride, g.PixelFormat, g.Framebuffer)
}
