package simfw

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math/bits"

	"github.com/fogleman/gg"

	"github.com/tinyrange/antboot/internal/firmware"
)

// framebufferSize returns the framebuffer bank size needed by the largest
// mode.
func framebufferSize(modes []firmware.ModeInfo) uint64 {
	var size uint64
	for _, mode := range modes {
		size = max(size, modeBytes(mode))
	}
	return firmware.PagesFor(size) * firmware.PageSize
}

func modeBytes(mode firmware.ModeInfo) uint64 {
	return uint64(mode.PixelsPerScanLine) * uint64(mode.Height) * firmware.BytesPerPixel(mode)
}

// modeLocked returns the protocol mode block. Callers hold mu.
func (m *Machine) modeLocked() firmware.Mode {
	info := m.modes[m.current]
	mode := firmware.Mode{
		MaxMode: uint32(len(m.modes)),
		Current: m.current,
		Info:    info,
	}
	if n := modeBytes(info); n > 0 {
		mode.FrameBuffer = firmware.Region{Addr: framebufferBase, Len: firmware.PagesFor(n) * firmware.PageSize}
	}
	return mode
}

// OpenGraphicsOutputExclusive implements firmware.BootServices.
func (m *Machine) OpenGraphicsOutputExclusive(handle firmware.Handle, agent firmware.Handle) (firmware.GraphicsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("OpenProtocol"); err != nil {
		return nil, err
	}
	if m.gopless || handle != gopHandle {
		return nil, firmware.Fail("OpenProtocol(GraphicsOutput)", firmware.Unsupported)
	}
	if agent != imageHandle {
		return nil, firmware.Fail("OpenProtocol(GraphicsOutput)", firmware.InvalidParameter)
	}
	if m.gopOpen {
		return nil, firmware.Fail("OpenProtocol(GraphicsOutput)", firmware.AccessDenied)
	}
	m.gopOpen = true
	return &graphicsOutput{m: m}, nil
}

// graphicsOutput is one exclusive open of the graphics output protocol.
type graphicsOutput struct {
	m      *Machine
	closed bool
}

func (g *graphicsOutput) Mode() firmware.Mode {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	return g.m.modeLocked()
}

func (g *graphicsOutput) QueryMode(n uint32) (firmware.ModeInfo, error) {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	if g.closed {
		return firmware.ModeInfo{}, firmware.Fail("QueryMode", firmware.InvalidParameter)
	}
	if int(n) >= len(g.m.modes) {
		return firmware.ModeInfo{}, firmware.Fail("QueryMode", firmware.InvalidParameter)
	}
	return g.m.modes[n], nil
}

// SetMode switches the display mode and clears the framebuffer to black.
func (g *graphicsOutput) SetMode(n uint32) error {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	if err := g.m.check("SetMode"); err != nil {
		return err
	}
	if g.closed {
		return firmware.Fail("SetMode", firmware.InvalidParameter)
	}
	if int(n) >= len(g.m.modes) {
		return firmware.Fail("SetMode", firmware.Unsupported)
	}
	g.m.current = n
	clear(g.m.fb)
	return nil
}

func (g *graphicsOutput) Close() error {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	if g.closed {
		return firmware.Fail("CloseProtocol", firmware.NotFound)
	}
	g.closed = true
	g.m.gopOpen = false
	return nil
}

// pixelCodec packs and unpacks colors for a mode's pixel format.
type pixelCodec struct {
	bpp                 int
	red, green, blue    uint32
	rShift, gShift, bSh int
	rBits, gBits, bBits int
}

func newPixelCodec(info firmware.ModeInfo) (pixelCodec, error) {
	var mask firmware.PixelBitmask
	switch info.PixelFormat {
	case firmware.PixelRGBReserved8Bit:
		mask = firmware.PixelBitmask{Red: 0xff, Green: 0xff00, Blue: 0xff0000}
	case firmware.PixelBGRReserved8Bit:
		mask = firmware.PixelBitmask{Red: 0xff0000, Green: 0xff00, Blue: 0xff}
	case firmware.PixelBitMask:
		mask = info.PixelInformation
	default:
		return pixelCodec{}, fmt.Errorf("pixel format %v has no framebuffer", info.PixelFormat)
	}
	c := pixelCodec{
		bpp:   int(firmware.BytesPerPixel(info)),
		red:   mask.Red,
		green: mask.Green,
		blue:  mask.Blue,
	}
	c.rShift, c.rBits = bits.TrailingZeros32(mask.Red), bits.OnesCount32(mask.Red)
	c.gShift, c.gBits = bits.TrailingZeros32(mask.Green), bits.OnesCount32(mask.Green)
	c.bSh, c.bBits = bits.TrailingZeros32(mask.Blue), bits.OnesCount32(mask.Blue)
	if c.rBits == 0 || c.gBits == 0 || c.bBits == 0 {
		return pixelCodec{}, errors.New("pixel bitmask is missing a color channel")
	}
	return c, nil
}

func scaleTo(v uint8, nbits int) uint32 {
	return uint32(v) >> (8 - min(nbits, 8))
}

func scaleFrom(v uint32, nbits int) uint8 {
	if nbits >= 8 {
		return uint8(v >> (nbits - 8))
	}
	return uint8(v << (8 - nbits))
}

func (c pixelCodec) pack(r, g, b uint8) uint32 {
	return scaleTo(r, c.rBits)<<c.rShift&c.red |
		scaleTo(g, c.gBits)<<c.gShift&c.green |
		scaleTo(b, c.bBits)<<c.bSh&c.blue
}

func (c pixelCodec) unpack(px uint32) (r, g, b uint8) {
	return scaleFrom((px&c.red)>>c.rShift, c.rBits),
		scaleFrom((px&c.green)>>c.gShift, c.gBits),
		scaleFrom((px&c.blue)>>c.bSh, c.bBits)
}

func (c pixelCodec) store(dst []byte, px uint32) {
	for i := 0; i < c.bpp; i++ {
		dst[i] = byte(px >> (8 * i))
	}
}

func (c pixelCodec) load(src []byte) uint32 {
	var px uint32
	for i := 0; i < c.bpp; i++ {
		px |= uint32(src[i]) << (8 * i)
	}
	return px
}

// paintSplash draws the firmware logo into the current mode's framebuffer.
func (m *Machine) paintSplash() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := m.modes[m.current]
	if modeBytes(info) == 0 {
		return nil
	}
	w, h := int(info.Width), int(info.Height)

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	dc := gg.NewContextForRGBA(img)
	dc.SetRGB(0.05, 0.05, 0.12)
	dc.Clear()
	r := float64(min(w, h)) / 6
	dc.SetRGB(0.16, 0.55, 0.86)
	dc.DrawCircle(float64(w)/2, float64(h)/2-r/3, r)
	dc.Fill()
	dc.SetRGB(0.9, 0.9, 0.9)
	dc.DrawRoundedRectangle(float64(w)/2-2*r, float64(h)/2+r, 4*r, r/6, r/12)
	dc.Fill()

	return m.blitLocked(img)
}

// blitLocked copies img into the framebuffer at the origin. Callers hold mu.
func (m *Machine) blitLocked(img *image.RGBA) error {
	info := m.modes[m.current]
	codec, err := newPixelCodec(info)
	if err != nil {
		return err
	}
	pitch := int(info.PixelsPerScanLine) * codec.bpp
	bounds := img.Bounds().Intersect(image.Rect(0, 0, int(info.Width), int(info.Height)))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		row := m.fb[y*pitch:]
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := img.RGBAAt(x, y)
			codec.store(row[x*codec.bpp:], codec.pack(c.R, c.G, c.B))
		}
	}
	return nil
}

// Screenshot decodes the visible part of the framebuffer.
func (m *Machine) Screenshot() (*image.RGBA, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gopless {
		return nil, errors.New("machine is headless")
	}
	info := m.modes[m.current]
	codec, err := newPixelCodec(info)
	if err != nil {
		return nil, err
	}
	pitch := int(info.PixelsPerScanLine) * codec.bpp
	img := image.NewRGBA(image.Rect(0, 0, int(info.Width), int(info.Height)))
	for y := 0; y < int(info.Height); y++ {
		row := m.fb[y*pitch:]
		for x := 0; x < int(info.Width); x++ {
			r, g, b := codec.unpack(codec.load(row[x*codec.bpp:]))
			img.SetRGBA(x, y, color.RGBA{R: r, G: g, B: b, A: 0xff})
		}
	}
	return img, nil
}

// SaveScreenshot writes the framebuffer to a PNG file.
func (m *Machine) SaveScreenshot(path string) error {
	img, err := m.Screenshot()
	if err != nil {
		return err
	}
	return gg.SavePNG(path, img)
}
