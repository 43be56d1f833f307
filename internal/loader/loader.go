// Package loader reads files from the boot volume into page-granular
// buffers owned by the loader.
package loader

import (
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/antboot/internal/firmware"
)

// DefaultSlackPages is the number of pages allocated past the end of the
// file.
const DefaultSlackPages = 1

// Options tunes how Load allocates and reports.
type Options struct {
	// SlackPages is added to the page count that covers the file.
	SlackPages uint64
	// MemoryType tags the allocation; zero means LoaderData.
	MemoryType firmware.MemoryType
	// Progress, when set, receives a progress bar for the read.
	Progress io.Writer
	Logger   *slog.Logger
}

// ShortReadError reports a read that returned fewer bytes than the file
// holds.
type ShortReadError struct {
	Path string
	Want uint64
	Got  uint64
}

func (e *ShortReadError) Error() string {
	return fmt.Sprintf("short read of %s: got %d of %d bytes", e.Path, e.Got, e.Want)
}

// Status implements the status carrier used by firmware.StatusOf.
func (e *ShortReadError) Status() firmware.Status { return firmware.LoadError }

// Buffer is a file image held in pages allocated by Load. Size is the file
// length; the pages may extend past it.
type Buffer struct {
	Addr  firmware.PhysAddr
	Pages uint64
	Size  uint64

	data     []byte
	released bool
}

// Bytes returns the file contents. The slice aliases firmware memory and is
// invalid after Release.
func (b *Buffer) Bytes() []byte { return b.data[:b.Size:b.Size] }

// Capacity returns the allocated length in bytes.
func (b *Buffer) Capacity() uint64 { return b.Pages * firmware.PageSize }

// Region returns the allocated pages as a non-owning reference.
func (b *Buffer) Region() firmware.Region {
	return firmware.Region{Addr: b.Addr, Len: b.Capacity()}
}

// Release returns the pages to firmware. Calling it again is a no-op.
func (b *Buffer) Release(bs firmware.BootServices) error {
	if b == nil || b.released {
		return nil
	}
	if err := bs.FreePages(b.Addr, b.Pages); err != nil {
		return fmt.Errorf("free %d pages at %#x: %w", b.Pages, uint64(b.Addr), err)
	}
	b.released = true
	b.data = nil
	return nil
}

// Load reads path below dir into a freshly allocated buffer. The file is
// read with one call and must be returned whole; on any failure the pages are
// released and no buffer is returned.
func Load(bs firmware.BootServices, dir firmware.File, path string, opts Options) (*Buffer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	memType := opts.MemoryType
	if memType == 0 {
		memType = firmware.LoaderData
	}

	f, err := dir.Open(path, firmware.FileModeRead, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			logger.Warn("close file", "path", path, "error", err)
		}
	}()

	info, err := f.Info()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("load %s: %w", path, firmware.ErrNotRegularFile)
	}
	size := info.FileSize
	if size > math.MaxInt-firmware.PageSize {
		return nil, fmt.Errorf("load %s: size %d: %w", path, size, firmware.BadBufferSize)
	}

	pages := firmware.PagesFor(size)
	if opts.SlackPages > math.MaxUint64/firmware.PageSize-pages {
		return nil, fmt.Errorf("load %s: %d slack pages: %w", path, opts.SlackPages, firmware.BadBufferSize)
	}
	pages = max(pages+opts.SlackPages, 1)
	addr, err := bs.AllocatePages(firmware.AllocateAnyPages, memType, pages, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %d pages for %s: %w", firmware.ErrAllocationFailed, pages, path, err)
	}
	if addr == 0 {
		return nil, fmt.Errorf("%w: null address for %s", firmware.ErrAllocationFailed, path)
	}
	buf := &Buffer{Addr: addr, Pages: pages, Size: size}

	fail := func(err error) (*Buffer, error) {
		if rerr := buf.Release(bs); rerr != nil {
			logger.Warn("release buffer", "path", path, "error", rerr)
		}
		return nil, err
	}

	buf.data, err = bs.Memory().Slice(addr, buf.Capacity())
	if err != nil {
		return fail(fmt.Errorf("map buffer for %s: %w", path, err))
	}

	logger.Debug("reading file", "path", path, "size", size, "addr", fmt.Sprintf("%#x", uint64(addr)), "pages", pages)

	var bar *progressbar.ProgressBar
	if opts.Progress != nil && size > 0 {
		bar = progressbar.NewOptions64(int64(size),
			progressbar.OptionSetWriter(opts.Progress),
			progressbar.OptionSetDescription(path),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(30),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Close()
	}

	var n int
	if size > 0 {
		n, err = f.Read(buf.data[:size])
		if err != nil {
			return fail(fmt.Errorf("read %s: %w", path, err))
		}
	}
	if bar != nil {
		_ = bar.Add64(int64(n))
		_ = bar.Finish()
	}
	if uint64(n) != size {
		return fail(&ShortReadError{Path: path, Want: size, Got: uint64(n)})
	}

	return buf, nil
}
