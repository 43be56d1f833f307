package simfw

import (
	"errors"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/tinyrange/antboot/internal/firmware"
)

// volume is the simple filesystem protocol instance of the boot device.
type volume struct {
	m *Machine
}

// OpenVolume implements firmware.SimpleFileSystem.
func (v *volume) OpenVolume() (firmware.File, error) {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	if err := v.m.check("OpenVolume"); err != nil {
		return nil, err
	}
	info, err := fs.Stat(v.m.vol, ".")
	if err != nil {
		return nil, firmware.Fail("OpenVolume", firmware.VolumeCorrupted)
	}
	v.m.handles++
	return &file{m: v.m, name: ".", info: info}, nil
}

// file is an open handle on the volume. Directory handles can open further
// entries; regular file handles can be read.
type file struct {
	m    *Machine
	name string
	info fs.FileInfo

	r      fs.File
	pos    int64
	closed bool
}

// resolve turns a firmware path relative to f into a clean fs.FS path.
// Firmware paths use backslashes; a leading separator is relative to the
// volume root.
func (f *file) resolve(name string) (string, bool) {
	name = strings.ReplaceAll(name, `\`, "/")
	var p string
	if strings.HasPrefix(name, "/") {
		p = path.Clean(strings.TrimLeft(name, "/"))
		if p == "" {
			p = "."
		}
	} else {
		p = path.Clean(path.Join(f.name, name))
	}
	if p == ".." || strings.HasPrefix(p, "../") {
		return "", false
	}
	return p, fs.ValidPath(p)
}

// Open implements firmware.File.
func (f *file) Open(name string, mode firmware.FileMode, attrs firmware.FileAttribute) (firmware.File, error) {
	m := f.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("Open"); err != nil {
		return nil, err
	}
	if f.closed || !f.info.IsDir() {
		return nil, firmware.Fail("Open", firmware.InvalidParameter)
	}
	if mode&(firmware.FileModeWrite|firmware.FileModeCreate) != 0 {
		return nil, firmware.Fail("Open", firmware.WriteProtected)
	}
	if mode&firmware.FileModeRead == 0 {
		return nil, firmware.Fail("Open", firmware.InvalidParameter)
	}

	p, ok := f.resolve(name)
	if !ok {
		return nil, firmware.Fail("Open", firmware.NotFound)
	}
	info, err := fs.Stat(m.vol, p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, firmware.Fail("Open", firmware.NotFound)
	} else if err != nil {
		return nil, firmware.Fail("Open", firmware.DeviceError)
	}

	child := &file{m: m, name: p, info: info}
	if !info.IsDir() {
		r, err := m.vol.Open(p)
		if err != nil {
			return nil, firmware.Fail("Open", firmware.DeviceError)
		}
		child.r = r
	}
	m.handles++
	return child, nil
}

// Read implements firmware.File. Directory reads are not supported by the
// simulated volume.
func (f *file) Read(p []byte) (int, error) {
	m := f.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("Read"); err != nil {
		return 0, err
	}
	if f.closed {
		return 0, firmware.Fail("Read", firmware.InvalidParameter)
	}
	if f.r == nil {
		return 0, firmware.Fail("Read", firmware.Unsupported)
	}

	want := int64(len(p))
	if remaining := f.info.Size() - f.pos; want > remaining {
		want = remaining
	}
	if limit, ok := m.shortReads[f.name]; ok {
		want = min(want, max(int64(limit)-f.pos, 0))
	}
	if want <= 0 {
		return 0, nil
	}

	n, err := io.ReadFull(f.r, p[:want])
	f.pos += int64(n)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return n, firmware.Fail("Read", firmware.DeviceError)
	}
	return n, nil
}

// Info implements firmware.File.
func (f *file) Info() (firmware.FileInfo, error) {
	m := f.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("GetInfo"); err != nil {
		return firmware.FileInfo{}, err
	}
	if f.closed {
		return firmware.FileInfo{}, firmware.Fail("GetInfo", firmware.InvalidParameter)
	}

	attr := firmware.FileReadOnly
	size := uint64(0)
	if f.info.IsDir() {
		attr |= firmware.FileDirectory
	} else {
		attr |= firmware.FileArchive
		size = uint64(f.info.Size())
	}
	name := f.info.Name()
	if f.name == "." {
		name = ""
	}
	return firmware.FileInfo{
		Size:             uint64(80 + 2*(len(name)+1)),
		FileSize:         size,
		PhysicalSize:     (size + 511) &^ 511,
		CreateTime:       f.info.ModTime(),
		LastAccessTime:   f.info.ModTime(),
		ModificationTime: f.info.ModTime(),
		Attribute:        attr,
		Name:             name,
	}, nil
}

// Close implements firmware.File.
func (f *file) Close() error {
	m := f.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.closed {
		return firmware.Fail("Close", firmware.InvalidParameter)
	}
	f.closed = true
	m.handles--
	if f.r != nil {
		_ = f.r.Close()
	}
	return nil
}
