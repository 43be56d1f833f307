package volume

import (
	"errors"
	"testing"
	"testing/fstest"

	"github.com/tinyrange/antboot/internal/firmware"
	"github.com/tinyrange/antboot/internal/firmware/simfw"
)

func newMachine(t *testing.T, vol fstest.MapFS) *simfw.Machine {
	t.Helper()
	opts := simfw.Options{Headless: true}
	if vol != nil {
		opts.Volume = vol
	}
	m, err := simfw.New(opts)
	if err != nil {
		t.Fatalf("simfw.New: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestOpenBootVolume(t *testing.T) {
	m := newMachine(t, fstest.MapFS{"System/AntKrnl.exe": {Data: []byte("k")}})
	root, err := OpenBootVolume(m, m.ImageHandle())
	if err != nil {
		t.Fatalf("OpenBootVolume: %v", err)
	}
	info, err := root.Info()
	if err != nil || !info.IsDir() {
		t.Fatalf("root Info = %+v, %v", info, err)
	}
	if err := root.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestOpenBootVolumeWrongHandle(t *testing.T) {
	m := newMachine(t, fstest.MapFS{"System/AntKrnl.exe": {Data: []byte("k")}})
	_, err := OpenBootVolume(m, 0xdead)
	if got := firmware.StatusOf(err); got != firmware.Unsupported {
		t.Fatalf("status = %v, want %v", got, firmware.Unsupported)
	}
}

func TestOpenBootVolumeNoFilesystem(t *testing.T) {
	m := newMachine(t, nil)
	_, err := OpenBootVolume(m, m.ImageHandle())
	var fe *firmware.Error
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *firmware.Error", err)
	}
}

func TestOpenSubdirectory(t *testing.T) {
	m := newMachine(t, fstest.MapFS{
		"System/AntKrnl.exe":   {Data: []byte("k")},
		"System/Drivers/a.sys": {Data: []byte("d")},
		"README":               {Data: []byte("r")},
	})
	root, err := OpenBootVolume(m, m.ImageHandle())
	if err != nil {
		t.Fatalf("OpenBootVolume: %v", err)
	}
	defer root.Close()

	tests := []struct {
		name   string
		status firmware.Status
	}{
		{"System", firmware.Success},
		{"Missing", firmware.NotFound},
		{"README", firmware.InvalidParameter},
	}
	for _, tt := range tests {
		before := m.OpenHandles()
		dir, err := OpenSubdirectory(root, tt.name)
		if got := firmware.StatusOf(err); got != tt.status {
			t.Fatalf("OpenSubdirectory(%q) status = %v, want %v", tt.name, got, tt.status)
		}
		if err != nil {
			if dir != nil {
				t.Fatalf("OpenSubdirectory(%q) returned a handle with error", tt.name)
			}
			if m.OpenHandles() != before {
				t.Fatalf("OpenSubdirectory(%q) leaked a handle", tt.name)
			}
			continue
		}
		if err := dir.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	_, err = OpenSubdirectory(root, "README")
	if !errors.Is(err, firmware.ErrNotADirectory) {
		t.Fatalf("err = %v, want ErrNotADirectory", err)
	}
}
