package boot

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"io/fs"
	"slices"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/tinyrange/antboot/internal/bootinfo"
	"github.com/tinyrange/antboot/internal/config"
	"github.com/tinyrange/antboot/internal/firmware"
	"github.com/tinyrange/antboot/internal/firmware/simfw"
	"github.com/tinyrange/antboot/internal/image"
)

const kernelEntry = 0x100000

// kernelELF returns a minimal x86_64 executable with one loadable segment.
func kernelELF(t *testing.T) []byte {
	t.Helper()
	const payloadOff = 0x100
	payload := []byte("\xf4\xeb\xfd") // hlt; jmp $-1

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     kernelEntry,
		Phoff:     64,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     1,
		Shentsize: 64,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	prog := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Off:    payloadOff,
		Vaddr:  kernelEntry,
		Paddr:  kernelEntry,
		Filesz: uint64(len(payload)),
		Memsz:  uint64(len(payload)),
		Align:  0x1000,
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, &prog); err != nil {
		t.Fatalf("write program header: %v", err)
	}
	buf.Write(make([]byte, payloadOff-buf.Len()))
	buf.Write(payload)
	return buf.Bytes()
}

func bootVolume(t *testing.T) fstest.MapFS {
	return fstest.MapFS{
		"System/AntKrnl.exe": {Data: kernelELF(t)},
		"Drivers":            {Mode: fs.ModeDir | 0o755},
	}
}

type rig struct {
	m   *simfw.Machine
	out *bytes.Buffer
	l   *Loader
}

func newRig(t *testing.T, opts simfw.Options, cfg *config.Config) *rig {
	t.Helper()
	out := &bytes.Buffer{}
	opts.Console = out
	m, err := simfw.New(opts)
	if err != nil {
		t.Fatalf("simfw.New: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return &rig{
		m:   m,
		out: out,
		l:   &Loader{Image: m.ImageHandle(), System: m.SystemTable(), Config: cfg},
	}
}

func parseConfig(t *testing.T, doc string) *config.Config {
	t.Helper()
	c, err := config.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	return c
}

func TestRun(t *testing.T) {
	r := newRig(t, simfw.Options{Volume: bootVolume(t)}, nil)
	res, err := r.l.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []Stage{Init, VolumeOpened, SystemDirOpened, DriversDirOpened, KernelLoaded, BootInfoBuilt, KernelValidated}
	if res.Stage != KernelValidated || !slices.Equal(res.Trace, want) {
		t.Fatalf("Stage = %v, Trace = %v", res.Stage, res.Trace)
	}
	if res.Descriptor.Entry != kernelEntry || len(res.Segments) != 1 {
		t.Fatalf("Descriptor = %+v, Segments = %+v", res.Descriptor, res.Segments)
	}
	if res.BootInfo.Graphics.Type != bootinfo.GraphicsOutput || res.BootInfo.Graphics.Width != 1024 {
		t.Fatalf("BootInfo = %v", res.BootInfo)
	}
	if !bytes.Equal(res.Kernel.Bytes(), kernelELF(t)) {
		t.Fatalf("kernel buffer does not match the file")
	}

	mm, err := res.Map()
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := mm.Validate(); err != nil || mm.Len() == 0 {
		t.Fatalf("Map = %d descriptors, %v", mm.Len(), err)
	}

	// Directories are closed; the kernel and map buffers stay with the
	// caller.
	if n := r.m.OpenHandles(); n != 0 {
		t.Fatalf("OpenHandles = %d, want 0", n)
	}
	if n := r.m.Outstanding(); n != 2 {
		t.Fatalf("Outstanding = %d, want 2", n)
	}
	if r.m.GraphicsHeld() {
		t.Fatalf("graphics still held")
	}
	if !strings.Contains(r.out.String(), "Loading System\\AntKrnl.exe...\tSuccess\r\n") {
		t.Fatalf("console = %q", r.out.String())
	}
}

func TestRunFailures(t *testing.T) {
	kernel := kernelELF(t)
	corrupt := slices.Clone(kernel)
	corrupt[0] = 0

	tests := []struct {
		name   string
		opts   simfw.Options
		config string
		fail   func(*simfw.Machine)
		stage  Stage
		status firmware.Status
	}{
		{
			name:   "no volume",
			stage:  VolumeOpened,
			status: firmware.Unsupported,
		},
		{
			name:   "no system directory",
			opts:   simfw.Options{Volume: fstest.MapFS{"Drivers": {Mode: fs.ModeDir}}},
			stage:  SystemDirOpened,
			status: firmware.NotFound,
		},
		{
			name:   "no drivers directory",
			opts:   simfw.Options{Volume: fstest.MapFS{"System/AntKrnl.exe": {Data: kernel}}},
			stage:  DriversDirOpened,
			status: firmware.NotFound,
		},
		{
			name:   "drivers is a file",
			opts:   simfw.Options{Volume: fstest.MapFS{"System/AntKrnl.exe": {Data: kernel}, "Drivers": {Data: []byte("x")}}},
			stage:  DriversDirOpened,
			status: firmware.InvalidParameter,
		},
		{
			name:   "no kernel",
			opts:   simfw.Options{Volume: fstest.MapFS{"System/other": {Data: kernel}, "Drivers": {Mode: fs.ModeDir}}},
			stage:  KernelLoaded,
			status: firmware.NotFound,
		},
		{
			name:   "short read",
			opts:   simfw.Options{ShortReads: map[string]int{"System/AntKrnl.exe": 10}},
			stage:  KernelLoaded,
			status: firmware.LoadError,
		},
		{
			name:   "allocation failure",
			fail:   func(m *simfw.Machine) { m.FailAllocations(1) },
			stage:  KernelLoaded,
			status: firmware.OutOfResources,
		},
		{
			name:   "headless",
			opts:   simfw.Options{Headless: true},
			stage:  BootInfoBuilt,
			status: firmware.NotFound,
		},
		{
			name:   "map buffer too small",
			config: "memoryMapSlack: 1\n",
			stage:  BootInfoBuilt,
			status: firmware.BufferTooSmall,
		},
		{
			name:   "bad magic",
			opts:   simfw.Options{Volume: fstest.MapFS{"System/AntKrnl.exe": {Data: corrupt}, "Drivers": {Mode: fs.ModeDir}}},
			stage:  KernelValidated,
			status: firmware.LoadError,
		},
		{
			name:   "wrong machine",
			config: "machine: aarch64\n",
			stage:  KernelValidated,
			status: firmware.LoadError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := tt.opts
			if opts.Volume == nil && tt.name != "no volume" {
				opts.Volume = bootVolume(t)
			}
			r := newRig(t, opts, parseConfig(t, tt.config))
			if tt.fail != nil {
				tt.fail(r.m)
			}

			res, err := r.l.Run()
			var se *StageError
			if !errors.As(err, &se) {
				t.Fatalf("Run err = %v, want *StageError", err)
			}
			if se.Stage != tt.stage {
				t.Fatalf("failed at %v, want %v (%v)", se.Stage, tt.stage, err)
			}
			if got := firmware.StatusOf(err); got != tt.status {
				t.Fatalf("status = %v, want %v (%v)", got, tt.status, err)
			}
			if res.Stage != tt.stage-1 || slices.Contains(res.Trace, tt.stage) {
				t.Fatalf("Stage = %v, Trace = %v", res.Stage, res.Trace)
			}
			if res.Kernel != nil {
				t.Fatalf("failed run kept the kernel buffer")
			}
			if n := r.m.OpenHandles(); n != 0 {
				t.Fatalf("OpenHandles = %d after abort", n)
			}
			if n := r.m.Outstanding(); n != 0 {
				t.Fatalf("Outstanding = %d after abort", n)
			}
			if r.m.GraphicsHeld() {
				t.Fatalf("graphics still held after abort")
			}
		})
	}
}

func TestRunBadMagicReportsOffset(t *testing.T) {
	kernel := kernelELF(t)
	kernel[1] = 'X'
	r := newRig(t, simfw.Options{Volume: fstest.MapFS{
		"System/AntKrnl.exe": {Data: kernel},
		"Drivers":            {Mode: fs.ModeDir},
	}}, nil)
	_, err := r.l.Run()
	var fe *image.FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *image.FormatError", err)
	}
	if fe.Offset != 0 {
		t.Fatalf("Offset = %d, want 0", fe.Offset)
	}
}

func TestMainFailure(t *testing.T) {
	r := newRig(t, simfw.Options{Volume: fstest.MapFS{"System/AntKrnl.exe": {Data: kernelELF(t)}}}, nil)
	if got := r.l.Main(); got != firmware.NotFound {
		t.Fatalf("Main = %v, want NOT_FOUND", got)
	}
	if got := r.m.Stalled(); got != 10*time.Second {
		t.Fatalf("Stalled = %v, want 10s", got)
	}
	out := r.out.String()
	if !strings.Contains(out, "Boot failed at DriversDirOpened: NOT_FOUND") {
		t.Fatalf("console = %q", out)
	}
	if strings.Contains(out, "Loading") {
		t.Fatalf("kernel load attempted: %q", out)
	}
}

func TestMainSuccess(t *testing.T) {
	tests := []struct {
		config string
		stall  time.Duration
	}{
		{"", 0},
		{"successStall: 2s\n", 2 * time.Second},
	}
	for _, tt := range tests {
		r := newRig(t, simfw.Options{Volume: bootVolume(t)}, parseConfig(t, tt.config))
		if got := r.l.Main(); got != firmware.Success {
			t.Fatalf("Main = %v, want SUCCESS", got)
		}
		if got := r.m.Stalled(); got != tt.stall {
			t.Fatalf("Stalled = %v, want %v", got, tt.stall)
		}
	}
}

func TestProgress(t *testing.T) {
	r := newRig(t, simfw.Options{Volume: bootVolume(t)}, parseConfig(t, "progress: true\n"))
	if _, err := r.l.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(r.out.String(), "Success") {
		t.Fatalf("console = %q", r.out.String())
	}
}

func TestExitBootServicesHandoff(t *testing.T) {
	r := newRig(t, simfw.Options{Volume: bootVolume(t)}, nil)
	var transferred *HandoffState
	r.l.Handoff = &ExitBootServices{Transfer: func(st *HandoffState) error {
		transferred = st
		return nil
	}}

	res, err := r.l.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stage != HandedOff || !res.Exited || !r.m.Exited() {
		t.Fatalf("Stage = %v, Exited = %v", res.Stage, res.Exited)
	}
	if transferred == nil || transferred.Descriptor.Entry != kernelEntry {
		t.Fatalf("transfer state = %+v", transferred)
	}
	if res.Record.Len != bootinfo.Size || res.Record.Addr == 0 {
		t.Fatalf("Record = %v", res.Record)
	}

	raw, err := r.m.Memory().Slice(res.Record.Addr, res.Record.Len)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	var bi bootinfo.BootInfo
	if err := bi.UnmarshalBinary(raw); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if bi != *res.BootInfo {
		t.Fatalf("placed record = %v, want %v", &bi, res.BootInfo)
	}

	// The final snapshot must include the record allocation itself.
	mm, err := res.Map()
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	found := false
	for _, d := range mm.All() {
		if d.Region().Contains(res.Record.Addr, res.Record.Len) {
			found = d.Type == firmware.LoaderData
		}
	}
	if !found {
		t.Fatalf("record %v not covered by a LoaderData descriptor", res.Record)
	}
}

// staleKey changes the memory map right before the first exit attempt.
type staleKey struct {
	*simfw.Machine
	attempts int
}

func (s *staleKey) ExitBootServices(image firmware.Handle, key uint64) error {
	s.attempts++
	if s.attempts == 1 {
		if _, err := s.Machine.AllocatePages(firmware.AllocateAnyPages, firmware.BootServicesData, 1, 0); err != nil {
			return err
		}
	}
	return s.Machine.ExitBootServices(image, key)
}

func TestExitBootServicesRetriesStaleKey(t *testing.T) {
	r := newRig(t, simfw.Options{Volume: bootVolume(t)}, nil)
	bs := &staleKey{Machine: r.m}
	r.l.System.BootServices = bs
	r.l.Handoff = &ExitBootServices{}

	res, err := r.l.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if bs.attempts != 2 || !res.Exited {
		t.Fatalf("attempts = %d, Exited = %v", bs.attempts, res.Exited)
	}
}

func TestHandoffFailure(t *testing.T) {
	r := newRig(t, simfw.Options{Volume: bootVolume(t)}, nil)
	r.l.Handoff = HandoffFunc(func(firmware.BootServices, *HandoffState) error {
		return firmware.Fail("Handoff", firmware.Aborted)
	})
	if got := r.l.Main(); got != firmware.Aborted {
		t.Fatalf("Main = %v, want ABORTED", got)
	}
	if n := r.m.Outstanding(); n != 0 {
		t.Fatalf("Outstanding = %d after failed handoff", n)
	}
	if r.m.Stalled() != 10*time.Second {
		t.Fatalf("Stalled = %v", r.m.Stalled())
	}
}

func TestTransferFailureAfterExit(t *testing.T) {
	r := newRig(t, simfw.Options{Volume: bootVolume(t)}, nil)
	r.l.Handoff = &ExitBootServices{Transfer: func(*HandoffState) error {
		return errors.New("entry point returned")
	}}
	res, err := r.l.Run()
	var se *StageError
	if !errors.As(err, &se) || se.Stage != HandedOff {
		t.Fatalf("err = %v, want failure at HandedOff", err)
	}
	if !res.Exited {
		t.Fatalf("Exited = false")
	}
	// Boot services are gone; nothing may be freed or stalled on.
	if n := r.m.Outstanding(); n == 0 {
		t.Fatalf("resources released after exit")
	}
	if res.Kernel == nil || res.Kernel.Size == 0 {
		t.Fatalf("result lost the kernel buffer: %+v", res.Kernel)
	}
	if _, err := res.Map(); err != nil {
		t.Fatalf("Map after failed transfer: %v", err)
	}
	if got := r.l.Report(res, err); got != firmware.LoadError {
		t.Fatalf("Report = %v, want %v", got, firmware.LoadError)
	}
	if r.m.Stalled() != 0 {
		t.Fatalf("Stalled = %v after exit", r.m.Stalled())
	}
}
