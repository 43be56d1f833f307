// Package boot sequences the loader: it opens the boot volume, loads the
// kernel, gathers boot info and validates the image before handing off.
package boot

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/antboot/internal/bootinfo"
	"github.com/tinyrange/antboot/internal/config"
	"github.com/tinyrange/antboot/internal/console"
	"github.com/tinyrange/antboot/internal/firmware"
	"github.com/tinyrange/antboot/internal/image"
	"github.com/tinyrange/antboot/internal/loader"
	"github.com/tinyrange/antboot/internal/memmap"
	"github.com/tinyrange/antboot/internal/volume"
)

// Loader runs one boot attempt. It is the application entry point: the
// firmware passes Image and System, everything else is configuration.
type Loader struct {
	Image  firmware.Handle
	System *firmware.SystemTable

	// Config comes from config.Default, Load or Parse; nil means Default.
	Config *config.Config
	// Console overrides the console options derived from Config.
	Console *console.Options
	// Handoff runs after the kernel validates. Without one the pipeline
	// stops at KernelValidated and the caller owns the results.
	Handoff Handoff
	Logger  *slog.Logger

	con *console.Console
}

// Result describes how far a boot attempt got.
type Result struct {
	Stage Stage
	// Trace lists every stage entered, in order.
	Trace []Stage

	Kernel     *loader.Buffer
	BootInfo   *bootinfo.BootInfo
	Descriptor *image.Descriptor
	Segments   []image.Segment
	Record     firmware.Region
	// Exited is set once boot services have been left.
	Exited bool

	builder *bootinfo.Builder
}

// Map decodes the memory map snapshot carried by the boot info.
func (r *Result) Map() (memmap.Map, error) {
	if r.builder == nil {
		return memmap.Map{}, errors.New("no boot info built")
	}
	return r.builder.Map()
}

// release is an acquired resource and how to give it back.
type release struct {
	what string
	fn   func() error
	// handle marks resources that are closed once validation completes;
	// the rest stay with the caller or the handoff.
	handle bool
}

func (l *Loader) config() *config.Config {
	if l.Config == nil {
		l.Config = config.Default()
	}
	return l.Config
}

func (l *Loader) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l *Loader) console() *console.Console {
	if l.con != nil {
		return l.con
	}
	opts := console.Options{Color: l.config().Color == config.ColorAlways}
	if l.Console != nil {
		opts = *l.Console
	}
	l.con = console.New(l.System.ConsoleOut, opts)
	return l.con
}

// Run executes the pipeline. On failure it releases everything it acquired,
// newest first, and returns a *StageError naming the stage that could not
// be entered.
func (l *Loader) Run() (*Result, error) {
	if l.System == nil || l.System.BootServices == nil {
		return &Result{Stage: Init, Trace: []Stage{Init}},
			&StageError{Stage: VolumeOpened, Err: fmt.Errorf("no boot services: %w", firmware.InvalidParameter)}
	}
	cfg := l.config()
	bs := l.System.BootServices
	log := l.logger()
	con := l.console()

	res := &Result{Stage: Init, Trace: []Stage{Init}}
	var held []release

	unwind := func(keep func(release) bool) {
		for i := len(held) - 1; i >= 0; i-- {
			r := held[i]
			if keep(r) {
				continue
			}
			if err := r.fn(); err != nil {
				log.Warn("release failed", "resource", r.what, "error", err)
			}
		}
	}
	fail := func(next Stage, err error) (*Result, error) {
		log.Debug("boot stage failed", "stage", next, "error", err)
		// Released here, ahead of Report's diagnostic and stall. After exit
		// the buffers stay allocated and the result keeps pointing at them.
		if !res.Exited {
			unwind(func(release) bool { return false })
			res.Kernel, res.builder = nil, nil
		}
		return res, &StageError{Stage: next, Err: err}
	}
	advance := func(s Stage) {
		res.Stage = s
		res.Trace = append(res.Trace, s)
		log.Debug("boot stage", "stage", s)
	}

	root, err := volume.OpenBootVolume(bs, l.Image)
	if err != nil {
		return fail(VolumeOpened, err)
	}
	held = append(held, release{"boot volume", root.Close, true})
	advance(VolumeOpened)

	sys, err := volume.OpenSubdirectory(root, cfg.SystemDir)
	if err != nil {
		return fail(SystemDirOpened, err)
	}
	held = append(held, release{cfg.SystemDir, sys.Close, true})
	advance(SystemDirOpened)

	drivers, err := volume.OpenSubdirectory(root, cfg.DriversDir)
	if err != nil {
		return fail(DriversDirOpened, err)
	}
	held = append(held, release{cfg.DriversDir, drivers.Close, true})
	advance(DriversDirOpened)

	con.Loading(cfg.KernelPath())
	opts := loader.Options{SlackPages: *cfg.KernelSlackPages, Logger: log}
	if cfg.Progress {
		opts.Progress = con.Progress()
	}
	kernel, err := loader.Load(bs, sys, cfg.Kernel, opts)
	if err != nil {
		return fail(KernelLoaded, err)
	}
	held = append(held, release{"kernel buffer", func() error { return kernel.Release(bs) }, false})
	res.Kernel = kernel
	con.Success()
	advance(KernelLoaded)

	builder := &bootinfo.Builder{
		Services:      bs,
		Image:         l.Image,
		MapSlack:      cfg.MemoryMapSlack,
		Version:       cfg.Version,
		PreferredMode: cfg.Graphics.Mode,
		Logger:        log,
	}
	bi, err := builder.Construct()
	if err != nil {
		return fail(BootInfoBuilt, err)
	}
	held = append(held, release{"boot info", builder.Release, false})
	res.BootInfo, res.builder = bi, builder
	con.Printf("%v", bi)
	advance(BootInfoBuilt)

	desc, err := image.ParseHeader(kernel.Bytes(), image.Expect{Class: cfg.ELFClass(), Machine: cfg.ELFMachine()})
	if err != nil {
		return fail(KernelValidated, err)
	}
	segs, err := desc.Segments(kernel.Bytes())
	if err != nil {
		return fail(KernelValidated, err)
	}
	res.Descriptor, res.Segments = desc, segs
	advance(KernelValidated)

	// The directories are not needed past this point and cannot be closed
	// once boot services are gone.
	unwind(func(r release) bool { return !r.handle })
	held = dropHandles(held)

	if l.Handoff == nil {
		return res, nil
	}
	st := &HandoffState{
		Image:      l.Image,
		Kernel:     kernel,
		Descriptor: desc,
		Segments:   segs,
		BootInfo:   bi,
		Builder:    builder,
	}
	err = l.Handoff.Handoff(bs, st)
	res.Record, res.Exited = st.Record, st.Exited
	if err != nil {
		return fail(HandedOff, err)
	}
	advance(HandedOff)
	return res, nil
}

func dropHandles(held []release) []release {
	kept := held[:0]
	for _, r := range held {
		if !r.handle {
			kept = append(kept, r)
		}
	}
	return kept
}

// Main runs the pipeline and reports the outcome the way firmware expects.
// The returned status is what the image entry point hands back.
func (l *Loader) Main() firmware.Status {
	return l.Report(l.Run())
}

// Report finishes a boot attempt returned by Run: a console diagnostic and
// the failure stall when err is set, the optional success stall otherwise.
// Stalls are skipped once boot services have been left.
func (l *Loader) Report(res *Result, err error) firmware.Status {
	cfg := l.config()
	var bs firmware.BootServices
	if l.System != nil && !res.Exited {
		bs = l.System.BootServices
	}
	if err != nil {
		stage := res.Stage
		var se *StageError
		if errors.As(err, &se) {
			stage, err = se.Stage, se.Err
		}
		status := firmware.StatusOf(err)
		if l.System != nil {
			l.console().Failure(stage, status, err)
		}
		if bs != nil {
			bs.Stall(cfg.FailureStall.Duration())
		}
		return status
	}
	if d := cfg.SuccessStall.Duration(); d > 0 && bs != nil {
		bs.Stall(d)
	}
	return firmware.Success
}
