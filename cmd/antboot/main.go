// Command antboot runs the boot loader against simulated firmware, using a
// host directory as the boot volume.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/tinyrange/antboot/internal/boot"
	"github.com/tinyrange/antboot/internal/config"
	"github.com/tinyrange/antboot/internal/console"
	"github.com/tinyrange/antboot/internal/firmware"
	"github.com/tinyrange/antboot/internal/firmware/simfw"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

var pixelFormats = map[string]firmware.ModeInfo{
	"rgb":     {PixelFormat: firmware.PixelRGBReserved8Bit},
	"bgr":     {PixelFormat: firmware.PixelBGRReserved8Bit},
	"rgb565":  {PixelFormat: firmware.PixelBitMask, PixelInformation: firmware.PixelBitmask{Red: 0xf800, Green: 0x07e0, Blue: 0x001f}},
	"bltonly": {PixelFormat: firmware.PixelBltOnly},
}

// parseModes parses a comma separated list of WIDTHxHEIGHT modes.
func parseModes(s string, format firmware.ModeInfo) ([]firmware.ModeInfo, error) {
	var modes []firmware.ModeInfo
	for _, m := range strings.Split(s, ",") {
		w, h, ok := strings.Cut(strings.TrimSpace(m), "x")
		if !ok {
			return nil, fmt.Errorf("mode %q: want WIDTHxHEIGHT", m)
		}
		width, err := strconv.ParseUint(w, 10, 32)
		if err != nil || width == 0 {
			return nil, fmt.Errorf("mode %q: bad width", m)
		}
		height, err := strconv.ParseUint(h, 10, 32)
		if err != nil || height == 0 {
			return nil, fmt.Errorf("mode %q: bad height", m)
		}
		info := format
		info.Width, info.Height = uint32(width), uint32(height)
		info.PixelsPerScanLine = uint32(width)
		modes = append(modes, info)
	}
	return modes, nil
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("antboot", flag.ContinueOnError)
	fs.SetOutput(stderr)

	volumeDir := fs.String("volume", "", "Host directory used as the boot volume")
	configPath := fs.String("config", "", "Loader configuration file (YAML)")
	memory := fs.Uint64("memory", simfw.DefaultMemorySize>>20, "Machine memory in MiB")
	mode := fs.Uint("mode", 0, "Initial graphics mode")
	modes := fs.String("modes", "1024x768,800x600,1280x720", "Graphics modes as WIDTHxHEIGHT, comma separated")
	pixelFormat := fs.String("pixel-format", "bgr", "Pixel format (rgb, bgr, rgb565, bltonly)")
	descSize := fs.Uint64("desc-size", 0, "Memory map descriptor stride in bytes (0 for the firmware default)")
	headless := fs.Bool("headless", false, "Expose no graphics output")
	realtime := fs.Bool("realtime", false, "Sleep for firmware stalls instead of only recording them")
	screenshot := fs.String("screenshot", "", "Write the framebuffer to this PNG after the boot attempt")
	dumpMap := fs.Bool("dump-map", false, "Print the memory map handed to the kernel")
	handoff := fs.String("handoff", "", "Override the configured handoff (none, exit)")
	printConfig := fs.Bool("print-config", false, "Print the effective configuration and exit")
	verbose := fs.Bool("v", false, "Enable debug logging")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: antboot [flags] -volume <dir>\n\n")
		fmt.Fprintf(stderr, "Boot the kernel found on a host directory under simulated firmware.\n\n")
		fmt.Fprintf(stderr, "Flags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	fail := func(format string, args ...any) int {
		fmt.Fprintf(stderr, "antboot: "+format+"\n", args...)
		return 1
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return fail("%v", err)
		}
	}
	if *handoff != "" {
		cfg.Handoff = *handoff
		if err := cfg.Validate(); err != nil {
			return fail("%v", err)
		}
	}
	if *printConfig {
		if err := cfg.Encode(stdout); err != nil {
			return fail("%v", err)
		}
		return 0
	}

	if *volumeDir == "" {
		fs.Usage()
		return fail("boot volume directory required")
	}
	if st, err := os.Stat(*volumeDir); err != nil {
		return fail("%v", err)
	} else if !st.IsDir() {
		return fail("%s is not a directory", *volumeDir)
	}

	format, ok := pixelFormats[*pixelFormat]
	if !ok {
		return fail("unknown pixel format %q", *pixelFormat)
	}
	modeList, err := parseModes(*modes, format)
	if err != nil {
		return fail("%v", err)
	}

	opts := simfw.Options{
		MemorySize:     *memory << 20,
		DescriptorSize: *descSize,
		Volume:         os.DirFS(*volumeDir),
		Modes:          modeList,
		CurrentMode:    uint32(*mode),
		Headless:       *headless,
		Console:        stdout,
		Vendor:         "antboot simulated firmware",
		Logger:         log,
	}
	if *realtime {
		opts.Sleep = time.Sleep
	}

	m, err := simfw.New(opts)
	if err != nil {
		return fail("%v", err)
	}
	defer m.Close()

	// Wrap to the firmware console, which is narrower than most terminals.
	cols, _ := m.Console().Size()
	conOpts := console.Options{Color: cfg.Color == config.ColorAlways, Width: cols}
	if f, ok := stdout.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if cfg.Color == config.ColorAuto {
			conOpts.Color = true
		}
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width < cols {
			conOpts.Width = width
		}
	}

	l := &boot.Loader{
		Image:   m.ImageHandle(),
		System:  m.SystemTable(),
		Config:  cfg,
		Console: &conOpts,
		Logger:  log,
	}
	if cfg.Handoff == config.HandoffExit {
		l.Handoff = &boot.ExitBootServices{Logger: log}
	}

	res, runErr := l.Run()
	log.Debug("boot attempt finished", "stage", res.Stage, "error", runErr)

	if *dumpMap && runErr == nil {
		if err := dumpMemoryMap(stdout, res); err != nil {
			return fail("%v", err)
		}
	}
	if *screenshot != "" {
		if err := m.SaveScreenshot(*screenshot); err != nil {
			return fail("%v", err)
		}
	}

	status := l.Report(res, runErr)
	return int(status.Code())
}

func dumpMemoryMap(w io.Writer, res *boot.Result) error {
	mm, err := res.Map()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "memory map: %d descriptors, stride %d\n", mm.Len(), mm.Stride())
	for i, d := range mm.All() {
		fmt.Fprintf(w, "  %3d %v\n", i, d)
	}
	fmt.Fprintf(w, "e820:\n")
	for _, e := range mm.E820() {
		fmt.Fprintf(w, "  %#016x-%#016x type %d\n", e.Addr, e.Addr+e.Size, e.Type)
	}
	return nil
}
