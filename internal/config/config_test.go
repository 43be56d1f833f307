package config

import (
	"bytes"
	"debug/elf"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	c := Default()
	if c.SystemDir != "System" || c.DriversDir != "Drivers" || c.Kernel != "AntKrnl.exe" {
		t.Fatalf("layout = %q %q %q", c.SystemDir, c.DriversDir, c.Kernel)
	}
	if *c.KernelSlackPages != 1 || c.MemoryMapSlack != 4096 {
		t.Fatalf("slack = %d pages, %d bytes", *c.KernelSlackPages, c.MemoryMapSlack)
	}
	if c.FailureStall.Duration() != 10*time.Second || c.SuccessStall != 0 {
		t.Fatalf("stalls = %v, %v", c.FailureStall.Duration(), c.SuccessStall.Duration())
	}
	if c.ELFMachine() != elf.EM_X86_64 || c.ELFClass() != elf.ELFCLASS64 {
		t.Fatalf("expect %v %v", c.ELFMachine(), c.ELFClass())
	}
	if c.KernelPath() != `System\AntKrnl.exe` {
		t.Fatalf("KernelPath = %q", c.KernelPath())
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParse(t *testing.T) {
	c, err := Parse([]byte(`
version: 2
systemDir: Boot
kernel: kernel.elf
kernelSlackPages: 0
memoryMapSlack: 8192
failureStall: 3s
successStall: 500ms
machine: aarch64
progress: true
color: never
graphics:
  mode: 2
handoff: exit
minimumLoader: v1.0.0
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Version != 2 || c.SystemDir != "Boot" || c.Kernel != "kernel.elf" || c.DriversDir != "Drivers" {
		t.Fatalf("Config = %+v", c)
	}
	if *c.KernelSlackPages != 0 {
		t.Fatalf("KernelSlackPages = %d, want explicit 0", *c.KernelSlackPages)
	}
	if c.FailureStall.Duration() != 3*time.Second || c.SuccessStall.Duration() != 500*time.Millisecond {
		t.Fatalf("stalls = %v, %v", c.FailureStall.Duration(), c.SuccessStall.Duration())
	}
	if c.ELFMachine() != elf.EM_AARCH64 || c.Graphics.Mode == nil || *c.Graphics.Mode != 2 {
		t.Fatalf("Config = %+v", c)
	}
	if c.Handoff != HandoffExit || c.Color != ColorNever || !c.Progress {
		t.Fatalf("Config = %+v", c)
	}
}

func TestParseEmpty(t *testing.T) {
	c, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil): %v", err)
	}
	if c.Kernel != DefaultKernel {
		t.Fatalf("Kernel = %q", c.Kernel)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown field", "kernal: x\n", "kernal"},
		{"bad duration", "failureStall: soon\n", "invalid duration"},
		{"negative stall", "failureStall: -1s\n", "negative"},
		{"path kernel", "kernel: a\\b\n", "single path element"},
		{"machine", "machine: vax\n", "unknown machine"},
		{"class", "class: 16\n", "class"},
		{"color", "color: sometimes\n", "color"},
		{"handoff", "handoff: jump\n", "handoff"},
		{"semver", "minimumLoader: latest\n", "semantic version"},
		{"too new", "minimumLoader: v9.0.0\n", "requires loader v9.0.0"},
		{"version overflow", "version: 300\n", "parse config"},
		{"kernel slack", "kernelSlackPages: 18446744073709551614\n", "kernelSlackPages"},
		{"map slack", "memoryMapSlack: 1073741824\n", "memoryMapSlack"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if err == nil {
				t.Fatalf("Parse(%q) succeeded", tt.doc)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadAndEncode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "antboot.yaml")
	if err := os.WriteFile(path, []byte("kernel: vmlinux\nfailureStall: 2s\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var out bytes.Buffer
	if err := c.Encode(&out); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(out.String(), "failureStall: 2s") {
		t.Fatalf("encoded config = %q", out.String())
	}
	back, err := Parse(out.Bytes())
	if err != nil {
		t.Fatalf("Parse(encoded): %v", err)
	}
	if back.Kernel != "vmlinux" || back.FailureStall != c.FailureStall {
		t.Fatalf("round trip = %+v", back)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("Load(missing) succeeded")
	}
}
