// Package image checks that a loaded kernel is an ELF executable for the
// expected machine. It parses headers only; segments are listed, never
// loaded.
package image

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/antboot/internal/firmware"
)

// Expect names the image class the loader accepts. Zero fields select a
// 64-bit x86_64 image.
type Expect struct {
	Class   elf.Class
	Machine elf.Machine
}

func (e Expect) withDefaults() Expect {
	if e.Class == elf.ELFCLASSNONE {
		e.Class = elf.ELFCLASS64
	}
	if e.Machine == elf.EM_NONE {
		e.Machine = elf.EM_X86_64
	}
	return e
}

// FormatError describes the first header field that did not match.
type FormatError struct {
	Offset   int
	Field    string
	Expected string
	Found    string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("malformed executable at offset %#x: %s is %s, want %s", e.Offset, e.Field, e.Found, e.Expected)
}

// Status implements the status carrier used by firmware.StatusOf.
func (e *FormatError) Status() firmware.Status { return firmware.LoadError }

// Table locates a program or section header table.
type Table struct {
	Offset    uint64
	Count     uint16
	EntrySize uint16
}

// within reports whether the table lies in [start, size) without wrapping.
func (t Table) within(start, size uint64) bool {
	if t.Offset < start || t.Offset > size {
		return false
	}
	return uint64(t.Count)*uint64(t.EntrySize) <= size-t.Offset
}

func (t Table) String() string {
	return fmt.Sprintf("%d entries of %d bytes at %#x", t.Count, t.EntrySize, t.Offset)
}

// Descriptor is the parsed ELF file header.
type Descriptor struct {
	Class          elf.Class
	Data           elf.Data
	OSABI          elf.OSABI
	Type           elf.Type
	Machine        elf.Machine
	Entry          uint64
	Flags          uint32
	ProgramHeaders Table
	SectionHeaders Table
	SectionNames   uint16

	order binary.ByteOrder
}

// ByteOrder returns the byte order the image is encoded in.
func (d *Descriptor) ByteOrder() binary.ByteOrder { return d.order }

// header geometry for one ELF class.
type layout struct {
	ehsize, phentsize, shentsize uint16
	entry, phoff, shoff, flags   int
	sizes                        int
}

var layouts = map[elf.Class]layout{
	elf.ELFCLASS32: {ehsize: 52, phentsize: 32, shentsize: 40, entry: 24, phoff: 28, shoff: 32, flags: 36, sizes: 40},
	elf.ELFCLASS64: {ehsize: 64, phentsize: 56, shentsize: 64, entry: 24, phoff: 32, shoff: 40, flags: 48, sizes: 52},
}

func mismatch(off int, field string, want, found any) error {
	return &FormatError{Offset: off, Field: field, Expected: fmt.Sprint(want), Found: fmt.Sprint(found)}
}

// ParseHeader validates the ELF header at the start of buf.
func ParseHeader(buf []byte, want Expect) (*Descriptor, error) {
	want = want.withDefaults()

	if len(buf) < elf.EI_NIDENT {
		return nil, mismatch(0, "e_ident", fmt.Sprintf("%d bytes", elf.EI_NIDENT), fmt.Sprintf("%d bytes", len(buf)))
	}
	if !bytes.Equal(buf[:4], []byte(elf.ELFMAG)) {
		return nil, mismatch(0, "magic", fmt.Sprintf("%q", elf.ELFMAG), fmt.Sprintf("%q", buf[:4]))
	}

	d := &Descriptor{
		Class: elf.Class(buf[elf.EI_CLASS]),
		Data:  elf.Data(buf[elf.EI_DATA]),
		OSABI: elf.OSABI(buf[elf.EI_OSABI]),
	}
	if d.Class != want.Class {
		return nil, mismatch(elf.EI_CLASS, "EI_CLASS", want.Class, d.Class)
	}
	switch d.Data {
	case elf.ELFDATA2LSB:
		d.order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		d.order = binary.BigEndian
	default:
		return nil, mismatch(elf.EI_DATA, "EI_DATA", "ELFDATA2LSB or ELFDATA2MSB", d.Data)
	}
	if v := elf.Version(buf[elf.EI_VERSION]); v != elf.EV_CURRENT {
		return nil, mismatch(elf.EI_VERSION, "EI_VERSION", elf.EV_CURRENT, v)
	}

	l := layouts[d.Class]
	if len(buf) < int(l.ehsize) {
		return nil, mismatch(elf.EI_NIDENT, "header length", fmt.Sprintf("%d bytes", l.ehsize), fmt.Sprintf("%d bytes", len(buf)))
	}

	o := d.order
	d.Type = elf.Type(o.Uint16(buf[16:]))
	if d.Type != elf.ET_EXEC && d.Type != elf.ET_DYN {
		return nil, mismatch(16, "e_type", "ET_EXEC or ET_DYN", d.Type)
	}
	d.Machine = elf.Machine(o.Uint16(buf[18:]))
	if d.Machine != want.Machine {
		return nil, mismatch(18, "e_machine", want.Machine, d.Machine)
	}
	if v := elf.Version(o.Uint32(buf[20:])); v != elf.EV_CURRENT {
		return nil, mismatch(20, "e_version", elf.EV_CURRENT, v)
	}

	if d.Class == elf.ELFCLASS64 {
		d.Entry = o.Uint64(buf[l.entry:])
		d.ProgramHeaders.Offset = o.Uint64(buf[l.phoff:])
		d.SectionHeaders.Offset = o.Uint64(buf[l.shoff:])
	} else {
		d.Entry = uint64(o.Uint32(buf[l.entry:]))
		d.ProgramHeaders.Offset = uint64(o.Uint32(buf[l.phoff:]))
		d.SectionHeaders.Offset = uint64(o.Uint32(buf[l.shoff:]))
	}
	d.Flags = o.Uint32(buf[l.flags:])

	s := l.sizes
	if ehsize := o.Uint16(buf[s:]); ehsize != l.ehsize {
		return nil, mismatch(s, "e_ehsize", l.ehsize, ehsize)
	}
	d.ProgramHeaders.EntrySize = o.Uint16(buf[s+2:])
	d.ProgramHeaders.Count = o.Uint16(buf[s+4:])
	d.SectionHeaders.EntrySize = o.Uint16(buf[s+6:])
	d.SectionHeaders.Count = o.Uint16(buf[s+8:])
	d.SectionNames = o.Uint16(buf[s+10:])

	ph := d.ProgramHeaders
	if ph.Count == 0 {
		return nil, mismatch(s+4, "e_phnum", "at least one program header", 0)
	}
	if ph.EntrySize != l.phentsize {
		return nil, mismatch(s+2, "e_phentsize", l.phentsize, ph.EntrySize)
	}
	if !ph.within(uint64(l.ehsize), uint64(len(buf))) {
		return nil, mismatch(l.phoff, "e_phoff", fmt.Sprintf("table within %d bytes", len(buf)), ph)
	}

	if sh := d.SectionHeaders; sh.Count > 0 {
		if sh.EntrySize != l.shentsize {
			return nil, mismatch(s+6, "e_shentsize", l.shentsize, sh.EntrySize)
		}
		if !sh.within(uint64(l.ehsize), uint64(len(buf))) {
			return nil, mismatch(l.shoff, "e_shoff", fmt.Sprintf("table within %d bytes", len(buf)), sh)
		}
		if d.SectionNames != uint16(elf.SHN_UNDEF) && d.SectionNames >= sh.Count {
			return nil, mismatch(s+10, "e_shstrndx", fmt.Sprintf("below %d", sh.Count), d.SectionNames)
		}
	}

	return d, nil
}

// Segment is one PT_LOAD entry.
type Segment struct {
	Offset   uint64
	Vaddr    uint64
	Paddr    uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
	Flags    elf.ProgFlag
}

// Segments lists the loadable segments of the image in buf, which must be
// the buffer d was parsed from.
func (d *Descriptor) Segments(buf []byte) ([]Segment, error) {
	f, err := elf.NewFile(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("read program headers: %w: %w", err, firmware.LoadError)
	}
	defer f.Close()

	var segs []Segment
	for i, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		off := int(d.ProgramHeaders.Offset) + i*int(d.ProgramHeaders.EntrySize)
		if prog.Filesz > prog.Memsz {
			return nil, mismatch(off, fmt.Sprintf("segment %d p_filesz", i), fmt.Sprintf("at most p_memsz %#x", prog.Memsz), fmt.Sprintf("%#x", prog.Filesz))
		}
		if prog.Off+prog.Filesz > uint64(len(buf)) || prog.Off+prog.Filesz < prog.Off {
			return nil, mismatch(off, fmt.Sprintf("segment %d p_offset", i), fmt.Sprintf("data within %d bytes", len(buf)), fmt.Sprintf("[%#x, +%#x)", prog.Off, prog.Filesz))
		}
		segs = append(segs, Segment{
			Offset:   prog.Off,
			Vaddr:    prog.Vaddr,
			Paddr:    prog.Paddr,
			FileSize: prog.Filesz,
			MemSize:  prog.Memsz,
			Align:    prog.Align,
			Flags:    prog.Flags,
		})
	}
	if len(segs) == 0 {
		return nil, mismatch(int(d.ProgramHeaders.Offset), "program headers", "a PT_LOAD segment", "none")
	}
	return segs, nil
}
