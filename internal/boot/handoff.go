package boot

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/antboot/internal/bootinfo"
	"github.com/tinyrange/antboot/internal/firmware"
	"github.com/tinyrange/antboot/internal/image"
	"github.com/tinyrange/antboot/internal/loader"
)

// HandoffState is what the pipeline passes to the next stage. Ownership of
// the kernel buffer and the builder's memory moves with it.
type HandoffState struct {
	Image      firmware.Handle
	Kernel     *loader.Buffer
	Descriptor *image.Descriptor
	Segments   []image.Segment
	BootInfo   *bootinfo.BootInfo
	Builder    *bootinfo.Builder

	// Record is where the encoded BootInfo was placed, if it was.
	Record firmware.Region
	// MapKey is the key boot services were exited with.
	MapKey uint64
	// Exited is set once boot services are gone; nothing may call them
	// afterwards.
	Exited bool
}

// Handoff transfers control to the loaded kernel.
type Handoff interface {
	Handoff(bs firmware.BootServices, st *HandoffState) error
}

// HandoffFunc adapts a function to Handoff.
type HandoffFunc func(bs firmware.BootServices, st *HandoffState) error

func (f HandoffFunc) Handoff(bs firmware.BootServices, st *HandoffState) error { return f(bs, st) }

// ExitBootServices places the boot info record, takes a final memory map
// snapshot and leaves boot services. Transfer, when set, runs afterwards
// and stands in for the jump to the kernel entry point.
type ExitBootServices struct {
	Transfer func(st *HandoffState) error
	Logger   *slog.Logger
}

func (h *ExitBootServices) Handoff(bs firmware.BootServices, st *HandoffState) error {
	log := h.Logger
	if log == nil {
		log = slog.Default()
	}

	rec, err := st.Builder.Place()
	if err != nil {
		return fmt.Errorf("place boot info: %w", err)
	}
	st.Record = rec

	// The map can change between the snapshot and the exit call; firmware
	// then rejects the key and the snapshot is retaken once.
	for attempt := 0; ; attempt++ {
		key, err := st.Builder.RefreshMemoryMap()
		if err != nil {
			return fmt.Errorf("refresh memory map: %w", err)
		}
		err = bs.ExitBootServices(st.Image, key)
		if err == nil {
			st.MapKey = key
			break
		}
		if attempt == 0 && errors.Is(err, firmware.InvalidParameter) {
			log.Debug("memory map changed before exit, retrying", "mapKey", key)
			continue
		}
		return fmt.Errorf("exit boot services: %w", err)
	}
	st.Exited = true
	log.Debug("exited boot services", "mapKey", st.MapKey, "record", st.Record, "entry", fmt.Sprintf("%#x", st.Descriptor.Entry))

	if h.Transfer != nil {
		return h.Transfer(st)
	}
	return nil
}
