package boot

import (
	"fmt"

	"github.com/tinyrange/antboot/internal/firmware"
)

// Stage is a state of the boot pipeline. Stages are entered strictly in
// order; each one is reached only when the step leading to it succeeds.
type Stage int

const (
	Init Stage = iota
	VolumeOpened
	SystemDirOpened
	DriversDirOpened
	KernelLoaded
	BootInfoBuilt
	KernelValidated
	HandedOff
)

var stageNames = [...]string{
	Init:             "Init",
	VolumeOpened:     "VolumeOpened",
	SystemDirOpened:  "SystemDirOpened",
	DriversDirOpened: "DriversDirOpened",
	KernelLoaded:     "KernelLoaded",
	BootInfoBuilt:    "BootInfoBuilt",
	KernelValidated:  "KernelValidated",
	HandedOff:        "HandedOff",
}

func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// StageError is returned by Run when the step into Stage fails.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%v: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Status returns the firmware status the failure maps to.
func (e *StageError) Status() firmware.Status { return firmware.StatusOf(e.Err) }
