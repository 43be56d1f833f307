// Package volume opens the boot volume and the directories the loader reads
// from it.
package volume

import (
	"fmt"

	"github.com/tinyrange/antboot/internal/firmware"
)

// OpenBootVolume opens the root directory of the filesystem the image was
// loaded from. The caller owns the returned handle.
func OpenBootVolume(bs firmware.BootServices, image firmware.Handle) (firmware.File, error) {
	sfs, err := bs.ImageFileSystem(image)
	if err != nil {
		return nil, fmt.Errorf("locate boot filesystem: %w", err)
	}
	root, err := sfs.OpenVolume()
	if err != nil {
		return nil, fmt.Errorf("open boot volume: %w", err)
	}
	return root, nil
}

// OpenSubdirectory opens name below parent read-only and requires it to be a
// directory. A regular file yields firmware.ErrNotADirectory; the handle that
// was opened for it is closed first.
func OpenSubdirectory(parent firmware.File, name string) (firmware.File, error) {
	dir, err := parent.Open(name, firmware.FileModeRead, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	info, err := dir.Info()
	if err != nil {
		_ = dir.Close()
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}
	if !info.IsDir() {
		_ = dir.Close()
		return nil, fmt.Errorf("open %s: %w", name, firmware.ErrNotADirectory)
	}
	return dir, nil
}
