package firmware

import (
	"os"
	"path/filepath"

	"github.com/sandrift/astraboot/internal/applog"
	"github.com/sandrift/astraboot/internal/errs"
)

// Collection is a set of boot firmwares loaded from a directory tree:
// either one directory containing a single firmware, or a directory of
// per-firmware subdirectories.
type Collection struct {
	firmwares []*BootFirmware
}

// LoadCollection loads every firmware found under path.
func LoadCollection(path string) (*Collection, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errs.New(errs.Io, "firmware.LoadCollection", err)
	}

	c := &Collection{}
	if _, err := os.Stat(filepath.Join(path, manifestFileName)); err == nil {
		bf, err := Load(path)
		if err != nil {
			return nil, err
		}
		c.firmwares = append(c.firmwares, bf)
		return c, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, errs.New(errs.Io, "firmware.LoadCollection", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(path, e.Name())
		bf, err := Load(sub)
		if err != nil {
			// A malformed or manifest-less subdirectory is skipped,
			// not fatal to the whole collection.
			applog.Default.Warn("skipping firmware dir %s: %v", sub, err)
			continue
		}
		c.firmwares = append(c.firmwares, bf)
	}
	return c, nil
}

// LoadCollectionFromFirmwares builds a Collection directly from
// already-constructed firmwares, bypassing the filesystem scan. It
// exists for tests in other packages that need a Collection without a
// manifest directory on disk.
func LoadCollectionFromFirmwares(firmwares []*BootFirmware) *Collection {
	return &Collection{firmwares: firmwares}
}

// Firmwares returns every loaded firmware, in discovery order.
func (c *Collection) Firmwares() []*BootFirmware { return c.firmwares }

// ByID returns the firmware with the given id.
func (c *Collection) ByID(id string) (*BootFirmware, error) {
	for _, bf := range c.firmwares {
		if bf.ID == id {
			return bf, nil
		}
	}
	return nil, errs.New(errs.NotFound, "firmware.ByID", nil)
}

// ForChip returns every firmware matching chip, secureBoot, and
// memoryLayout, additionally filtered by board when board is non-empty.
func (c *Collection) ForChip(chip string, secureBoot SecureBootVersion, memoryLayout MemoryLayout, board string) []*BootFirmware {
	var out []*BootFirmware
	for _, bf := range c.firmwares {
		if bf.Chip != chip || bf.SecureBoot != secureBoot || bf.MemoryLayout != memoryLayout {
			continue
		}
		if board == "" || bf.Board == board {
			out = append(out, bf)
		}
	}
	return out
}

// SelectFirmware picks the best firmware among candidates: the first
// one with uEnv support wins outright; otherwise the last one with a
// USB console wins; otherwise the first candidate in list order.
func SelectFirmware(candidates []*BootFirmware) *BootFirmware {
	if len(candidates) == 0 {
		return nil
	}
	selected := candidates[0]
	for _, bf := range candidates {
		if bf.UEnvSupport {
			return bf
		}
		if bf.Console == ConsoleUSB {
			selected = bf
		}
	}
	return selected
}
