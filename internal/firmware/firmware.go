// Package firmware loads boot firmware manifests and selects the
// firmware to use for a given device.
package firmware

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/sandrift/astraboot/internal/applog"
	"github.com/sandrift/astraboot/internal/errs"
	"github.com/sandrift/astraboot/internal/image"
)

const (
	finalImageGen2       = "minildr.img"
	finalImageUEnv       = "uEnv.txt"
	finalImageGen3USB    = "gen3_uboot.bin.usb"
	manifestFileName     = "manifest.yaml"
)

// BootFirmware is one directory's worth of boot images plus the
// manifest describing which devices it targets.
type BootFirmware struct {
	ID           string
	Chip         string
	Board        string
	Console      Console
	UEnvSupport  bool
	VendorID     uint16
	ProductID    uint16
	SecureBoot   SecureBootVersion
	MemoryLayout MemoryLayout

	path   string
	images []*image.Image
}

// Load reads manifest.yaml from dir and every other file in dir as an
// Image.
func Load(dir string) (*BootFirmware, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.New(errs.Io, "firmware.Load", err)
	}

	bf := &BootFirmware{path: dir}
	var manifestFound bool
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if e.Name() == manifestFileName {
			if err := bf.loadManifest(filepath.Join(dir, e.Name())); err != nil {
				return nil, err
			}
			manifestFound = true
			continue
		}
		img := image.NewFromPath(filepath.Join(dir, e.Name()))
		if err := img.Load(); err != nil {
			return nil, err
		}
		bf.images = append(bf.images, img)
	}
	if !manifestFound {
		return nil, errs.New(errs.Manifest, "firmware.Load", nil)
	}
	applog.Default.Debug("loaded boot firmware %s (chip=%s board=%s)", bf.ID, bf.Chip, bf.Board)
	return bf, nil
}

func (bf *BootFirmware) loadManifest(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errs.New(errs.Manifest, "firmware.loadManifest", err)
	}
	var m manifestYAML
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return errs.New(errs.Manifest, "firmware.loadManifest", err)
	}

	layout, err := parseMemoryLayout(m.MemoryLayout)
	if err != nil {
		return errs.New(errs.Manifest, "firmware.loadManifest", err)
	}
	vendorID, err := parseHexID(m.VendorID)
	if err != nil {
		return errs.New(errs.Manifest, "firmware.loadManifest", err)
	}
	productID, err := parseHexID(m.ProductID)
	if err != nil {
		return errs.New(errs.Manifest, "firmware.loadManifest", err)
	}

	bf.ID = m.ID
	bf.Chip = m.Chip
	bf.Board = m.Board
	bf.Console = parseConsole(m.Console)
	bf.UEnvSupport = m.UEnvSupport
	bf.VendorID = vendorID
	bf.ProductID = productID
	bf.SecureBoot = parseSecureBoot(m.SecureBoot)
	bf.MemoryLayout = layout
	return nil
}

// Images returns every non-manifest image found in the firmware
// directory.
func (bf *BootFirmware) Images() []*image.Image { return bf.images }

// FindImage returns the image with the given name, or an error of kind
// errs.NotFound.
func (bf *BootFirmware) FindImage(name string) (*image.Image, error) {
	for _, img := range bf.images {
		if img.Name() == name {
			return img, nil
		}
	}
	return nil, errs.New(errs.NotFound, "firmware.FindImage", nil)
}

// FinalBootImage returns the name of the image whose successful send
// completes the boot phase, per the firmware's secure boot version and
// uEnv support.
func (bf *BootFirmware) FinalBootImage() string {
	switch bf.SecureBoot {
	case SecureBootV2:
		return finalImageGen2
	default:
		if bf.UEnvSupport {
			return finalImageUEnv
		}
		return finalImageGen3USB
	}
}
