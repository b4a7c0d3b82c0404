// Package flashimage loads update image sets (the images written to a
// device during the update phase) from a manifest-described directory.
package flashimage

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sandrift/astraboot/internal/errs"
	"github.com/sandrift/astraboot/internal/image"
)

// Type identifies the storage medium a FlashImage targets.
type Type int

const (
	TypeEMMC Type = iota
	TypeSPI
	TypeNAND
)

func (t Type) String() string {
	switch t {
	case TypeEMMC:
		return "emmc"
	case TypeSPI:
		return "spi"
	case TypeNAND:
		return "nand"
	default:
		return "unknown"
	}
}

func parseType(s string) (Type, error) {
	switch s {
	case "emmc":
		return TypeEMMC, nil
	case "spi":
		return TypeSPI, nil
	case "nand":
		return TypeNAND, nil
	default:
		return 0, errs.New(errs.Manifest, "flashimage.parseType", nil)
	}
}

type manifestYAML struct {
	BootFirmware string `yaml:"boot_firmware"`
	Chip         string `yaml:"chip"`
	Board        string `yaml:"board"`
	ImageType    string `yaml:"image_type"`
}

// FlashImage is the set of images written to a device during the
// update phase, plus the command that instructs the target to flash
// them.
type FlashImage interface {
	Load() error
	Images() []*image.Image
	FindImage(name string) (*image.Image, error)
	FlashCommand() string
	FinalImage() string
	BootFirmwareID() string
	Chip() string
	Board() string
}

// New loads the manifest at imagePath/manifest.yaml (or manifestPath if
// non-empty) and returns the FlashImage implementation appropriate to
// its image_type. Only eMMC is implemented; spi and nand are recognized
// but return errs.NotFound, since no component in this repository's
// scope exercises them.
func New(imagePath, manifestPath string) (FlashImage, error) {
	if manifestPath == "" {
		manifestPath = imagePath + "/manifest.yaml"
	}
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, errs.New(errs.Manifest, "flashimage.New", err)
	}
	var m manifestYAML
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, errs.New(errs.Manifest, "flashimage.New", err)
	}
	typ, err := parseType(m.ImageType)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeEMMC:
		return &EmmcFlashImage{
			imagePath:      imagePath,
			bootFirmwareID: m.BootFirmware,
			chip:           m.Chip,
			board:          m.Board,
		}, nil
	default:
		return nil, errs.New(errs.NotFound, "flashimage.New", nil)
	}
}
