package flashimage

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/sandrift/astraboot/internal/applog"
	"github.com/sandrift/astraboot/internal/errs"
	"github.com/sandrift/astraboot/internal/image"
)

const emmcPartListName = "emmc_part_list"

// EmmcFlashImage is the FlashImage implementation targeting eMMC
// storage: every file whose name contains "emmc" or "subimg" is an
// image to send, and emmc_part_list names the final image that signals
// update completion.
type EmmcFlashImage struct {
	imagePath      string
	bootFirmwareID string
	chip           string
	board          string

	directoryName string
	flashCommand  string
	finalImage    string
	images        []*image.Image
}

// Load scans imagePath for eMMC image files and parses emmc_part_list.
func (e *EmmcFlashImage) Load() error {
	fi, err := os.Stat(e.imagePath)
	if err != nil {
		return errs.New(errs.Io, "EmmcFlashImage.Load", err)
	}
	if !fi.IsDir() {
		return errs.New(errs.Io, "EmmcFlashImage.Load", nil)
	}
	e.directoryName = filepath.Base(e.imagePath)

	entries, err := os.ReadDir(e.imagePath)
	if err != nil {
		return errs.New(errs.Io, "EmmcFlashImage.Load", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.Contains(name, "emmc") || strings.Contains(name, "subimg") {
			img := image.NewFromPath(filepath.Join(e.imagePath, name))
			if err := img.Load(); err != nil {
				return err
			}
			e.images = append(e.images, img)
			e.flashCommand = "l2emmc " + e.directoryName
		}
	}

	return e.parsePartList()
}

func (e *EmmcFlashImage) parsePartList() error {
	var partListPath string
	for _, img := range e.images {
		if img.Name() == emmcPartListName {
			partListPath = img.Path()
			break
		}
	}
	if partListPath == "" {
		applog.Default.Warn("no %s found under %s", emmcPartListName, e.imagePath)
		return nil
	}

	f, err := os.Open(partListPath)
	if err != nil {
		return errs.New(errs.Io, "EmmcFlashImage.parsePartList", err)
	}
	defer f.Close()

	var lastEntryName string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.SplitN(line, ",", 2)
		name := strings.TrimSpace(fields[0])
		if name != "" {
			lastEntryName = name
		}
	}
	if err := scanner.Err(); err != nil {
		return errs.New(errs.Io, "EmmcFlashImage.parsePartList", err)
	}

	e.finalImage = lastEntryName
	applog.Default.Debug("eMMC final image: %s", e.finalImage)
	return nil
}

func (e *EmmcFlashImage) Images() []*image.Image { return e.images }

func (e *EmmcFlashImage) FindImage(name string) (*image.Image, error) {
	for _, img := range e.images {
		if img.Name() == name {
			return img, nil
		}
	}
	return nil, errs.New(errs.NotFound, "EmmcFlashImage.FindImage", nil)
}

func (e *EmmcFlashImage) FlashCommand() string   { return e.flashCommand }
func (e *EmmcFlashImage) FinalImage() string     { return e.finalImage }
func (e *EmmcFlashImage) BootFirmwareID() string { return e.bootFirmwareID }
func (e *EmmcFlashImage) Chip() string           { return e.chip }
func (e *EmmcFlashImage) Board() string          { return e.board }
