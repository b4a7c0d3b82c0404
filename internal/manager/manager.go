package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sandrift/astraboot/internal/applog"
	"github.com/sandrift/astraboot/internal/driver"
	"github.com/sandrift/astraboot/internal/firmware"
	"github.com/sandrift/astraboot/internal/flashimage"
	"github.com/sandrift/astraboot/internal/usb"
)

// Config holds every Manager construction parameter. Flash mode is
// selected by setting FlashImagePath; leaving it empty runs in
// boot-only mode. A single struct with optional fields avoids a
// parallel constructor/type per mode.
type Config struct {
	BootFirmwarePath  string
	FlashImagePath    string
	FlashManifestPath string
	BoardName         string

	// BootCommand seeds uEnv.txt's bootcmd in boot-only mode. In flash
	// mode the flash image's own flash command is used instead.
	BootCommand string

	UpdateContinuously bool
	MinLogLevel        applog.Level
	LogPath            string
	TempDir            string
	USBDebug           bool
}

// Manager selects boot firmware, discovers devices over USB, and drives
// each one through boot and (in flash mode) update.
type Manager struct {
	cfg      Config
	callback ResponseCallback

	firmwares  *firmware.Collection
	selected   *firmware.BootFirmware
	flashImage flashimage.FlashImage

	transport *usb.Transport

	devicesMu sync.Mutex
	devices   []*driver.Driver
	wg        sync.WaitGroup

	tempDir           string
	removeTempOnClose bool

	failureMu       sync.Mutex
	failureReported bool

	logFile *os.File
}

// New constructs a Manager. Init must be called before devices can be
// discovered.
func New(cfg Config, callback ResponseCallback) *Manager {
	return &Manager{
		cfg:               cfg,
		callback:          callback,
		removeTempOnClose: true,
	}
}

// Init loads the boot firmware collection (and flash image, in flash
// mode), selects the firmware to serve, and starts USB device discovery.
func (m *Manager) Init() error {
	if err := m.initLogging(); err != nil {
		return err
	}

	firmwares, err := firmware.LoadCollection(m.cfg.BootFirmwarePath)
	if err != nil {
		m.emit(StatusFailure, fmt.Sprintf("failed to load boot firmware: %v", err))
		return err
	}
	m.firmwares = firmwares

	if m.cfg.FlashImagePath != "" {
		fi, err := flashimage.New(m.cfg.FlashImagePath, m.cfg.FlashManifestPath)
		if err != nil {
			m.emit(StatusFailure, fmt.Sprintf("failed to load flash image: %v", err))
			return err
		}
		if err := fi.Load(); err != nil {
			m.emit(StatusFailure, fmt.Sprintf("failed to load flash image: %v", err))
			return err
		}
		m.flashImage = fi
	}

	m.selected = m.selectFirmware()
	if m.selected == nil {
		err := fmt.Errorf("no boot firmware available under %s", m.cfg.BootFirmwarePath)
		m.emit(StatusFailure, err.Error())
		return err
	}
	m.emit(StatusInfo, fmt.Sprintf("selected boot firmware %s (chip=%s board=%s)",
		m.selected.ID, m.selected.Chip, m.selected.Board))

	m.transport = usb.NewTransport()
	if err := m.transport.Init(m.selected.VendorID, m.selected.ProductID, m.onDeviceAdded); err != nil {
		m.emit(StatusFailure, fmt.Sprintf("failed to start USB discovery: %v", err))
		return err
	}
	m.emit(StatusStart, fmt.Sprintf("Waiting for Astra Device (%04x:%04x)", m.selected.VendorID, m.selected.ProductID))
	return nil
}

// selectFirmware picks the loaded firmware whose id matches the flash
// image's boot_firmware field; otherwise it filters by chip/board (from
// the flash image in flash mode, or Config.BoardName in boot-only mode)
// and applies firmware.SelectFirmware's uEnv/USB-console preference.
// If neither yields a firmware, it returns the first loaded one.
func (m *Manager) selectFirmware() *firmware.BootFirmware {
	if m.flashImage != nil {
		if bf, err := m.firmwares.ByID(m.flashImage.BootFirmwareID()); err == nil {
			return bf
		}
		candidates := m.firmwares.ForChipAndBoard(m.flashImage.Chip(), m.flashImage.Board())
		if sel := firmware.SelectFirmware(candidates); sel != nil {
			return sel
		}
	} else if m.cfg.BoardName != "" {
		candidates := m.firmwares.ForChipAndBoard("", m.cfg.BoardName)
		if sel := firmware.SelectFirmware(candidates); sel != nil {
			return sel
		}
	}

	all := m.firmwares.Firmwares()
	if len(all) == 0 {
		return nil
	}
	return all[0]
}

func (m *Manager) initLogging() error {
	tempDir := m.cfg.TempDir
	if tempDir == "" {
		dir, err := os.MkdirTemp("", "astraboot-")
		if err != nil {
			return fmt.Errorf("failed to create temp dir: %w", err)
		}
		tempDir = dir
	}
	m.tempDir = tempDir

	logPath := m.cfg.LogPath
	if logPath == "" {
		logPath = filepath.Join(tempDir, "astraboot.log")
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}
	m.logFile = f
	applog.Default.SetOutput(f)
	applog.Default.SetMinLevel(m.cfg.MinLogLevel)
	return nil
}

// GetLogFile returns the path to the manager's log file.
func (m *Manager) GetLogFile() string {
	if m.logFile == nil {
		return ""
	}
	return m.logFile.Name()
}

func (m *Manager) onDeviceAdded(dev *usb.Device) {
	deviceTempDir, err := m.deviceTempDir(dev.Path())
	if err != nil {
		applog.Default.Warn("failed to create temp dir for device %s: %v", dev.Path(), err)
		return
	}

	d, err := driver.New(dev, deviceTempDir)
	if err != nil {
		applog.Default.Warn("failed to start driver for device %s: %v", dev.Path(), err)
		return
	}
	d.SetStatusCallback(m.wrapDeviceResponse)

	m.devicesMu.Lock()
	m.devices = append(m.devices, d)
	m.devicesMu.Unlock()

	m.wg.Add(1)
	go m.runDevice(d)
}

// deviceTempDir returns (creating if necessary) the per-device temp
// directory spec.md §4.7 requires: it holds the synthetic 06_IMAGE,
// 07_IMAGE, and uEnv.txt files plus the device's console log.
func (m *Manager) deviceTempDir(devicePath string) (string, error) {
	dir := filepath.Join(m.tempDir, strings.ReplaceAll(devicePath, "/", "_"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create device temp dir %s: %w", dir, err)
	}
	return dir, nil
}

func (m *Manager) runDevice(d *driver.Driver) {
	defer m.wg.Done()

	bootCommand := m.cfg.BootCommand
	if m.flashImage != nil {
		bootCommand = m.flashImage.FlashCommand()
	}

	if err := d.Boot(m.selected, bootCommand); err != nil {
		applog.Default.Warn("boot failed: %v", err)
		return
	}

	if m.flashImage != nil {
		if err := d.Update(m.flashImage); err != nil {
			applog.Default.Warn("update failed: %v", err)
			return
		}
	}

	d.WaitForCompletion()

	status := d.GetDeviceStatus()
	terminal := status == driver.StateUpdateComplete || status == driver.StateBootComplete
	if terminal && !m.cfg.UpdateContinuously {
		m.emit(StatusShutdown, fmt.Sprintf("device %s finished, shutting down", d.Path()))
	}

	d.Close()
}

// wrapDeviceResponse forwards r to the caller's callback, first marking
// the manager's failure/retention state if r is a terminal failure.
func (m *Manager) wrapDeviceResponse(r driver.Response) {
	if r.Status == driver.StateBootFail || r.Status == driver.StateUpdateFail {
		m.markFailure()
	}
	m.callback(deviceResponse(r))
}

func (m *Manager) emit(status Status, msg string) {
	if status == StatusFailure {
		m.markFailure()
	}
	m.callback(managerResponse(status, msg))
}

func (m *Manager) markFailure() {
	m.failureMu.Lock()
	defer m.failureMu.Unlock()
	m.removeTempOnClose = false
	m.failureReported = true
}

// Shutdown closes every open device, stops USB discovery, closes the
// log file, and removes the temp dir unless a failure was reported. It
// returns whether any failure occurred over the Manager's lifetime and
// is safe to call more than once.
func (m *Manager) Shutdown() bool {
	m.devicesMu.Lock()
	devices := m.devices
	m.devices = nil
	m.devicesMu.Unlock()

	for _, d := range devices {
		d.Close()
	}
	m.wg.Wait()

	if m.transport != nil {
		m.transport.Shutdown()
	}

	if m.logFile != nil {
		m.logFile.Close()
	}

	m.failureMu.Lock()
	remove := m.removeTempOnClose
	reported := m.failureReported
	m.failureMu.Unlock()

	if remove && m.tempDir != "" {
		os.RemoveAll(m.tempDir)
	}

	m.emit(StatusShutdown, "manager shutdown complete")
	return reported
}
