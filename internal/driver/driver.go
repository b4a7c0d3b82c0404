package driver

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sandrift/astraboot/internal/applog"
	"github.com/sandrift/astraboot/internal/console"
	"github.com/sandrift/astraboot/internal/errs"
	"github.com/sandrift/astraboot/internal/firmware"
	"github.com/sandrift/astraboot/internal/flashimage"
	"github.com/sandrift/astraboot/internal/image"
	"github.com/sandrift/astraboot/internal/usb"
)

// sidecarImageTypeThreshold is the image-type byte above which a
// request also triggers a size echo into the 07_IMAGE sidecar after
// the image finishes sending.
const sidecarImageTypeThreshold = 0x79

// sizeEchoImageName and friends name the synthetic images constructed
// at boot time.
const (
	usbPathImageName  = "06_IMAGE"
	sizeEchoImageName = "07_IMAGE"
	uEnvImageName     = "uEnv.txt"
	consoleLogPrefix  = "console-"
)

// transport is the subset of *usb.Device the protocol state machine
// needs; accepting it as an interface lets tests exercise the state
// machine against a fake device.
type transport interface {
	Path() string
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	WriteInterruptData([]byte) error
	StartReceiveLoop(usb.EventCallback)
	Close() error
}

// Driver owns one opened device's image list and drives the image-pull
// protocol against it.
type Driver struct {
	dev     transport
	console *console.Console
	tempDir string

	imagesMu      sync.Mutex
	images        []*image.Image
	sizeEchoImage *image.Image

	sendMu sync.Mutex

	statusMu sync.Mutex
	status   State
	cb       StatusCallback

	fw               *firmware.BootFirmware
	bootFinalImage   string
	updateFinal      string
	updateConfigured bool
	bootDone         bool
	bootCommand      string

	completion chan struct{}
	closeOnce  sync.Once
}

// New returns a Driver for an already-opened device. tempDir, when
// non-empty, is the per-device directory the synthetic images and the
// console log are written into; an empty tempDir keeps everything
// in-memory, which is how tests exercise the driver without a
// filesystem.
func New(dev transport, tempDir string) (*Driver, error) {
	logPath := ""
	if tempDir != "" {
		logPath = filepath.Join(tempDir, consoleLogPrefix+sanitizeForFilename(dev.Path())+".log")
	}
	cons, err := console.New(logPath)
	if err != nil {
		return nil, err
	}

	d := &Driver{
		dev:        dev,
		console:    cons,
		tempDir:    tempDir,
		status:     StateOpened,
		completion: make(chan struct{}),
	}
	dev.StartReceiveLoop(d.handleEvent)
	return d, nil
}

func sanitizeForFilename(s string) string {
	return strings.ReplaceAll(s, "/", "_")
}

// SetStatusCallback registers cb to receive every state transition and
// progress tick. It must be called before Boot/Update.
func (d *Driver) SetStatusCallback(cb StatusCallback) {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	d.cb = cb
}

// Console returns the device's accumulated console text buffer.
func (d *Driver) Console() *console.Console { return d.console }

// Path returns the underlying device's bus-port identity string.
func (d *Driver) Path() string { return d.dev.Path() }

// GetDeviceStatus returns the driver's current state.
func (d *Driver) GetDeviceStatus() State {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	return d.status
}

func (d *Driver) setStatus(s State, img, msg string, sent, total int) {
	d.statusMu.Lock()
	d.status = s
	cb := d.cb
	d.statusMu.Unlock()

	if cb != nil {
		cb(Response{
			DevicePath: d.dev.Path(),
			Status:     s,
			Image:      img,
			Progress:   sent,
			Total:      total,
			Message:    msg,
		})
	}
}

// Boot loads firmware's images into the device's requestable image
// list, including the synthetic 06_IMAGE (the device's own USB path),
// the synthetic 07_IMAGE size-echo sidecar, and, when the firmware
// supports it, a uEnv.txt built from bootCommand. bootCommand is the
// eventual flash command in flash mode (already known to the manager
// before any device connects) or a caller-supplied override in
// boot-only mode; it may be empty.
func (d *Driver) Boot(fw *firmware.BootFirmware, bootCommand string) error {
	d.bootCommand = bootCommand
	d.fw = fw

	usbPathImage, err := d.writeSyntheticFile(usbPathImageName, []byte(d.dev.Path()))
	if err != nil {
		return err
	}
	sizeEchoImage, err := d.writeSyntheticFile(sizeEchoImageName, make([]byte, 4))
	if err != nil {
		return err
	}

	d.imagesMu.Lock()
	d.images = append([]*image.Image{}, fw.Images()...)
	d.images = append(d.images, usbPathImage, sizeEchoImage)
	d.sizeEchoImage = sizeEchoImage
	if fw.UEnvSupport {
		uenvImage, err := d.writeSyntheticFile(uEnvImageName, []byte(d.uEnvContent()))
		if err != nil {
			d.imagesMu.Unlock()
			return err
		}
		d.images = append(d.images, uenvImage)
	}
	d.imagesMu.Unlock()

	d.bootFinalImage = fw.FinalBootImage()
	d.setStatus(StateBootStart, "", "booting firmware "+fw.ID, 0, 0)
	return nil
}

// writeSyntheticFile persists data under the driver's temp dir as name
// and returns a loaded Image over it. With no temp dir configured (the
// unit-test path), it falls back to an in-memory synthetic image.
func (d *Driver) writeSyntheticFile(name string, data []byte) (*image.Image, error) {
	if d.tempDir == "" {
		return image.NewSynthetic(name, data), nil
	}
	path := filepath.Join(d.tempDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, errs.New(errs.Io, "driver.writeSyntheticFile", err)
	}
	img := image.NewFromPath(path)
	if err := img.Load(); err != nil {
		return nil, err
	}
	return img, nil
}

// Update queues a flash image's update images onto the device's
// requestable image list. The target keeps pulling boot images until
// BootComplete; only then does this driver begin reporting Update
// states, matching the device's own sequencing.
//
// When the firmware has no uEnv support and exposes its console over
// USB, the flash command can't be delivered as a pulled file, so this
// blocks for the bootloader's command prompt and writes the flash
// command directly over the interrupt-OUT endpoint.
func (d *Driver) Update(flash flashimage.FlashImage) error {
	d.imagesMu.Lock()
	d.images = append(d.images, flash.Images()...)
	d.imagesMu.Unlock()

	d.updateFinal = flash.FinalImage()
	d.updateConfigured = true

	if d.fw != nil && !d.fw.UEnvSupport && d.fw.Console == firmware.ConsoleUSB {
		if d.console.WaitForPrompt() {
			d.console.ResetPrompt()
			if err := d.dev.WriteInterruptData([]byte(flash.FlashCommand() + "\n")); err != nil {
				applog.Default.Warn("flash command write failed: %v", err)
			}
		}
	}
	return nil
}

// uEnvContent resolves the second Open Question: the bootcmd line
// chains into the flash command when one is available (flash mode),
// otherwise it just resets (boot-only mode).
func (d *Driver) uEnvContent() string {
	if d.bootCommand != "" {
		return "bootcmd=" + d.bootCommand + "; reset\n"
	}
	return "bootcmd=reset\n"
}

// WaitForCompletion blocks until the device reaches a terminal
// condition. For uEnv-supporting firmware that's the normal
// image-pull-driven state machine reaching a terminal state or the
// device going away. For firmware with a USB console and no uEnv
// support, completion instead means waiting for the bootloader's
// command prompt once more and sending the final reset.
func (d *Driver) WaitForCompletion() {
	if d.fw != nil && !d.fw.UEnvSupport && d.fw.Console == firmware.ConsoleUSB {
		if d.console.WaitForPrompt() {
			if err := d.dev.WriteInterruptData([]byte("reset\n")); err != nil {
				applog.Default.Warn("reset write failed: %v", err)
			}
		}
		d.signalCompletion()
		return
	}
	<-d.completion
}

func (d *Driver) signalCompletion() {
	d.closeOnce.Do(func() {
		close(d.completion)
	})
}

// Close stops the device's receive loop, shuts down the console (so
// any blocked WaitForPrompt caller returns), and releases resources. It
// is safe to call more than once.
func (d *Driver) Close() error {
	d.console.Shutdown()
	err := d.dev.Close()
	d.setStatus(StateClosed, "", "", 0, 0)
	d.signalCompletion()
	return err
}

func (d *Driver) handleEvent(ev usb.Event) {
	switch ev.Kind {
	case usb.EventInterrupt:
		d.handleInterrupt(ev.Data)
	case usb.EventNoDevice, usb.EventTransferCanceled:
		d.fail("device disconnected or transfer canceled")
	}
}

func (d *Driver) fail(msg string) {
	d.console.Shutdown()
	if d.bootDone {
		d.setStatus(StateUpdateFail, "", msg, 0, 0)
	} else {
		d.setStatus(StateBootFail, "", msg, 0, 0)
	}
	d.signalCompletion()
}

func (d *Driver) handleInterrupt(data []byte) {
	req, isRequest := parseInterruptMessage(data)
	if !isRequest {
		d.console.Append(string(data))
		return
	}

	img := d.findImage(req.name)
	if img == nil {
		applog.Default.Warn("device %s requested unknown image %q", d.dev.Path(), req.name)
		return
	}

	go d.sendImage(img, req.imageType)
}

func (d *Driver) findImage(name string) *image.Image {
	d.imagesMu.Lock()
	defer d.imagesMu.Unlock()
	for _, img := range d.images {
		if img.Name() == name {
			return img
		}
	}
	return nil
}

// sendImage streams img over bulk-OUT: an 8-byte header (4-byte
// little-endian size, 4 reserved zero bytes) followed by the payload in
// blocks of at most maxImageBlock bytes. When imageType exceeds
// sidecarImageTypeThreshold, the size just sent is echoed into the
// 07_IMAGE sidecar once the transfer completes.
func (d *Driver) sendImage(img *image.Image, imageType byte) {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	size := img.Size()
	header := make([]byte, imageHeaderSize)
	binary.LittleEndian.PutUint32(header[:4], size)

	if _, err := d.dev.Write(header); err != nil {
		d.fail("image header write failed: " + err.Error())
		return
	}

	d.progress(img.Name(), 0, int(size))

	buf := make([]byte, maxImageBlock)
	sent := 0
	for sent < int(size) {
		n, err := img.GetDataBlock(buf)
		if err != nil {
			d.fail("image read failed: " + err.Error())
			return
		}
		if n == 0 {
			break
		}
		if _, err := d.dev.Write(buf[:n]); err != nil {
			if errs.Is(err, errs.TransferCanceled) {
				return
			}
			d.fail("image write failed: " + err.Error())
			return
		}
		sent += n
		d.progress(img.Name(), sent, int(size))
	}

	if imageType > sidecarImageTypeThreshold {
		d.writeSizeEcho(size)
	}

	if !d.bootDone && d.bootFinalImage != "" && strings.Contains(img.Name(), d.bootFinalImage) {
		d.completeBoot()
		return
	}
	if d.bootDone && d.updateConfigured && strings.Contains(img.Name(), d.updateFinal) {
		d.completeUpdate()
	}
}

// writeSizeEcho records size as a 4-byte little-endian value in the
// 07_IMAGE sidecar, both on disk and in the in-memory image served to
// subsequent requests for that name.
func (d *Driver) writeSizeEcho(size uint32) {
	echo := make([]byte, 4)
	binary.LittleEndian.PutUint32(echo, size)

	if d.tempDir != "" {
		path := filepath.Join(d.tempDir, sizeEchoImageName)
		if err := os.WriteFile(path, echo, 0o644); err != nil {
			applog.Default.Warn("07_IMAGE sidecar write failed: %v", err)
		}
	}

	d.imagesMu.Lock()
	if d.sizeEchoImage != nil {
		d.sizeEchoImage.Reset(echo)
	}
	d.imagesMu.Unlock()
}

func (d *Driver) progress(name string, sent, total int) {
	if d.bootDone {
		d.setStatus(StateUpdateProgress, name, "", sent, total)
	} else {
		d.setStatus(StateBootProgress, name, "", sent, total)
	}
}

// completeBoot fires when the firmware's final boot image has been
// sent. If an update was configured, this also opens the update phase
// (emits UpdateStart) rather than signaling overall completion; in
// boot-only mode this is the terminal state.
func (d *Driver) completeBoot() {
	d.bootDone = true
	d.setStatus(StateBootComplete, "", "", 0, 0)

	if !d.updateConfigured {
		d.signalCompletion()
		return
	}
	d.setStatus(StateUpdateStart, "", "", 0, 0)
}

func (d *Driver) completeUpdate() {
	d.setStatus(StateUpdateComplete, "", "", 0, 0)
	d.signalCompletion()
}
