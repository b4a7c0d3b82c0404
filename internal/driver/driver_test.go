package driver

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sandrift/astraboot/internal/firmware"
	"github.com/sandrift/astraboot/internal/flashimage"
	"github.com/sandrift/astraboot/internal/image"
	"github.com/sandrift/astraboot/internal/usb"
)

// fakeTransport is an in-memory stand-in for *usb.Device: it records
// every bulk-OUT write and lets the test inject interrupt events.
type fakeTransport struct {
	mu      sync.Mutex
	writes  [][]byte
	cb      usb.EventCallback
	closed  bool
	intrOut [][]byte
}

func (f *fakeTransport) Path() string { return "1-1" }

func (f *fakeTransport) Read([]byte) (int, error) { return 0, nil }

func (f *fakeTransport) Write(data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte{}, data...)
	f.writes = append(f.writes, cp)
	return len(data), nil
}

func (f *fakeTransport) WriteInterruptData(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intrOut = append(f.intrOut, append([]byte{}, data...))
	return nil
}

func (f *fakeTransport) StartReceiveLoop(cb usb.EventCallback) {
	f.cb = cb
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func (f *fakeTransport) deliver(data []byte) {
	f.cb(usb.Event{Kind: usb.EventInterrupt, Data: data})
}

func imageRequestBytes(imgType byte, name string) []byte {
	b := append([]byte(imageRequestMarker), imgType)
	b = append(b, []byte(name)...)
	b = append(b, 0)
	return b
}

func testFirmware(t *testing.T, uenv bool) *firmware.BootFirmware {
	t.Helper()
	return &firmware.BootFirmware{
		ID:          "gen3-usb",
		SecureBoot:  firmware.SecureBootV3,
		UEnvSupport: uenv,
		Console:     firmware.ConsoleUART,
	}
}

func newTestDriver(t *testing.T, ft *fakeTransport, tempDir string) *Driver {
	t.Helper()
	d, err := New(ft, tempDir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestImageSendWritesFramedHeader(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDriver(t, ft, "")

	var mu sync.Mutex
	var responses []Response
	d.SetStatusCallback(func(r Response) {
		mu.Lock()
		responses = append(responses, r)
		mu.Unlock()
	})

	bf := testFirmware(t, false)
	if err := d.Boot(bf, ""); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	// request the synthetic 06_IMAGE, which always exists regardless of
	// the firmware's own image list.
	ft.deliver(imageRequestBytes(0x01, "06_IMAGE"))

	// Boot's own BootStart is the first response; the send's first
	// progress response follows the header write.
	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(responses)
		mu.Unlock()
		if n > 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a response")
		case <-time.After(time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ft.writes) == 0 {
		t.Fatal("expected at least one bulk write for the requested image")
	}
	header := ft.writes[0]
	if len(header) != imageHeaderSize {
		t.Fatalf("header length = %d, want %d", len(header), imageHeaderSize)
	}
	size := binary.LittleEndian.Uint32(header[:4])
	if size != uint32(len("1-1")) {
		t.Errorf("header size = %d, want %d", size, len("1-1"))
	}
	for _, b := range header[4:] {
		if b != 0 {
			t.Errorf("reserved header bytes not zero: %v", header[4:])
			break
		}
	}
}

func TestUnknownImageRequestIsIgnored(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDriver(t, ft, "")
	if err := d.Boot(testFirmware(t, false), ""); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	ft.deliver(imageRequestBytes(0x01, "does_not_exist"))
	time.Sleep(10 * time.Millisecond)

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.writes) != 0 {
		t.Errorf("expected no writes for an unknown image, got %d", len(ft.writes))
	}
}

func TestConsoleTextIsBuffered(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDriver(t, ft, "")
	ft.deliver([]byte("U-Boot 2021.01 (Jan 01 2026)\n=> "))

	if got := d.Console().Get(); got == "" {
		t.Error("expected console text to be buffered")
	}
}

// waitForWrites polls until the fake transport has recorded at least n
// bulk writes, or fails the test after a second.
func waitForWrites(t *testing.T, ft *fakeTransport, n int) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		ft.mu.Lock()
		got := len(ft.writes)
		ft.mu.Unlock()
		if got >= n {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d writes, got %d", n, got)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestSidecarSizeEchoAboveThresholdWritesSidecarFile(t *testing.T) {
	tempDir := t.TempDir()
	ft := &fakeTransport{}
	d := newTestDriver(t, ft, tempDir)
	if err := d.Boot(testFirmware(t, false), ""); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	ft.deliver(imageRequestBytes(0x80, "06_IMAGE"))
	waitForWrites(t, ft, 1)

	// the size echo is written to disk, not over interrupt-OUT.
	ft.mu.Lock()
	intrOutCount := len(ft.intrOut)
	ft.mu.Unlock()
	if intrOutCount != 0 {
		t.Errorf("expected no interrupt-OUT writes for the size echo, got %d", intrOutCount)
	}

	// Boot already wrote a zero-filled 07_IMAGE, so wait for the echoed
	// size rather than for the file to exist.
	wantSize := uint32(len("1-1"))
	deadline := time.After(time.Second)
	var data []byte
	var err error
	for {
		data, err = os.ReadFile(filepath.Join(tempDir, "07_IMAGE"))
		if err == nil && len(data) == 4 && binary.LittleEndian.Uint32(data) == wantSize {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("07_IMAGE sidecar not written in time: %v", err)
		case <-time.After(time.Millisecond):
		}
	}

	if got := binary.LittleEndian.Uint32(data); got != wantSize {
		t.Errorf("07_IMAGE sidecar = %d, want %d", got, wantSize)
	}

	// a subsequent 07_IMAGE request must now serve the updated size. The
	// 06_IMAGE send made two writes (header, payload), so the 07_IMAGE
	// header is the third.
	ft.deliver(imageRequestBytes(0x01, "07_IMAGE"))
	waitForWrites(t, ft, 3)

	ft.mu.Lock()
	defer ft.mu.Unlock()
	header := ft.writes[2]
	if got := binary.LittleEndian.Uint32(header[:4]); got != 4 {
		t.Errorf("07_IMAGE image size = %d, want 4", got)
	}
}

type fakeFlashImage struct {
	flashCommand string
	finalImage   string
}

func (f *fakeFlashImage) Load() error                            { return nil }
func (f *fakeFlashImage) Images() []*image.Image                 { return nil }
func (f *fakeFlashImage) FindImage(string) (*image.Image, error) { return nil, nil }
func (f *fakeFlashImage) FlashCommand() string                   { return f.flashCommand }
func (f *fakeFlashImage) FinalImage() string                     { return f.finalImage }
func (f *fakeFlashImage) BootFirmwareID() string                 { return "" }
func (f *fakeFlashImage) Chip() string                           { return "" }
func (f *fakeFlashImage) Board() string                          { return "" }

var _ flashimage.FlashImage = (*fakeFlashImage)(nil)

// TestUpdateNonUEnvUSBConsoleSendsFlashCommand exercises the firmware
// shape with no uEnv support and a USB console: Update must block for
// the bootloader prompt and then write the flash command over
// interrupt-OUT, and WaitForCompletion must wait for a second prompt
// before sending the final reset.
func TestUpdateNonUEnvUSBConsoleSendsFlashCommand(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDriver(t, ft, "")

	bf := &firmware.BootFirmware{ID: "gen2", SecureBoot: firmware.SecureBootV2, UEnvSupport: false, Console: firmware.ConsoleUSB}
	if err := d.Boot(bf, ""); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	done := make(chan struct{})
	go func() {
		if err := d.Update(&fakeFlashImage{flashCommand: "l2emmc rootfs", finalImage: "last_part"}); err != nil {
			t.Errorf("Update: %v", err)
		}
		close(done)
	}()

	// Update must block until a prompt arrives.
	select {
	case <-done:
		t.Fatal("Update returned before a prompt was seen")
	case <-time.After(50 * time.Millisecond):
	}

	ft.deliver([]byte("U-Boot 2021.01\n=> "))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Update did not return after a prompt was delivered")
	}

	ft.mu.Lock()
	if len(ft.intrOut) != 1 || string(ft.intrOut[0]) != "l2emmc rootfs\n" {
		t.Errorf("flash command write = %q, want %q", ft.intrOut, "l2emmc rootfs\n")
	}
	ft.mu.Unlock()

	waitDone := make(chan struct{})
	go func() {
		d.WaitForCompletion()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		t.Fatal("WaitForCompletion returned before the second prompt")
	case <-time.After(50 * time.Millisecond):
	}

	ft.deliver([]byte("done\n=> "))
	select {
	case <-waitDone:
	case <-time.After(time.Second):
		t.Fatal("WaitForCompletion did not return after the second prompt")
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.intrOut) != 2 || string(ft.intrOut[1]) != "reset\n" {
		t.Errorf("final write = %q, want %q", ft.intrOut, "reset\n")
	}
}

// TestCloseUnblocksPendingPromptWait ensures a device going away while
// Update is blocked on a prompt doesn't hang the caller forever.
func TestCloseUnblocksPendingPromptWait(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDriver(t, ft, "")
	bf := &firmware.BootFirmware{ID: "gen2", SecureBoot: firmware.SecureBootV2, UEnvSupport: false, Console: firmware.ConsoleUSB}
	if err := d.Boot(bf, ""); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	done := make(chan struct{})
	go func() {
		d.Update(&fakeFlashImage{flashCommand: "l2emmc rootfs", finalImage: "last_part"})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Update returned before Close")
	case <-time.After(50 * time.Millisecond):
	}

	d.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Update did not return after Close")
	}
}
