package manager

import (
	"sync"
	"testing"

	"github.com/sandrift/astraboot/internal/driver"
	"github.com/sandrift/astraboot/internal/firmware"
	"github.com/sandrift/astraboot/internal/image"
)

func TestSelectFirmwarePrefersExactIDFromFlashImage(t *testing.T) {
	a := &firmware.BootFirmware{ID: "a", Chip: "gen3chip", Board: "devboard"}
	b := &firmware.BootFirmware{ID: "b", Chip: "gen3chip", Board: "devboard"}
	col := newTestCollection(a, b)

	m := &Manager{firmwares: col, flashImage: &stubFlashImage{bootFirmwareID: "b", chip: "gen3chip"}}
	got := m.selectFirmware()
	if got == nil || got.ID != "b" {
		t.Fatalf("selectFirmware() = %v, want firmware b", got)
	}
}

func TestSelectFirmwareFallsBackToChipBoardFilter(t *testing.T) {
	a := &firmware.BootFirmware{ID: "a", Chip: "gen3chip", Board: "devboard", Console: firmware.ConsoleUSB}
	col := newTestCollection(a)

	m := &Manager{firmwares: col, flashImage: &stubFlashImage{bootFirmwareID: "missing", chip: "gen3chip", board: "devboard"}}
	got := m.selectFirmware()
	if got == nil || got.ID != "a" {
		t.Fatalf("selectFirmware() = %v, want firmware a", got)
	}
}

func TestSelectFirmwareFallsBackToFirstWhenNothingMatches(t *testing.T) {
	a := &firmware.BootFirmware{ID: "only"}
	col := newTestCollection(a)

	m := &Manager{firmwares: col}
	got := m.selectFirmware()
	if got == nil || got.ID != "only" {
		t.Fatalf("selectFirmware() = %v, want firmware only", got)
	}
}

func TestWrapDeviceResponseMarksFailureOnBootFail(t *testing.T) {
	var mu sync.Mutex
	var got []driver.Response
	m := &Manager{
		removeTempOnClose: true,
		callback: func(r Response) {
			mu.Lock()
			defer mu.Unlock()
			if r.IsDeviceResponse() {
				got = append(got, r.GetDeviceResponse())
			}
		},
	}

	m.wrapDeviceResponse(driver.Response{Status: driver.StateBootFail, Message: "no device"})

	if !m.failureReported {
		t.Error("expected failureReported to be set")
	}
	if m.removeTempOnClose {
		t.Error("expected removeTempOnClose to be cleared on failure")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected 1 forwarded device response, got %d", len(got))
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	var calls int
	m := &Manager{
		removeTempOnClose: true,
		callback:          func(Response) { calls++ },
	}

	first := m.Shutdown()
	second := m.Shutdown()
	if first != second {
		t.Errorf("Shutdown() not idempotent: %v vs %v", first, second)
	}
}

// newTestCollection builds a firmware.Collection from BootFirmware
// values without going through LoadCollection's filesystem scan.
func newTestCollection(firmwares ...*firmware.BootFirmware) *firmware.Collection {
	col := firmware.LoadCollectionFromFirmwares(firmwares)
	return col
}

type stubFlashImage struct {
	bootFirmwareID string
	chip           string
	board          string
}

func (s *stubFlashImage) Load() error                            { return nil }
func (s *stubFlashImage) Images() []*image.Image                 { return nil }
func (s *stubFlashImage) FindImage(string) (*image.Image, error) { return nil, nil }
func (s *stubFlashImage) FlashCommand() string                   { return "l2emmc dir" }
func (s *stubFlashImage) FinalImage() string                     { return "last_part" }
func (s *stubFlashImage) BootFirmwareID() string                 { return s.bootFirmwareID }
func (s *stubFlashImage) Chip() string                           { return s.chip }
func (s *stubFlashImage) Board() string                          { return s.board }
