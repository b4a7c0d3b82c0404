package usb

import (
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/sandrift/astraboot/internal/applog"
)

const pollInterval = time.Second

// AddedCallback is invoked once per newly discovered device.
type AddedCallback func(*Device)

// Transport discovers devices matching a vendor/product ID and hands
// each one to an AddedCallback. gousb does not expose libusb's native
// hotplug callback registration, so discovery always runs as a polling
// loop; HotplugAvailable reports that honestly rather than claiming a
// capability this transport doesn't have.
type Transport struct {
	ctx       *gousb.Context
	vendorID  gousb.ID
	productID gousb.ID
	onAdded   AddedCallback

	mu      sync.Mutex
	seen    map[string]bool
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewTransport creates a Transport. Init must be called to begin
// discovery.
func NewTransport() *Transport {
	return &Transport{seen: make(map[string]bool)}
}

// HotplugAvailable always reports false: gousb's public API has no
// hotplug registration, only synchronous device enumeration.
func (t *Transport) HotplugAvailable() bool { return false }

// Init starts the polling discovery loop for the given vendor/product
// ID, invoking onAdded for every device found that hasn't been seen
// before.
func (t *Transport) Init(vendorID, productID uint16, onAdded AddedCallback) error {
	t.ctx = gousb.NewContext()
	t.vendorID = gousb.ID(vendorID)
	t.productID = gousb.ID(productID)
	t.onAdded = onAdded
	t.stop = make(chan struct{})
	t.started = true

	t.wg.Add(1)
	go t.pollLoop()
	return nil
}

func (t *Transport) pollLoop() {
	defer t.wg.Done()
	t.scan()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.scan()
		}
	}
}

func (t *Transport) scan() {
	devices, err := t.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == t.vendorID && desc.Product == t.productID
	})
	if err != nil {
		applog.Default.Warn("usb device scan error: %v", err)
	}

	for _, dev := range devices {
		path := devicePath(dev)

		t.mu.Lock()
		already := t.seen[path]
		if !already {
			t.seen[path] = true
		}
		t.mu.Unlock()

		if already {
			dev.Close()
			continue
		}

		d, err := Open(t.ctx, dev)
		if err != nil {
			applog.Default.Warn("failed to open discovered device %s: %v", path, err)
			continue
		}
		t.onAdded(d)
	}
}

// Shutdown stops the discovery loop and releases the libusb context.
// It is safe to call more than once.
func (t *Transport) Shutdown() {
	if !t.started {
		return
	}
	t.started = false
	close(t.stop)
	t.wg.Wait()
	if t.ctx != nil {
		t.ctx.Close()
	}
}
