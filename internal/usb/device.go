// Package usb wraps github.com/google/gousb to provide the per-device
// transport: endpoint discovery, synchronous bulk transfers, an
// interrupt-IN receive loop, synchronous interrupt-OUT sends, and
// idempotent cancellation/close.
package usb

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gousb"

	"github.com/sandrift/astraboot/internal/applog"
	"github.com/sandrift/astraboot/internal/errs"
)

// EventKind classifies an asynchronous event delivered from a Device's
// receive loop.
type EventKind int

const (
	EventInterrupt EventKind = iota
	EventNoDevice
	EventTransferCanceled
)

// Event is delivered to a Device's callback for every interrupt-IN
// message received (or for loop-terminating conditions).
type Event struct {
	Kind EventKind
	Data []byte
}

// EventCallback receives Events from a Device's receive loop. It is
// invoked from the device's own goroutine and must not block for long.
type EventCallback func(Event)

// Device is one opened USB device: a claimed interface with one bulk
// pair and/or one interrupt pair of endpoints.
type Device struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	closeOnce sync.Once

	bulkIn  *gousb.InEndpoint
	bulkOut *gousb.OutEndpoint
	intIn   *gousb.InEndpoint
	intOut  *gousb.OutEndpoint

	bulkTransferTimeout time.Duration

	path string

	running   atomic.Bool
	loopDone  chan struct{}
	closeMu   sync.Mutex
	callback  EventCallback
}

// Open claims the device's first configuration/interface and classifies
// its endpoints by direction and transfer type. It does not start the
// interrupt-IN receive loop; StartReceiveLoop does that. gousb handles kernel-driver detach internally via SetAutoDetach.
func Open(ctx *gousb.Context, dev *gousb.Device) (*Device, error) {
	dev.SetAutoDetach(true)

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		return nil, errs.New(errs.Io, "usb.Open", err)
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		return nil, errs.New(errs.Io, "usb.Open", err)
	}

	d := &Device{
		ctx:                 ctx,
		dev:                 dev,
		cfg:                 cfg,
		intf:                intf,
		bulkTransferTimeout: 0,
		path:                devicePath(dev),
		loopDone:            make(chan struct{}),
	}

	for addr, ep := range intf.Setting.Endpoints {
		switch ep.TransferType {
		case gousb.TransferTypeBulk:
			if ep.Direction == gousb.EndpointDirectionIn {
				d.bulkIn, err = intf.InEndpoint(addr.Number())
			} else {
				d.bulkOut, err = intf.OutEndpoint(addr.Number())
			}
		case gousb.TransferTypeInterrupt:
			if ep.Direction == gousb.EndpointDirectionIn {
				d.intIn, err = intf.InEndpoint(addr.Number())
			} else {
				d.intOut, err = intf.OutEndpoint(addr.Number())
			}
		}
		if err != nil {
			intf.Close()
			cfg.Close()
			dev.Close()
			return nil, errs.New(errs.Io, "usb.Open", err)
		}
	}

	applog.Default.Info("usb device opened at %s", d.path)
	return d, nil
}

// devicePath builds the bus-port path string used as the device's
// stable identity, e.g. "2-1.4".
func devicePath(dev *gousb.Device) string {
	parts := make([]string, 0, len(dev.Desc.Path)+1)
	parts = append(parts, strconv.Itoa(dev.Desc.Bus))
	portPath := make([]string, len(dev.Desc.Path))
	for i, p := range dev.Desc.Path {
		portPath[i] = strconv.Itoa(p)
	}
	if len(portPath) == 0 {
		portPath = []string{strconv.Itoa(dev.Desc.Port)}
	}
	return parts[0] + "-" + strings.Join(portPath, ".")
}

// Path returns the device's bus-port identity string.
func (d *Device) Path() string { return d.path }

// StartReceiveLoop begins submitting interrupt-IN reads in a loop on a
// dedicated goroutine, delivering each message to cb. It is a no-op if
// the device has no interrupt-IN endpoint.
func (d *Device) StartReceiveLoop(cb EventCallback) {
	if d.intIn == nil {
		return
	}
	d.callback = cb
	d.running.Store(true)
	go d.receiveLoop()
}

func (d *Device) receiveLoop() {
	defer close(d.loopDone)
	buf := make([]byte, d.intIn.Desc.MaxPacketSize)
	for d.running.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		n, err := d.intIn.ReadContext(ctx, buf)
		cancel()
		if err != nil {
			if !d.running.Load() {
				d.callback(Event{Kind: EventTransferCanceled})
				return
			}
			// Timeouts are expected; keep polling. Any other error is
			// treated as the device having gone away.
			if ctxErrIsTimeout(err) {
				continue
			}
			d.callback(Event{Kind: EventNoDevice})
			return
		}
		msg := make([]byte, n)
		copy(msg, buf[:n])
		d.callback(Event{Kind: EventInterrupt, Data: msg})
	}
}

func ctxErrIsTimeout(err error) bool {
	return strings.Contains(err.Error(), "deadline exceeded") ||
		strings.Contains(err.Error(), "timeout")
}

// Read performs a synchronous bulk-IN transfer into data, returning the
// number of bytes read.
func (d *Device) Read(data []byte) (int, error) {
	if d.bulkIn == nil {
		return 0, errs.New(errs.Io, "usb.Device.Read", fmt.Errorf("no bulk IN endpoint"))
	}
	timeout := d.bulkTransferTimeout
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := d.bulkIn.ReadContext(ctx, data)
	if err != nil {
		return n, errs.New(errs.Io, "usb.Device.Read", err)
	}
	return n, nil
}

// Write performs a synchronous bulk-OUT transfer of data.
func (d *Device) Write(data []byte) (int, error) {
	if d.bulkOut == nil {
		return 0, errs.New(errs.Io, "usb.Device.Write", fmt.Errorf("no bulk OUT endpoint"))
	}
	n, err := d.bulkOut.Write(data)
	if err != nil {
		return n, errs.New(errs.Io, "usb.Device.Write", err)
	}
	return n, nil
}

// SetBulkTransferTimeout overrides the default (effectively unbounded)
// bulk-IN read timeout used by Read.
func (d *Device) SetBulkTransferTimeout(t time.Duration) {
	d.bulkTransferTimeout = t
}

// WriteInterruptData performs an interrupt-OUT transfer of data. It
// blocks until the transfer completes and returns its error; it does
// not queue the transfer asynchronously.
func (d *Device) WriteInterruptData(data []byte) error {
	if d.intOut == nil {
		return errs.New(errs.Io, "usb.Device.WriteInterruptData", fmt.Errorf("no interrupt OUT endpoint"))
	}
	if _, err := d.intOut.Write(data); err != nil {
		return errs.New(errs.Io, "usb.Device.WriteInterruptData", err)
	}
	return nil
}

// Close stops the receive loop, releases the interface/config/device,
// and is safe to call more than once.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.closeMu.Lock()
		defer d.closeMu.Unlock()

		wasRunning := d.running.CompareAndSwap(true, false)
		if wasRunning {
			<-d.loopDone
		}
		if d.intf != nil {
			d.intf.Close()
		}
		if d.cfg != nil {
			d.cfg.Close()
		}
		if d.dev != nil {
			err = d.dev.Close()
		}
		applog.Default.Info("usb device %s closed", d.path)
	})
	return err
}
