// Package probe wraps the CMSIS-DAP HID endpoint: opening/closing the USB
// device and a single transfer(out)->in primitive. It knows nothing about
// SWD, DP/AP addressing or CMSIS-DAP command encoding — that lives one
// layer up, in package dap.
package probe

import (
	"context"

	"github.com/cesanta/errors"
	"github.com/cesanta/hid"
	"github.com/golang/glog"
	"github.com/google/gousb"

	"github.com/reverse-bike/sdcfw/internal/coreerr"
)

// ReferenceVID/PID are the reference debug-probe identity from spec §6.
const (
	ReferenceVID = 0x303A
	ReferencePID = 0x1002
)

// Handle is an opened USB endpoint pair to a CMSIS-DAP device. It is
// exclusively owned by whichever DapSession opens it, and must be closed
// on every exit path, including failure and cancellation.
type Handle struct {
	d  hid.Device
	di *hid.DeviceInfo
}

// CountCandidates scans the USB bus for devices matching vid:pid without
// opening them, so callers can fail fast with DEVICE_NOT_FOUND before ever
// touching the HID layer. Grounded on the teacher's OpenUSBDevice bus scan.
func CountCandidates(vid, pid uint16) (int, error) {
	uctx := gousb.NewContext()
	defer uctx.Close()
	devs, err := uctx.OpenDevices(func(dd *gousb.DeviceDesc) bool {
		return dd.Vendor == gousb.ID(vid) && dd.Product == gousb.ID(pid)
	})
	for _, d := range devs {
		d.Close()
	}
	if err != nil && len(devs) == 0 {
		return 0, errors.Annotatef(err, "failed to enumerate USB devices")
	}
	return len(devs), nil
}

// Open opens the first CMSIS-DAP HID device matching vid:pid.
func Open(vid, pid uint16) (*Handle, error) {
	if n, err := CountCandidates(vid, pid); err == nil && n == 0 {
		return nil, coreerr.New(coreerr.DeviceNotFound, "no device matching %04x:%04x on the USB bus", vid, pid)
	}
	devs, err := hid.Devices()
	if err != nil {
		return nil, coreerr.Wrap(err, coreerr.DeviceNotFound, "failed to enumerate HID devices")
	}
	for _, di := range devs {
		glog.V(1).Infof("hid dev %04x:%04x %s", di.VendorID, di.ProductID, di.Path)
		if di.VendorID != vid || di.ProductID != pid {
			continue
		}
		d, err := di.Open()
		if err != nil {
			return nil, coreerr.Wrap(err, coreerr.ConnectionFailed, "failed to open %04x:%04x (%s)", di.VendorID, di.ProductID, di.Path)
		}
		glog.Infof("opened probe %04x:%04x (%s)", di.VendorID, di.ProductID, di.Path)
		return &Handle{d: d, di: di}, nil
	}
	return nil, coreerr.New(coreerr.DeviceNotFound, "no HID device matching %04x:%04x", vid, pid)
}

// Transfer sends one packet and waits for the matching response, or for
// ctx to be cancelled. At most one transfer may be outstanding per Handle;
// the owning session is responsible for serializing calls.
func (h *Handle) Transfer(ctx context.Context, out []byte) ([]byte, error) {
	if err := h.d.Write(out); err != nil {
		return nil, coreerr.Wrap(err, coreerr.TransferFailed, "device write failed")
	}
	select {
	case <-ctx.Done():
		return nil, coreerr.Wrap(ctx.Err(), coreerr.Timeout, "probe transfer")
	case resp, ok := <-h.d.ReadCh():
		if !ok {
			return nil, coreerr.Wrap(h.d.ReadError(), coreerr.TransferFailed, "device read failed")
		}
		return resp, nil
	}
}

// Close releases the USB endpoint. Safe to call more than once.
func (h *Handle) Close() error {
	if h.d != nil {
		h.d.Close()
		h.d = nil
	}
	return nil
}
