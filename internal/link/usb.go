//go:build usb

package link

import (
	"context"
	"errors"
	"time"

	"github.com/google/gousb"
	"github.com/kstaniek/canline-gateway/internal/logging"
)

const (
	usbInEndpoint  = 0x81
	usbOutEndpoint = 0x01
	usbInterface   = 0
	usbPollEvery   = 10 * time.Millisecond
)

// USBLink is the Link implementation for adapters exposing bulk endpoints
// directly (no serial-over-USB CDC layer), backed by google/gousb, the
// standard Go libusb binding.
type USBLink struct {
	ctx          *gousb.Context
	dev          *gousb.Device
	cfg          *gousb.Config
	iface        *gousb.Interface
	in           *gousb.InEndpoint
	out          *gousb.OutEndpoint
	writeTimeout time.Duration
}

// OpenUSB opens the device by vendor/product identifiers, detaches the
// kernel driver if one is attached, and claims interface 0 with its bulk
// endpoints.
func OpenUSB(cfg USBConfig) (*USBLink, error) {
	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(cfg.VendorID), gousb.ID(cfg.ProductID))
	if err != nil {
		ctx.Close()
		return nil, newError("open", KindUnknown, err)
	}
	if dev == nil {
		ctx.Close()
		return nil, newError("open", KindNotFound, errors.New("no matching usb device"))
	}

	if err := dev.SetAutoDetach(true); err != nil {
		logging.L().Warn("link_usb_autodetach_unsupported", "error", err)
	}

	gcfg, err := dev.Config(1)
	if err != nil {
		_ = dev.Close()
		ctx.Close()
		return nil, newError("config", classifyUSBErr(err), err)
	}
	iface, err := gcfg.Interface(usbInterface, 0)
	if err != nil {
		_ = gcfg.Close()
		_ = dev.Close()
		ctx.Close()
		return nil, newError("claim_interface", classifyUSBErr(err), err)
	}
	in, err := iface.InEndpoint(usbInEndpoint)
	if err != nil {
		iface.Close()
		_ = gcfg.Close()
		_ = dev.Close()
		ctx.Close()
		return nil, newError("in_endpoint", classifyUSBErr(err), err)
	}
	out, err := iface.OutEndpoint(usbOutEndpoint)
	if err != nil {
		iface.Close()
		_ = gcfg.Close()
		_ = dev.Close()
		ctx.Close()
		return nil, newError("out_endpoint", classifyUSBErr(err), err)
	}

	return &USBLink{ctx: ctx, dev: dev, cfg: gcfg, iface: iface, in: in, out: out, writeTimeout: cfg.WriteTimeout}, nil
}

// Write implements Link, bounding the bulk transfer by writeTimeout so a
// stalled endpoint doesn't block the caller forever.
func (l *USBLink) Write(p []byte) error {
	if l.writeTimeout <= 0 {
		if _, err := l.out.Write(p); err != nil {
			return newError("write", classifyUSBErr(err), err)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
	defer cancel()
	if _, err := l.out.WriteContext(ctx, p); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return newError("write", KindTimeout, err)
		}
		return newError("write", classifyUSBErr(err), err)
	}
	return nil
}

// Read implements Link with a bounded poll: a fresh context timing out
// after usbPollEvery so the caller's event loop stays non-blocking.
func (l *USBLink) Read() ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), usbPollEvery)
	defer cancel()

	buf := make([]byte, 512)
	n, err := l.in.ReadContext(ctx, buf)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, newError("read", classifyUSBErr(err), err)
	}
	return buf[:n], nil
}

// Close implements Link, releasing the interface, config and device handle
// in reverse acquisition order.
func (l *USBLink) Close() error {
	l.iface.Close()
	_ = l.cfg.Close()
	err := l.dev.Close()
	l.ctx.Close()
	if err != nil {
		return newError("close", KindUnknown, err)
	}
	return nil
}

// DefaultUSBOpener opens the adapter described by usb and returns it as a
// Link; cmd/canline-gatewayd wraps it in a session.Opener that passes the
// session Config's USB field.
func DefaultUSBOpener(usb USBConfig) (Link, error) {
	return OpenUSB(usb)
}

func classifyUSBErr(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	switch {
	case errors.Is(err, gousb.ErrorAccess):
		return KindPermissionDenied
	case errors.Is(err, gousb.ErrorNoDevice):
		return KindResourceLost
	case errors.Is(err, gousb.ErrorTimeout):
		return KindTimeout
	case errors.Is(err, gousb.ErrorBusy):
		return KindBusy
	default:
		return KindUnknown
	}
}
