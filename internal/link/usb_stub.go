//go:build !usb

package link

import "errors"

// DefaultUSBOpener is a placeholder for builds compiled without the usb tag
// (avoiding the gousb/libusb cgo dependency by default).
func DefaultUSBOpener(usb USBConfig) (Link, error) {
	return nil, errors.New("link: usb transport not compiled in, build with -tags usb")
}
