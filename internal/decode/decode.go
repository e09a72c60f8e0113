// Package decode turns the raw FICR/UICR words nrf52 reads into the
// human-readable strings the read_info command prints.
package decode

import (
	"fmt"

	"github.com/reverse-bike/sdcfw/internal/nrf52"
)

// Variant renders DeviceInfo.Variant as four ASCII bytes, MSB first,
// with trailing NUL bytes stripped.
func Variant(info nrf52.DeviceInfo) string {
	b := []byte{
		byte(info.Variant >> 24),
		byte(info.Variant >> 16),
		byte(info.Variant >> 8),
		byte(info.Variant),
	}
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}
	return string(b[:n])
}

// packageNames maps the FICR PACKAGE register's known values to the
// package markings nRF52832 datasheets use.
var packageNames = map[uint32]string{
	0x2000: "QF",
	0x2001: "CH",
	0x2002: "CI",
	0x2005: "QK",
}

// Package renders DeviceInfo.Package as a human-readable marking.
func Package(info nrf52.DeviceInfo) string {
	if name, ok := packageNames[info.Package]; ok {
		return name
	}
	return "Unknown"
}

// Approtect reports whether the UICR APPROTECT register indicates the
// device is readback-protected: enabled iff the low byte is 0x00.
func Approtect(u nrf52.UicrRegisters) string {
	if u.Approtect&0xFF == 0x00 {
		return "Enabled"
	}
	return "Disabled"
}

// PSelReset renders one PSEL.RESET register: bit 31 set means the pin is
// disconnected from the reset function, otherwise the low bits give the
// GPIO pin number.
func PSelReset(value uint32) string {
	if value&(1<<31) != 0 {
		return "Disconnected"
	}
	return fmt.Sprintf("Pin %d", value&0xFF)
}

// PSelReset0 renders UICR.PSelReset0.
func PSelReset0(u nrf52.UicrRegisters) string { return PSelReset(u.PSelReset0) }

// PSelReset1 renders UICR.PSelReset1.
func PSelReset1(u nrf52.UicrRegisters) string { return PSelReset(u.PSelReset1) }

// NFCPins reports whether the NFC-capable pins are configured for GPIO
// or for the NFC antenna: bit 0 set selects the antenna.
func NFCPins(u nrf52.UicrRegisters) string {
	if u.NFCPins&1 != 0 {
		return "NFC Antenna"
	}
	return "GPIO"
}

// NRFFW0 renders UICR.NRFFW0, reporting the erased-flash sentinel as
// "Not Set" instead of a raw 0xFFFFFFFF.
func NRFFW0(u nrf52.UicrRegisters) string {
	if u.NRFFW0 == 0xFFFFFFFF {
		return "Not Set"
	}
	return fmt.Sprintf("0x%08X", u.NRFFW0)
}
