package decode

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/reverse-bike/sdcfw/internal/nrf52"
)

func TestVariantStripsTrailingNULs(t *testing.T) {
	info := nrf52.DeviceInfo{Variant: 0x41414100} // "AAA\x00"
	assert.Equal(t, "AAA", Variant(info))
}

func TestPackageLookupTable(t *testing.T) {
	cases := map[uint32]string{
		0x2000: "QF",
		0x2001: "CH",
		0x2002: "CI",
		0x2005: "QK",
		0x9999: "Unknown",
	}
	for pkg, want := range cases {
		assert.Equal(t, want, Package(nrf52.DeviceInfo{Package: pkg}), "package 0x%x", pkg)
	}
}

func TestApprotectEnabledIffLowByteZero(t *testing.T) {
	assert.Equal(t, "Enabled", Approtect(nrf52.UicrRegisters{Approtect: 0xFFFFFF00}))
	assert.Equal(t, "Disabled", Approtect(nrf52.UicrRegisters{Approtect: 0xFFFFFFFF}))
}

func TestPSelResetDisconnectedOrPinNumber(t *testing.T) {
	assert.Equal(t, "Disconnected", PSelReset(1<<31))
	assert.Equal(t, "Pin 21", PSelReset(21))
}

func TestNFCPinsGPIOOrAntenna(t *testing.T) {
	assert.Equal(t, "GPIO", NFCPins(nrf52.UicrRegisters{NFCPins: 0}))
	assert.Equal(t, "NFC Antenna", NFCPins(nrf52.UicrRegisters{NFCPins: 1}))
}

func TestNRFFW0NotSetSentinel(t *testing.T) {
	assert.Equal(t, "Not Set", NRFFW0(nrf52.UicrRegisters{NRFFW0: 0xFFFFFFFF}))
	assert.Equal(t, "0x00001000", NRFFW0(nrf52.UicrRegisters{NRFFW0: 0x1000}))
}
