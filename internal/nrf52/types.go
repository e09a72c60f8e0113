package nrf52

// DeviceInfo is a read-only snapshot of the FICR identity page.
type DeviceInfo struct {
	Part           uint32
	Variant        uint32
	Package        uint32
	RAMKB          uint32
	FlashKB        uint32
	DeviceID       [2]uint32
	DeviceAddr     [2]uint32
	DeviceAddrType uint32
	CodePageSize   uint32
	CodeSize       uint32
}

// FlashBytes is the target's flash size in bytes.
func (d DeviceInfo) FlashBytes() int { return int(d.FlashKB) * 1024 }

// UicrRegisters holds the handful of UICR words the tooling cares about,
// as raw 32-bit values; human-readable interpretation lives in package
// decode.
type UicrRegisters struct {
	PSelReset0 uint32
	PSelReset1 uint32
	Approtect  uint32
	NFCPins    uint32
	NRFFW0     uint32
	NRFFW1     uint32
}

// BankInfo is one DFU bank slot within BootloaderSettings.
type BankInfo struct {
	ImageSize uint32
	ImageCRC  uint32
	BankCode  uint32
}

// BootloaderSettings is the 92-byte nrf_dfu_settings_t page at
// BLSettingsAddr, settings schema version 1.
type BootloaderSettings struct {
	CRC                uint32
	SettingsVersion    uint32
	AppVersion         uint32
	BootloaderVersion  uint32
	BankLayout         uint32
	BankCurrent        uint32
	Bank0              BankInfo
	Bank1              BankInfo
	WriteOffset        uint32
	SDSize             uint32
	DFUProgress        [32]byte
	EnterButtonlessDFU uint32
}

// BLSettingsSize is the fixed page size of BootloaderSettings on the wire.
const BLSettingsSize = 92

// Present reports whether a bootloader-settings read found an actual
// record rather than erased flash (first word == 0xFFFFFFFF means
// "absent", not an error, per spec).
func (b BootloaderSettings) Present() bool { return b.CRC != 0xFFFFFFFF }

// AppEnd is the address one past the current application image, derived
// from Bank0.ImageSize the way the firmware kitchen needs it.
func (b BootloaderSettings) AppEnd() uint32 {
	return AppBase + b.Bank0.ImageSize
}

// AppBase is the fixed flash offset where application images are linked,
// per the bootloader layout this tooling targets.
const AppBase = 0x23000
