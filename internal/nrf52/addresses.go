// Package nrf52 implements the nRF52832 non-volatile memory map and
// controller: FICR/UICR/NVMC addressing, flash/UICR read and write, and
// the CTRL-AP ERASEALL recovery procedure.
package nrf52

// Fixed addresses from the nRF52832 product specification.
const (
	FICRBase = 0x10000000
	UICRBase = 0x10001000
	UICRSize = 0x400

	NVMCReady     = 0x4001E400
	NVMCConfig    = 0x4001E504
	NVMCErasePage = 0x4001E508

	FlashBase = 0x00000000

	BLSettingsAddr = 0x0007F000

	// FlashPageSize is the NVMC erase granularity and the chunk size the
	// restore path writes in.
	FlashPageSize = 4096
)

// NVMC CONFIG register values.
const (
	nvmcConfigReadOnly = 0x0
	nvmcConfigWEN      = 0x1
)

// CTRL-AP (APSEL=1) register offsets and the expected identification
// value for the nRF52's CTRL-AP.
const (
	CtrlAPSel            = 1
	ctrlAPReset          = 0x00
	ctrlAPEraseAll       = 0x04
	ctrlAPEraseAllStatus = 0x08
	ctrlAPIDR            = 0xFC

	expectedCtrlAPIDR = 0x02880000
)

// MemAPSel is the AP index exposing the target's memory-mapped address
// space (FICR/UICR/NVMC/flash all live behind it).
const MemAPSel = 0
