package nrf52

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/reverse-bike/sdcfw/internal/coreerr"
	"github.com/reverse-bike/sdcfw/internal/progress"
)

// MemIO is the memory-engine surface the NVM controller is built against
// (satisfied by *memap.MemAP); kept as an interface so the controller can
// be exercised against a fake target in tests.
type MemIO interface {
	ReadU32(ctx context.Context, addr uint32) (uint32, error)
	WriteU32(ctx context.Context, addr, value uint32) error
	ReadBlock(ctx context.Context, addr uint32, wordCount int) ([]uint32, error)
	WriteBlock(ctx context.Context, addr uint32, data []uint32) error
}

// CtrlAP is the subset of dp.Session the CTRL-AP erase procedure needs:
// direct AP register access (no TAR auto-increment involved) plus
// sticky-error clearing.
type CtrlAP interface {
	ReadAPReg(ctx context.Context, apSel, apReg uint8) (uint32, error)
	WriteAPReg(ctx context.Context, apSel, apReg uint8, value uint32) error
	ClearErrors(ctx context.Context) error
}

// Controller is the nRF52 non-volatile memory controller: FICR/UICR
// readers, NVMC-gated flash/UICR writers and the CTRL-AP ERASEALL
// recovery path.
type Controller struct {
	mem MemIO
	ap  CtrlAP
}

// New binds a Controller to a memory engine and a CTRL-AP accessor.
func New(mem MemIO, ap CtrlAP) *Controller {
	return &Controller{mem: mem, ap: ap}
}

// ficrOffsets is the fixed FICR layout this tool reads, in DeviceInfo
// field order. CODEPAGESIZE/CODESIZE are not read: ReadDeviceInfo fills
// them in from the fixed 4-KiB page size and the FLASH size.
var ficrOffsets = []uint32{
	0x100, // PART
	0x104, // VARIANT
	0x108, // PACKAGE
	0x10C, // RAM (KB)
	0x110, // FLASH (KB)
	0x060, // DEVICEID[0]
	0x064, // DEVICEID[1]
	0x0A4, // DEVICEADDRTYPE
	0x0A8, // DEVICEADDR[0]
	0x0AC, // DEVICEADDR[1]
}

// ReadDeviceInfo issues the ten fixed FICR reads that identify the chip.
func (c *Controller) ReadDeviceInfo(ctx context.Context) (DeviceInfo, error) {
	var words [10]uint32
	for i, off := range ficrOffsets {
		v, err := c.mem.ReadU32(ctx, FICRBase+off)
		if err != nil {
			return DeviceInfo{}, errors.Annotatef(err, "read FICR+0x%x", off)
		}
		words[i] = v
	}
	return DeviceInfo{
		Part:           words[0],
		Variant:        words[1],
		Package:        words[2],
		RAMKB:          words[3],
		FlashKB:        words[4],
		DeviceID:       [2]uint32{words[5], words[6]},
		DeviceAddrType: words[7],
		DeviceAddr:     [2]uint32{words[8], words[9]},
		CodePageSize:   4096,
		CodeSize:       words[4] * 1024 / 4096,
	}, nil
}

var uicrOffsets = []uint32{0x200, 0x204, 0x208, 0x20C, 0x014, 0x018}

// ReadUicr issues the six fixed UICR reads described by the register
// interpretation table.
func (c *Controller) ReadUicr(ctx context.Context) (UicrRegisters, error) {
	var words [6]uint32
	for i, off := range uicrOffsets {
		v, err := c.mem.ReadU32(ctx, UICRBase+off)
		if err != nil {
			return UicrRegisters{}, errors.Annotatef(err, "read UICR+0x%x", off)
		}
		words[i] = v
	}
	return UicrRegisters{
		PSelReset0: words[0],
		PSelReset1: words[1],
		Approtect:  words[2],
		NFCPins:    words[3],
		NRFFW0:     words[4],
		NRFFW1:     words[5],
	}, nil
}

// ReadUicrBinary reads the entire 1-KiB UICR page as a block, the form
// backup persists.
func (c *Controller) ReadUicrBinary(ctx context.Context) ([]byte, error) {
	words, err := c.mem.ReadBlock(ctx, UICRBase, UICRSize/4)
	if err != nil {
		return nil, errors.Annotatef(err, "read UICR block")
	}
	return wordsToBytes(words), nil
}

// ReadBootloaderSettings reads the 23-word DFU settings page. A leading
// 0xFFFFFFFF word means no bootloader has ever written settings; that is
// reported via Present(), not as an error.
func (c *Controller) ReadBootloaderSettings(ctx context.Context) (BootloaderSettings, error) {
	const words = BLSettingsSize / 4
	raw, err := c.mem.ReadBlock(ctx, BLSettingsAddr, words)
	if err != nil {
		return BootloaderSettings{}, errors.Annotatef(err, "read bootloader settings")
	}
	return DecodeBootloaderSettings(wordsToBytes(raw))
}

// DecodeBootloaderSettings decodes a 92-byte nrf_dfu_settings_t record
// from raw bytes, as read off a target or found within a flash image.
func DecodeBootloaderSettings(raw []byte) (BootloaderSettings, error) {
	if len(raw) != BLSettingsSize {
		return BootloaderSettings{}, coreerr.New(coreerr.InvalidData, "bootloader settings must be %d bytes, got %d", BLSettingsSize, len(raw))
	}
	var bs BootloaderSettings
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &bs); err != nil {
		return BootloaderSettings{}, coreerr.Wrap(err, coreerr.InvalidData, "failed to decode bootloader settings")
	}
	return bs, nil
}

// ReadFlash reads length bytes of flash starting at addr, rounded up to
// whole words.
func (c *Controller) ReadFlash(ctx context.Context, addr uint32, length int) ([]byte, error) {
	words := (length + 3) / 4
	data, err := c.mem.ReadBlock(ctx, FlashBase+addr, words)
	if err != nil {
		return nil, errors.Annotatef(err, "read flash")
	}
	b := wordsToBytes(data)
	return b[:length], nil
}

// WriteFlash writes data to flash starting at addr, observing the NVMC
// write discipline: WEN, poll READY, 4-KiB-chunked writes, then disable
// write. A non-multiple-of-4 final chunk is padded with 0xFF (the erased
// value), matching what a real NVMC write of a short final word leaves
// behind. Restore relies on a preceding CTRL-AP ERASEALL and therefore
// never erases a page itself.
func (c *Controller) WriteFlash(ctx context.Context, addr uint32, data []byte, rep progress.Reporter) error {
	return c.writeNVM(ctx, FlashBase+addr, data, rep)
}

// WriteUicr writes the full UICR page; the caller must supply exactly
// UICRSize bytes.
func (c *Controller) WriteUicr(ctx context.Context, data []byte) error {
	if len(data) != UICRSize {
		return coreerr.New(coreerr.InvalidData, "UICR image must be %d bytes, got %d", UICRSize, len(data))
	}
	return c.writeNVM(ctx, UICRBase, data, progress.Discard)
}

func (c *Controller) writeNVM(ctx context.Context, base uint32, data []byte, rep progress.Reporter) error {
	rep = progress.Or(rep)
	if err := c.mem.WriteU32(ctx, NVMCConfig, nvmcConfigWEN); err != nil {
		return coreerr.Wrap(err, coreerr.WriteFailed, "failed to enable NVMC writes")
	}
	defer func() {
		if err := c.mem.WriteU32(ctx, NVMCConfig, nvmcConfigReadOnly); err != nil {
			glog.Warningf("failed to disable NVMC writes: %s", err)
		}
	}()
	if err := c.waitReady(ctx); err != nil {
		return errors.Trace(err)
	}

	total := len(data)
	written := 0
	lastPct := -1
	for off := 0; off < total; off += FlashPageSize {
		end := off + FlashPageSize
		if end > total {
			end = total
		}
		chunk := data[off:end]
		words := padToWords(chunk)
		if err := c.writeChunk(ctx, base+uint32(off), words, len(chunk)); err != nil {
			return errors.Trace(err)
		}
		written += len(chunk)
		pct := written * 100 / total
		if pct != lastPct {
			rep.Report(uint8(pct), "")
			lastPct = pct
		}
		select {
		case <-ctx.Done():
			return coreerr.Wrap(ctx.Err(), coreerr.Timeout, "write cancelled")
		default:
		}
	}
	return nil
}

// flashWriteTimeout bounds a single 4-KiB flash-page write.
const flashWriteTimeout = 5 * time.Second

func (c *Controller) writeChunk(ctx context.Context, addr uint32, words []uint32, byteLen int) error {
	dctx, cancel := context.WithTimeout(ctx, flashWriteTimeout)
	defer cancel()
	if err := c.mem.WriteBlock(dctx, addr, words); err != nil {
		if ce, ok := coreerr.As(err); ok {
			return ce
		}
		return coreerr.Wrap(err, coreerr.WriteFailed, "failed to write %d bytes @ 0x%x", byteLen, addr)
	}
	return nil
}

func (c *Controller) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(2 * time.Second)
	for {
		ready, err := c.mem.ReadU32(ctx, NVMCReady)
		if err != nil {
			return coreerr.Wrap(err, coreerr.WriteFailed, "failed to poll NVMC READY")
		}
		if ready&1 != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return coreerr.New(coreerr.WriteFailed, "NVMC did not become ready")
		}
		select {
		case <-ctx.Done():
			return coreerr.Wrap(ctx.Err(), coreerr.Timeout, "waiting for NVMC ready")
		case <-time.After(1 * time.Millisecond):
		}
	}
}

func wordsToBytes(words []uint32) []byte {
	b := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(b[i*4:], w)
	}
	return b
}

// padToWords converts a byte chunk into little-endian words, padding a
// short trailing word with 0xFF (the erased-flash value) per spec.
func padToWords(chunk []byte) []uint32 {
	n := (len(chunk) + 3) / 4
	words := make([]uint32, n)
	padded := make([]byte, n*4)
	for i := range padded {
		padded[i] = 0xFF
	}
	copy(padded, chunk)
	for i := 0; i < n; i++ {
		words[i] = binary.LittleEndian.Uint32(padded[i*4:])
	}
	return words
}
