package nrf52

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/reverse-bike/sdcfw/internal/progress"
)

// fakeMem is a flat word-addressable memory used to exercise the NVM
// controller without any MEM-AP/CMSIS-DAP involvement.
type fakeMem struct {
	words       map[uint32]uint32
	config      uint32
	writeBlocks [][2]uint32 // addr, length pairs, in call order
}

func newFakeMem() *fakeMem {
	return &fakeMem{words: map[uint32]uint32{}}
}

func (f *fakeMem) ReadU32(ctx context.Context, addr uint32) (uint32, error) {
	if addr == NVMCReady {
		return 1, nil
	}
	if addr == NVMCConfig {
		return f.config, nil
	}
	return f.words[addr], nil
}

func (f *fakeMem) WriteU32(ctx context.Context, addr, value uint32) error {
	if addr == NVMCConfig {
		f.config = value
		return nil
	}
	f.words[addr] = value
	return nil
}

func (f *fakeMem) ReadBlock(ctx context.Context, addr uint32, wordCount int) ([]uint32, error) {
	res := make([]uint32, wordCount)
	for i := 0; i < wordCount; i++ {
		res[i] = f.words[addr+uint32(i*4)]
	}
	return res, nil
}

func (f *fakeMem) WriteBlock(ctx context.Context, addr uint32, data []uint32) error {
	f.writeBlocks = append(f.writeBlocks, [2]uint32{addr, uint32(len(data))})
	for i, w := range data {
		f.words[addr+uint32(i*4)] = w
	}
	return nil
}

func TestReadDeviceInfoIssuesFixedFICRReads(t *testing.T) {
	f := newFakeMem()
	f.words[FICRBase+0x100] = 0x52832
	f.words[FICRBase+0x104] = 0x41414141
	f.words[FICRBase+0x110] = 512
	f.words[FICRBase+0x10C] = 64
	c := New(f, nil)
	info, err := c.ReadDeviceInfo(context.Background())
	if err != nil {
		t.Fatalf("ReadDeviceInfo: %v", err)
	}
	if info.Part != 0x52832 || info.FlashKB != 512 || info.RAMKB != 64 {
		t.Fatalf("unexpected DeviceInfo: %+v", info)
	}
	if info.FlashBytes() != 512*1024 {
		t.Fatalf("FlashBytes: got %d", info.FlashBytes())
	}
}

func TestReadBootloaderSettingsAbsentWhenErased(t *testing.T) {
	f := newFakeMem()
	for i := 0; i < BLSettingsSize/4; i++ {
		f.words[BLSettingsAddr+uint32(i*4)] = 0xFFFFFFFF
	}
	c := New(f, nil)
	bs, err := c.ReadBootloaderSettings(context.Background())
	if err != nil {
		t.Fatalf("ReadBootloaderSettings: %v", err)
	}
	if bs.Present() {
		t.Fatalf("expected absent bootloader settings")
	}
}

func TestReadBootloaderSettingsDecodesBank0CRCOffset(t *testing.T) {
	f := newFakeMem()
	f.words[BLSettingsAddr+0] = 0x1234
	// Bank0 starts at byte 24 (6 leading uint32 fields): ImageSize @24,
	// ImageCRC @28, BankCode @32.
	f.words[BLSettingsAddr+24] = 1000
	f.words[BLSettingsAddr+28] = 0xDEADBEEF
	c := New(f, nil)
	bs, err := c.ReadBootloaderSettings(context.Background())
	if err != nil {
		t.Fatalf("ReadBootloaderSettings: %v", err)
	}
	if bs.Bank0.ImageSize != 1000 || bs.Bank0.ImageCRC != 0xDEADBEEF {
		t.Fatalf("unexpected bank0: %+v", bs.Bank0)
	}
}

func TestWriteFlashEnablesAndDisablesNVMCWrite(t *testing.T) {
	f := newFakeMem()
	c := New(f, nil)
	data := []byte{1, 2, 3, 4, 5, 6, 7}
	if err := c.WriteFlash(context.Background(), 0x1000, data, progress.Discard); err != nil {
		t.Fatalf("WriteFlash: %v", err)
	}
	if f.config != nvmcConfigReadOnly {
		t.Fatalf("expected NVMC left read-only, got 0x%x", f.config)
	}
	got, err := c.ReadFlash(context.Background(), 0x1000, len(data))
	if err != nil {
		t.Fatalf("ReadFlash: %v", err)
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("byte %d: got %d want %d", i, got[i], data[i])
		}
	}
	// Trailing partial word padded with 0xFF.
	lastWord, _ := f.ReadBlock(context.Background(), 0x1004, 1)
	padded := make([]byte, 4)
	binary.LittleEndian.PutUint32(padded, lastWord[0])
	if padded[3] != 0xFF {
		t.Fatalf("expected trailing pad byte 0xFF, got %+v", padded)
	}
}

func TestWriteUicrRejectsWrongLength(t *testing.T) {
	f := newFakeMem()
	c := New(f, nil)
	if err := c.WriteUicr(context.Background(), []byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for short UICR image")
	}
}
