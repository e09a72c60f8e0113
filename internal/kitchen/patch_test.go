package kitchen

import (
	"hash/crc32"
	"testing"

	"github.com/reverse-bike/sdcfw/internal/coreerr"
	"github.com/reverse-bike/sdcfw/internal/nrf52"
)

// buildImage constructs a minimal flash image with a valid bootloader
// settings page: bank0 spans [0x23000, 0x23000+size) with a correct CRC.
func buildImage(t *testing.T, size int, appSize uint32) []byte {
	t.Helper()
	total := nrf52.BLSettingsAddr + nrf52.BLSettingsSize
	if size > total {
		total = size
	}
	img := make([]byte, total)
	for i := range img {
		img[i] = 0xFF
	}
	// app region content
	for i := 0; i < int(appSize); i++ {
		img[nrf52.AppBase+i] = byte(i)
	}
	appCRC := crc32.ChecksumIEEE(img[nrf52.AppBase : nrf52.AppBase+int(appSize)])

	putLE32(img, nrf52.BLSettingsAddr+0x18, appSize) // bank0.image_size @ offset 0x18 (24)
	putLE32(img, nrf52.BLSettingsAddr+0x1C, appCRC)   // bank0.image_crc
	settingsCRC := crc32.ChecksumIEEE(img[nrf52.BLSettingsAddr+4 : nrf52.BLSettingsAddr+nrf52.BLSettingsSize])
	putLE32(img, nrf52.BLSettingsAddr, settingsCRC)
	return img
}

func TestApplyStringPatchRoundTrips(t *testing.T) {
	img := buildImage(t, 0x40000, 256)
	copy(img[0x100:], []byte("versions"))

	ps := &PatchSet{
		Patches: []Patch{
			{
				Kind:        KindString,
				Address:     0x100,
				Original:    rawScalar{str: "versions", isStr: true},
				Data:        rawScalar{str: "versionz", isStr: true},
				Description: "bump",
			},
		},
	}
	out, err := Apply(img, ps)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if string(out[0x100:0x100+8]) != "versionz" {
		t.Fatalf("got %q", out[0x100:0x100+8])
	}
}

func TestApplyU16PatchIsBigEndianOnDisk(t *testing.T) {
	img := buildImage(t, 0x40000, 256)
	img[0x200] = 0x23
	img[0x201] = 0x01

	ps := &PatchSet{
		Patches: []Patch{
			{
				Kind:     KindU16,
				Address:  0x200,
				Original: rawScalar{num: 0x2301, isNum: true},
				Data:     rawScalar{num: 0x2303, isNum: true},
			},
		},
	}
	out, err := Apply(img, ps)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out[0x200] != 0x23 || out[0x201] != 0x03 {
		t.Fatalf("got %02x %02x, want 23 03", out[0x200], out[0x201])
	}
}

func TestApplyRecomputesAppAndSettingsCRC(t *testing.T) {
	img := buildImage(t, 0x40000, 256)
	ps := &PatchSet{Patches: nil}
	out, err := Apply(img, ps)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	wantAppCRC := crc32.ChecksumIEEE(out[nrf52.AppBase : nrf52.AppBase+256])
	gotAppCRC := le32(out, nrf52.BLSettingsAddr+0x1C)
	if gotAppCRC != wantAppCRC {
		t.Fatalf("app CRC: got 0x%08x want 0x%08x", gotAppCRC, wantAppCRC)
	}
	wantSettingsCRC := crc32.ChecksumIEEE(out[nrf52.BLSettingsAddr+4 : nrf52.BLSettingsAddr+nrf52.BLSettingsSize])
	gotSettingsCRC := le32(out, nrf52.BLSettingsAddr)
	if gotSettingsCRC != wantSettingsCRC {
		t.Fatalf("settings CRC: got 0x%08x want 0x%08x", gotSettingsCRC, wantSettingsCRC)
	}
}

func TestVerifyFailsAbortsWithNoWrites(t *testing.T) {
	img := buildImage(t, 0x40000, 256)
	orig := append([]byte(nil), img...)
	ps := &PatchSet{
		Patches: []Patch{
			{Kind: KindU8, Address: 0x300, Original: rawScalar{num: 0xAA, isNum: true}, Data: rawScalar{num: 0xBB, isNum: true}},
		},
	}
	_, err := Apply(img, ps)
	if err == nil {
		t.Fatalf("expected verify failure (byte at 0x300 is 0xFF, not 0xAA)")
	}
	ce, ok := coreerr.As(err)
	if !ok || ce.Code != coreerr.InvalidData {
		t.Fatalf("expected INVALID_DATA, got %v", err)
	}
	if string(orig) != string(img) {
		t.Fatalf("input image must not be mutated on verify failure")
	}
}

func TestFindReplaceRequiresExactlyOneMatch(t *testing.T) {
	img := buildImage(t, 0x40000, 256)
	needle := []byte("UNIQUEKEY")
	copy(img[0x500:], needle)

	ps := &PatchSet{
		Patches: []Patch{
			{Kind: KindFindReplace, Find: needle, Replace: []byte("REPLACEDXX")[:len(needle)]},
		},
	}
	if _, err := Apply(img, ps); err != nil {
		t.Fatalf("expected single match to succeed: %v", err)
	}

	// Duplicate the needle and confirm the same patch set now fails.
	copy(img[0x600:], needle)
	_, err := Apply(img, ps)
	if err == nil {
		t.Fatalf("expected INVALID_DATA when pattern occurs twice")
	}
}

func TestFindReplaceZeroMatchesFails(t *testing.T) {
	img := buildImage(t, 0x40000, 256)
	ps := &PatchSet{
		Patches: []Patch{
			{Kind: KindFindReplace, Find: []byte("NOPE"), Replace: []byte("NADA")},
		},
	}
	if _, err := Apply(img, ps); err == nil {
		t.Fatalf("expected INVALID_DATA for zero matches")
	}
}

func TestCleanRegionsFillWithFFOutsideRanges(t *testing.T) {
	img := buildImage(t, 0x40000, 256)
	img[0x10] = 0x77
	img[0x50] = 0x99
	ps := &PatchSet{
		CleanRegions: []CleanRegion{
			{Start: 0x40, End: "0x60"},
		},
	}
	out, err := Apply(img, ps)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out[0x10] != 0xFF {
		t.Fatalf("expected byte outside clean region reset to 0xFF, got 0x%02x", out[0x10])
	}
	if out[0x50] != 0x99 {
		t.Fatalf("expected byte inside clean region preserved, got 0x%02x", out[0x50])
	}
}

func TestResolveEndAppEndSentinel(t *testing.T) {
	v, err := resolveEnd("app_end", 0x23100)
	if err != nil || v != 0x23100 {
		t.Fatalf("got (%d, %v), want (0x23100, nil)", v, err)
	}
}

func le32(b []byte, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}
