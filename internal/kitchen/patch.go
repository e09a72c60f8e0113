// Package kitchen applies a deterministic set of typed patches to a raw
// nRF52 flash image: verify-before-write, optional region cleaning, and
// CRC-32 repair of both the application image and the bootloader
// settings page. It never touches a target; it is a pure transformation
// over byte buffers.
package kitchen

import (
	"bytes"
	"fmt"
	"hash/crc32"

	"gopkg.in/yaml.v2"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/reverse-bike/sdcfw/internal/coreerr"
	"github.com/reverse-bike/sdcfw/internal/nrf52"
)

// Kind is the tagged-union discriminator for a Patch record.
type Kind string

const (
	KindString      Kind = "string"
	KindU8          Kind = "u8"
	KindU16         Kind = "u16"
	KindU32         Kind = "u32"
	KindBytes       Kind = "bytes"
	KindFindReplace Kind = "find_replace"
)

// Patch is one typed edit to apply to the image. Address-based kinds
// verify `Original` against the image before writing `Data`; FindReplace
// instead requires its Find pattern to occur exactly once.
//
// u16/u32 Original/Data are a deliberate exception to the rest of the
// schema's little-endian convention: they are interpreted big-endian, so
// that a patch author can transcribe a hex-viewer byte run verbatim
// ("bytes 01 23" -> 0x0123). Do not "fix" this to little-endian.
type Patch struct {
	Kind        Kind      `yaml:"type"`
	Address     uint32    `yaml:"address"`
	Original    rawScalar `yaml:"original"`
	Data        rawScalar `yaml:"data"`
	Find        []byte    `yaml:"find"`
	Replace     []byte    `yaml:"replace"`
	Description string    `yaml:"description"`

	foundOffset uint32 // recorded by Verify for find_replace, consumed by Apply
}

// rawScalar holds a YAML scalar whose Go type depends on the sibling
// Kind field: string for KindString, an integer for KindU8/U16/U32, or a
// byte list for KindBytes.
type rawScalar struct {
	str   string
	isStr bool
	num   uint64
	isNum bool
	bytes []byte
}

func (r *rawScalar) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		r.str = s
		r.isStr = true
		// yaml.v2 also decodes an integer scalar into a string; keep its
		// numeric value as well for the u8/u16/u32 kinds.
		var n uint64
		if unmarshal(&n) == nil {
			r.num = n
			r.isNum = true
		}
		return nil
	}
	var n uint64
	if err := unmarshal(&n); err == nil {
		r.num = n
		r.isNum = true
		return nil
	}
	var bs []int
	if err := unmarshal(&bs); err == nil {
		r.bytes = make([]byte, len(bs))
		for i, b := range bs {
			r.bytes[i] = byte(b)
		}
		return nil
	}
	return errors.Errorf("unsupported patch scalar")
}

// CleanRegion describes a byte range to keep from the input image when
// clean regions are given: every byte outside all regions is reset to
// 0xFF before patches are verified and applied. End may be the literal
// appEndSentinel value, which resolves to the live APP_END computed from
// bootloader settings.
type CleanRegion struct {
	Start       uint32 `yaml:"start"`
	End         string `yaml:"end"`
	Description string `yaml:"description"`
}

const appEndSentinel = "app_end"

// PatchSet is a patch-file record: one firmware variant and the edits to
// apply to it.
type PatchSet struct {
	Name          string        `yaml:"name"`
	FirmwarePath  string        `yaml:"firmware_path"`
	OutputPostfix string        `yaml:"output_postfix"`
	CleanRegions  []CleanRegion `yaml:"clean_regions"`
	Patches       []Patch       `yaml:"patches"`
}

// ParsePatchSet decodes a patch-file record from YAML.
func ParsePatchSet(data []byte) (*PatchSet, error) {
	var ps PatchSet
	if err := yaml.Unmarshal(data, &ps); err != nil {
		return nil, coreerr.Wrap(err, coreerr.InvalidData, "failed to parse patch file")
	}
	return &ps, nil
}

// resolveEnd turns a CleanRegion.End string into an absolute address.
func resolveEnd(end string, appEnd uint32) (uint32, error) {
	if end == appEndSentinel {
		return appEnd, nil
	}
	var v uint32
	if _, err := fmt.Sscanf(end, "0x%x", &v); err == nil {
		return v, nil
	}
	if _, err := fmt.Sscanf(end, "%d", &v); err == nil {
		return v, nil
	}
	return 0, coreerr.New(coreerr.InvalidData, "unparseable clean region end %q", end)
}

// cleanRegions produces a new buffer of the same length as image, filled
// with 0xFF, with each region's original bytes copied back in listed
// order (later regions win on overlap).
func cleanRegions(image []byte, regions []CleanRegion, appEnd uint32) ([]byte, error) {
	out := make([]byte, len(image))
	for i := range out {
		out[i] = 0xFF
	}
	for _, r := range regions {
		end, err := resolveEnd(r.End, appEnd)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if int(end) > len(image) || r.Start > end {
			return nil, coreerr.New(coreerr.InvalidData, "clean region [0x%x, 0x%x) out of range", r.Start, end)
		}
		copy(out[r.Start:end], image[r.Start:end])
	}
	return out, nil
}

// appRegionCRC returns the CRC-32 of the application image bytes described
// by a bootloader-settings snapshot.
func appRegionCRC(image []byte, settings nrf52.BootloaderSettings) uint32 {
	return crc32.ChecksumIEEE(image[nrf52.AppBase:settings.AppEnd()])
}

// Apply runs the full kitchen pipeline: load settings, optionally clean
// regions, sanity-check the original CRC, verify every patch, apply
// them, then repair both the app-image and bootloader-settings CRCs.
func Apply(image []byte, ps *PatchSet) ([]byte, error) {
	settings, err := decodeSettings(image)
	if err != nil {
		return nil, errors.Trace(err)
	}
	appEnd := settings.AppEnd()

	work := image
	if len(ps.CleanRegions) > 0 {
		cleaned, err := cleanRegions(image, ps.CleanRegions, appEnd)
		if err != nil {
			return nil, errors.Trace(err)
		}
		work = cleaned
	}

	if settings.Bank0.ImageSize > 0 {
		got := appRegionCRC(work, settings)
		if got != settings.Bank0.ImageCRC {
			glog.Warningf("original app CRC mismatch: image has 0x%08x, bootloader settings record 0x%08x", got, settings.Bank0.ImageCRC)
		}
	}

	if err := verifyPatches(work, ps.Patches); err != nil {
		return nil, errors.Trace(err)
	}

	out := append([]byte(nil), work...)
	if err := applyPatches(out, ps.Patches); err != nil {
		return nil, errors.Trace(err)
	}

	newAppCRC := crc32.ChecksumIEEE(out[nrf52.AppBase:settings.AppEnd()])
	putLE32(out, nrf52.BLSettingsAddr+0x1C, newAppCRC)

	newSettingsCRC := crc32.ChecksumIEEE(out[nrf52.BLSettingsAddr+4 : nrf52.BLSettingsAddr+nrf52.BLSettingsSize])
	putLE32(out, nrf52.BLSettingsAddr, newSettingsCRC)

	return out, nil
}

func decodeSettings(image []byte) (nrf52.BootloaderSettings, error) {
	if len(image) < nrf52.BLSettingsAddr+nrf52.BLSettingsSize {
		return nrf52.BootloaderSettings{}, coreerr.New(coreerr.InvalidData, "image too short to contain bootloader settings")
	}
	return nrf52.DecodeBootloaderSettings(image[nrf52.BLSettingsAddr : nrf52.BLSettingsAddr+nrf52.BLSettingsSize])
}

func putLE32(buf []byte, off int, v uint32) {
	buf[off+0] = byte(v)
	buf[off+1] = byte(v >> 8)
	buf[off+2] = byte(v >> 16)
	buf[off+3] = byte(v >> 24)
}

// verifyPatches checks every patch against image without mutating it. A
// find_replace patch's found offset is recorded on the Patch itself for
// Apply to reuse.
func verifyPatches(image []byte, patches []Patch) error {
	for i := range patches {
		p := &patches[i]
		switch p.Kind {
		case KindString:
			if err := verifyBytes(image, p.Address, []byte(p.Original.str), p); err != nil {
				return err
			}
		case KindU8:
			if err := verifyU8(image, p); err != nil {
				return err
			}
		case KindU16:
			if err := verifyU16(image, p); err != nil {
				return err
			}
		case KindU32:
			if err := verifyU32(image, p); err != nil {
				return err
			}
		case KindBytes:
			if err := verifyBytes(image, p.Address, p.Original.bytes, p); err != nil {
				return err
			}
		case KindFindReplace:
			off, err := findExactlyOnce(image, p.Find)
			if err != nil {
				return err
			}
			if len(p.Find) != len(p.Replace) {
				return coreerr.New(coreerr.InvalidData, "find_replace %q: find/replace length mismatch", p.Description)
			}
			p.foundOffset = off
		default:
			return coreerr.New(coreerr.InvalidData, "unknown patch type %q", p.Kind)
		}
	}
	return nil
}

func verifyBytes(image []byte, addr uint32, want []byte, p *Patch) error {
	if int(addr)+len(want) > len(image) {
		return coreerr.New(coreerr.InvalidData, "patch %q: address out of range", p.Description)
	}
	got := image[addr : int(addr)+len(want)]
	if !bytes.Equal(got, want) {
		return coreerr.New(coreerr.InvalidData, "patch %q: expected %x at 0x%x, found %x", p.Description, want, addr, got)
	}
	return nil
}

func verifyU8(image []byte, p *Patch) error {
	if int(p.Address) >= len(image) {
		return coreerr.New(coreerr.InvalidData, "patch %q: address out of range", p.Description)
	}
	if uint64(image[p.Address]) != p.Original.num {
		return coreerr.New(coreerr.InvalidData, "patch %q: expected 0x%02x at 0x%x, found 0x%02x", p.Description, p.Original.num, p.Address, image[p.Address])
	}
	return nil
}

func verifyU16(image []byte, p *Patch) error {
	if int(p.Address)+2 > len(image) {
		return coreerr.New(coreerr.InvalidData, "patch %q: address out of range", p.Description)
	}
	got := uint64(image[p.Address])<<8 | uint64(image[p.Address+1])
	if got != p.Original.num {
		return coreerr.New(coreerr.InvalidData, "patch %q: expected 0x%04x at 0x%x, found 0x%04x", p.Description, p.Original.num, p.Address, got)
	}
	return nil
}

func verifyU32(image []byte, p *Patch) error {
	if int(p.Address)+4 > len(image) {
		return coreerr.New(coreerr.InvalidData, "patch %q: address out of range", p.Description)
	}
	got := uint64(image[p.Address])<<24 | uint64(image[p.Address+1])<<16 | uint64(image[p.Address+2])<<8 | uint64(image[p.Address+3])
	if got != p.Original.num {
		return coreerr.New(coreerr.InvalidData, "patch %q: expected 0x%08x at 0x%x, found 0x%08x", p.Description, p.Original.num, p.Address, got)
	}
	return nil
}

// findExactlyOnce locates pattern in image, failing unless it occurs
// exactly once.
func findExactlyOnce(image, pattern []byte) (uint32, error) {
	if len(pattern) == 0 {
		return 0, coreerr.New(coreerr.InvalidData, "find_replace pattern is empty")
	}
	count := 0
	var found int
	for i := 0; i+len(pattern) <= len(image); i++ {
		if bytes.Equal(image[i:i+len(pattern)], pattern) {
			count++
			found = i
			if count > 1 {
				break
			}
		}
	}
	if count == 0 {
		return 0, coreerr.New(coreerr.InvalidData, "find_replace pattern not found")
	}
	if count > 1 {
		return 0, coreerr.New(coreerr.InvalidData, "find_replace pattern occurs %d times, expected exactly 1", count)
	}
	return uint32(found), nil
}

// applyPatches writes every patch's Data into image, assuming
// verifyPatches has already succeeded against the same content.
func applyPatches(image []byte, patches []Patch) error {
	for i := range patches {
		p := &patches[i]
		switch p.Kind {
		case KindString:
			copy(image[p.Address:], []byte(p.Data.str))
		case KindU8:
			image[p.Address] = byte(p.Data.num)
		case KindU16:
			v := uint16(p.Data.num)
			image[p.Address] = byte(v >> 8)
			image[p.Address+1] = byte(v)
		case KindU32:
			v := uint32(p.Data.num)
			image[p.Address] = byte(v >> 24)
			image[p.Address+1] = byte(v >> 16)
			image[p.Address+2] = byte(v >> 8)
			image[p.Address+3] = byte(v)
		case KindBytes:
			copy(image[p.Address:], p.Data.bytes)
		case KindFindReplace:
			copy(image[p.foundOffset:], p.Replace)
		default:
			return coreerr.New(coreerr.InvalidData, "unknown patch type %q", p.Kind)
		}
	}
	return nil
}
