package archive

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/reverse-bike/sdcfw/internal/nrf52"
)

func TestWriteThenReadRoundTrips(t *testing.T) {
	flash := bytes.Repeat([]byte{0xAB}, 8192)
	uicr := bytes.Repeat([]byte{0xCD}, nrf52.UICRSize)
	meta := Metadata{
		Timestamp: "2026-07-31T00:00:00Z",
		Device:    DeviceMetadata{Part: 0x52832, FlashKB: 512, RAMKB: 64},
		Sizes:     SizeMetadata{Flash: len(flash), Uicr: len(uicr)},
	}

	var buf bytes.Buffer
	if err := Write(&buf, flash, uicr, meta); err != nil {
		t.Fatalf("Write: %v", err)
	}

	gotFlash, gotUicr, gotMeta, err := ReadBytes(buf.Bytes())
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if !bytes.Equal(gotFlash, flash) {
		t.Fatalf("flash mismatch")
	}
	if !bytes.Equal(gotUicr, uicr) {
		t.Fatalf("uicr mismatch")
	}
	if gotMeta == nil || gotMeta.Device.Part != 0x52832 {
		t.Fatalf("metadata not round-tripped: %+v", gotMeta)
	}
}

func TestReadRejectsWrongUicrLength(t *testing.T) {
	flash := []byte{1, 2, 3, 4}
	shortUicr := []byte{1, 2, 3}
	var buf bytes.Buffer
	_ = Write(&buf, flash, shortUicr, Metadata{})
	if _, _, _, err := ReadBytes(buf.Bytes()); err == nil {
		t.Fatalf("expected error for short uicr.bin")
	}
}

func TestReadAcceptsArchiveWithoutMetadata(t *testing.T) {
	// Build a ZIP missing metadata.json directly, since Write always
	// includes it; archives produced by other tools may omit it.
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	writeZipEntry(t, zw, "flash.bin", []byte{1, 2, 3, 4})
	writeZipEntry(t, zw, "uicr.bin", bytes.Repeat([]byte{0}, nrf52.UICRSize))
	if err := zw.Close(); err != nil {
		t.Fatalf("zip Close: %v", err)
	}

	flash, uicr, meta, err := ReadBytes(buf.Bytes())
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if len(flash) != 4 || len(uicr) != nrf52.UICRSize {
		t.Fatalf("unexpected sizes: flash=%d uicr=%d", len(flash), len(uicr))
	}
	if meta != nil {
		t.Fatalf("expected nil metadata when absent, got %+v", meta)
	}
}

func writeZipEntry(t *testing.T, zw *zip.Writer, name string, data []byte) {
	t.Helper()
	w, err := zw.Create(name)
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}
