// Package archive reads and writes the backup archive format: a flat ZIP
// containing flash.bin, uicr.bin and an advisory metadata.json, following
// the project's own archive/zip-based packing convention.
package archive

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"io/ioutil"

	"github.com/cesanta/errors"

	"github.com/reverse-bike/sdcfw/internal/coreerr"
	"github.com/reverse-bike/sdcfw/internal/nrf52"
)

const (
	flashEntry    = "flash.bin"
	uicrEntry     = "uicr.bin"
	metadataEntry = "metadata.json"
)

// Metadata is the advisory JSON member of a backup archive.
type Metadata struct {
	Timestamp string         `json:"timestamp"`
	Device    DeviceMetadata `json:"device"`
	Sizes     SizeMetadata   `json:"sizes"`
}

// DeviceMetadata mirrors the subset of DeviceInfo worth recording for a
// human browsing old backups.
type DeviceMetadata struct {
	Part     uint32 `json:"part"`
	Variant  string `json:"variant"`
	Package  string `json:"package"`
	RAMKB    uint32 `json:"ram"`
	FlashKB  uint32 `json:"flash"`
	DeviceID string `json:"deviceId"`
}

// SizeMetadata records the byte lengths of the two binary members.
type SizeMetadata struct {
	Flash int `json:"flash"`
	Uicr  int `json:"uicr"`
}

// Write packs flash, uicr and metadata into a ZIP archive.
func Write(w io.Writer, flash, uicr []byte, meta Metadata) error {
	zw := zip.NewWriter(w)

	fw, err := zw.Create(flashEntry)
	if err != nil {
		return errors.Annotatef(err, "create %s", flashEntry)
	}
	if _, err := fw.Write(flash); err != nil {
		return errors.Annotatef(err, "write %s", flashEntry)
	}

	uw, err := zw.Create(uicrEntry)
	if err != nil {
		return errors.Annotatef(err, "create %s", uicrEntry)
	}
	if _, err := uw.Write(uicr); err != nil {
		return errors.Annotatef(err, "write %s", uicrEntry)
	}

	mw, err := zw.Create(metadataEntry)
	if err != nil {
		return errors.Annotatef(err, "create %s", metadataEntry)
	}
	if err := json.NewEncoder(mw).Encode(meta); err != nil {
		return errors.Annotatef(err, "write %s", metadataEntry)
	}

	return errors.Trace(zw.Close())
}

// Read unpacks flash and UICR images from a backup archive. Any ZIP
// carrying at least flash.bin and uicr.bin is accepted; a missing or
// unparseable metadata.json is not an error, since it is advisory only.
func Read(r io.ReaderAt, size int64) (flash, uicr []byte, meta *Metadata, err error) {
	zr, zerr := zip.NewReader(r, size)
	if zerr != nil {
		return nil, nil, nil, coreerr.Wrap(zerr, coreerr.InvalidData, "not a valid archive")
	}

	files := map[string]*zip.File{}
	for _, f := range zr.File {
		files[f.Name] = f
	}

	flash, err = readEntry(files, flashEntry)
	if err != nil {
		return nil, nil, nil, errors.Trace(err)
	}
	uicr, err = readEntry(files, uicrEntry)
	if err != nil {
		return nil, nil, nil, errors.Trace(err)
	}
	if len(uicr) != nrf52.UICRSize {
		return nil, nil, nil, coreerr.New(coreerr.InvalidData, "uicr.bin must be %d bytes, got %d", nrf52.UICRSize, len(uicr))
	}

	if mf, ok := files[metadataEntry]; ok {
		if mb, rerr := readZipFile(mf); rerr == nil {
			var m Metadata
			if json.Unmarshal(mb, &m) == nil {
				meta = &m
			}
		}
	}

	return flash, uicr, meta, nil
}

func readEntry(files map[string]*zip.File, name string) ([]byte, error) {
	f, ok := files[name]
	if !ok {
		return nil, coreerr.New(coreerr.InvalidData, "archive is missing required member %s", name)
	}
	return readZipFile(f)
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, errors.Annotatef(err, "open %s", f.Name)
	}
	defer rc.Close()
	return ioutil.ReadAll(rc)
}

// ReadBytes is a convenience wrapper over Read for callers holding the
// whole archive in memory rather than a file handle.
func ReadBytes(data []byte) (flash, uicr []byte, meta *Metadata, err error) {
	return Read(bytes.NewReader(data), int64(len(data)))
}
