// Package memap implements the MEM-AP memory engine: 32-bit and block
// reads/writes through CSW/TAR/DRW, re-arming TAR at every 1-KiB
// auto-increment wrap boundary.
package memap

import (
	"context"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/reverse-bike/sdcfw/internal/coreerr"
)

// Reg is a MEM-AP register offset.
type Reg uint8

const (
	CSW Reg = 0x00
	TAR Reg = 0x04
	DRW Reg = 0x0c
)

const cswDeviceEn = 0x40

// APAccessor is the subset of dp.Session a MemAP needs: select-and-access
// a single AP register or register block. Modeling it as an interface
// (rather than importing *dp.Session directly) keeps this package testable
// against a fake and mirrors the way the teacher's MemAPClient is built
// against a dp.DPClient interface rather than a concrete type.
type APAccessor interface {
	ReadAPReg(ctx context.Context, apSel, apReg uint8) (uint32, error)
	WriteAPReg(ctx context.Context, apSel, apReg uint8, value uint32) error
	ReadAPRegMulti(ctx context.Context, apSel, apReg uint8, length int) ([]uint32, error)
	WriteAPRegMulti(ctx context.Context, apSel, apReg uint8, values []uint32) error
	ClearErrors(ctx context.Context) error
}

// MemAP is the AP #0 memory engine described by the project's driver
// layer: the word/block memory surface nrf52.MemIO describes, over a
// single MEM-AP.
type MemAP struct {
	dpc   APAccessor
	apSel uint8
}

// New binds a MemAP to the given AP index (0 for nRF52's MEM-AP).
func New(dpc APAccessor, apSel uint8) *MemAP {
	return &MemAP{dpc: dpc, apSel: apSel}
}

// Init programs CSW for 32-bit, auto-increment-by-1 word access and
// confirms the AP reports itself enabled.
func (m *MemAP) Init(ctx context.Context) error {
	csw, err := m.dpc.ReadAPReg(ctx, m.apSel, uint8(CSW))
	if err != nil {
		return errors.Trace(err)
	}
	if csw&cswDeviceEn == 0 {
		return coreerr.New(coreerr.TargetNotConnected, "MEM-AP %d is disabled", m.apSel)
	}
	// Basic mode, 32-bit access, auto-increment by word.
	return errors.Trace(m.dpc.WriteAPReg(ctx, m.apSel, uint8(CSW), 0x23000052))
}

// ReadU32 reads one aligned word.
func (m *MemAP) ReadU32(ctx context.Context, addr uint32) (uint32, error) {
	if addr%4 != 0 {
		return 0, coreerr.New(coreerr.InvalidData, "address 0x%x is not word-aligned", addr)
	}
	if err := m.dpc.WriteAPReg(ctx, m.apSel, uint8(TAR), addr); err != nil {
		return 0, m.onFault(ctx, err)
	}
	v, err := m.dpc.ReadAPReg(ctx, m.apSel, uint8(DRW))
	if err != nil {
		return 0, m.onFault(ctx, err)
	}
	return v, nil
}

// WriteU32 writes one aligned word.
func (m *MemAP) WriteU32(ctx context.Context, addr, value uint32) error {
	if addr%4 != 0 {
		return coreerr.New(coreerr.InvalidData, "address 0x%x is not word-aligned", addr)
	}
	if err := m.dpc.WriteAPReg(ctx, m.apSel, uint8(TAR), addr); err != nil {
		return m.onFault(ctx, err)
	}
	if err := m.dpc.WriteAPReg(ctx, m.apSel, uint8(DRW), value); err != nil {
		return m.onFault(ctx, err)
	}
	return nil
}

// tarWrapChunk returns how many words can be transferred before TAR's
// auto-increment wraps its low 10 bits (a 1-KiB boundary).
func tarWrapChunk(addr uint32, remaining int) int {
	cl := int((0x400 - addr&0x3ff) / 4)
	if cl > remaining {
		cl = remaining
	}
	if cl == 0 {
		cl = remaining
		if cl > 256 {
			cl = 256
		}
	}
	return cl
}

// ReadBlock reads wordCount consecutive words starting at addr,
// re-arming TAR at each 1-KiB auto-increment boundary.
func (m *MemAP) ReadBlock(ctx context.Context, addr uint32, wordCount int) ([]uint32, error) {
	if addr%4 != 0 {
		return nil, coreerr.New(coreerr.InvalidData, "address 0x%x is not word-aligned", addr)
	}
	res := make([]uint32, 0, wordCount)
	for i := 0; i < wordCount; {
		if err := m.dpc.WriteAPReg(ctx, m.apSel, uint8(TAR), addr); err != nil {
			return nil, m.onFault(ctx, err)
		}
		cl := tarWrapChunk(addr, wordCount-i)
		words, err := m.dpc.ReadAPRegMulti(ctx, m.apSel, uint8(DRW), cl)
		if err != nil {
			return nil, m.onFault(ctx, err)
		}
		res = append(res, words...)
		addr += uint32(cl * 4)
		i += cl
	}
	return res, nil
}

// WriteBlock writes data starting at addr, re-arming TAR at each 1-KiB
// auto-increment boundary.
func (m *MemAP) WriteBlock(ctx context.Context, addr uint32, data []uint32) error {
	if addr%4 != 0 {
		return coreerr.New(coreerr.InvalidData, "address 0x%x is not word-aligned", addr)
	}
	for i := 0; i < len(data); {
		if err := m.dpc.WriteAPReg(ctx, m.apSel, uint8(TAR), addr); err != nil {
			return m.onFault(ctx, err)
		}
		cl := tarWrapChunk(addr, len(data)-i)
		if err := m.dpc.WriteAPRegMulti(ctx, m.apSel, uint8(DRW), data[i:i+cl]); err != nil {
			return m.onFault(ctx, err)
		}
		addr += uint32(cl * 4)
		i += cl
	}
	return nil
}

// onFault clears DP sticky errors and surfaces the failure; the engine
// never silently retries — that policy lives in the operations layer.
func (m *MemAP) onFault(ctx context.Context, err error) error {
	if cerr := m.dpc.ClearErrors(ctx); cerr != nil {
		glog.Warningf("failed to clear DP errors after MEM-AP fault: %s", cerr)
	}
	if _, ok := coreerr.As(err); ok {
		return err
	}
	return coreerr.Wrap(err, coreerr.TransferFailed, "MEM-AP access failed")
}
