// Package dp drives the ADIv5 Debug Port and Access Port over a CMSIS-DAP
// command client: SWJ line reset, power-up negotiation, DP/AP register
// access and the DPSELECT bank caching discipline. It is the "interesting
// engineering" half of the probe stack described by the project this code
// belongs to — turning a packet-oriented, pipelined transport into
// ordered, retryable register access.
package dp

import (
	"context"
	"fmt"
	"time"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/reverse-bike/sdcfw/internal/coreerr"
	"github.com/reverse-bike/sdcfw/internal/dap"
)

// Reg is a DP register address (bits [3:2] of the DP address space).
type Reg uint8

const (
	DPIDR     Reg = 0x0
	CTRLSTAT  Reg = 0x4
	SELECT    Reg = 0x8
	RDBUFF    Reg = 0xc
)

func (r Reg) String() string {
	switch r {
	case DPIDR:
		return "DPIDR"
	case CTRLSTAT:
		return "CTRLSTAT"
	case SELECT:
		return "SELECT"
	case RDBUFF:
		return "RDBUFF"
	}
	return fmt.Sprintf("0x%x", uint8(r))
}

// State is the connection lifecycle of a Session, per the data model:
// Disconnected -> Connecting -> Connected -> Disconnected, with any
// transport fault forcing a transition to Faulted.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Faulted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Faulted:
		return "faulted"
	}
	return "unknown"
}

const (
	defaultClockHz = 4_000_000
	// clearErrorsValue is the CTRL/STAT value the driver writes after a
	// WAIT/FAULT response to clear the sticky-error bits.
	clearErrorsValue = 0x0000001E

	ctrlStatCSYSPWRUPREQ = 0x40000000
	ctrlStatCDBGPWRUPREQ = 0x10000000
	ctrlStatCSYSPWRUPACK = 0x80000000
	ctrlStatCDBGPWRUPACK = 0x20000000

	// regAccessTimeout bounds a single DP or AP register access, per the
	// project's deadline table.
	regAccessTimeout = 1 * time.Second
	// blockAccessTimeout bounds a single pipelined AP register block
	// transfer (the unit memap chunks its reads/writes into).
	blockAccessTimeout = 2 * time.Second
)

// Session holds the mutable state of one SWD link: the negotiated clock
// speed, the last-selected AP+bank (so DP.SELECT is only rewritten on
// change) and the current connection state. A Session must not be shared
// across concurrent callers without external mutual exclusion.
type Session struct {
	dapc *dap.Client

	state       State
	selectValue uint32
	idr         uint32
}

// New wraps a CMSIS-DAP command client in a debug-port session. The probe
// must already be open; Connect still needs to be called before any
// register access.
func New(dapc *dap.Client) *Session {
	return &Session{dapc: dapc, state: Disconnected}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Connected reports whether the session has completed SWD negotiation.
func (s *Session) Connected() bool { return s.state == Connected }

// Connect performs the ADIv5 SWJ switch, line reset, IDCODE read and
// power-up handshake. On any failure the session transitions to Faulted;
// callers recover with Disconnect followed by another Connect.
func (s *Session) Connect(ctx context.Context) error {
	s.state = Connecting
	if err := s.dapc.SWJClock(ctx, defaultClockHz); err != nil {
		s.state = Faulted
		return coreerr.Wrap(err, coreerr.ConnectionFailed, "failed to set SWD clock")
	}
	if err := s.dapc.Connect(ctx, dap.ConnectSWD); err != nil {
		s.state = Faulted
		return coreerr.Wrap(err, coreerr.ConnectionFailed, "probe refused SWD connect")
	}
	if err := s.lineReset(ctx); err != nil {
		s.state = Faulted
		return coreerr.Wrap(err, coreerr.ConnectionFailed, "SWD line reset failed")
	}
	idr, err := s.readRegRaw(ctx, uint8(DPIDR), false)
	if err != nil {
		s.state = Faulted
		return coreerr.Wrap(err, coreerr.TargetNotConnected, "failed to read DPIDR")
	}
	s.idr = idr
	glog.V(1).Infof("DPIDR = 0x%08x", idr)
	s.selectValue = 0xffffffff // force the first selectAP to actually write SELECT
	if err := s.writeRegRaw(ctx, uint8(SELECT), false, 0); err != nil {
		s.state = Faulted
		return coreerr.Wrap(err, coreerr.ConnectionFailed, "failed to reset DP.SELECT")
	}
	s.selectValue = 0
	if err := s.powerUp(ctx); err != nil {
		s.state = Faulted
		return errors.Trace(err)
	}
	if err := s.ClearErrors(ctx); err != nil {
		s.state = Faulted
		return errors.Trace(err)
	}
	s.state = Connected
	return nil
}

// Disconnect releases the SWD wire mode. The session returns to
// Disconnected regardless of whether the probe ACKs the request, so that
// a Faulted session can always be recovered by Disconnect+Connect.
func (s *Session) Disconnect(ctx context.Context) error {
	err := s.dapc.Disconnect(ctx)
	s.state = Disconnected
	s.selectValue = 0
	if err != nil {
		return coreerr.Wrap(err, coreerr.TransferFailed, "disconnect")
	}
	return nil
}

// lineReset clocks at least 50 SWCLK cycles with SWDIO high, the ARM
// ADIv5 line-reset sequence, immediately followed by a couple of idle
// cycles so the target is ready to accept the first DP access.
func (s *Session) lineReset(ctx context.Context) error {
	return s.dapc.SWJSequence(ctx, 72, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x00})
}

func (s *Session) powerUp(ctx context.Context) error {
	reqMask := uint32(ctrlStatCSYSPWRUPREQ | ctrlStatCDBGPWRUPREQ)
	ackMask := uint32(ctrlStatCSYSPWRUPACK | ctrlStatCDBGPWRUPACK)
	deadline := time.Now().Add(1 * time.Second)
	for {
		v, err := s.readRegRaw(ctx, uint8(CTRLSTAT), false)
		if err != nil {
			return coreerr.Wrap(err, coreerr.TargetNotConnected, "failed to read CTRL/STAT")
		}
		if v&(reqMask|ackMask) == (reqMask | ackMask) {
			return nil
		}
		if time.Now().After(deadline) {
			return coreerr.New(coreerr.TargetNotConnected, "target did not ack power-up request")
		}
		ctrl := (v &^ (reqMask | ackMask)) | reqMask
		if err := s.writeRegRaw(ctx, uint8(CTRLSTAT), false, ctrl); err != nil {
			return coreerr.Wrap(err, coreerr.TransferFailed, "failed to write CTRL/STAT")
		}
		select {
		case <-ctx.Done():
			return coreerr.Wrap(ctx.Err(), coreerr.Timeout, "power-up handshake")
		default:
		}
	}
}

// ClearErrors writes the sticky-error-clear pattern to CTRL/STAT. Called
// automatically after a WAIT/FAULT response; also exported so the
// operations layer can clear errors explicitly (e.g. before CTRL-AP use).
func (s *Session) ClearErrors(ctx context.Context) error {
	return errors.Trace(s.writeRegRaw(ctx, uint8(CTRLSTAT), false, clearErrorsValue))
}

func (s *Session) readRegRaw(ctx context.Context, reg uint8, ap bool) (uint32, error) {
	data, err := s.dapc.Transfer(ctx, []dap.TransferRequest{{Op: dap.OpRead, AP: ap, Reg: reg}})
	if err != nil {
		return 0, s.classifyTransferErr(err)
	}
	return data[0], nil
}

func (s *Session) writeRegRaw(ctx context.Context, reg uint8, ap bool, value uint32) error {
	_, err := s.dapc.Transfer(ctx, []dap.TransferRequest{{Op: dap.OpWrite, AP: ap, Reg: reg, Data: value}})
	if err != nil {
		return s.classifyTransferErr(err)
	}
	return nil
}

// classifyTransferErr marks the session Faulted and maps a raw transfer
// failure into the shared error taxonomy. It does not clear sticky DP
// errors; callers that do so use recoverSticky.
func (s *Session) classifyTransferErr(err error) error {
	s.state = Faulted
	if ce, ok := coreerr.As(err); ok {
		return ce
	}
	return coreerr.Wrap(err, coreerr.TransferFailed, "DP/AP transfer failed")
}

// ReadDPReg reads a Debug Port register.
func (s *Session) ReadDPReg(ctx context.Context, reg Reg) (uint32, error) {
	dctx, cancel := context.WithTimeout(ctx, regAccessTimeout)
	defer cancel()
	v, err := s.readRegRaw(dctx, uint8(reg), false)
	if err != nil {
		s.recoverSticky(ctx)
		return 0, errors.Annotatef(err, "read %s", reg)
	}
	return v, nil
}

// WriteDPReg writes a Debug Port register.
func (s *Session) WriteDPReg(ctx context.Context, reg Reg, value uint32) error {
	dctx, cancel := context.WithTimeout(ctx, regAccessTimeout)
	defer cancel()
	if err := s.writeRegRaw(dctx, uint8(reg), false, value); err != nil {
		s.recoverSticky(ctx)
		return errors.Annotatef(err, "write %s = 0x%08x", reg, value)
	}
	return nil
}

func (s *Session) recoverSticky(ctx context.Context) {
	if cerr := s.ClearErrors(ctx); cerr != nil {
		glog.Warningf("failed to clear sticky DP errors: %s", cerr)
	}
}

// selectAP rewrites DP.SELECT only when the requested AP+bank differs
// from what's cached, per the addressing discipline in the driver spec.
func (s *Session) selectAP(ctx context.Context, apSel, apBank uint8) error {
	sv := (s.selectValue & 0x00ffff0f) | (uint32(apSel) << 24) | (uint32(apBank&0xf) << 4)
	if sv == s.selectValue {
		return nil
	}
	if err := s.writeRegRaw(ctx, uint8(SELECT), false, sv); err != nil {
		s.recoverSticky(ctx)
		return coreerr.Wrap(err, coreerr.TransferFailed, "failed to select AP %d bank %d", apSel, apBank)
	}
	s.selectValue = sv
	return nil
}

// ReadAPReg reads one AP register. AP reads are pipelined: the Transfer
// itself returns the previous transaction's data, so a trailing
// DP.RDBUFF read is required to realize the value actually produced by
// this access.
func (s *Session) ReadAPReg(ctx context.Context, apSel, apReg uint8) (uint32, error) {
	dctx, cancel := context.WithTimeout(ctx, regAccessTimeout)
	defer cancel()
	if err := s.selectAP(dctx, apSel, apReg/16); err != nil {
		return 0, errors.Trace(err)
	}
	reg := apReg % 16
	data, err := s.dapc.Transfer(dctx, []dap.TransferRequest{
		{Op: dap.OpRead, AP: true, Reg: reg},
		{Op: dap.OpRead, AP: false, Reg: uint8(RDBUFF)},
	})
	if err != nil {
		s.recoverSticky(ctx)
		return 0, errors.Annotatef(s.classifyTransferErr(err), "read AP%d reg 0x%x", apSel, apReg)
	}
	return data[1], nil
}

// WriteAPReg writes one AP register.
func (s *Session) WriteAPReg(ctx context.Context, apSel, apReg uint8, value uint32) error {
	dctx, cancel := context.WithTimeout(ctx, regAccessTimeout)
	defer cancel()
	if err := s.selectAP(dctx, apSel, apReg/16); err != nil {
		return errors.Trace(err)
	}
	reg := apReg % 16
	if err := s.writeRegRaw(dctx, reg, true, value); err != nil {
		s.recoverSticky(ctx)
		return errors.Annotatef(s.classifyTransferErr(err), "write AP%d reg 0x%x = 0x%08x", apSel, apReg, value)
	}
	return nil
}

// ReadAPRegMulti reads length consecutive words from apReg (TAR
// auto-increment is the caller's responsibility, typically via memap).
// Because AP reads are pipelined one deep, the block is realized by
// shifting the returned words down by one and completing the sequence
// with a trailing DP.RDBUFF read.
func (s *Session) ReadAPRegMulti(ctx context.Context, apSel, apReg uint8, length int) ([]uint32, error) {
	if length == 0 {
		return nil, nil
	}
	dctx, cancel := context.WithTimeout(ctx, blockAccessTimeout)
	defer cancel()
	if err := s.selectAP(dctx, apSel, apReg/16); err != nil {
		return nil, errors.Trace(err)
	}
	reg := apReg % 16
	maxChunk := s.dapc.BlockMaxWords()
	res := make([]uint32, 0, length)
	for len(res) < length {
		chunk := length - len(res)
		if chunk > maxChunk {
			chunk = maxChunk
		}
		words, err := s.dapc.TransferBlockRead(dctx, true, reg, chunk)
		if err != nil {
			s.recoverSticky(ctx)
			return nil, errors.Annotatef(s.classifyTransferErr(err), "block read AP%d reg 0x%x", apSel, apReg)
		}
		res = append(res, words...)
	}
	// Shift out the stale leading value and realize the true last word.
	last, err := s.readRegRaw(dctx, uint8(RDBUFF), false)
	if err != nil {
		s.recoverSticky(ctx)
		return nil, errors.Annotatef(s.classifyTransferErr(err), "RDBUFF read after block")
	}
	res = append(res[1:], last)
	return res, nil
}

// WriteAPRegMulti writes values to apReg.
func (s *Session) WriteAPRegMulti(ctx context.Context, apSel, apReg uint8, values []uint32) error {
	if len(values) == 0 {
		return nil
	}
	dctx, cancel := context.WithTimeout(ctx, blockAccessTimeout)
	defer cancel()
	if err := s.selectAP(dctx, apSel, apReg/16); err != nil {
		return errors.Trace(err)
	}
	reg := apReg % 16
	maxChunk := s.dapc.BlockMaxWords()
	for off := 0; off < len(values); {
		chunk := values[off:]
		if len(chunk) > maxChunk {
			chunk = chunk[:maxChunk]
		}
		if err := s.dapc.TransferBlockWrite(dctx, true, reg, chunk); err != nil {
			s.recoverSticky(ctx)
			return errors.Annotatef(s.classifyTransferErr(err), "block write AP%d reg 0x%x", apSel, apReg)
		}
		off += len(chunk)
	}
	return nil
}

// SoftReset pulses the target's reset line via the probe's dedicated
// reset command, the finishing step of a restore.
func (s *Session) SoftReset(ctx context.Context) error {
	return errors.Trace(s.dapc.ResetTarget(ctx))
}

// DPIDRValue decodes the Debug Port identification register.
type DPIDRValue uint32

func (s *Session) IDR() DPIDRValue { return DPIDRValue(s.idr) }

func (v DPIDRValue) Designer() uint16 { return uint16(v & 0xfff) }
func (v DPIDRValue) Version() uint8   { return uint8((v >> 12) & 0xf) }
func (v DPIDRValue) Revision() uint8  { return uint8((v >> 28) & 0xf) }
