// Package dap implements (a subset of) the CMSIS-DAP command protocol:
// https://arm-software.github.io/CMSIS_5/DAP/html/group__DAP__Commands__gr.html
//
// It turns probe.Handle's raw transfer(out)->in primitive into typed
// Connect/Transfer/TransferBlock calls. It has no notion of DP/AP
// addressing; that's built on top, in package dp.
package dap

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/cesanta/errors"
	"github.com/golang/glog"

	"github.com/reverse-bike/sdcfw/internal/coreerr"
)

type command uint8

const (
	cmdInfo              command = 0x00
	cmdConnect           command = 0x02
	cmdDisconnect        command = 0x03
	cmdTransferConfigure command = 0x04
	cmdTransfer          command = 0x05
	cmdTransferBlock     command = 0x06
	cmdResetTarget       command = 0x0a
	cmdSWJClock          command = 0x11
	cmdSWJSequence       command = 0x12
	cmdSWDConfigure      command = 0x13
)

// ConnectMode selects the wire protocol CMSIS-DAP negotiates with the
// target; this tool only ever uses ConnectSWD (spec: SWD-only).
type ConnectMode uint8

const ConnectSWD ConnectMode = 1

// Op is the kind of access a TransferRequest performs.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

// TransferRequest is one DP or AP register access within a Transfer call.
type TransferRequest struct {
	AP   bool
	Op   Op
	Reg  uint8 // 0, 4, 8 or 0xc (low two bits of the register address)
	Data uint32
}

// TransferStatus is the per-transfer ACK field CMSIS-DAP returns.
type TransferStatus uint8

const (
	transferStatusOK    TransferStatus = 1
	transferStatusWait  TransferStatus = 2
	transferStatusFault TransferStatus = 4
)

// Ok reports whether the target ACKed the transfer.
func (s TransferStatus) Ok() bool { return s&0x7 == transferStatusOK }

// Wait reports whether the target asked for a retry.
func (s TransferStatus) Wait() bool { return s&0x7 == transferStatusWait }

// Transport is the packet-level primitive a Client is built on; satisfied
// by *probe.Handle.
type Transport interface {
	Transfer(ctx context.Context, out []byte) ([]byte, error)
}

// Client speaks CMSIS-DAP commands over a Transport.
type Client struct {
	t             Transport
	maxPacketSize int
}

// NewClient negotiates the probe's max HID report size via GetInfo(0xff)
// and returns a ready-to-use command client.
func NewClient(ctx context.Context, t Transport) (*Client, error) {
	c := &Client{t: t, maxPacketSize: 8} // conservative guess until negotiated
	resp, err := c.GetInfo(ctx, 0xff)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to get max packet size")
	}
	var rl uint8
	var mps uint16
	binary.Read(resp, binary.LittleEndian, &rl)
	binary.Read(resp, binary.LittleEndian, &mps)
	if mps > 0 {
		c.maxPacketSize = int(mps)
	}
	glog.V(2).Infof("dap: max packet size %d", c.maxPacketSize)
	return c, nil
}

func newCmd(cmd command) *bytes.Buffer {
	return bytes.NewBuffer([]uint8{0 /* HID report number, unused */, uint8(cmd)})
}

func (c *Client) exec(ctx context.Context, args *bytes.Buffer) (*bytes.Buffer, error) {
	glog.V(4).Infof("dap => %s", hex.EncodeToString(args.Bytes()[1:]))
	if args.Len() > c.maxPacketSize {
		return nil, coreerr.New(coreerr.InvalidData, "packet too long (max %d, got %d)", c.maxPacketSize, args.Len())
	}
	cmd := args.Bytes()[1]
	resp, err := c.t.Transfer(ctx, args.Bytes())
	if err != nil {
		return nil, errors.Trace(err)
	}
	glog.V(4).Infof("dap <= %s", hex.EncodeToString(resp))
	if len(resp) == 0 {
		return nil, coreerr.New(coreerr.TransferFailed, "empty response to command 0x%02x", cmd)
	}
	if resp[0] != cmd {
		return nil, coreerr.New(coreerr.TransferFailed, "response to wrong command (want 0x%02x, got 0x%02x)", cmd, resp[0])
	}
	return bytes.NewBuffer(resp[1:]), nil
}

func (c *Client) execCheckStatus(ctx context.Context, args *bytes.Buffer) error {
	cmd := args.Bytes()[1]
	resp, err := c.exec(ctx, args)
	if err != nil {
		return errors.Trace(err)
	}
	if resp.Len() == 0 {
		return coreerr.New(coreerr.TransferFailed, "command 0x%02x: empty status", cmd)
	}
	if status := resp.Bytes()[0]; status != 0 {
		return coreerr.New(coreerr.TransferFailed, "command 0x%02x returned error (0x%02x)", cmd, status)
	}
	return nil
}

// GetInfo issues the raw DAP_Info command, returning the undecoded body.
func (c *Client) GetInfo(ctx context.Context, info uint8) (*bytes.Buffer, error) {
	args := newCmd(cmdInfo)
	binary.Write(args, binary.LittleEndian, info)
	resp, err := c.exec(ctx, args)
	return resp, errors.Annotatef(err, "failed to get info 0x%02x", info)
}

// Connect switches the probe into the requested wire mode.
func (c *Client) Connect(ctx context.Context, mode ConnectMode) error {
	args := newCmd(cmdConnect)
	binary.Write(args, binary.LittleEndian, uint8(mode))
	resp, err := c.exec(ctx, args)
	if err != nil {
		return errors.Trace(err)
	}
	if resp.Len() == 0 || resp.Bytes()[0] == 0 {
		return coreerr.New(coreerr.ConnectionFailed, "probe rejected connect request")
	}
	return nil
}

// Disconnect releases the wire mode.
func (c *Client) Disconnect(ctx context.Context) error {
	return errors.Trace(c.execCheckStatus(ctx, newCmd(cmdDisconnect)))
}

// TransferConfigure sets idle-cycle count and WAIT/match retry budgets.
func (c *Client) TransferConfigure(ctx context.Context, idleCycles uint8, waitRetry, matchRetry uint16) error {
	args := newCmd(cmdTransferConfigure)
	binary.Write(args, binary.LittleEndian, idleCycles)
	binary.Write(args, binary.LittleEndian, waitRetry)
	binary.Write(args, binary.LittleEndian, matchRetry)
	return errors.Trace(c.execCheckStatus(ctx, args))
}

// SWDConfigure sets the SWD turnaround/data-phase configuration byte.
func (c *Client) SWDConfigure(ctx context.Context, config uint8) error {
	args := newCmd(cmdSWDConfigure)
	binary.Write(args, binary.LittleEndian, config)
	return errors.Trace(c.execCheckStatus(ctx, args))
}

// SWJClock sets the SWD clock rate in Hz.
func (c *Client) SWJClock(ctx context.Context, clockHz uint32) error {
	args := newCmd(cmdSWJClock)
	binary.Write(args, binary.LittleEndian, clockHz)
	return errors.Trace(c.execCheckStatus(ctx, args))
}

// SWJSequence clocks a raw bit sequence out on SWDIO, used for the
// line-reset and JTAG-to-SWD switch sequences.
func (c *Client) SWJSequence(ctx context.Context, numBits int, data []uint8) error {
	if numBits < 1 || numBits > 256 {
		return coreerr.New(coreerr.InvalidData, "sequence length must be 1..256 bits, got %d", numBits)
	}
	args := newCmd(cmdSWJSequence)
	binary.Write(args, binary.LittleEndian, uint8(numBits))
	args.Write(data)
	return errors.Trace(c.execCheckStatus(ctx, args))
}

// ResetTarget pulses the probe's nRESET line.
func (c *Client) ResetTarget(ctx context.Context) error {
	return errors.Trace(c.execCheckStatus(ctx, newCmd(cmdResetTarget)))
}

// doTransfer issues one DAP_Transfer with up to a handful of requests.
func (c *Client) doTransfer(ctx context.Context, reqs []TransferRequest) (TransferStatus, []uint32, error) {
	args := newCmd(cmdTransfer)
	binary.Write(args, binary.LittleEndian, uint8(0)) // DAP index: only one target
	binary.Write(args, binary.LittleEndian, uint8(len(reqs)))
	for i, req := range reqs {
		if req.Reg&3 != 0 {
			return 0, nil, coreerr.New(coreerr.InvalidData, "request %d: invalid register 0x%x", i, req.Reg)
		}
		treq := req.Reg & 0xc
		if req.AP {
			treq |= 1 << 0
		}
		haveData := req.Op == OpWrite
		if req.Op == OpRead {
			treq |= 1 << 1
		}
		binary.Write(args, binary.LittleEndian, treq)
		if haveData {
			binary.Write(args, binary.LittleEndian, req.Data)
		}
	}
	resp, err := c.exec(ctx, args)
	if err != nil {
		return 0, nil, errors.Trace(err)
	}
	var tc uint8
	var st TransferStatus
	if binary.Read(resp, binary.LittleEndian, &tc) != nil || binary.Read(resp, binary.LittleEndian, &st) != nil {
		return 0, nil, coreerr.New(coreerr.TransferFailed, "transfer response too short")
	}
	if !st.Ok() {
		return st, nil, coreerr.New(coreerr.TransferFailed, "transfer failed (%d/%d completed, status 0x%02x)", tc, len(reqs), st)
	}
	if int(tc) != len(reqs) {
		return st, nil, coreerr.New(coreerr.TransferFailed, "not all transfers completed (%d/%d)", tc, len(reqs))
	}
	var data []uint32
	for _, req := range reqs {
		if req.Op != OpRead {
			continue
		}
		var d uint32
		if binary.Read(resp, binary.LittleEndian, &d) != nil {
			return st, nil, coreerr.New(coreerr.TransferFailed, "transfer response too short for read data")
		}
		data = append(data, d)
	}
	return st, data, nil
}

// Transfer retries internally while the target answers WAIT, up to a
// small fixed number of attempts; beyond that it surfaces TRANSFER_FAILED
// to the caller (the operations layer decides whether to reconnect).
func (c *Client) Transfer(ctx context.Context, reqs []TransferRequest) ([]uint32, error) {
	var lastErr error
	for i := 0; i < 5; i++ {
		st, data, err := c.doTransfer(ctx, reqs)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !st.Wait() {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, coreerr.Wrap(ctx.Err(), coreerr.Timeout, "transfer retry wait")
		default:
		}
	}
	return nil, coreerr.Wrap(lastErr, coreerr.TransferFailed, "transfer: exceeded WAIT retry budget")
}

// BlockMaxWords is the largest word count TransferBlockRead/Write can move
// in a single HID report, given the negotiated packet size.
func (c *Client) BlockMaxWords() int {
	const headerLen = 1 /* HID report number */ + 1 /* command */ + 1 /* dap index */ + 2 /* count */ + 1 /* request */
	n := (c.maxPacketSize - headerLen) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// TransferBlockRead reads length consecutive words from reg (AP or DP).
func (c *Client) TransferBlockRead(ctx context.Context, ap bool, reg uint8, length int) ([]uint32, error) {
	if length > c.BlockMaxWords() {
		return nil, coreerr.New(coreerr.InvalidData, "block too big (max %d, got %d)", c.BlockMaxWords(), length)
	}
	if reg&3 != 0 {
		return nil, coreerr.New(coreerr.InvalidData, "invalid register 0x%x", reg)
	}
	args := newCmd(cmdTransferBlock)
	binary.Write(args, binary.LittleEndian, uint8(0))
	binary.Write(args, binary.LittleEndian, uint16(length))
	treq := (reg & 0xc) | 2 /* read */
	if ap {
		treq |= 1 << 0
	}
	binary.Write(args, binary.LittleEndian, treq)
	resp, err := c.exec(ctx, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var tc uint16
	var st TransferStatus
	if binary.Read(resp, binary.LittleEndian, &tc) != nil || binary.Read(resp, binary.LittleEndian, &st) != nil {
		return nil, coreerr.New(coreerr.TransferFailed, "block-read response too short")
	}
	if !st.Ok() {
		return nil, coreerr.New(coreerr.TransferFailed, "block read failed (%d/%d, status 0x%02x)", tc, length, st)
	}
	if int(tc) != length {
		return nil, coreerr.New(coreerr.TransferFailed, "block read incomplete (%d/%d)", tc, length)
	}
	res := make([]uint32, 0, length)
	for i := 0; i < length; i++ {
		var w uint32
		if binary.Read(resp, binary.LittleEndian, &w) != nil {
			return nil, coreerr.New(coreerr.TransferFailed, "block-read response truncated")
		}
		res = append(res, w)
	}
	return res, nil
}

// TransferBlockWrite writes data to reg (AP or DP), auto-incrementing.
func (c *Client) TransferBlockWrite(ctx context.Context, ap bool, reg uint8, data []uint32) error {
	if len(data) > c.BlockMaxWords() {
		return coreerr.New(coreerr.InvalidData, "block too big (max %d, got %d)", c.BlockMaxWords(), len(data))
	}
	if reg&3 != 0 {
		return coreerr.New(coreerr.InvalidData, "invalid register 0x%x", reg)
	}
	args := newCmd(cmdTransferBlock)
	binary.Write(args, binary.LittleEndian, uint8(0))
	binary.Write(args, binary.LittleEndian, uint16(len(data)))
	treq := reg & 0xc
	if ap {
		treq |= 1 << 0
	}
	binary.Write(args, binary.LittleEndian, treq)
	for _, v := range data {
		binary.Write(args, binary.LittleEndian, v)
	}
	resp, err := c.exec(ctx, args)
	if err != nil {
		return errors.Trace(err)
	}
	var tc uint16
	var st TransferStatus
	if binary.Read(resp, binary.LittleEndian, &tc) != nil || binary.Read(resp, binary.LittleEndian, &st) != nil {
		return coreerr.New(coreerr.TransferFailed, "block-write response too short")
	}
	if !st.Ok() {
		return coreerr.New(coreerr.TransferFailed, "block write failed (%d/%d, status 0x%02x)", tc, len(data), st)
	}
	if int(tc) != len(data) {
		return coreerr.New(coreerr.TransferFailed, "block write incomplete (%d/%d)", tc, len(data))
	}
	return nil
}

const cmdDelay command = 0x09

// Delay asks the probe itself to wait before replying, used sparingly;
// the ops layer otherwise relies on time.Sleep for inter-poll pacing so
// that cancellation remains observable between packets.
func (c *Client) Delay(ctx context.Context, d time.Duration) error {
	micros := d.Microseconds()
	if micros > 65535 {
		return coreerr.New(coreerr.InvalidData, "delay too large (%d us)", micros)
	}
	args := newCmd(cmdDelay)
	binary.Write(args, binary.LittleEndian, uint16(micros))
	return errors.Trace(c.execCheckStatus(ctx, args))
}
