package dap

import (
	"context"
	"encoding/binary"
	"testing"
)

// fakeTransport is a table-driven stand-in for a real CMSIS-DAP probe; it
// decodes just enough of the wire format to answer GetInfo, Transfer and
// TransferBlock* the way a real device would, without touching USB.
type fakeTransport struct {
	maxPacketSize uint16
	regs          map[uint8]uint32
	failStatus    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{maxPacketSize: 64, regs: map[uint8]uint32{}}
}

func (f *fakeTransport) Transfer(ctx context.Context, out []byte) ([]byte, error) {
	cmd := out[1]
	switch command(cmd) {
	case cmdInfo:
		return []byte{cmd, 2, byte(f.maxPacketSize), byte(f.maxPacketSize >> 8)}, nil
	case cmdTransfer:
		dapIndex := out[2]
		_ = dapIndex
		count := int(out[3])
		body := out[4:]
		resp := []byte{cmd, byte(count), 1 /* status OK */}
		off := 0
		for i := 0; i < count; i++ {
			treq := body[off]
			off++
			reg := treq & 0xc
			isRead := treq&(1<<1) != 0
			if isRead {
				var buf [4]byte
				if f.failStatus {
					return []byte{cmd, byte(i), 4}, nil
				}
				binary.LittleEndian.PutUint32(buf[:], f.regs[reg])
				resp = append(resp, buf[:]...)
			} else {
				v := binary.LittleEndian.Uint32(body[off : off+4])
				off += 4
				f.regs[reg] = v
			}
		}
		return resp, nil
	case cmdTransferBlock:
		length := int(binary.LittleEndian.Uint16(out[3:5]))
		treq := out[5]
		reg := treq & 0xc
		isRead := treq&2 != 0
		if isRead {
			resp := make([]byte, 0, 4+length*4)
			resp = append(resp, cmd, byte(length), byte(length>>8), 1)
			for i := 0; i < length; i++ {
				var buf [4]byte
				binary.LittleEndian.PutUint32(buf[:], f.regs[reg]+uint32(i))
				resp = append(resp, buf[:]...)
			}
			return resp, nil
		}
		// write
		body := out[6:]
		for i := 0; i*4 < len(body); i++ {
			f.regs[reg] = binary.LittleEndian.Uint32(body[i*4 : i*4+4])
		}
		return []byte{cmd, byte(length), byte(length >> 8), 1}, nil
	default:
		return []byte{cmd, 0}, nil
	}
}

func TestTransferWriteThenRead(t *testing.T) {
	ft := newFakeTransport()
	ctx := context.Background()
	c, err := NewClient(ctx, ft)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.Transfer(ctx, []TransferRequest{{Reg: 0x4, Op: OpWrite, Data: 0xdeadbeef}}); err != nil {
		t.Fatalf("write transfer: %v", err)
	}
	data, err := c.Transfer(ctx, []TransferRequest{{Reg: 0x4, Op: OpRead}})
	if err != nil {
		t.Fatalf("read transfer: %v", err)
	}
	if len(data) != 1 || data[0] != 0xdeadbeef {
		t.Fatalf("got %#v, want [0xdeadbeef]", data)
	}
}

func TestTransferBlockRoundTrip(t *testing.T) {
	ft := newFakeTransport()
	ctx := context.Background()
	c, err := NewClient(ctx, ft)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := c.TransferBlockWrite(ctx, true, 0xc, []uint32{7}); err != nil {
		t.Fatalf("block write: %v", err)
	}
	got, err := c.TransferBlockRead(ctx, true, 0xc, 4)
	if err != nil {
		t.Fatalf("block read: %v", err)
	}
	want := []uint32{7, 8, 9, 10}
	if len(got) != len(want) {
		t.Fatalf("got %d words, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("word %d: got 0x%x, want 0x%x", i, got[i], want[i])
		}
	}
}

func TestBlockMaxWordsReflectsNegotiatedPacketSize(t *testing.T) {
	ft := newFakeTransport()
	ft.maxPacketSize = 16
	ctx := context.Background()
	c, err := NewClient(ctx, ft)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.maxPacketSize != 16 {
		t.Fatalf("maxPacketSize = %d, want 16", c.maxPacketSize)
	}
	if max := c.BlockMaxWords(); max != (16-6)/4 {
		t.Fatalf("BlockMaxWords = %d, want %d", max, (16-6)/4)
	}
}
