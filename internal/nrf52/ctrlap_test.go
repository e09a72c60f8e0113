package nrf52

import (
	"context"
	"testing"
	"time"
)

// fakeCtrlAP emulates the CTRL-AP ERASEALL handshake: ERASEALLSTATUS
// reads busy (1) until a configurable poll count, then clears (0).
type fakeCtrlAP struct {
	regs          map[uint8]uint32
	pollsUntilOK  int
	polls         int
	clearErrCalls int
	idr           uint32
}

func newFakeCtrlAP(pollsUntilOK int) *fakeCtrlAP {
	return &fakeCtrlAP{
		regs:         map[uint8]uint32{ctrlAPIDR: expectedCtrlAPIDR},
		pollsUntilOK: pollsUntilOK,
	}
}

func (f *fakeCtrlAP) ReadAPReg(ctx context.Context, apSel, apReg uint8) (uint32, error) {
	if apReg == ctrlAPEraseAllStatus {
		f.polls++
		if f.polls >= f.pollsUntilOK {
			return 0, nil
		}
		return 1, nil
	}
	return f.regs[apReg], nil
}

func (f *fakeCtrlAP) WriteAPReg(ctx context.Context, apSel, apReg uint8, value uint32) error {
	f.regs[apReg] = value
	return nil
}

func (f *fakeCtrlAP) ClearErrors(ctx context.Context) error {
	f.clearErrCalls++
	return nil
}

func TestEraseAllSucceedsAfterPolling(t *testing.T) {
	ap := newFakeCtrlAP(3)
	c := New(nil, ap)
	if err := c.EraseAll(context.Background()); err != nil {
		t.Fatalf("EraseAll: %v", err)
	}
	if ap.regs[ctrlAPEraseAll] != 0 {
		t.Fatalf("expected ERASEALL cleared after completion, got %d", ap.regs[ctrlAPEraseAll])
	}
	if ap.clearErrCalls < 2 {
		t.Fatalf("expected DP errors cleared both before and after, got %d calls", ap.clearErrCalls)
	}
}

func TestEraseAllFailsIfStatusNeverGoesReady(t *testing.T) {
	ap := newFakeCtrlAP(1 << 30) // never reaches ready within attempt budget
	c := New(nil, ap)
	// Bound the wait with a short deadline rather than the real 15s budget;
	// cancellation surfaces as its own error, which is all this case checks.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.EraseAll(ctx); err == nil {
		t.Fatalf("expected an error when ERASEALLSTATUS never completes")
	}
}
