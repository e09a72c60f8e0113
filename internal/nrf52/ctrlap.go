package nrf52

import (
	"context"
	"time"

	"github.com/golang/glog"

	"github.com/reverse-bike/sdcfw/internal/coreerr"
)

const (
	eraseAllPollInterval = 100 * time.Millisecond
	eraseAllMaxAttempts  = 150 // 15s at 100ms
)

// EraseAll runs the CTRL-AP recovery erase: the only way to clear a
// protected (APPROTECT-locked) device, since the MEM-AP is inaccessible
// until the whole chip has been wiped. It never touches the MEM-AP.
func (c *Controller) EraseAll(ctx context.Context) error {
	if err := c.ap.ClearErrors(ctx); err != nil {
		glog.Warningf("failed to clear DP errors before ERASEALL: %s", err)
	}

	if idr, err := c.ap.ReadAPReg(ctx, CtrlAPSel, ctrlAPIDR); err != nil {
		glog.Warningf("failed to read CTRL-AP IDR: %s", err)
	} else if idr != expectedCtrlAPIDR {
		glog.Warningf("unexpected CTRL-AP IDR 0x%08x (expected 0x%08x)", idr, expectedCtrlAPIDR)
	}

	if err := c.ap.WriteAPReg(ctx, CtrlAPSel, ctrlAPEraseAll, 0); err != nil {
		return eraseFault(err)
	}
	if err := c.ap.WriteAPReg(ctx, CtrlAPSel, ctrlAPEraseAll, 1); err != nil {
		return eraseFault(err)
	}

	// ERASEALLSTATUS reads 1 while the erase is in progress, 0 once it
	// completes; a target that never answers surfaces its own
	// TARGET_NOT_CONNECTED/TIMEOUT here rather than the ERASE_FAILED this
	// loop raises when the budget is merely exhausted.
	done := false
	for attempt := 0; attempt < eraseAllMaxAttempts; attempt++ {
		status, err := c.ap.ReadAPReg(ctx, CtrlAPSel, ctrlAPEraseAllStatus)
		if err != nil {
			return eraseFault(err)
		}
		if status&1 == 0 {
			done = true
			break
		}
		select {
		case <-ctx.Done():
			return coreerr.Wrap(ctx.Err(), coreerr.Timeout, "ERASEALL cancelled")
		case <-time.After(eraseAllPollInterval):
		}
	}
	if !done {
		return coreerr.New(coreerr.EraseFailed, "ERASEALLSTATUS did not clear within 15s")
	}

	// Best-effort reset pulse: never surfaced as a failure, only logged.
	if err := c.ap.WriteAPReg(ctx, CtrlAPSel, ctrlAPReset, 1); err != nil {
		glog.Warningf("ERASEALL reset pulse (assert) failed: %s", err)
	} else if err := c.ap.WriteAPReg(ctx, CtrlAPSel, ctrlAPReset, 0); err != nil {
		glog.Warningf("ERASEALL reset pulse (deassert) failed: %s", err)
	}

	if err := c.ap.WriteAPReg(ctx, CtrlAPSel, ctrlAPEraseAll, 0); err != nil {
		glog.Warningf("failed to clear ERASEALL after completion: %s", err)
	}
	if err := c.ap.ClearErrors(ctx); err != nil {
		glog.Warningf("failed to clear DP errors after ERASEALL: %s", err)
	}

	time.Sleep(1 * time.Second)
	return nil
}

// eraseFault preserves an already-classified CoreError (e.g. TIMEOUT from
// an absent target) and only assigns ERASE_FAILED to an unclassified one.
func eraseFault(err error) error {
	if ce, ok := coreerr.As(err); ok {
		return ce
	}
	return coreerr.Wrap(err, coreerr.EraseFailed, "CTRL-AP access failed")
}
