// Command sdcfw backs up, chip-erases and restores an nRF52832 target
// over a CMSIS-DAP probe.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/cesanta/errors"
	"github.com/fatih/color"
	"github.com/golang/glog"
	flag "github.com/spf13/pflag"
	flock "github.com/theckman/go-flock"

	"github.com/reverse-bike/sdcfw/internal/archive"
	"github.com/reverse-bike/sdcfw/internal/dap"
	"github.com/reverse-bike/sdcfw/internal/decode"
	"github.com/reverse-bike/sdcfw/internal/dp"
	"github.com/reverse-bike/sdcfw/internal/memap"
	"github.com/reverse-bike/sdcfw/internal/nrf52"
	"github.com/reverse-bike/sdcfw/internal/ops"
	"github.com/reverse-bike/sdcfw/internal/pflagenv"
	"github.com/reverse-bike/sdcfw/internal/probe"
	"github.com/reverse-bike/sdcfw/internal/progress"
)

var (
	vid      = flag.Uint16("vid", probe.ReferenceVID, "debug probe USB vendor ID")
	pid      = flag.Uint16("pid", probe.ReferencePID, "debug probe USB product ID")
	timeout  = flag.Duration("timeout", 10*time.Second, "deadline for the initial probe connect handshake (each DP/AP access, block transfer, flash-page write and the erase poll carry their own fixed deadlines below this layer)")
	noVerify = flag.Bool("no-verify", false, "skip the post-restore verification pass")
)

type command struct {
	name    string
	minArgs int
	short   string
	run     func(ctx context.Context, sess *session, args []string) error
}

var commands = []command{
	{"read_info", 0, "print device info, UICR registers and bootloader settings", cmdReadInfo},
	{"backup", 1, "backup <dir> — write flash.bin and uicr.bin into dir", cmdBackup},
	{"erase", 0, "perform a CTRL-AP ERASEALL", cmdErase},
	{"restore", 2, "restore <flash.bin> <uicr.bin> [--no-verify]", cmdRestore},
	{"dev", 0, "reserved for experiments", cmdDev},
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: sdcfw <command> [args...]")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-10s %s\n", c.name, c.short)
	}
	flag.PrintDefaults()
}

// session bundles the connected probe/DP/memory-engine/NVM stack a
// command handler needs; it owns the probe handle and must be closed on
// every exit path.
type session struct {
	handle *probe.Handle
	dpc    *dp.Session
	mem    *memap.MemAP
	nvm    *nrf52.Controller
}

func connect(ctx context.Context) (*session, error) {
	h, err := probe.Open(*vid, *pid)
	if err != nil {
		return nil, errors.Trace(err)
	}
	dapc, err := dap.NewClient(ctx, h)
	if err != nil {
		h.Close()
		return nil, errors.Trace(err)
	}
	dpc := dp.New(dapc)
	if err := dpc.Connect(ctx); err != nil {
		h.Close()
		return nil, errors.Trace(err)
	}
	mem := memap.New(dpc, nrf52.MemAPSel)
	if err := mem.Init(ctx); err != nil {
		dpc.Disconnect(ctx)
		h.Close()
		return nil, errors.Trace(err)
	}
	// CTRL-AP register access (ERASEALL) goes straight through dpc, which
	// satisfies nrf52.CtrlAP directly — it has no TAR auto-increment and
	// so needs none of memap's bookkeeping.
	nvm := nrf52.New(mem, dpc)
	return &session{handle: h, dpc: dpc, mem: mem, nvm: nvm}, nil
}

func (s *session) close(ctx context.Context) {
	if err := s.dpc.Disconnect(ctx); err != nil {
		glog.Warningf("disconnect: %s", err)
	}
	if err := s.handle.Close(); err != nil {
		glog.Warningf("close probe handle: %s", err)
	}
}

// lockDir takes an exclusive file lock on dir for the duration of a
// backup/restore, so two sdcfw invocations never read and write the same
// archive directory at once. Returns an unlock func to defer.
func lockDir(dir string) (func(), error) {
	fl := flock.NewFlock(filepath.Join(dir, ".sdcfw-lock"))
	if err := fl.Lock(); err != nil {
		return nil, errors.Annotatef(err, "lock %s", dir)
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			glog.Warningf("unlock %s: %s", dir, err)
		}
	}, nil
}

func cmdReadInfo(ctx context.Context, s *session, args []string) error {
	info, err := s.nvm.ReadDeviceInfo(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	uicr, err := s.nvm.ReadUicr(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	settings, err := s.nvm.ReadBootloaderSettings(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	fmt.Printf("Part:        0x%05X\n", info.Part)
	fmt.Printf("Variant:     %s\n", decode.Variant(info))
	fmt.Printf("Package:     %s\n", decode.Package(info))
	fmt.Printf("RAM:         %d KiB\n", info.RAMKB)
	fmt.Printf("Flash:       %d KiB\n", info.FlashKB)
	fmt.Printf("Device ID:   %08x%08x\n", info.DeviceID[0], info.DeviceID[1])
	fmt.Println()
	fmt.Printf("APPROTECT:   %s\n", decode.Approtect(uicr))
	fmt.Printf("PSEL.RESET0: %s\n", decode.PSelReset0(uicr))
	fmt.Printf("PSEL.RESET1: %s\n", decode.PSelReset1(uicr))
	fmt.Printf("NFC pins:    %s\n", decode.NFCPins(uicr))
	fmt.Printf("NRFFW[0]:    %s\n", decode.NRFFW0(uicr))
	fmt.Println()
	if settings.Present() {
		fmt.Printf("Bootloader settings: present, app version %d, bank0 size %d, bank0 CRC 0x%08x\n",
			settings.AppVersion, settings.Bank0.ImageSize, settings.Bank0.ImageCRC)
	} else {
		fmt.Println("Bootloader settings: absent")
	}
	return nil
}

func cmdBackup(ctx context.Context, s *session, args []string) error {
	dir := args[0]
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Annotatef(err, "create %s", dir)
	}
	unlock, err := lockDir(dir)
	if err != nil {
		return errors.Trace(err)
	}
	defer unlock()
	rep := progress.Func(func(pct uint8, msg string) {
		fmt.Printf("\rbackup: %3d%% %s", pct, msg)
	})
	res, err := ops.Backup(ctx, s.mem, s.nvm, rep)
	fmt.Println()
	if err != nil {
		return errors.Trace(err)
	}
	if err := ioutil.WriteFile(filepath.Join(dir, "flash.bin"), res.Flash, 0644); err != nil {
		return errors.Annotatef(err, "write flash.bin")
	}
	if err := ioutil.WriteFile(filepath.Join(dir, "uicr.bin"), res.Uicr, 0644); err != nil {
		return errors.Annotatef(err, "write uicr.bin")
	}
	meta := archive.Metadata{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Device: archive.DeviceMetadata{
			Part:    res.Device.Part,
			Variant: decode.Variant(res.Device),
			Package: decode.Package(res.Device),
			RAMKB:   res.Device.RAMKB,
			FlashKB: res.Device.FlashKB,
		},
		Sizes: archive.SizeMetadata{Flash: len(res.Flash), Uicr: len(res.Uicr)},
	}
	mf, err := os.Create(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return errors.Annotatef(err, "create metadata.json")
	}
	defer mf.Close()
	enc := json.NewEncoder(mf)
	enc.SetIndent("", "  ")
	return errors.Trace(enc.Encode(meta))
}

func cmdErase(ctx context.Context, s *session, args []string) error {
	rep := progress.Func(func(pct uint8, msg string) {
		fmt.Printf("\rerase: %3d%% %s", pct, msg)
	})
	err := ops.Erase(ctx, s.mem, s.nvm, rep)
	fmt.Println()
	return errors.Trace(err)
}

func cmdRestore(ctx context.Context, s *session, args []string) error {
	unlock, err := lockDir(filepath.Dir(args[0]))
	if err != nil {
		return errors.Trace(err)
	}
	defer unlock()

	flash, err := ioutil.ReadFile(args[0])
	if err != nil {
		return errors.Annotatef(err, "read %s", args[0])
	}
	uicr, err := ioutil.ReadFile(args[1])
	if err != nil {
		return errors.Annotatef(err, "read %s", args[1])
	}
	rep := progress.Func(func(pct uint8, msg string) {
		fmt.Printf("\rrestore: %3d%% %s", pct, msg)
	})
	opts := ops.RestoreOptions{Verify: !*noVerify}
	err = ops.Restore(ctx, s.mem, s.nvm, s.dpc, flash, uicr, opts, rep)
	fmt.Println()
	return errors.Trace(err)
}

func cmdDev(ctx context.Context, s *session, args []string) error {
	fmt.Println("dev: reserved for experiments")
	return nil
}

func getCommand(name string) *command {
	for i := range commands {
		if commands[i].name == name {
			return &commands[i]
		}
	}
	return nil
}

func main() {
	flag.Usage = usage
	flag.Parse()
	pflagenv.Parse("SDCFW_")

	if flag.NArg() == 0 {
		usage()
		os.Exit(1)
	}
	cmd := getCommand(flag.Arg(0))
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", flag.Arg(0))
		usage()
		os.Exit(1)
	}
	cmdArgs := flag.Args()[1:]
	if len(cmdArgs) < cmd.minArgs {
		fmt.Fprintf(os.Stderr, "Error: %s requires %d argument(s)\n", cmd.name, cmd.minArgs)
		os.Exit(1)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	sess, err := connect(connectCtx)
	if err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	ctx := context.Background()
	defer sess.close(ctx)

	if err := cmd.run(ctx, sess, cmdArgs); err != nil {
		glog.Infof("%s failed: %+v", cmd.name, err)
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %s\n", err)
		if !ops.IsRecoverable(err) {
			os.Exit(1)
		}
		os.Exit(2)
	}
	color.New(color.FgGreen).Fprintf(os.Stdout, "%s: done.\n", cmd.name)
}
