// Command fwkitchen applies a deterministic patch set to a raw nRF52
// flash image, producing a new image with its bootloader-settings and
// application CRCs repaired.
package main

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/cesanta/errors"
	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
	flock "github.com/theckman/go-flock"

	"github.com/reverse-bike/sdcfw/internal/kitchen"
	"github.com/reverse-bike/sdcfw/internal/pflagenv"
)

type command struct {
	name    string
	minArgs int
	short   string
	run     func(args []string) error
}

var commands = []command{
	{"patch", 1, "patch <patch-file> — apply a patch set to its firmware_path image", cmdPatch},
	{"keygen", 1, "keygen <out-dir> — reserved; key generation is an external collaborator", cmdKeygen},
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: fwkitchen <command> [args...]")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %s\n", c.short)
	}
	flag.PrintDefaults()
}

// lockFirmwareDir takes an exclusive lock on dir, the same per-path
// discipline the build-context locker uses. cmdPatch passes the patch
// file's directory, which a relative firmware_path is resolved against,
// so concurrent patch runs from the same directory can't race each
// other's read-modify-write.
func lockFirmwareDir(dir string) (func(), error) {
	fl := flock.NewFlock(filepath.Join(dir, ".fwkitchen-lock"))
	if err := fl.Lock(); err != nil {
		return nil, errors.Annotatef(err, "lock %s", dir)
	}
	return func() { fl.Unlock() }, nil
}

func cmdPatch(args []string) error {
	patchPath := args[0]
	unlock, err := lockFirmwareDir(filepath.Dir(patchPath))
	if err != nil {
		return errors.Trace(err)
	}
	defer unlock()

	raw, err := ioutil.ReadFile(patchPath)
	if err != nil {
		return errors.Annotatef(err, "read %s", patchPath)
	}
	ps, err := kitchen.ParsePatchSet(raw)
	if err != nil {
		return errors.Trace(err)
	}

	root := filepath.Dir(patchPath)
	fwPath := ps.FirmwarePath
	if !filepath.IsAbs(fwPath) {
		fwPath = filepath.Join(root, fwPath)
	}
	image, err := ioutil.ReadFile(fwPath)
	if err != nil {
		return errors.Annotatef(err, "read firmware image %s", fwPath)
	}

	out, err := kitchen.Apply(image, ps)
	if err != nil {
		return errors.Annotatef(err, "apply patch set %q", ps.Name)
	}

	ext := filepath.Ext(fwPath)
	base := strings.TrimSuffix(fwPath, ext)
	outPath := base + ps.OutputPostfix + ext
	if err := ioutil.WriteFile(outPath, out, 0644); err != nil {
		return errors.Annotatef(err, "write %s", outPath)
	}
	color.New(color.FgGreen).Fprintf(os.Stdout, "wrote %s (%d bytes)\n", outPath, len(out))
	return nil
}

func cmdKeygen(args []string) error {
	return errors.Errorf("keygen shells out to an external key-generation utility and is not part of this tool")
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
	pflagenv.Parse("FWKITCHEN_")

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

	if err := cmd.run(cmdArgs); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
