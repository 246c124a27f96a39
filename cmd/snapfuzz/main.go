// Command snapfuzz boots a fleet of snapshot-replay VMs over /dev/kvm and
// fuzzes the parsing routine the snapshot was captured in front of. The
// core lives under internal/; this package only parses arguments, wires
// the campaign and owns the process exit status.
package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/alecthomas/kong"
	"github.com/pkg/profile"
	"github.com/snapfuzz/snapfuzz/internal/campaign"
	"github.com/snapfuzz/snapfuzz/internal/cpuvendor"
	"github.com/snapfuzz/snapfuzz/internal/snapshot"
)

type CLI struct {
	Fuzz  FuzzCmd  `cmd:"" help:"Run a fuzzing campaign from a snapshot, patch file and corpus directory."`
	Probe ProbeCmd `cmd:"" help:"Report whether this host can run snapfuzz and exit."`
}

type FuzzCmd struct {
	Snapshot string `arg:"" help:"Snapshot file: guest-physical frames plus one register metadata block."`
	Patches  string `arg:"" help:"Patch file: breakpoint and end-marker records."`
	Corpus   string `arg:"" help:"Corpus directory: one input buffer per regular file."`

	Dev       string        `short:"D" default:"/dev/kvm" help:"Path of the kvm device."`
	CPUs      int           `short:"c" default:"0" help:"Number of VMs; 0 means one per logical processor."`
	InputAddr string        `default:"0x7fff0000" help:"Guest-physical address of the input pages."`
	InputSize int           `default:"4096" help:"Input region size in bytes, a multiple of 4096."`
	DirtyPool int           `default:"1024" help:"Per-VM dirty frame pool size, in frames."`
	Timeout   time.Duration `default:"500ms" help:"Per-iteration deadline before an iteration counts as a hang."`
	Stats     uint64        `default:"10000" help:"Emit one statistics row per this many iterations; 0 disables."`
	Random    bool          `help:"Use the random byte-overwrite mutator instead of sequential bit-flip."`
	Seed      int64         `default:"1" help:"Seed for the random mutator."`
	Profile   bool          `help:"Write a CPU profile for the campaign."`
}

func (f *FuzzCmd) Run() error {
	inputGPA, err := strconv.ParseUint(f.InputAddr, 0, 64)
	if err != nil {
		return err
	}

	if f.Profile {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	}

	c, err := campaign.New(campaign.Config{
		KVMPath:         f.Dev,
		SnapshotPath:    f.Snapshot,
		PatchPath:       f.Patches,
		CorpusDir:       f.Corpus,
		NumVMs:          f.CPUs,
		InputGPA:        inputGPA,
		InputSize:       f.InputSize,
		DirtyPoolFrames: f.DirtyPool,
		IterTimeout:     f.Timeout,
		StatsEvery:      f.Stats,
		RandomMutator:   f.Random,
		Seed:            f.Seed,
		Out:             os.Stderr,
	})
	if err != nil {
		return err
	}

	return c.Run(context.Background())
}

type ProbeCmd struct {
	Dev string `short:"D" default:"/dev/kvm" help:"Path of the kvm device."`
}

func (p *ProbeCmd) Run() error {
	vendor, err := cpuvendor.Detect()
	if err != nil {
		return err
	}

	if _, err := os.Stat(p.Dev); err != nil {
		return err
	}

	log.Printf("vendor: %s (%s), %s present, frame size %d",
		vendor, extensionName(vendor), p.Dev, snapshot.FrameSize)

	return nil
}

func extensionName(v cpuvendor.Vendor) string {
	if v == cpuvendor.AMD {
		return "svm"
	}

	return "vmx"
}

func main() {
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("snapfuzz"),
		kong.Description("snapfuzz is a KVM-hosted snapshot fuzzer: it replays a memory+register snapshot per iteration, mutating an injected input buffer"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	if err := ctx.Run(); err != nil {
		log.Fatal(err)
	}
}
