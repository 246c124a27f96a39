// Package campaign wires the core components together and runs the
// per-CPU fleet: it loads the snapshot, patch table and corpus once,
// detects the host CPU vendor, then starts one OS-thread-locked goroutine
// per VM, each owning its backend, nested paging manager and fuzzing
// loop for the whole program. It plays the role the VMM layer plays for
// a booting guest: construct, set up, fan out per-vcpu loops, wait.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"time"

	"github.com/snapfuzz/snapfuzz/internal/backend"
	"github.com/snapfuzz/snapfuzz/internal/corpus"
	"github.com/snapfuzz/snapfuzz/internal/coverage"
	"github.com/snapfuzz/snapfuzz/internal/cpuvendor"
	"github.com/snapfuzz/snapfuzz/internal/fuzzloop"
	"github.com/snapfuzz/snapfuzz/internal/mutator"
	"github.com/snapfuzz/snapfuzz/internal/nested"
	"github.com/snapfuzz/snapfuzz/internal/patch"
	"github.com/snapfuzz/snapfuzz/internal/report"
	"github.com/snapfuzz/snapfuzz/internal/snapshot"
	"golang.org/x/sys/unix"
)

// Config is resolved once from the CLI.
type Config struct {
	KVMPath      string
	SnapshotPath string
	PatchPath    string
	CorpusDir    string

	// NumVMs is the fleet size; 0 means one VM per logical processor.
	NumVMs int

	InputGPA  uint64
	InputSize int

	DirtyPoolFrames int
	IterTimeout     time.Duration
	StatsEvery      uint64

	// RandomMutator switches from the reproducible bit-flip strategy to
	// random byte overwrite, seeded per VM from Seed.
	RandomMutator bool
	Seed          int64

	Out io.Writer
}

// Campaign holds the program-lifetime shared state.
type Campaign struct {
	cfg     Config
	snap    *snapshot.Store
	patches *patch.Table
	corp    *corpus.Corpus
	cov     *coverage.Set
	sink    *report.Sink
	vendor  cpuvendor.Vendor
}

// New loads every input file and probes the host CPU. Any failure here is
// a startup error: report and halt.
func New(cfg Config) (*Campaign, error) {
	if cfg.NumVMs == 0 {
		cfg.NumVMs = runtime.NumCPU()
	}

	if cfg.Out == nil {
		cfg.Out = os.Stderr
	}

	snap, err := snapshot.Load(cfg.SnapshotPath)
	if err != nil {
		return nil, err
	}

	patches, err := patch.Load(cfg.PatchPath)
	if err != nil {
		return nil, err
	}

	corp, err := corpus.LoadDir(cfg.CorpusDir)
	if err != nil {
		return nil, err
	}

	vendor, err := cpuvendor.Detect()
	if err != nil {
		return nil, err
	}

	return &Campaign{
		cfg:     cfg,
		snap:    snap,
		patches: patches,
		corp:    corp,
		cov:     coverage.New(),
		sink:    report.NewSink(cfg.Out),
		vendor:  vendor,
	}, nil
}

// Sink exposes the campaign's log surface for the CLI layer's own
// startup lines.
func (c *Campaign) Sink() *report.Sink {
	return c.sink
}

// Coverage reports the current global coverage set size.
func (c *Campaign) Coverage() int {
	return c.cov.Len()
}

// newBackend picks the vendor-flavoured backend for this host.
func (c *Campaign) newBackend() backend.Backend {
	if c.vendor == cpuvendor.AMD {
		return backend.NewSVMBackend(c.cfg.KVMPath)
	}

	return backend.NewVMXBackend(c.cfg.KVMPath)
}

func (c *Campaign) newStrategy(vm int) mutator.Strategy {
	if c.cfg.RandomMutator {
		return mutator.NewRandomByte(c.cfg.Seed + int64(vm))
	}

	return mutator.NewBitFlip()
}

// Run starts one goroutine per VM and blocks until every VM is Down or
// ctx is cancelled. A VM whose Enable fails halts alone; the rest of the
// fleet proceeds.
func (c *Campaign) Run(ctx context.Context) error {
	// The preemption deadline interrupts a stuck guest by signalling the
	// vcpu's OS thread; without a registered handler the signal's default
	// disposition would kill the process instead of surfacing EINTR.
	alarm := make(chan os.Signal, 1)
	signal.Notify(alarm, unix.SIGALRM)

	defer signal.Stop(alarm)

	c.sink.Infof("campaign: vendor=%s vms=%d corpus=%d frames=%d",
		c.vendor, c.cfg.NumVMs, c.corp.Len(), c.snap.NumFrames())

	var wg sync.WaitGroup

	for vm := 0; vm < c.cfg.NumVMs; vm++ {
		wg.Add(1)

		go func(vm int) {
			defer wg.Done()

			if err := c.runVM(ctx, vm); err != nil && !errors.Is(err, context.Canceled) {
				c.sink.Infof("vm %d stopped: %v", vm, err)
			}
		}(vm)
	}

	wg.Wait()

	return nil
}

// runVM owns one VM from arm to Down. The whole lifetime stays on one OS
// thread: the vcpu ioctls and the preemption-deadline signal both target
// the thread captured at Initialize.
func (c *Campaign) runVM(ctx context.Context, vm int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	be := c.newBackend()

	if err := be.Enable(); err != nil {
		if errors.Is(err, backend.ErrFeatureUnavailable) {
			c.sink.Infof("vm %d: feature unavailable, halting this processor: %v", vm, err)

			return nil
		}

		return err
	}

	if err := be.Initialize(backend.VMState{KVMPath: c.cfg.KVMPath}); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	defer be.Close()

	mgr, err := nested.New(nested.VMFd(be.VMFd()), c.snap, c.patches,
		be.MaxSlots(), c.cfg.DirtyPoolFrames)
	if err != nil {
		return err
	}

	defer mgr.Close()

	loop, err := fuzzloop.New(fuzzloop.Config{
		VM:          vm,
		InputGPA:    c.cfg.InputGPA,
		InputSize:   c.cfg.InputSize,
		IterTimeout: c.cfg.IterTimeout,
		StatsEvery:  c.cfg.StatsEvery,
	}, be, mgr, c.snap, c.patches, c.corp, c.newStrategy(vm), c.cov, c.sink)
	if err != nil {
		return err
	}

	defer loop.Close()

	return loop.Run(ctx)
}
