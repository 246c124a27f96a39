package coverage_test

import (
	"sync"
	"testing"

	"github.com/snapfuzz/snapfuzz/internal/coverage"
	"github.com/snapfuzz/snapfuzz/internal/patch"
)

type fakePatches map[uint64]patch.Kind

func (f fakePatches) KindAt(gpa uint64) patch.Kind {
	return f[gpa]
}

func TestOnBreakpointNotOurs(t *testing.T) {
	t.Parallel()

	s := coverage.New()

	action, novelty := s.OnBreakpoint(0x1000, fakePatches{})
	if action != coverage.NotOurs {
		t.Fatalf("have: %v, want: NotOurs", action)
	}

	if novelty != nil {
		t.Fatalf("NotOurs must not report novelty")
	}
}

func TestOnBreakpointFirstHitIsNovel(t *testing.T) {
	t.Parallel()

	s := coverage.New()
	patches := fakePatches{0x2000: patch.Breakpoint}

	action, novelty := s.OnBreakpoint(0x2000, patches)
	if action != coverage.RemovedPatch {
		t.Fatalf("have: %v, want: RemovedPatch", action)
	}

	if novelty == nil || novelty.GPA != 0x2000 {
		t.Fatalf("first hit must be novel: %+v", novelty)
	}

	if s.Len() != 1 {
		t.Fatalf("have: %d, want: 1", s.Len())
	}
}

func TestOnBreakpointSecondHitIsNotNovel(t *testing.T) {
	t.Parallel()

	s := coverage.New()
	patches := fakePatches{0x3000: patch.Breakpoint}

	s.OnBreakpoint(0x3000, patches)

	action, novelty := s.OnBreakpoint(0x3000, patches)
	if action != coverage.RemovedPatch {
		t.Fatalf("have: %v, want: RemovedPatch", action)
	}

	if novelty != nil {
		t.Fatalf("repeat hit must not be novel: %+v", novelty)
	}

	if s.Len() != 1 {
		t.Fatalf("coverage set must stay monotone at 1, have %d", s.Len())
	}
}

// TestConcurrentNoveltyIsCreditedOnce: when many VMs race to hit the same
// GPA, exactly one is credited with the novelty.
func TestConcurrentNoveltyIsCreditedOnce(t *testing.T) {
	t.Parallel()

	s := coverage.New()
	patches := fakePatches{0x4000: patch.Breakpoint}

	const nvms = 32

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		novel int
	)

	for i := 0; i < nvms; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if _, novelty := s.OnBreakpoint(0x4000, patches); novelty != nil {
				mu.Lock()
				novel++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if novel != 1 {
		t.Fatalf("have: %d novel credits, want: 1", novel)
	}

	if s.Len() != 1 {
		t.Fatalf("have: %d, want: 1", s.Len())
	}
}
