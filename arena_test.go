package trampoline_test

import (
	"testing"

	pytrampoline "github.com/dispatchrun/pytrampoline"
	"github.com/dispatchrun/pytrampoline/internal/fakehost"
)

func TestSubsystemStatsGrowsArenasOnDemand(t *testing.T) {
	sub, _ := newTestSubsystem()

	if err := sub.Init(true); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer sub.FreeArenas()

	initial := sub.Stats()
	if initial.Count != 1 {
		t.Fatalf("arena count after Init = %d, want 1", initial.Count)
	}
	if initial.Remaining == 0 {
		t.Fatal("freshly minted arena reports zero remaining capacity")
	}

	// Mint enough distinct code objects to be confident a single 16-page
	// arena fills up and a second one gets allocated.
	budget := initial.Remaining
	minted := 0
	for budget > 0 {
		co := &fakehost.Code{Qualname: "pkg.fn", Line: minted}
		if err := sub.CompileCode(co); err != nil {
			t.Fatalf("CompileCode #%d: %v", minted, err)
		}
		minted++
		budget = sub.Stats().Remaining
		if minted > 100000 {
			t.Fatal("arena never reports exhaustion; bump() or Stats() bookkeeping looks wrong")
		}
	}

	// one more past exhaustion must grow a second arena rather than fail
	co := &fakehost.Code{Qualname: "pkg.overflow"}
	if err := sub.CompileCode(co); err != nil {
		t.Fatalf("CompileCode after arena exhaustion: %v", err)
	}
	if sub.Stats().Count < 2 {
		t.Fatalf("arena count = %d after exhausting the first arena, want >= 2", sub.Stats().Count)
	}
}

func TestSubsystemFreeArenasReleasesMappings(t *testing.T) {
	sub, _ := newTestSubsystem()

	if err := sub.Init(true); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if sub.Stats().Count == 0 {
		t.Fatal("expected at least one arena after Init")
	}
	if err := sub.FreeArenas(); err != nil {
		t.Fatalf("FreeArenas: %v", err)
	}
	if got := sub.Stats(); got.Count != 0 {
		t.Fatalf("Stats after FreeArenas: %+v, want zero value", got)
	}
}

func TestNewSubsystemStartsInactive(t *testing.T) {
	sub := pytrampoline.NewSubsystem(fakehost.NewHost())
	if sub.IsActive() {
		t.Fatal("NewSubsystem returned an already-active subsystem")
	}
	if got := sub.Stats(); got.Count != 0 {
		t.Fatalf("Stats before Init = %+v, want zero value", got)
	}
}
