// Command trampolinedemo exercises the trampoline subsystem end to end
// against the in-memory fake interpreter host: it evaluates a handful of
// fake code objects, lets the subsystem mint and publish trampolines for
// them, then reports the arena and backend state before tearing down.
package main

import (
	"fmt"
	"log"
	"os"
	"unsafe"

	"github.com/spf13/pflag"
	"github.com/xyproto/env/v2"

	pytrampoline "github.com/dispatchrun/pytrampoline"
	"github.com/dispatchrun/pytrampoline/internal/fakehost"
)

func main() {
	var (
		backend    = pflag.String("backend", env.Str("TRAMPOLINE_BACKEND", "perf-map"), "symbol backend: perf-map or jitdump")
		persist    = pflag.Bool("persist-after-fork", false, "keep trampolines alive across fork (perf-map only)")
		numCodes   = pflag.Int("codes", 8, "number of distinct fake code objects to evaluate")
	)
	pflag.Parse()

	host := fakehost.NewHost()
	sub := pytrampoline.NewSubsystem(host)

	cb, err := backendCallbacks(*backend)
	if err != nil {
		log.Fatal(err)
	}
	if err := sub.SetCallbacks(cb); err != nil {
		log.Fatalf("registering %s backend: %v", *backend, err)
	}

	if err := sub.Init(true); err != nil {
		log.Fatalf("Init: %v", err)
	}
	sub.SetPersistAfterFork(*persist)

	for i := 0; i < *numCodes; i++ {
		co := &fakehost.Code{
			Qualname: fmt.Sprintf("demo.func%d", i),
			Filename: "demo.py",
			Line:     i * 10,
		}
		f := &fakehost.Frame{Code: co, Result: int64(i)}
		ts := pytrampoline.ThreadState(unsafe.Pointer(os.Stdout)) // any non-nil opaque value
		if _, err := host.Eval(ts, f, 0); err != nil {
			log.Printf("eval %s: %v", co.Qualname, err)
		}
	}

	stats := sub.Stats()
	fmt.Printf("backend=%s persist=%v codes=%d arenas=%d bytes_used=%d bytes_remaining=%d\n",
		*backend, *persist, *numCodes, stats.Count, stats.BytesUsed, stats.Remaining)
	fmt.Printf("active=%v default_evals=%d\n", sub.IsActive(), host.EvalCount())

	if err := sub.Fini(); err != nil {
		log.Fatalf("Fini: %v", err)
	}
	if err := sub.FreeArenas(); err != nil {
		log.Fatalf("FreeArenas: %v", err)
	}
}

func backendCallbacks(name string) (pytrampoline.Callbacks, error) {
	switch name {
	case "perf-map":
		return pytrampoline.NewPerfMapCallbacks(), nil
	case "jitdump":
		return pytrampoline.NewJitdumpCallbacks(nil), nil
	default:
		return pytrampoline.Callbacks{}, fmt.Errorf("unknown backend %q (want perf-map or jitdump)", name)
	}
}
