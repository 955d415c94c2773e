//  Copyright 2023 Stealth Rocket, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command wasmpyprofile runs a wasm32 module under wazero and drives the
// trampoline subsystem against it: every code object evaluated during the
// run gets a trampoline minted and published to the chosen symbol backend
// on its first call. When the module is recognized as CPython 3.11, a
// trampoline is minted per real Python code object; otherwise this falls
// back to one per wasm function definition.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/xyproto/env/v2"

	pytrampoline "github.com/dispatchrun/pytrampoline"
	"github.com/dispatchrun/pytrampoline/internal/wasmpy"
	"github.com/dispatchrun/pytrampoline/wazerohost"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type program struct {
	filePath          string
	mounts            []string
	trampolineBackend string
}

// trampolineHost is anything a Subsystem can be built against and that can
// also produce a FunctionListenerFactory to drive it; wasmpy.Host and
// wazerohost.Host both satisfy it.
type trampolineHost interface {
	pytrampoline.Host
	ListenerFactory(*pytrampoline.Subsystem) experimental.FunctionListenerFactory
}

func (prog *program) run(ctx context.Context) error {
	wasmName := filepath.Base(prog.filePath)
	wasmCode, err := os.ReadFile(prog.filePath)
	if err != nil {
		return fmt.Errorf("loading wasm module: %w", err)
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithDebugInfoEnabled(true).
		WithCustomSections(true))

	compiledModule, err := runtime.CompileModule(ctx, wasmCode)
	if err != nil {
		return fmt.Errorf("compiling wasm module: %w", err)
	}

	var listeners []experimental.FunctionListenerFactory
	var sub *pytrampoline.Subsystem

	if prog.trampolineBackend != "off" {
		host, kind, err := selectHost(compiledModule, wasmCode)
		if err != nil {
			return err
		}
		log.Printf("trampoline: %s using %s host", wasmName, kind)

		sub = pytrampoline.NewSubsystem(host)

		cb, err := trampolineCallbacks(prog.trampolineBackend)
		if err != nil {
			return err
		}
		if err := sub.SetCallbacks(cb); err != nil {
			return fmt.Errorf("registering %s trampoline backend: %w", prog.trampolineBackend, err)
		}
		if err := sub.Init(true); err != nil {
			return fmt.Errorf("initializing trampoline subsystem: %w", err)
		}
		defer func() {
			sub.Fini()
			sub.FreeArenas()
			stats := sub.Stats()
			log.Printf("trampoline: %d arenas, %d bytes used, %d remaining", stats.Count, stats.BytesUsed, stats.Remaining)
		}()

		listeners = append(listeners, host.ListenerFactory(sub))
	}

	ctx = context.WithValue(ctx,
		experimental.FunctionListenerFactoryKey{},
		experimental.MultiFunctionListenerFactory(listeners...),
	)

	ctx, cancel := context.WithCancelCause(ctx)
	go func() {
		defer cancel(nil)
		wasi_snapshot_preview1.MustInstantiate(ctx, runtime)

		config := wazero.NewModuleConfig().
			WithStdout(os.Stdout).
			WithStderr(os.Stderr).
			WithStdin(os.Stdin).
			WithRandSource(rand.Reader).
			WithSysNanosleep().
			WithSysNanotime().
			WithSysWalltime().
			WithArgs(wasmName).
			WithFSConfig(createFSConfig(prog.mounts))

		instance, err := runtime.InstantiateModule(ctx, compiledModule, config)
		if err != nil {
			cancel(fmt.Errorf("instantiating module: %w", err))
			return
		}
		if err := instance.Close(ctx); err != nil {
			cancel(fmt.Errorf("closing module: %w", err))
			return
		}
	}()

	<-ctx.Done()
	return silenceContextCanceled(context.Cause(ctx))
}

// selectHost picks wasmpy.Host (one trampoline per real Python code object)
// when wasmCode is recognized as CPython 3.11, falling back to
// wazerohost.Host (one trampoline per wasm function definition) otherwise.
func selectHost(compiledModule wazero.CompiledModule, wasmCode []byte) (trampolineHost, string, error) {
	if wasmpy.DetectPython(wasmCode) {
		host, err := wasmpy.NewHost(compiledModule)
		if err == nil {
			return host, "wasmpy (CPython)", nil
		}
		log.Printf("trampoline: module looked like CPython 3.11 but wasmpy.NewHost failed (%s); falling back to wazerohost", err)
	}
	return wazerohost.NewHost(), "wazerohost (generic)", nil
}

func trampolineCallbacks(name string) (pytrampoline.Callbacks, error) {
	switch name {
	case "perf-map":
		return pytrampoline.NewPerfMapCallbacks(), nil
	case "jitdump":
		return pytrampoline.NewJitdumpCallbacks(nil), nil
	default:
		return pytrampoline.Callbacks{}, fmt.Errorf("unknown trampoline backend %q (want perf-map or jitdump)", name)
	}
}

func silenceContextCanceled(err error) error {
	if err == context.Canceled {
		err = nil
	}
	return err
}

var (
	mounts            string
	trampolineBackend string
)

func init() {
	log.Default().SetOutput(os.Stderr)
	pflag.StringVar(&mounts, "mount", "", "Comma-separated list of directories to mount (e.g. /tmp:/tmp:ro).")
	pflag.StringVar(&trampolineBackend, "trampoline-backend", env.Str("TRAMPOLINE_BACKEND", "perf-map"), "Symbol backend for minted trampolines: perf-map, jitdump, or off.")
}

func run(ctx context.Context) error {
	pflag.Parse()

	args := pflag.Args()
	if len(args) != 1 {
		return fmt.Errorf("usage: wasmpyprofile </path/to/app.wasm>")
	}

	return (&program{
		filePath:          args[0],
		mounts:            split(mounts),
		trampolineBackend: trampolineBackend,
	}).run(ctx)
}

func split(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func createFSConfig(mounts []string) wazero.FSConfig {
	fs := wazero.NewFSConfig()
	for _, m := range mounts {
		parts := strings.Split(m, ":")
		if len(parts) < 2 {
			log.Fatalf("invalid mount: %s", m)
		}

		var mode string
		if len(parts) == 3 {
			mode = parts[2]
		}

		if mode == "ro" {
			fs = fs.WithReadOnlyDirMount(parts[0], parts[1])
			continue
		}

		fs = fs.WithDirMount(parts[0], parts[1])
	}
	return fs
}
