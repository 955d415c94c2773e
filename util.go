package trampoline

import (
	"os"
	"reflect"
)

// funcsEqual reports whether a and b are the same underlying function
// value. Go doesn't allow comparing func values with ==; reflect's
// Pointer() is the standard workaround, valid here because the only two
// things ever compared are the literal EvalFunc this package installs and
// whatever Host.EvalHook() echoes back.
func funcsEqual(a, b EvalFunc) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

// processID returns the calling process's pid, used to name the perf-map
// and jitdump output files.
func processID() int {
	return os.Getpid()
}

// currentTemplateLen returns the byte length of the architecture's
// trampoline template, i.e. template_len in the spec's terms.
func currentTemplateLen() int {
	return len(currentTemplate())
}
