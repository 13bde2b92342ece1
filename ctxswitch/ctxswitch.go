// Package ctxswitch is the minimal thread handoff primitive: a 16-byte
// fast path (stack pointer + resume instruction pointer) backed by a
// 64-byte fallback context for callers that can't honor the spilled-
// register assumption, plus lazy FPU state save/restore. Grounded on
// the reference kernel's go:linkname/go:nosplit pattern for thin
// assembly-backed primitives (kernel.go) and the g0/m0/P bring-up
// commentary in scheduler_bootstrap.go, which documents the same
// "resume exactly where the last handoff left off" contract.
package ctxswitch

// Context is the fast-path saved state: the outgoing stack pointer and
// a "resume here" instruction pointer. The calling convention is
// expected to have already spilled callee-saved registers to the
// stack before the switch primitive runs.
type Context struct {
	SP       uintptr
	ResumePC uintptr
}

// FullContext is the fallback form for callers that cannot honor the
// spill assumption (e.g. a routine that resumes after the switch
// rather than after an ordinary call).
type FullContext struct {
	SP       uintptr
	IP       uintptr
	BP       uintptr
	R12      uintptr
	R13      uintptr
	R14      uintptr
	R15      uintptr
	Reserved uintptr
}

// FPUState is the 512-byte aligned buffer an FXSAVE/FXRSTOR-class
// instruction would use. It is only written on handoff when Dirty is
// set, and only restored into the incoming thread when its own buffer
// is marked present.
type FPUState struct {
	Dirty   bool
	Present bool
	Buf     [512]byte
}
