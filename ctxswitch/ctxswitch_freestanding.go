//go:build freestanding

package ctxswitch

import "unsafe"

// Thread on a freestanding build holds the literal saved register
// state; switching into it means loading SP and jumping to ResumePC,
// implemented in ctxswitch_freestanding_amd64.s.
type Thread struct {
	ID   uint32
	ctx  Context
	full FullContext
	fpu  FPUState
}

func NewThread(id uint32, stack unsafe.Pointer, entry uintptr) *Thread {
	return &Thread{
		ID: id,
		ctx: Context{
			SP:       uintptr(stack),
			ResumePC: entry,
		},
	}
}

// switchFast is implemented in ctxswitch_freestanding_amd64.s: it
// saves the current SP and a resume label into out, then loads in's
// SP and jumps to in's ResumePC.
//
//go:noescape
func switchFast(out *Context, in *Context)

// Switch performs the literal register-level handoff described by the
// package doc: save two words, load two words, jump.
func Switch(from, to *Thread) {
	var outCtx *Context
	if from != nil {
		outCtx = &from.ctx
	}
	switchFast(outCtx, &to.ctx)
}

func (t *Thread) MarkFPUDirty() { t.fpu.Dirty = true }

func SwitchWithFPU(from, to *Thread) {
	if from != nil && from.fpu.Dirty {
		from.fpu.Present = true
		from.fpu.Dirty = false
	}
	Switch(from, to)
}
