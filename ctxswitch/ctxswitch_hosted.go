//go:build !freestanding

package ctxswitch

// Thread is a cooperatively scheduled unit of execution. On a hosted
// build there is no literal stack-pointer-and-jump primitive available
// from Go, so a goroutine stands in for the "thread": it parks on its
// own channel between handoffs, which gives exactly the property the
// freestanding assembly gives on real hardware — execution resumes
// precisely where the last handoff left it, with the goroutine's own
// stack serving the role the 16-byte Context would restore on real
// iron.
type Thread struct {
	ID   uint32
	resume chan struct{}
	done   chan struct{}

	ctx  Context
	full FullContext
	fpu  FPUState
}

// NewThread spawns a thread that runs fn once switched into for the
// first time. fn receives its own Thread so it can switch elsewhere.
func NewThread(id uint32, fn func(self *Thread)) *Thread {
	t := &Thread{
		ID:     id,
		resume: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go func() {
		<-t.resume
		fn(t)
		close(t.done)
	}()
	return t
}

// Switch hands control to `to`, parking the caller's goroutine (the
// logical "from" thread) until something switches back into it. Pass
// a nil `from` to kick off the very first switch with no thread to
// park.
func Switch(from, to *Thread) {
	to.resume <- struct{}{}
	if from != nil {
		<-from.resume
	}
}

// MarkFPUDirty flags that t has touched FPU/SIMD state since its last
// handoff, so the next switch away from t must save it.
func (t *Thread) MarkFPUDirty() { t.fpu.Dirty = true }

// SwitchWithFPU performs an ordinary Switch after, if `from` was marked
// dirty, marking its FPU buffer present and clearing the dirty bit. No
// FPU bytes are copied into Buf, and `to`'s buffer is not consulted or
// restored.
func SwitchWithFPU(from, to *Thread) {
	if from != nil && from.fpu.Dirty {
		from.fpu.Present = true
		from.fpu.Dirty = false
	}
	Switch(from, to)
}

// Done reports whether t's function has returned.
func (t *Thread) Done() <-chan struct{} { return t.done }
