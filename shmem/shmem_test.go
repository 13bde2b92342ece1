package shmem

import (
	"testing"

	"exo/bootinfo"
	"exo/pmm"
)

func newTestPool(t *testing.T, frames uint64) *Pool {
	t.Helper()
	alloc, err := pmm.NewAllocator(bootinfo.MemoryDescriptor{Base: 0x200000, Length: frames * pmm.FrameSize})
	if err != nil {
		t.Fatalf("pmm.NewAllocator() error = %v", err)
	}
	return NewPool(alloc)
}

func TestAllocatePageStartsAtRefCountOne(t *testing.T) {
	pool := newTestPool(t, 4)
	page, err := pool.AllocatePage(128)
	if err != nil {
		t.Fatalf("AllocatePage() error = %v", err)
	}
	if got := page.RefCount(); got != 1 {
		t.Fatalf("RefCount() = %d, want 1", got)
	}
	if page.VirtAddr() == 0 {
		t.Fatalf("expected a nonzero mapped virtual address")
	}
}

func TestRetainReleaseLifecycle(t *testing.T) {
	pool := newTestPool(t, 1)
	page, err := pool.AllocatePage(64)
	if err != nil {
		t.Fatalf("AllocatePage() error = %v", err)
	}

	Retain(page)
	if got := page.RefCount(); got != 2 {
		t.Fatalf("RefCount() after Retain = %d, want 2", got)
	}

	Release(page)
	if got := page.RefCount(); got != 1 {
		t.Fatalf("RefCount() after one Release = %d, want 1", got)
	}

	// Pool exhausted: the frame hasn't been returned yet.
	if _, err := pool.AllocatePage(64); err == nil {
		t.Fatalf("expected pool exhaustion before final release")
	}

	Release(page)
	if got := page.RefCount(); got != 0 {
		t.Fatalf("RefCount() after final Release = %d, want 0", got)
	}

	// Frame was returned: allocation should succeed again.
	if _, err := pool.AllocatePage(64); err != nil {
		t.Fatalf("AllocatePage() after release: %v", err)
	}
}

func TestAllocatePageRejectsOversizedPayload(t *testing.T) {
	pool := newTestPool(t, 1)
	if _, err := pool.AllocatePage(pmm.FrameSize + 1); err == nil {
		t.Fatalf("expected error for payload larger than one frame")
	}
}
