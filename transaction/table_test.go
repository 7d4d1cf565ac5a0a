package transaction

import (
	"testing"
)

func TestTableAllocRoundRobinAndRelease(t *testing.T) {
	var tb table

	first, err := tb.alloc(&Transaction{})
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if first != 0 {
		t.Fatalf("expected first allocation to land on tlabel 0, got %d", first)
	}
	if !tb.consistent() {
		t.Fatal("table inconsistent after alloc")
	}

	second, err := tb.alloc(&Transaction{})
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if second != 1 {
		t.Fatalf("expected round-robin to land on tlabel 1, got %d", second)
	}

	tb.release(first)
	if !tb.consistent() {
		t.Fatal("table inconsistent after release")
	}
	if got := tb.lookup(first); got != nil {
		t.Fatal("lookup after release should return nil")
	}

	// Releasing an already-free slot must be a no-op, not a panic.
	tb.release(first)
}

func TestTableAllocExhaustion(t *testing.T) {
	var tb table
	for i := 0; i < tlabelCount; i++ {
		if _, err := tb.alloc(&Transaction{}); err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
	}
	if _, err := tb.alloc(&Transaction{}); err != ErrBusy {
		t.Fatalf("expected ErrBusy once all 64 tlabels are taken, got %v", err)
	}
	if !tb.consistent() {
		t.Fatal("table inconsistent at full occupancy")
	}
}

func TestTableDrainClearsEverything(t *testing.T) {
	var tb table
	want := 10
	for i := 0; i < want; i++ {
		if _, err := tb.alloc(&Transaction{}); err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
	}

	live := tb.drain()
	if len(live) != want {
		t.Fatalf("drain returned %d transactions, want %d", len(live), want)
	}
	if !tb.consistent() {
		t.Fatal("table inconsistent after drain")
	}
	if tb.bits != 0 {
		t.Fatalf("bitmap not cleared after drain: %#x", tb.bits)
	}

	// The table must be immediately reusable.
	if _, err := tb.alloc(&Transaction{}); err != nil {
		t.Fatalf("alloc after drain: %v", err)
	}
}
