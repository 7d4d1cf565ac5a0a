package transaction

import "testing"

func TestCSRFileReadDefaults(t *testing.T) {
	c := newCSRFile()

	if v, ok := c.Read(CSRBusManagerID); !ok || v != noBusManager {
		t.Fatalf("Read(BusManagerID) = %#x, %v, want %#x, true", v, ok, noBusManager)
	}
	if _, ok := c.Read(CSRConfigROMOffset); ok {
		t.Fatal("Read should not recognize an offset outside the four lock-swappable CSRs")
	}
}

func TestCSRFileCompareSwap(t *testing.T) {
	c := newCSRFile()

	old, ok := c.CompareSwap(CSRBusManagerID, noBusManager, 0x05)
	if !ok || old != noBusManager {
		t.Fatalf("CompareSwap = %#x, %v, want %#x, true", old, ok, noBusManager)
	}
	if v, _ := c.Read(CSRBusManagerID); v != 0x05 {
		t.Fatalf("BusManagerID after swap = %#x, want 0x05", v)
	}

	// A mismatched compare must leave the register untouched and return
	// its current value.
	old, ok = c.CompareSwap(CSRBusManagerID, noBusManager, 0x09)
	if !ok || old != 0x05 {
		t.Fatalf("CompareSwap mismatch = %#x, %v, want 0x05, true", old, ok)
	}
	if v, _ := c.Read(CSRBusManagerID); v != 0x05 {
		t.Fatalf("BusManagerID changed on a failed compare: %#x", v)
	}
}
