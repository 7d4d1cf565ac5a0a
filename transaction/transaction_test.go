package transaction

import (
	"sync"
	"testing"

	"github.com/yomgui1/helios/packet"
)

// At most one completion path ever invokes the callback, even when
// several race to fire concurrently.
func TestFireIsExactlyOnceUnderConcurrency(t *testing.T) {
	var calls int
	var mu sync.Mutex
	tx := &Transaction{Callback: func(rc packet.RCode, payload []byte, ts uint16) {
		mu.Lock()
		calls++
		mu.Unlock()
	}}

	var wg sync.WaitGroup
	winners := make([]bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			winners[i] = tx.fire(PhaseResponded, packet.RCodeComplete, nil, 0)
		}(i)
	}
	wg.Wait()

	if calls != 1 {
		t.Fatalf("callback invoked %d times, want exactly 1", calls)
	}

	wins := 0
	for _, w := range winners {
		if w {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("%d goroutines reported winning fire(), want exactly 1", wins)
	}
}

func TestFireSetsPhaseOnlyOnWin(t *testing.T) {
	tx := &Transaction{}

	if !tx.fire(PhaseResponded, packet.RCodeComplete, nil, 0) {
		t.Fatal("first fire should win")
	}
	if tx.Phase() != PhaseResponded {
		t.Fatalf("phase = %v, want responded", tx.Phase())
	}

	if tx.fire(PhaseCancelled, packet.RCodeCancelled, nil, 0) {
		t.Fatal("second fire should lose")
	}
	if tx.Phase() != PhaseResponded {
		t.Fatalf("phase changed to %v after a losing fire, want it to stay responded", tx.Phase())
	}
}
