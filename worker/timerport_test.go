package worker_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/yomgui1/helios/worker"
)

func TestTimerPortExpiresOnce(t *testing.T) {
	p := worker.NewTimerPort()
	var fired int32

	p.Arm(1, 10*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	time.Sleep(50 * time.Millisecond)

	assert.EqualValues(t, 1, atomic.LoadInt32(&fired))
}

func TestTimerPortCancelPreventsExpiry(t *testing.T) {
	p := worker.NewTimerPort()
	var fired int32

	p.Arm(1, 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	p.Cancel(1)
	time.Sleep(40 * time.Millisecond)

	assert.EqualValues(t, 0, atomic.LoadInt32(&fired))
}

func TestTimerPortCancelAllFlushesEverything(t *testing.T) {
	p := worker.NewTimerPort()
	var fired int32

	for i := uint64(0); i < 8; i++ {
		p.Arm(i, 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	}
	p.CancelAll()
	time.Sleep(40 * time.Millisecond)

	assert.EqualValues(t, 0, atomic.LoadInt32(&fired))
}

func TestTimerPortRearmReplacesPrevious(t *testing.T) {
	p := worker.NewTimerPort()
	var calls int32

	p.Arm(1, 10*time.Millisecond, func() { atomic.AddInt32(&calls, 1) })
	p.Arm(1, 10*time.Millisecond, func() { atomic.AddInt32(&calls, 10) })
	time.Sleep(40 * time.Millisecond)

	assert.EqualValues(t, 10, atomic.LoadInt32(&calls))
}
