package clock

import (
	"sync"
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestVirtualClock_Now(t *testing.T) {
	vc := NewVirtualClock(epoch)
	if got := vc.Now(); !got.Equal(epoch) {
		t.Errorf("Now() = %v, want %v", got, epoch)
	}
}

func TestVirtualClock_AdvanceMultiple(t *testing.T) {
	vc := NewVirtualClock(epoch)
	vc.Advance(1 * time.Hour)
	vc.Advance(30 * time.Minute)

	want := epoch.Add(90 * time.Minute)
	if got := vc.Now(); !got.Equal(want) {
		t.Errorf("Now() after multiple Advance = %v, want %v", got, want)
	}
}

func TestVirtualClock_AdvanceNegativePanics(t *testing.T) {
	vc := NewVirtualClock(epoch)

	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic on negative advance")
		}
	}()
	vc.Advance(-1 * time.Second)
}

func TestVirtualClock_Set(t *testing.T) {
	vc := NewVirtualClock(epoch)
	target := epoch.Add(24 * time.Hour)
	vc.Set(target)
	vc.Set(target)

	if got := vc.Now(); !got.Equal(target) {
		t.Errorf("Now() after Set = %v, want %v", got, target)
	}
}

func TestVirtualClock_SetPastPanics(t *testing.T) {
	vc := NewVirtualClock(epoch)

	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic on setting time to the past")
		}
	}()
	vc.Set(epoch.Add(-1 * time.Hour))
}

func TestVirtualClock_SinceUntil(t *testing.T) {
	vc := NewVirtualClock(epoch)
	start := vc.Now()
	deadline := start.Add(time.Minute)
	vc.Advance(10 * time.Second)

	if got := vc.Since(start); got != 10*time.Second {
		t.Errorf("Since() = %v, want 10s", got)
	}
	if got := vc.Until(deadline); got != 50*time.Second {
		t.Errorf("Until() = %v, want 50s", got)
	}
}

func TestVirtualClock_ConcurrentAccess(t *testing.T) {
	vc := NewVirtualClock(epoch)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = vc.Now()
			_ = vc.Since(epoch)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			vc.Advance(1 * time.Millisecond)
		}
	}()

	wg.Wait()

	want := epoch.Add(100 * time.Millisecond)
	if got := vc.Now(); !got.Equal(want) {
		t.Errorf("after concurrent ops, Now() = %v, want %v", got, want)
	}
}

func TestOrReal(t *testing.T) {
	if _, ok := OrReal(nil).(*RealClock); !ok {
		t.Error("OrReal(nil) should return a RealClock")
	}
	vc := NewVirtualClock(epoch)
	if OrReal(vc) != Clock(vc) {
		t.Error("OrReal should keep a non-nil clock")
	}
}

func TestClocks_ImplementClock(t *testing.T) {
	var _ Clock = NewRealClock()
	var _ Clock = NewVirtualClock(time.Now())
}
