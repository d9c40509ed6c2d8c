package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceFiresDueTimers(t *testing.T) {
	fc := NewFake(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))

	fired := 0
	fc.AfterFunc(15*time.Minute, func() { fired++ })

	fc.Advance(14 * time.Minute)
	if fired != 0 {
		t.Fatalf("timer fired early")
	}

	fc.Advance(1 * time.Minute)
	if fired != 1 {
		t.Fatalf("expected 1 fire, got %d", fired)
	}

	// One-shot: advancing further must not re-fire.
	fc.Advance(time.Hour)
	if fired != 1 {
		t.Fatalf("one-shot timer fired again, got %d", fired)
	}
}

func TestFakeStopCancels(t *testing.T) {
	fc := NewFake(time.Unix(0, 0))

	fired := false
	timer := fc.AfterFunc(time.Minute, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("Stop on active timer should return true")
	}
	if timer.Stop() {
		t.Fatal("second Stop should return false")
	}

	fc.Advance(2 * time.Minute)
	if fired {
		t.Fatal("stopped timer fired")
	}
}

func TestFakeResetReArms(t *testing.T) {
	fc := NewFake(time.Unix(0, 0))

	fired := 0
	timer := fc.AfterFunc(time.Minute, func() { fired++ })

	fc.Advance(30 * time.Second)
	timer.Reset(time.Minute)

	// Original deadline passes without firing.
	fc.Advance(45 * time.Second)
	if fired != 0 {
		t.Fatalf("timer fired before reset deadline")
	}

	fc.Advance(15 * time.Second)
	if fired != 1 {
		t.Fatalf("expected fire after reset deadline, got %d", fired)
	}
}

func TestFakeResetAfterFire(t *testing.T) {
	fc := NewFake(time.Unix(0, 0))

	fired := 0
	var timer Timer
	timer = fc.AfterFunc(time.Minute, func() {
		fired++
		timer.Reset(time.Minute)
	})

	fc.Advance(time.Minute)
	fc.Advance(time.Minute)
	fc.Advance(time.Minute)
	if fired != 3 {
		t.Fatalf("re-arming timer should fire each interval, got %d", fired)
	}
}

func TestRealClockAfterFunc(t *testing.T) {
	c := New()
	done := make(chan struct{})
	c.AfterFunc(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("real timer did not fire")
	}
}
