package clock

import (
	"testing"
	"time"
)

func TestManualAdvanceFiresTimers(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManual(start)

	ch := m.After(time.Minute)
	select {
	case <-ch:
		t.Fatal("timer fired before advance")
	default:
	}

	m.Advance(30 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired too early")
	default:
	}

	now := m.Advance(30 * time.Second)
	select {
	case got := <-ch:
		if !got.Equal(now) {
			t.Fatalf("timer time = %v, want %v", got, now)
		}
	default:
		t.Fatal("timer did not fire")
	}
}

func TestOrReal(t *testing.T) {
	if _, ok := OrReal(nil).(Real); !ok {
		t.Fatal("OrReal(nil) should return Real")
	}
	m := NewManual(time.Now())
	if OrReal(m) != Clock(m) {
		t.Fatal("OrReal should keep the provided clock")
	}
}
