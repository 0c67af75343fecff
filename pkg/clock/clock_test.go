package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFake_AdvanceFiresDueTimers(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	timer := f.NewTimer(5 * time.Second)
	f.Advance(2 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("timer fired too early")
	default:
	}

	f.Advance(3 * time.Second)
	select {
	case got := <-timer.C():
		assert.Equal(t, start.Add(5*time.Second), got)
	default:
		t.Fatal("timer did not fire")
	}
}

func TestFake_StopPreventsFire(t *testing.T) {
	f := NewFake(time.Now())
	timer := f.NewTimer(time.Second)
	assert.True(t, timer.Stop())
	f.Advance(2 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
}
