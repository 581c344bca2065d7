package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceFiresTicker(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)
	tk := c.NewTicker(time.Second)

	c.Advance(500 * time.Millisecond)
	select {
	case <-tk.C():
		t.Fatal("ticker fired early")
	default:
	}

	c.Advance(600 * time.Millisecond)
	select {
	case at := <-tk.C():
		assert.Equal(t, start.Add(time.Second), at)
	default:
		t.Fatal("ticker did not fire")
	}
	assert.Equal(t, start.Add(1100*time.Millisecond), c.Now())
}

func TestFakeStoppedTickerIsSilent(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	tk := c.NewTicker(time.Second)
	tk.Stop()
	c.Advance(5 * time.Second)
	select {
	case <-tk.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFakeSetDoesNotFire(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	tk := c.NewTicker(time.Second)
	c.Set(time.Unix(100, 0))
	require.Equal(t, time.Unix(100, 0), c.Now())
	select {
	case <-tk.C():
		t.Fatal("Set fired ticker")
	default:
	}
}
