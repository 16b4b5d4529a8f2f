package backoff

import (
	"testing"
	"time"
)

func TestNextGrowsExponentially(t *testing.T) {
	p := Policy{Base: time.Second, Factor: 2, Max: time.Minute}
	cases := map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		4: 8 * time.Second,
	}
	for attempt, expected := range cases {
		if got := p.Next(attempt); got != expected {
			t.Fatalf("попытка %d: ожидали %v, получили %v", attempt, expected, got)
		}
	}
}

func TestNextRespectsMax(t *testing.T) {
	p := Policy{Base: 5 * time.Second, Factor: 2, Max: 5 * time.Minute}
	if got := p.Next(20); got != 5*time.Minute {
		t.Fatalf("ожидали потолок %v, получили %v", 5*time.Minute, got)
	}
}

func TestNextJitterBounds(t *testing.T) {
	p := Policy{Base: time.Second, Factor: 2, Jitter: 0.2, Max: time.Minute}
	for i := 0; i < 100; i++ {
		got := p.Next(3)
		low := time.Duration(float64(4*time.Second) * 0.8)
		high := time.Duration(float64(4*time.Second) * 1.2)
		if got < low || got > high {
			t.Fatalf("задержка %v вне диапазона [%v, %v]", got, low, high)
		}
	}
}

func TestNextClampsAttempt(t *testing.T) {
	p := Policy{Base: time.Second, Factor: 2, Max: time.Minute}
	if got := p.Next(0); got != time.Second {
		t.Fatalf("нулевая попытка должна считаться первой, получили %v", got)
	}
}

func TestWaitInterrupted(t *testing.T) {
	done := make(chan struct{})
	close(done)
	if Wait(done, time.Minute) {
		t.Fatalf("ожидали прерывание ожидания")
	}
}
