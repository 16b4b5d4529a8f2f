package backoff

import (
	"math/rand"
	"time"
)

// Policy описывает экспоненциальный бэкофф со случайным разбросом.
type Policy struct {
	Base   time.Duration
	Factor float64
	Jitter float64
	Max    time.Duration
}

// Default — политика для повторов задач очередей.
var Default = Policy{Base: time.Second, Factor: 2, Jitter: 0.2, Max: time.Minute}

// Reconnect — политика переподключения ingestion-шардов.
var Reconnect = Policy{Base: 5 * time.Second, Factor: 2, Jitter: 0.2, Max: 5 * time.Minute}

// Next возвращает задержку перед попыткой attempt (нумерация с 1).
func (p Policy) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.Base)
	for i := 1; i < attempt; i++ {
		delay *= p.Factor
		if delay >= float64(p.Max) {
			break
		}
	}
	if max := float64(p.Max); delay > max {
		delay = max
	}
	if p.Jitter > 0 {
		delay *= 1 - p.Jitter + 2*p.Jitter*rand.Float64()
	}
	return time.Duration(delay)
}

// Wait спит указанную задержку, прерываясь по done.
func Wait(done <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return false
	case <-timer.C:
		return true
	}
}
