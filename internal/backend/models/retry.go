package models

import (
	"math"
	"time"
)

// RetryPolicy экспоненциальный backoff для повторов задач.
// Формула: base^(attempt-1) минут, с верхней границей Cap.
type RetryPolicy struct {
	MaxAttempts int
	Base        float64
	Cap         time.Duration
}

// NextDelay возвращает задержку перед повтором для attempt (1-based) с clamping
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if r.Base <= 1 {
		r.Base = 5
	}

	minutes := math.Pow(r.Base, float64(attempt-1))
	d := time.Duration(minutes * float64(time.Minute))
	if r.Cap > 0 && d > r.Cap {
		d = r.Cap
	}
	if d <= 0 {
		d = r.Cap
	}
	return d
}

// Exhausted сообщает, что лимит попыток исчерпан
func (r RetryPolicy) Exhausted(attempts int) bool {
	max := r.MaxAttempts
	if max <= 0 {
		max = 3
	}
	return attempts >= max
}
