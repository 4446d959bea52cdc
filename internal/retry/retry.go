// Package retry holds the backoff schedule and the permanent-error marker
// shared by the job runner and its handlers.
package retry

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// PermanentError marks a failure that redelivery cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the job runner dead-letters it instead of
// scheduling another attempt. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Backoff returns the delay before redelivery number attempt (1-based).
// The nominal delay is base*2^(attempt-1), clamped to max when max > 0,
// then spread by up to a quarter in either direction.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	nominal := base
	for i := 1; i < attempt; i++ {
		if max > 0 && nominal >= max {
			break
		}
		nominal *= 2
	}
	if max > 0 && nominal > max {
		nominal = max
	}
	spread := nominal / 4
	if spread <= 0 {
		return nominal
	}
	return nominal - spread + time.Duration(randInt63n(int64(2*spread+1)))
}

func randInt63n(n int64) int64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return int64(binary.BigEndian.Uint64(b[:])>>1) % n
}
