package lock

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/brutella/hc/characteristic"
)

// LockState is the value of the HomeKit lock characteristics
type LockState int

// the values match both LockCurrentState and LockTargetState in hc
const (
	Unsecured LockState = LockState(characteristic.LockTargetStateUnsecured)
	Secured   LockState = LockState(characteristic.LockTargetStateSecured)
)

// StateFor maps a switch output onto the lock: on == unsecured
func StateFor(output bool) LockState {
	if output {
		return Unsecured
	}
	return Secured
}

// Output is the switch output that produces this state
func (s LockState) Output() bool {
	return s == Unsecured
}

func (s LockState) String() string {
	switch s {
	case Unsecured:
		return "Unsecured"
	case Secured:
		return "Secured"
	default:
		return fmt.Sprintf("LockState(%d)", int(s))
	}
}

// Switch is what a lock needs from the device: a readable output, a command to change it, and change notifications
type Switch interface {
	ID() int
	Output() bool
	Set(ctx context.Context, on bool) error
	OnOutputChange(fn func(bool)) (unsubscribe func())
}

// maxAutoLockMillis is the longest delay a time.Duration can hold
const maxAutoLockMillis int64 = math.MaxInt64 / int64(time.Millisecond)

// AutoLockMillis converts a raw config value to a relock delay in milliseconds.
// Only JSON numbers count; anything else, or a negative number, yields -1 (disabled).
func AutoLockMillis(v interface{}) int {
	switch n := v.(type) {
	case int:
		return clampMillis(int64(n))
	case int64:
		return clampMillis(n)
	case float64:
		if math.IsNaN(n) || n < 0 {
			return -1
		}
		if n >= float64(maxAutoLockMillis) {
			return clampMillis(maxAutoLockMillis)
		}
		return clampMillis(int64(n))
	default:
		return -1
	}
}

func clampMillis(n int64) int {
	if n < 0 {
		return -1
	}
	if n > maxAutoLockMillis {
		n = maxAutoLockMillis
	}
	if n > math.MaxInt {
		return math.MaxInt
	}
	return int(n)
}

func millisToDuration(n int64) time.Duration {
	if n > maxAutoLockMillis {
		n = maxAutoLockMillis
	}
	return time.Duration(n) * time.Millisecond
}
