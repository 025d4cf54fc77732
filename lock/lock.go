// Package lock presents a switch component as a HomeKit door lock, with an optional automatic re-lock.
package lock

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/brutella/hc/characteristic"
	"github.com/brutella/hc/log"
	"github.com/brutella/hc/service"
	"github.com/pkg/errors"
)

// DoorLock keeps a LockMechanism service in step with a switch's output.
// Output on is unsecured, off is secured.
type DoorLock struct {
	sw     Switch
	svc    *service.LockMechanism
	delay  time.Duration
	relock bool

	// mu guards the timer and every read or write of the lock characteristics
	mu          sync.Mutex
	timer       *time.Timer
	generation  uint64 // bumped on every cancel/schedule, a fired timer from an older generation does nothing
	unsubscribe func()
	initialized bool
	detached    bool
}

// NewDoorLock builds the lock; a negative autoLockMillis disables re-locking.
// Initialize must be called before the lock is used.
func NewDoorLock(sw Switch, svc *service.LockMechanism, autoLockMillis int) *DoorLock {
	l := &DoorLock{
		sw:  sw,
		svc: svc,
	}
	if autoLockMillis >= 0 {
		l.relock = true
		l.delay = millisToDuration(int64(autoLockMillis))
	}
	return l
}

// ID is stable for a given switch component
func (l *DoorLock) ID() string {
	return fmt.Sprintf("lock-%d", l.sw.ID())
}

// Name is what HomeKit shows by default
func (l *DoorLock) Name() string {
	return fmt.Sprintf("Door lock %d", l.sw.ID()+1)
}

// AutoLockDelay returns the re-lock delay and whether re-locking is enabled
func (l *DoorLock) AutoLockDelay() (time.Duration, bool) {
	return l.delay, l.relock
}

// Service is the HomeKit service being driven
func (l *DoorLock) Service() *service.LockMechanism {
	return l.svc
}

// Current is the state last pushed to LockCurrentState
func (l *DoorLock) Current() LockState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LockState(l.svc.LockCurrentState.GetValue())
}

// Target is the value of LockTargetState
func (l *DoorLock) Target() LockState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LockState(l.svc.LockTargetState.GetValue())
}

// RelockPending reports whether an automatic re-lock is scheduled
func (l *DoorLock) RelockPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.timer != nil
}

// Initialize publishes the device's current state to HomeKit, then starts
// listening to HomeKit writes and device changes.
func (l *DoorLock) Initialize() error {
	l.mu.Lock()
	if l.initialized {
		l.mu.Unlock()
		return ErrAlreadyInitialized
	}
	l.initialized = true

	state := StateFor(l.sw.Output())
	l.svc.LockCurrentState.SetValue(int(state))
	// hc starts the target at unsecured, which would leave a secured lock "unlocking"
	l.svc.LockTargetState.SetValue(int(state))
	l.mu.Unlock()

	l.svc.LockTargetState.OnValueUpdateFromConn(l.remoteUpdate)

	unsubscribe := l.sw.OnOutputChange(l.outputChanged)

	l.mu.Lock()
	if l.detached {
		l.mu.Unlock()
		unsubscribe()
		return nil
	}
	l.unsubscribe = unsubscribe
	l.mu.Unlock()
	return nil
}

// Detach drops the device subscription and any pending re-lock. Safe to call more than once.
func (l *DoorLock) Detach() {
	l.mu.Lock()
	if l.detached {
		l.mu.Unlock()
		return
	}
	l.detached = true
	l.cancelRelockLocked()
	unsubscribe := l.unsubscribe
	l.unsubscribe = nil
	l.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// RequestLockChange drives the switch toward the requested state.
// A failed command comes back as a *StatusError and leaves the characteristics alone.
func (l *DoorLock) RequestLockChange(ctx context.Context, requested LockState) error {
	if requested != Secured && requested != Unsecured {
		return &StatusError{Status: StatusInvalidValueInRequest, cause: errors.Errorf("unknown lock state %d", int(requested))}
	}

	want := requested.Output()
	if want == l.sw.Output() {
		log.Debug.Printf("[%s] already %s", l.ID(), requested)
		return nil
	}

	log.Info.Printf("setting [%s] to %s", l.ID(), requested)
	if err := l.sw.Set(ctx, want); err != nil {
		log.Info.Printf("failed to set switch for [%s]: %s", l.ID(), err.Error())
		return communicationFailure(err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancelRelockLocked()
	if l.relock && requested == Unsecured && !l.detached {
		l.scheduleRelockLocked()
	}
	return nil
}

// remoteUpdate handles a LockTargetState write from a HomeKit controller.
// hc has no way to hand a status back, so a failure restores the previous target.
func (l *DoorLock) remoteUpdate(conn net.Conn, c *characteristic.Characteristic, newValue, oldValue interface{}) {
	v, ok := newValue.(int)
	if !ok {
		log.Info.Printf("[%s] ignoring target state of type %T", l.ID(), newValue)
		return
	}
	if err := l.RequestLockChange(context.Background(), LockState(v)); err != nil {
		l.mu.Lock()
		c.UpdateValue(oldValue)
		l.mu.Unlock()
	}
}

// outputChanged mirrors a device change, whatever caused it
func (l *DoorLock) outputChanged(output bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.detached {
		return
	}
	if !output {
		l.cancelRelockLocked()
	}

	state := StateFor(output)
	log.Debug.Printf("[%s] device reports %s", l.ID(), state)
	l.svc.LockCurrentState.SetValue(int(state))
	l.svc.LockTargetState.SetValue(int(state))
}

func (l *DoorLock) cancelRelockLocked() {
	l.generation++
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

func (l *DoorLock) scheduleRelockLocked() {
	l.generation++
	gen := l.generation
	log.Debug.Printf("[%s] re-locking in %s", l.ID(), l.delay)
	l.timer = time.AfterFunc(l.delay, func() {
		l.relockFired(gen)
	})
}

func (l *DoorLock) relockFired(gen uint64) {
	l.mu.Lock()
	if gen != l.generation || l.timer == nil {
		l.mu.Unlock()
		return
	}
	l.timer = nil
	log.Info.Printf("auto re-locking [%s]", l.ID())
	// goes out to HomeKit like any other target change
	l.svc.LockTargetState.SetValue(int(Secured))
	l.mu.Unlock()

	if err := l.RequestLockChange(context.Background(), Secured); err != nil {
		l.mu.Lock()
		l.svc.LockTargetState.SetValue(int(StateFor(l.sw.Output())))
		l.mu.Unlock()
	}
}
