package devices

import (
	"github.com/brutella/hc/accessory"
	"github.com/brutella/hc/characteristic"
	"github.com/brutella/hc/service"
)

// Lock is a switch-driven door lock
type Lock struct {
	*accessory.Accessory
	LockMechanism *LockSvc
}

func NewLock(info accessory.Info) *Lock {
	acc := Lock{}
	acc.Accessory = accessory.New(info, accessory.TypeDoorLock)

	acc.LockMechanism = NewLockSvc(info.Name)
	acc.LockMechanism.Primary = true
	acc.AddService(acc.LockMechanism.Service)

	return &acc
}

type LockSvc struct {
	*service.LockMechanism

	Name *characteristic.Name
}

func NewLockSvc(name string) *LockSvc {
	svc := LockSvc{}
	svc.LockMechanism = service.NewLockMechanism()

	// unknown until the lock has seen the device
	svc.LockCurrentState.SetValue(characteristic.LockCurrentStateUnknown)
	svc.LockTargetState.SetValue(characteristic.LockTargetStateSecured)

	svc.Name = characteristic.NewName()
	svc.Name.SetValue(name)
	svc.AddCharacteristic(svc.Name.Characteristic)

	return &svc
}
