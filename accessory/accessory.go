package accessory

import (
	hcaccessory "github.com/brutella/hc/accessory"
	"github.com/brutella/hc/log"
	"github.com/cloudkucooland/shellylock/action"
)

// TFAccessory is the accessory type, our stuff, plus hc's stuff
type TFAccessory struct {
	Platform string // Shelly
	Name     string // the name used internally, from the accessory's config file name
	IP       string // the IP address (or host:port) of the device
	SwitchID int    // which switch component on the device

	// milliseconds after an unlock to lock again; negative, absent or non-numeric disables
	AutoLockDelay interface{}
	MQTTPrefix    string // the device's MQTT topic prefix, unset to skip MQTT

	Type hcaccessory.AccessoryType // defined at https://github.com/brutella/hc/tree/master/accessory

	// embedded struct (pointer)
	Info                   hcaccessory.Info // defined at https://github.com/brutella/hc/blob/master/accessory/accessory.go
	*hcaccessory.Accessory                  // set when the device is added to HomeControl

	Device interface{}

	Actions []action.Action
	Runner  func(*TFAccessory, *action.Action)
}

// MatchActions returns a slice of actions that should be run
// jumping through hoops since including platform here would be circular
func (a TFAccessory) MatchActions(state string) []*action.Action {
	var actions []*action.Action
	for i := range a.Actions {
		if a.Actions[i].TriggerState == state {
			log.Debug.Printf("%s: %+v", state, a.Actions[i])
			actions = append(actions, &a.Actions[i])
		}
	}
	return actions
}
