package action

// Action is run when an accessory reaches TriggerState
type Action struct {
	// don't need to store the source device since this is linked
	TriggerState   string // Secured or Unsecured
	TargetPlatform string
	TargetDevice   string // accessory name
	Verb           string // per-platform specific: Lock, Unlock for locks
}

// see runner for running actions -- circular imports suck
