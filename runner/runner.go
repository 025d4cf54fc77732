package runner

// this is distinct from action because of circular imports

import (
	"sync"

	"github.com/brutella/hc/log"
	"github.com/cloudkucooland/shellylock/action"
	"github.com/cloudkucooland/shellylock/platform"
)

var running sync.WaitGroup

// RunActions starts each action in its own goroutine
func RunActions(as []*action.Action) {
	for _, a := range as {
		running.Add(1)
		go func(a *action.Action) {
			defer running.Done()
			runAction(a)
		}(a)
	}
}

// Wait blocks until every started action has finished
func Wait() {
	running.Wait()
}

func runAction(a *action.Action) {
	p, ok := platform.GetPlatform(a.TargetPlatform)
	log.Info.Printf("running action: %+v", a)
	if !ok {
		log.Info.Printf("unknown platform [%s]", a.TargetPlatform)
		return
	}
	d, ok := p.GetAccessory(a.TargetDevice)
	if !ok {
		log.Info.Printf("unknown device [%s]", a.TargetDevice)
		return
	}
	if d.Runner != nil {
		d.Runner(d, a)
	} else {
		log.Info.Printf("[%s] does not have an action runner", d.Name)
	}
}
