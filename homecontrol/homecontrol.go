package tfhc

import (
	"path/filepath"
	"sort"
	"sync"

	tfaccessory "github.com/cloudkucooland/shellylock/accessory"
	"github.com/cloudkucooland/shellylock/config"
	"github.com/cloudkucooland/shellylock/platform"

	"github.com/brutella/hc"
	"github.com/brutella/hc/accessory"
	"github.com/brutella/hc/log"
	"github.com/brutella/hc/util"
	"github.com/pkg/errors"
)

// HCPlatform is the platform handle
type HCPlatform struct {
	Running bool
}

var (
	mu        sync.Mutex
	hcs       = make(map[string]*tfaccessory.TFAccessory)
	transport hc.Transport
)

// Startup is called by the platform bootstrap
func (h HCPlatform) Startup(c *config.Config) platform.Control {
	h.Running = true
	return h
}

// StartHC is called after all devices are registered to start operation
func StartHC(c *config.Config) error {
	storage, err := util.NewFileStorage(filepath.Join(c.ConfigDir, "serials"))
	if err != nil {
		return errors.Wrap(err, "unable to get storage")
	}
	serial := util.GetSerialNumberForAccessoryName("ShellyLockRoot", storage)

	if c.Name == "" {
		c.Name = "ShellyLock"
	}
	root := accessory.NewBridge(accessory.Info{
		Name:             c.Name,
		ID:               1,
		SerialNumber:     serial,
		Manufacturer:     "deviousness",
		Model:            "ShellyLock",
		FirmwareRevision: "0.1.0",
	})
	root.Accessory.OnIdentify(func() {
		log.Info.Printf("bridge root identify called: %+v", root.Accessory)
	})

	t, err := hc.NewIPTransport(c.HCConfig, root.Accessory, accessories()...)
	if err != nil {
		return errors.Wrap(err, "unable to start HomeKit transport")
	}
	go t.Start()
	uri, _ := t.XHMURI()
	log.Info.Printf("add this bridge with: %s", uri)

	mu.Lock()
	transport = t
	mu.Unlock()
	return nil
}

// accessories are ordered by ID so the bridge layout is stable between runs
func accessories() []*accessory.Accessory {
	mu.Lock()
	defer mu.Unlock()
	values := make([]*accessory.Accessory, 0, len(hcs))
	for _, v := range hcs {
		values = append(values, v.Accessory)
	}
	sort.Slice(values, func(i, j int) bool { return values[i].ID < values[j].ID })
	return values
}

// Shutdown is called at process teardown
func (h HCPlatform) Shutdown() platform.Control {
	mu.Lock()
	t := transport
	transport = nil
	mu.Unlock()
	if t != nil {
		<-t.Stop()
	}
	h.Running = false
	return h
}

// AddAccessory registers a device with HC
func (h HCPlatform) AddAccessory(a *tfaccessory.TFAccessory) error {
	// catch devices that didn't get set up properly
	if a.Accessory == nil {
		return errors.Errorf("accessory unset: %v", a.Info)
	}

	a.Accessory.OnIdentify(func() {
		log.Info.Printf("identify called for [%s]: %+v", a.Name, a.Accessory)
		for _, service := range a.Accessory.GetServices() {
			log.Info.Printf("service: %+v", service)
			for _, char := range service.GetCharacteristics() {
				log.Info.Printf("characteristic : %+v", char)
			}
		}
	})

	mu.Lock()
	hcs[a.Name] = a
	mu.Unlock()
	return nil
}

// GetAccessory looks up a device by name -- you probably want the various platform's version, not this
func (h HCPlatform) GetAccessory(name string) (*tfaccessory.TFAccessory, bool) {
	mu.Lock()
	defer mu.Unlock()
	a, ok := hcs[name]
	return a, ok
}

// Background runs the various background tasks: none for HC
func (h HCPlatform) Background() {
}
