package shellylock

import (
	"github.com/brutella/hc/log"
	"github.com/pkg/errors"

	"github.com/cloudkucooland/shellylock/accessory"
	"github.com/cloudkucooland/shellylock/config"
	tfhc "github.com/cloudkucooland/shellylock/homecontrol"
	"github.com/cloudkucooland/shellylock/platform"
	"github.com/cloudkucooland/shellylock/shelly"
	"github.com/cloudkucooland/shellylock/tfhttp"
)

// BootstrapPlatforms sets up all the platforms
func BootstrapPlatforms(c *config.Config) {
	config.Set(c)

	var hcp tfhc.HCPlatform
	platform.RegisterPlatform("HomeControl", hcp)

	var s shelly.Platform
	platform.RegisterPlatform("Shelly", s)

	var h tfhttp.Platform
	platform.RegisterPlatform("HTTP", h)

	platform.StartupAllPlatforms(c)
}

// AddAccessory is a wrapper to each platform's AddAccessory, no need to expose each platform to the daemon
func AddAccessory(h *accessory.TFAccessory) error {
	if h.Platform == "" {
		return errors.Errorf("accessory platform unset: %s", h.Name)
	}

	p, ok := platform.GetPlatform(h.Platform)
	if !ok {
		return errors.Errorf("unknown accessory platform [%s] for %s", h.Platform, h.Name)
	}

	if err := p.AddAccessory(h); err != nil {
		log.Info.Printf("unable to add [%s]: %s", h.Name, err.Error())
		return err
	}
	return nil
}

// StartHC is just a wrapper, no need to expose tfhc to the daemon
func StartHC(c *config.Config) error {
	return tfhc.StartHC(c)
}
