package config

import (
	"time"

	"github.com/brutella/hc"
)

// Config is the primary daemon configuration...
type Config struct {
	ConfigDir   string    // passed in from CLI
	ConfigFile  string    // server.json
	HTTPAddress string    // net.Dial address format, :port is good enough
	Name        string    // what this bridge shows as
	ID          string    // displayed serial number -- if you run multiple instances, make sure each has a distinct ID
	HCConfig    hc.Config // base HomeControl configuration

	ShellyPullRate  int  // (seconds) how frequently to pull the locks' switches -- 0 to disable
	ShellyTimeout   int  // (seconds) how long to wait for an RPC call, unset uses 5
	ShellyWebsocket bool // follow each device's websocket notifications

	MQTTBroker   string // tcp://host:1883 -- unset disables MQTT
	MQTTUsername string
	MQTTPassword string
	MQTTClientID string
}

// ShellyTimeoutDuration is ShellyTimeout with the default applied
func (c *Config) ShellyTimeoutDuration() time.Duration {
	if c == nil || c.ShellyTimeout <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.ShellyTimeout) * time.Second
}

var runningConfig *Config

// Get a pointer to the global config
func Get() *Config {
	return runningConfig
}

// should only be called by the bootstrap
func Set(c *Config) {
	runningConfig = c
}
