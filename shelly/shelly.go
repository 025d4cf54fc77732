package shelly

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	hcaccessory "github.com/brutella/hc/accessory"
	"github.com/brutella/hc/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	tfaccessory "github.com/cloudkucooland/shellylock/accessory"
	"github.com/cloudkucooland/shellylock/action"
	"github.com/cloudkucooland/shellylock/config"
	"github.com/cloudkucooland/shellylock/devices"
	"github.com/cloudkucooland/shellylock/lock"
	"github.com/cloudkucooland/shellylock/platform"
	"github.com/cloudkucooland/shellylock/runner"
)

// ErrUnknownAccessory is returned for names that were never added
var ErrUnknownAccessory = errors.New("unknown shelly accessory")

// ErrNoHomeControl means the HomeControl platform has not been registered
var ErrNoHomeControl = errors.New("HomeControl platform does not yet exist")

// Platform is the handle to the shelly locks
type Platform struct {
	Running bool
}

type shellyLock struct {
	acc      *tfaccessory.TFAccessory
	dev      *Device
	sw       *Switch
	lock     *lock.DoorLock
	triggers func()
}

var (
	mu         sync.Mutex
	locks      = make(map[string]*shellyLock) // by accessory name
	shellies   = make(map[string]*Device)     // by IP
	conf       *config.Config
	mqttClient mqtt.Client
	bgCtx      = context.Background()
	bgCancel   = func() {}
)

// Startup is called by the platform management to get things going
func (s Platform) Startup(c *config.Config) platform.Control {
	mu.Lock()
	conf = c
	bgCtx, bgCancel = context.WithCancel(context.Background())
	mu.Unlock()

	if c.MQTTBroker != "" {
		client, err := connectMQTT(c, resubscribe)
		if err != nil {
			log.Info.Printf("MQTT disabled: %s", err.Error())
		} else {
			mu.Lock()
			mqttClient = client
			mu.Unlock()
		}
	}

	s.Running = true
	return s
}

// Shutdown detaches every lock and stops the listeners
func (s Platform) Shutdown() platform.Control {
	mu.Lock()
	bgCancel()
	all := make([]*shellyLock, 0, len(locks))
	for _, l := range locks {
		all = append(all, l)
	}
	client := mqttClient
	mqttClient = nil
	mu.Unlock()

	for _, l := range all {
		l.triggers()
		l.lock.Detach()
		if client != nil && l.acc.MQTTPrefix != "" {
			if err := l.dev.UnsubscribeMQTT(client, l.acc.MQTTPrefix); err != nil {
				log.Info.Println(err.Error())
			}
		}
	}
	if client != nil {
		client.Disconnect(250)
	}

	s.Running = false
	return s
}

// AddAccessory sets up a lock on one switch of a Shelly and registers it with HC
func (s Platform) AddAccessory(a *tfaccessory.TFAccessory) error {
	hc, ok := platform.GetPlatform("HomeControl")
	if !ok {
		return ErrNoHomeControl
	}
	if a.IP == "" {
		return errors.Errorf("shelly accessory [%s] has no IP", a.Name)
	}
	if _, ok := s.GetAccessory(a.Name); ok {
		return errors.Errorf("already have a shelly accessory named [%s]", a.Name)
	}

	dev := device(a.IP)
	sw := dev.Switch(a.SwitchID)

	ctx, cancel := context.WithTimeout(context.Background(), timeout())
	defer cancel()

	// pull the shelly to get a.Info -- override the config file with reality
	info, err := dev.Info(ctx)
	if err != nil {
		return errors.Wrapf(err, "unable to identify shelly [%s]", a.Name)
	}
	if err := sw.Refresh(ctx); err != nil {
		return errors.Wrapf(err, "unable to read shelly [%s]", a.Name)
	}

	if a.Info.Name == "" {
		a.Info.Name = a.Name
	}
	a.Info.SerialNumber = fmt.Sprintf("%s-%d", info.MAC, a.SwitchID)
	a.Info.Manufacturer = "Shelly"
	a.Info.Model = info.Model
	a.Info.FirmwareRevision = info.Firmware
	if a.Info.ID == 0 {
		a.Info.ID = info.HCID(a.SwitchID)
	}
	a.Type = hcaccessory.TypeDoorLock

	acc := devices.NewLock(a.Info)
	a.Accessory = acc.Accessory

	dl := lock.NewDoorLock(sw, acc.LockMechanism.LockMechanism, lock.AutoLockMillis(a.AutoLockDelay))
	if err := dl.Initialize(); err != nil {
		dl.Detach()
		return err
	}
	a.Device = dl
	a.Runner = lockRunner

	triggers := sw.OnOutputChange(func(on bool) {
		runner.RunActions(a.MatchActions(lock.StateFor(on).String()))
	})

	// the name is claimed before HC sees it, a concurrent add of the same name loses here
	mu.Lock()
	if _, ok := locks[a.Name]; ok {
		mu.Unlock()
		triggers()
		dl.Detach()
		return errors.Errorf("already have a shelly accessory named [%s]", a.Name)
	}
	locks[a.Name] = &shellyLock{acc: a, dev: dev, sw: sw, lock: dl, triggers: triggers}
	client := mqttClient
	mu.Unlock()

	// add to HC for GUI
	if err := hc.AddAccessory(a); err != nil {
		mu.Lock()
		delete(locks, a.Name)
		mu.Unlock()
		triggers()
		dl.Detach()
		return err
	}

	if client != nil && a.MQTTPrefix != "" {
		if err := dev.SubscribeMQTT(client, a.MQTTPrefix); err != nil {
			log.Info.Println(err.Error())
		}
	}

	delay, relock := dl.AutoLockDelay()
	log.Info.Printf("added [%s] on shelly %s switch:%d (%s), auto-lock %t %s", a.Name, a.IP, a.SwitchID, info.Model, relock, delay)
	return nil
}

// GetAccessory looks up a lock by accessory name
func (s Platform) GetAccessory(name string) (*tfaccessory.TFAccessory, bool) {
	mu.Lock()
	defer mu.Unlock()
	l, ok := locks[name]
	if !ok {
		return nil, false
	}
	return l.acc, true
}

// Lock looks up the door lock behind an accessory
func (s Platform) Lock(name string) (*lock.DoorLock, bool) {
	mu.Lock()
	defer mu.Unlock()
	l, ok := locks[name]
	if !ok {
		return nil, false
	}
	return l.lock, true
}

// Webhook applies an output report pushed by the device ("on" or "off")
func (s Platform) Webhook(name, cmd string) error {
	mu.Lock()
	l, ok := locks[name]
	mu.Unlock()
	if !ok {
		return ErrUnknownAccessory
	}

	switch cmd {
	case "on":
		l.sw.update(true)
	case "off":
		l.sw.update(false)
	default:
		return errors.Errorf("unknown shelly command: %s", cmd)
	}
	return nil
}

// Background starts the websocket listeners and the periodic puller
func (s Platform) Background() {
	mu.Lock()
	c := conf
	ctx := bgCtx
	mu.Unlock()
	if c == nil {
		log.Info.Println("shelly platform not started")
		return
	}

	if c.ShellyWebsocket {
		for _, d := range allDevices() {
			go d.Listen(ctx)
		}
	}

	if c.ShellyPullRate == 0 {
		log.Info.Println("ShellyPullRate is 0, disabling checks")
		return
	}
	go func() {
		t := time.NewTicker(time.Second * time.Duration(c.ShellyPullRate))
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				backgroundPuller(ctx)
			}
		}
	}()
}

func backgroundPuller(ctx context.Context) {
	for _, d := range allDevices() {
		pctx, cancel := context.WithTimeout(ctx, timeout())
		if err := d.Refresh(pctx); err != nil {
			log.Info.Println(err.Error())
		}
		cancel()
	}
}

func lockRunner(a *tfaccessory.TFAccessory, act *action.Action) {
	dl, ok := a.Device.(*lock.DoorLock)
	if !ok {
		log.Info.Printf("[%s] is not a lock", a.Name)
		return
	}

	var state lock.LockState
	switch act.Verb {
	case "Lock":
		state = lock.Secured
	case "Unlock":
		state = lock.Unsecured
	default:
		log.Info.Printf("unknown lock verb [%s] for [%s]", act.Verb, a.Name)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout())
	defer cancel()
	if err := dl.RequestLockChange(ctx, state); err != nil {
		log.Info.Printf("action on [%s] failed: %s", a.Name, err.Error())
	}
}

// resubscribe restores MQTT subscriptions after a reconnect
func resubscribe(client mqtt.Client) {
	mu.Lock()
	all := make([]*shellyLock, 0, len(locks))
	for _, l := range locks {
		all = append(all, l)
	}
	mu.Unlock()

	for _, l := range all {
		if l.acc.MQTTPrefix == "" {
			continue
		}
		go func(l *shellyLock) {
			if err := l.dev.SubscribeMQTT(client, l.acc.MQTTPrefix); err != nil {
				log.Info.Println(err.Error())
			}
		}(l)
	}
}

func device(ip string) *Device {
	mu.Lock()
	defer mu.Unlock()
	d, ok := shellies[ip]
	if !ok {
		d = NewDevice(ip, conf.ShellyTimeoutDuration())
		shellies[ip] = d
	}
	return d
}

func allDevices() []*Device {
	mu.Lock()
	defer mu.Unlock()
	out := make([]*Device, 0, len(shellies))
	for _, d := range shellies {
		out = append(out, d)
	}
	return out
}

func timeout() time.Duration {
	mu.Lock()
	defer mu.Unlock()
	return conf.ShellyTimeoutDuration()
}

// Handler is registered with the HTTP platform for device webhooks: /shelly/{name}/{cmd}
func Handler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, cmd := vars["name"], vars["cmd"]

	s, ok := platform.GetPlatform("Shelly")
	if !ok {
		log.Info.Print("unable to get shelly platform, giving up")
		http.Error(w, `{ "status": "bad" }`, http.StatusInternalServerError)
		return
	}
	p, ok := s.(Platform)
	if !ok {
		http.Error(w, `{ "status": "bad" }`, http.StatusInternalServerError)
		return
	}

	log.Info.Printf("from shelly [%s] [%s] to me: [%s]", r.RemoteAddr, name, cmd)
	if err := p.Webhook(name, cmd); err != nil {
		log.Info.Println(err.Error())
		status := http.StatusNotAcceptable
		if err == ErrUnknownAccessory {
			status = http.StatusNotFound
		}
		http.Error(w, `{ "status": "bad" }`, status)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	fmt.Fprint(w, `{ "status": "OK" }`)
}

type lockStatus struct {
	Name          string `json:"name"`
	ID            string `json:"id"`
	Current       string `json:"current"`
	Target        string `json:"target"`
	RelockPending bool   `json:"relock_pending"`
}

// LockHandler reports a lock (GET /lock/{name}) or drives it (/lock/{name}/lock, /lock/{name}/unlock)
func LockHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]

	s, ok := platform.GetPlatform("Shelly")
	if !ok {
		http.Error(w, `{ "status": "bad" }`, http.StatusInternalServerError)
		return
	}
	p, ok := s.(Platform)
	if !ok {
		http.Error(w, `{ "status": "bad" }`, http.StatusInternalServerError)
		return
	}
	dl, ok := p.Lock(name)
	if !ok {
		http.Error(w, `{ "status": "unknown lock" }`, http.StatusNotFound)
		return
	}

	if cmd, ok := vars["cmd"]; ok {
		var state lock.LockState
		switch cmd {
		case "lock":
			state = lock.Secured
		case "unlock":
			state = lock.Unsecured
		default:
			http.Error(w, `{ "status": "unknown command" }`, http.StatusBadRequest)
			return
		}
		if err := dl.RequestLockChange(r.Context(), state); err != nil {
			log.Info.Println(err.Error())
			http.Error(w, `{ "status": "device unreachable" }`, http.StatusBadGateway)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	json.NewEncoder(w).Encode(lockStatus{
		Name:          name,
		ID:            dl.ID(),
		Current:       dl.Current().String(),
		Target:        dl.Target().String(),
		RelockPending: dl.RelockPending(),
	})
}

// reset forgets every lock and device; for tests
func reset() {
	mu.Lock()
	defer mu.Unlock()
	bgCancel()
	locks = make(map[string]*shellyLock)
	shellies = make(map[string]*Device)
	conf = nil
	mqttClient = nil
	bgCtx = context.Background()
	bgCancel = func() {}
}
