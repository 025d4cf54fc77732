package shelly

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/brutella/hc/log"
	"github.com/pkg/errors"
)

const defaultTimeout = 5 * time.Second

// Device is a Gen2 Shelly, spoken to over its RPC API
type Device struct {
	IP string

	client  *http.Client
	timeout time.Duration

	mu       sync.Mutex
	switches map[int]*Switch
}

// DeviceInfo is the subset of Shelly.GetDeviceInfo we use
type DeviceInfo struct {
	ID       string `json:"id"`
	MAC      string `json:"mac"`
	Model    string `json:"model"`
	Gen      int    `json:"gen"`
	Firmware string `json:"ver"`
	App      string `json:"app"`
}

// HCID turns the MAC address into something usable as an accessory ID
func (i *DeviceInfo) HCID(component int) uint64 {
	mac, err := hex.DecodeString(i.MAC)
	if err != nil {
		log.Info.Printf("weird shelly MAC: %s", err.Error())
		return 0
	}
	var id uint64
	for _, v := range mac {
		id = id<<8 | uint64(v)
	}
	// leave room for the component index
	return id<<8 | uint64(component&0xff)
}

type switchStatus struct {
	ID     int   `json:"id"`
	Output *bool `json:"output"`
}

type setResult struct {
	WasOn bool `json:"was_on"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("shelly rpc error %d: %s", e.Code, e.Message)
}

// NewDevice sets up a device; a zero timeout uses the default
func NewDevice(ip string, timeout time.Duration) *Device {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Device{
		IP:       ip,
		client:   &http.Client{Timeout: timeout},
		timeout:  timeout,
		switches: make(map[int]*Switch),
	}
}

// Switch returns the proxy for switch component id, creating it on first use
func (d *Device) Switch(id int) *Switch {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.switches[id]
	if !ok {
		s = &Switch{
			dev:       d,
			id:        id,
			listeners: make(map[int]func(bool)),
		}
		d.switches[id] = s
	}
	return s
}

// Switches lists the known components in id order
func (d *Device) Switches() []*Switch {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*Switch, 0, len(d.switches))
	for _, s := range d.switches {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (d *Device) lookup(id int) (*Switch, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.switches[id]
	return s, ok
}

// Info pulls the device identity
func (d *Device) Info(ctx context.Context) (*DeviceInfo, error) {
	var info DeviceInfo
	if err := d.rpc(ctx, "Shelly.GetDeviceInfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Refresh pulls the state of every known switch
func (d *Device) Refresh(ctx context.Context) error {
	for _, s := range d.Switches() {
		if err := s.Refresh(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) rpc(ctx context.Context, method string, params url.Values, out interface{}) error {
	u := fmt.Sprintf("http://%s/rpc/%s", d.IP, method)
	if len(params) > 0 {
		u = u + "?" + params.Encode()
	}
	req, err := http.NewRequest("GET", u, nil)
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)

	resp, err := d.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "shelly %s %s", d.IP, method)
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "shelly %s %s", d.IP, method)
	}

	if resp.StatusCode != http.StatusOK {
		var re rpcError
		if err := json.Unmarshal(body, &re); err == nil && re.Message != "" {
			return errors.Wrapf(&re, "shelly %s %s", d.IP, method)
		}
		return errors.Errorf("shelly %s %s: %s", d.IP, method, resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrapf(err, "shelly %s %s: bad response", d.IP, method)
	}
	return nil
}

// handleStatus applies a status object keyed by component ("switch:0": {...})
func (d *Device) handleStatus(raw json.RawMessage) {
	var components map[string]json.RawMessage
	if err := json.Unmarshal(raw, &components); err != nil {
		log.Debug.Printf("shelly %s: unparsable status: %s", d.IP, err.Error())
		return
	}
	for key, value := range components {
		if !strings.HasPrefix(key, "switch:") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(key, "switch:"))
		if err != nil {
			continue
		}
		s, ok := d.lookup(id)
		if !ok {
			continue
		}
		s.handleComponent(value)
	}
}

// Switch is one switch component of a Device
type Switch struct {
	dev *Device
	id  int

	mu        sync.Mutex
	output    bool
	known     bool
	listeners map[int]func(bool)
	next      int
}

// ID is the component index on the device
func (s *Switch) ID() int {
	return s.id
}

// Output is the last output state seen
func (s *Switch) Output() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output
}

// Set turns the output on or off, returning once the device has accepted it
func (s *Switch) Set(ctx context.Context, on bool) error {
	log.Info.Printf("setting shelly [%s] switch:%d to %t", s.dev.IP, s.id, on)
	params := url.Values{}
	params.Set("id", strconv.Itoa(s.id))
	params.Set("on", strconv.FormatBool(on))

	var r setResult
	if err := s.dev.rpc(ctx, "Switch.Set", params, &r); err != nil {
		return err
	}
	s.update(on)
	return nil
}

// Refresh pulls the output from the device
func (s *Switch) Refresh(ctx context.Context) error {
	params := url.Values{}
	params.Set("id", strconv.Itoa(s.id))

	var st switchStatus
	if err := s.dev.rpc(ctx, "Switch.GetStatus", params, &st); err != nil {
		return err
	}
	if st.Output == nil {
		return errors.Errorf("shelly %s switch:%d: status without output", s.dev.IP, s.id)
	}
	s.update(*st.Output)
	return nil
}

// OnOutputChange registers fn for output changes; the returned func removes it
func (s *Switch) OnOutputChange(fn func(bool)) func() {
	s.mu.Lock()
	n := s.next
	s.next++
	s.listeners[n] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, n)
			s.mu.Unlock()
		})
	}
}

func (s *Switch) handleComponent(raw []byte) {
	var st switchStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		log.Debug.Printf("shelly %s switch:%d: unparsable status: %s", s.dev.IP, s.id, err.Error())
		return
	}
	// partial notifications often carry only power readings
	if st.Output == nil {
		return
	}
	s.update(*st.Output)
}

// update records the output and tells listeners when it changed
func (s *Switch) update(output bool) {
	s.mu.Lock()
	if s.known && s.output == output {
		s.mu.Unlock()
		return
	}
	s.output = output
	s.known = true
	fns := make([]func(bool), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	log.Debug.Printf("shelly [%s] switch:%d output now %t", s.dev.IP, s.id, output)
	for _, fn := range fns {
		fn(output)
	}
}
