package shelly

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeShelly answers the handful of Gen2 RPC calls we make
type fakeShelly struct {
	mu      sync.Mutex
	outputs map[int]bool
	fail    bool
	sets    []string

	upgrader websocket.Upgrader
	conns    chan *websocket.Conn
}

func newFakeShelly() (*fakeShelly, *httptest.Server) {
	f := &fakeShelly{
		outputs: map[int]bool{0: false},
		conns:   make(chan *websocket.Conn, 4),
	}
	return f, httptest.NewServer(f)
}

func host(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func (f *fakeShelly) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id, _ := strconv.Atoi(r.URL.Query().Get("id"))
	switch r.URL.Path {
	case "/rpc/Shelly.GetDeviceInfo":
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "shellyplus1-a8032ab12345", "mac": "A8032AB12345", "model": "SNSW-001X16EU",
			"gen": 2, "ver": "1.0.8", "app": "Plus1",
		})
	case "/rpc/Switch.GetStatus":
		json.NewEncoder(w).Encode(map[string]interface{}{"id": id, "source": "init", "output": f.outputs[id], "apower": 0})
	case "/rpc/Switch.Set":
		f.sets = append(f.sets, r.URL.Query().Get("on"))
		if f.fail {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"code":-103,"message":"Resource unavailable"}`))
			return
		}
		was := f.outputs[id]
		f.outputs[id] = r.URL.Query().Get("on") == "true"
		json.NewEncoder(w).Encode(map[string]interface{}{"was_on": was})
	case "/rpc":
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var hello frame
		if err := conn.ReadJSON(&hello); err != nil {
			conn.Close()
			return
		}
		status, _ := json.Marshal(map[string]interface{}{
			"switch:0": map[string]interface{}{"id": 0, "output": f.outputs[0]},
			"sys":      map[string]interface{}{"uptime": 12},
		})
		conn.WriteJSON(frame{ID: hello.ID, Src: "shellyplus1-a8032ab12345", Dst: hello.Src, Result: status})
		f.conns <- conn
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeShelly) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sets...)
}

func TestSwitchRefreshAndSet(t *testing.T) {
	fake, srv := newFakeShelly()
	defer srv.Close()
	fake.outputs[0] = true

	d := NewDevice(host(srv), time.Second)
	sw := d.Switch(0)
	assert.Same(t, sw, d.Switch(0))

	require.NoError(t, sw.Refresh(context.Background()))
	assert.True(t, sw.Output())

	var seen []bool
	unsubscribe := sw.OnOutputChange(func(on bool) { seen = append(seen, on) })

	require.NoError(t, sw.Set(context.Background(), false))
	assert.False(t, sw.Output())
	assert.Equal(t, []string{"false"}, fake.commands())
	assert.Equal(t, []bool{false}, seen)

	// unchanged output is not a change
	require.NoError(t, sw.Refresh(context.Background()))
	assert.Equal(t, []bool{false}, seen)

	unsubscribe()
	unsubscribe()
	require.NoError(t, sw.Set(context.Background(), true))
	assert.Equal(t, []bool{false}, seen)
}

func TestSwitchSetFailure(t *testing.T) {
	fake, srv := newFakeShelly()
	defer srv.Close()
	fake.fail = true

	sw := NewDevice(host(srv), time.Second).Switch(0)
	require.NoError(t, sw.Refresh(context.Background()))

	called := false
	sw.OnOutputChange(func(bool) { called = true })

	err := sw.Set(context.Background(), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Resource unavailable")

	var re *rpcError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, -103, re.Code)

	assert.False(t, sw.Output())
	assert.False(t, called)
}

func TestSwitchUnreachable(t *testing.T) {
	_, srv := newFakeShelly()
	addr := host(srv)
	srv.Close()

	err := NewDevice(addr, 200*time.Millisecond).Switch(0).Set(context.Background(), true)
	assert.Error(t, err)
}

func TestDeviceInfo(t *testing.T) {
	_, srv := newFakeShelly()
	defer srv.Close()

	info, err := NewDevice(host(srv), time.Second).Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "SNSW-001X16EU", info.Model)
	assert.Equal(t, "1.0.8", info.Firmware)
	assert.Equal(t, uint64(0xA8032AB1234502), info.HCID(2))

	bad := DeviceInfo{MAC: "nope"}
	assert.Equal(t, uint64(0), bad.HCID(0))
}

func TestHandleStatus(t *testing.T) {
	d := NewDevice("127.0.0.1", 0)
	zero, one := d.Switch(0), d.Switch(1)
	one.update(true)

	d.handleStatus(json.RawMessage(`{
		"switch:0": {"id": 0, "output": true},
		"switch:1": {"id": 1, "apower": 12.5},
		"switch:7": {"id": 7, "output": true},
		"switch:x": {"output": false},
		"sys": {"uptime": 5}
	}`))

	assert.True(t, zero.Output())
	assert.True(t, one.Output(), "power-only updates leave the output alone")
	assert.Len(t, d.Switches(), 2, "unknown components are not created")

	d.handleStatus(json.RawMessage(`not json`))
	assert.True(t, zero.Output())
}

func TestSwitchesSorted(t *testing.T) {
	d := NewDevice("127.0.0.1", 0)
	d.Switch(3)
	d.Switch(0)
	d.Switch(1)

	var ids []int
	for _, s := range d.Switches() {
		ids = append(ids, s.ID())
	}
	assert.Equal(t, []int{0, 1, 3}, ids)
}
