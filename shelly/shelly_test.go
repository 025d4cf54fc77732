package shelly

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	hcaccessory "github.com/brutella/hc/accessory"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tfaccessory "github.com/cloudkucooland/shellylock/accessory"
	"github.com/cloudkucooland/shellylock/action"
	"github.com/cloudkucooland/shellylock/config"
	"github.com/cloudkucooland/shellylock/lock"
	"github.com/cloudkucooland/shellylock/platform"
	"github.com/cloudkucooland/shellylock/runner"
)

type fakeHC struct {
	mu    sync.Mutex
	added map[string]*tfaccessory.TFAccessory
	err   error
}

func (h *fakeHC) Startup(*config.Config) platform.Control { return h }
func (h *fakeHC) Background()                             {}
func (h *fakeHC) Shutdown() platform.Control              { return h }

func (h *fakeHC) AddAccessory(a *tfaccessory.TFAccessory) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.added[a.Name] = a
	return nil
}

func (h *fakeHC) GetAccessory(name string) (*tfaccessory.TFAccessory, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.added[name]
	return a, ok
}

func setup(t *testing.T) (*fakeShelly, *httptest.Server, *fakeHC, Platform) {
	t.Helper()
	reset()
	platform.Reset()

	fake, srv := newFakeShelly()
	hc := &fakeHC{added: make(map[string]*tfaccessory.TFAccessory)}
	platform.RegisterPlatform("HomeControl", hc)

	var p Platform
	platform.RegisterPlatform("Shelly", p)
	platform.StartupAllPlatforms(&config.Config{ShellyTimeout: 1})

	t.Cleanup(func() {
		platform.ShutdownAllPlatforms()
		runner.Wait()
		srv.Close()
		platform.Reset()
		reset()
	})
	return fake, srv, hc, p
}

func TestAddAccessory(t *testing.T) {
	fake, srv, hc, p := setup(t)
	fake.outputs[0] = true

	a := &tfaccessory.TFAccessory{Platform: "Shelly", Name: "front", IP: host(srv), AutoLockDelay: float64(-1)}
	require.NoError(t, p.AddAccessory(a))

	assert.Contains(t, hc.added, "front")
	assert.Equal(t, hcaccessory.TypeDoorLock, a.Type)
	assert.Equal(t, "Shelly", a.Info.Manufacturer)
	assert.Equal(t, "SNSW-001X16EU", a.Info.Model)
	assert.Equal(t, "A8032AB12345-0", a.Info.SerialNumber)
	assert.Equal(t, "front", a.Info.Name)
	assert.NotNil(t, a.Accessory)

	got, ok := p.GetAccessory("front")
	require.True(t, ok)
	assert.Same(t, a, got)

	dl, ok := p.Lock("front")
	require.True(t, ok)
	assert.Equal(t, lock.Unsecured, dl.Current())
	assert.Equal(t, "lock-0", dl.ID())
	_, relock := dl.AutoLockDelay()
	assert.False(t, relock)

	assert.Error(t, p.AddAccessory(&tfaccessory.TFAccessory{Name: "front", IP: host(srv)}), "duplicate name")
	assert.Error(t, p.AddAccessory(&tfaccessory.TFAccessory{Name: "noip"}))
}

func TestAddAccessoryUnreachable(t *testing.T) {
	_, srv, hc, p := setup(t)
	addr := host(srv)
	srv.Close()

	err := p.AddAccessory(&tfaccessory.TFAccessory{Name: "front", IP: addr})
	require.Error(t, err)
	assert.NotContains(t, hc.added, "front")
	_, ok := p.GetAccessory("front")
	assert.False(t, ok)
}

func TestAddAccessoryHCFailureDetaches(t *testing.T) {
	_, srv, hc, p := setup(t)
	hc.err = errors.New("no room")

	require.Error(t, p.AddAccessory(&tfaccessory.TFAccessory{Name: "front", IP: host(srv)}))
	assert.Empty(t, device(host(srv)).Switch(0).listeners, "failed setup must release its subscriptions")
}

func TestAddAccessoryConcurrentSameName(t *testing.T) {
	_, srv, hc, p := setup(t)

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- p.AddAccessory(&tfaccessory.TFAccessory{Name: "front", IP: host(srv)})
		}()
	}
	wg.Wait()
	close(errs)

	var ok int
	for err := range errs {
		if err == nil {
			ok++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Len(t, hc.added, 1)

	// one lock and its action trigger, the losers released theirs
	sw := device(host(srv)).Switch(0)
	sw.mu.Lock()
	defer sw.mu.Unlock()
	assert.Len(t, sw.listeners, 2)
}

func TestAddAccessoryWithoutHomeControl(t *testing.T) {
	_, srv, _, p := setup(t)
	platform.Reset()

	err := p.AddAccessory(&tfaccessory.TFAccessory{Name: "front", IP: host(srv)})
	assert.Equal(t, ErrNoHomeControl, err)
}

func TestWebhook(t *testing.T) {
	_, srv, _, p := setup(t)
	require.NoError(t, p.AddAccessory(&tfaccessory.TFAccessory{Name: "front", IP: host(srv)}))
	dl, _ := p.Lock("front")
	require.Equal(t, lock.Secured, dl.Current())

	r := mux.NewRouter()
	r.HandleFunc("/shelly/{name}/{cmd}", Handler)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/shelly/front/on", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, lock.Unsecured, dl.Current())
	assert.Equal(t, lock.Unsecured, dl.Target())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/shelly/front/sideways", nil))
	assert.Equal(t, http.StatusNotAcceptable, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/shelly/back/on", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLockHandler(t *testing.T) {
	fake, srv, _, p := setup(t)
	require.NoError(t, p.AddAccessory(&tfaccessory.TFAccessory{Name: "front", IP: host(srv), AutoLockDelay: float64(5000)}))

	r := mux.NewRouter()
	r.HandleFunc("/lock/{name}", LockHandler)
	r.HandleFunc("/lock/{name}/{cmd}", LockHandler)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/lock/front/unlock", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var st lockStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "Unsecured", st.Current)
	assert.Equal(t, "Unsecured", st.Target)
	assert.True(t, st.RelockPending)
	assert.Equal(t, []string{"true"}, fake.commands())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/lock/front", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"true"}, fake.commands())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/lock/front/wiggle", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/lock/back", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	fake.mu.Lock()
	fake.fail = true
	fake.mu.Unlock()
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("POST", "/lock/front/lock", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestActions(t *testing.T) {
	fake, srv, _, p := setup(t)

	front := &tfaccessory.TFAccessory{
		Name: "front",
		IP:   host(srv),
		Actions: []action.Action{
			{TriggerState: "Unsecured", TargetPlatform: "Shelly", TargetDevice: "back", Verb: "Unlock"},
		},
	}
	require.NoError(t, p.AddAccessory(front))

	fake.mu.Lock()
	fake.outputs[1] = false
	fake.mu.Unlock()
	back := &tfaccessory.TFAccessory{Name: "back", IP: host(srv), SwitchID: 1}
	require.NoError(t, p.AddAccessory(back))

	// unlocking the front door unlocks the back one too
	require.NoError(t, p.Webhook("front", "on"))
	runner.Wait()

	assert.Equal(t, []string{"true"}, fake.commands())
	dl, _ := p.Lock("back")
	assert.Equal(t, lock.Unsecured, dl.Current())
}

func TestShutdownDetaches(t *testing.T) {
	_, srv, _, p := setup(t)
	require.NoError(t, p.AddAccessory(&tfaccessory.TFAccessory{Name: "front", IP: host(srv)}))
	dl, _ := p.Lock("front")

	p.Shutdown()

	require.NoError(t, p.Webhook("front", "on"))
	assert.Equal(t, lock.Secured, dl.Current())
	assert.Empty(t, device(host(srv)).Switch(0).listeners)
}

func TestBackgroundPuller(t *testing.T) {
	reset()
	platform.Reset()
	defer func() {
		platform.ShutdownAllPlatforms()
		platform.Reset()
		reset()
	}()

	fake, srv := newFakeShelly()
	defer srv.Close()
	platform.RegisterPlatform("HomeControl", &fakeHC{added: make(map[string]*tfaccessory.TFAccessory)})
	var p Platform
	platform.RegisterPlatform("Shelly", p)
	platform.StartupAllPlatforms(&config.Config{ShellyTimeout: 1, ShellyPullRate: 1})

	require.NoError(t, p.AddAccessory(&tfaccessory.TFAccessory{Name: "front", IP: host(srv)}))
	dl, _ := p.Lock("front")

	p.Background()

	// flipped at the switch, nobody told us
	fake.mu.Lock()
	fake.outputs[0] = true
	fake.mu.Unlock()

	assert.Eventually(t, func() bool {
		return dl.Current() == lock.Unsecured
	}, 3*time.Second, 50*time.Millisecond)
}
