package platform

import (
	"sort"
	"sync"

	"github.com/cloudkucooland/shellylock/accessory"
	"github.com/cloudkucooland/shellylock/config"
)

// Control is the interface which all platforms must satisfy
type Control interface {
	Startup(*config.Config) Control
	Background()
	Shutdown() Control
	AddAccessory(*accessory.TFAccessory) error
	GetAccessory(string) (*accessory.TFAccessory, bool)
}

var (
	mu        sync.Mutex
	platforms = make(map[string]Control)
)

// RegisterPlatform is called whenever a new platform is instantiated; the first registration of a name wins
func RegisterPlatform(name string, control Control) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := platforms[name]; !ok {
		platforms[name] = control
	}
}

// GetPlatform looks up a registered platform by name
func GetPlatform(name string) (Control, bool) {
	mu.Lock()
	defer mu.Unlock()
	pc, ok := platforms[name]
	return pc, ok
}

// names are sorted so HomeControl, which others register with, has a predictable place
func sortedNames() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(platforms))
	for name := range platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func replace(name string, c Control) {
	mu.Lock()
	platforms[name] = c
	mu.Unlock()
}

// ShutdownAllPlatforms is called at process stop to shutdown all platforms
func ShutdownAllPlatforms() {
	for _, name := range sortedNames() {
		p, _ := GetPlatform(name)
		replace(name, p.Shutdown())
	}
}

// StartupAllPlatforms is called at process start to initialize all platforms
func StartupAllPlatforms(c *config.Config) {
	for _, name := range sortedNames() {
		p, _ := GetPlatform(name)
		replace(name, p.Startup(c))
	}
}

// Background starts the background processes for every platform
func Background() {
	for _, name := range sortedNames() {
		p, _ := GetPlatform(name)
		p.Background()
	}
}

// Reset forgets every platform; for tests
func Reset() {
	mu.Lock()
	platforms = make(map[string]Control)
	mu.Unlock()
}
