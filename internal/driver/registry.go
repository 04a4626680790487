package driver

import (
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Kind says how a driver executes commands
type Kind string

const (
	// KindDevice runs commands on a local device through the bootstrap socket
	KindDevice Kind = "device"
	// KindProxy forwards commands to an upstream WebDriver server
	KindProxy Kind = "proxy"
)

// DefaultName is used when a session names no automation backend
const DefaultName = "UiAutomator"

// AvoidRule names a route that is handled locally even while proxying
type AvoidRule struct {
	Method string
	Path   *regexp.Regexp
}

// Driver describes one automation backend
type Driver struct {
	Name string
	Kind Kind
	// Avoid lists routes, relative to the base path, that are never proxied
	Avoid []AvoidRule

	// Upstream defaults for proxy drivers
	UpstreamPort int
	UpstreamBase string
	// Containerised marks proxy drivers whose upstream can be launched as a
	// container when no upstream url is given
	Containerised bool
}

// ProxyAvoided reports whether method and path, relative to the base path,
// must be handled locally
func (d *Driver) ProxyAvoided(method, path string) bool {
	for _, rule := range d.Avoid {
		if rule.Method == method && rule.Path.MatchString(path) {
			return true
		}
	}
	return false
}

// ShouldProxy reports whether the request goes upstream
func (d *Driver) ShouldProxy(method, path string) bool {
	return d.Kind == KindProxy && !d.ProxyAvoided(method, path)
}

func avoid(method, pattern string) AvoidRule {
	return AvoidRule{Method: method, Path: regexp.MustCompile(pattern)}
}

// Builtin returns the drivers known out of the box
func Builtin() []*Driver {
	return []*Driver{
		{
			Name: "UiAutomator",
			Kind: KindDevice,
		},
		{
			Name:         "Chromedriver",
			Kind:         KindProxy,
			UpstreamPort: 9515,
			Avoid: []AvoidRule{
				avoid(http.MethodGet, `^/session/[^/]+/contexts?$`),
				avoid(http.MethodPost, `^/session/[^/]+/context$`),
				avoid(http.MethodPost, `^/session/[^/]+/appium`),
				avoid(http.MethodGet, `^/session/[^/]+/appium`),
				avoid(http.MethodGet, `^/session/[^/]+/log/types$`),
				avoid(http.MethodPost, `^/session/[^/]+/log$`),
				avoid(http.MethodPost, `^/session/[^/]+/touch/perform`),
				avoid(http.MethodPost, `^/session/[^/]+/touch/multi/perform`),
			},
		},
		{
			Name:          "Selenium",
			Kind:          KindProxy,
			UpstreamPort:  4444,
			Containerised: true,
			Avoid: []AvoidRule{
				avoid(http.MethodGet, `^/session/[^/]+/contexts?$`),
				avoid(http.MethodPost, `^/session/[^/]+/context$`),
			},
		},
		{
			Name:         "Selendroid",
			Kind:         KindProxy,
			UpstreamPort: 8080,
			UpstreamBase: "/wd/hub",
			Avoid: []AvoidRule{
				avoid(http.MethodPost, `^/session/[^/]+/context$`),
				avoid(http.MethodGet, `^/session/[^/]+/context$`),
				avoid(http.MethodPost, `^/session/[^/]+/appium`),
				avoid(http.MethodGet, `^/session/[^/]+/appium`),
				avoid(http.MethodPost, `^/session/[^/]+/element/[^/]+/value$`),
				avoid(http.MethodGet, `^/session/[^/]+/network_connection$`),
				avoid(http.MethodPost, `^/session/[^/]+/network_connection$`),
				avoid(http.MethodPost, `^/session/[^/]+/ime`),
				avoid(http.MethodGet, `^/session/[^/]+/ime`),
			},
		},
	}
}

// Registry maps automation names to drivers
type Registry struct {
	mu       sync.RWMutex
	drivers  map[string]*Driver
	fallback string
}

// NewRegistry builds a registry of drivers. fallback names the driver used
// for unknown or empty automation names and must be one of them.
func NewRegistry(fallback string, drivers ...*Driver) (*Registry, error) {
	r := &Registry{drivers: make(map[string]*Driver, len(drivers))}
	for _, d := range drivers {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	if _, ok := r.drivers[strings.ToLower(fallback)]; !ok {
		return nil, fmt.Errorf("unknown default driver: %s", fallback)
	}
	r.fallback = strings.ToLower(fallback)
	return r, nil
}

// Register adds d, replacing any driver of the same name
func (r *Registry) Register(d *Driver) error {
	if d.Name == "" {
		return fmt.Errorf("driver name is required")
	}
	if d.Kind != KindDevice && d.Kind != KindProxy {
		return fmt.Errorf("driver %s: unknown kind %q", d.Name, d.Kind)
	}
	for _, rule := range d.Avoid {
		switch rule.Method {
		case http.MethodGet, http.MethodPost, http.MethodDelete:
		default:
			return fmt.Errorf("driver %s: unrecognized proxy avoidance method '%s'", d.Name, rule.Method)
		}
		if rule.Path == nil {
			return fmt.Errorf("driver %s: proxy avoidance path must be a regular expression", d.Name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[strings.ToLower(d.Name)] = d
	return nil
}

// Resolve returns the driver for automationName, matched case-insensitively,
// falling back to the default driver
func (r *Registry) Resolve(automationName string) *Driver {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if d, ok := r.drivers[strings.ToLower(automationName)]; ok {
		return d
	}
	return r.drivers[r.fallback]
}

// Names returns every registered driver name
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.drivers))
	for _, d := range r.drivers {
		names = append(names, d.Name)
	}
	sort.Strings(names)
	return names
}
