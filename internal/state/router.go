package state

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"home-registry/internal/registry"
)

// Controller applies live state to the devices registered under its name.
type Controller interface {
	Name() string
	State(ctx context.Context, identifier string) (*DeviceState, error)
	UpdateState(ctx context.Context, identifier string, u Update) (*DeviceState, error)
}

// DeviceLookup returns a stored device record.
type DeviceLookup interface {
	Device(identifier string) (*registry.Device, error)
}

// Router sends state requests to the controller named by the device's
// controller_name.
type Router struct {
	devices DeviceLookup

	mu          sync.RWMutex
	controllers map[string]Controller
}

// NewRouter creates a router with no controllers.
func NewRouter(devices DeviceLookup) *Router {
	return &Router{
		devices:     devices,
		controllers: make(map[string]Controller),
	}
}

// Register adds c, replacing any controller with the same name.
func (r *Router) Register(c Controller) {
	r.mu.Lock()
	r.controllers[c.Name()] = c
	r.mu.Unlock()
}

// Names returns the registered controller names, sorted.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.controllers))
	for n := range r.controllers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// State returns the live state of a device.
func (r *Router) State(ctx context.Context, identifier string) (*DeviceState, error) {
	c, err := r.controllerFor(identifier)
	if err != nil {
		return nil, err
	}
	return c.State(ctx, identifier)
}

// UpdateState applies a partial update to a device.
func (r *Router) UpdateState(ctx context.Context, identifier string, u Update) (*DeviceState, error) {
	c, err := r.controllerFor(identifier)
	if err != nil {
		return nil, err
	}
	return c.UpdateState(ctx, identifier, u)
}

func (r *Router) controllerFor(identifier string) (Controller, error) {
	d, err := r.devices.Device(identifier)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	c, ok := r.controllers[d.ControllerName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no controller %q for device %q", registry.ErrNotFound, d.ControllerName, identifier)
	}
	return c, nil
}
