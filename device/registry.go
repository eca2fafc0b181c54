package device

import (
	"sync"

	btd "github.com/corvid-labs/btd"
)

// Registry tracks every device known to one adapter. Temporary devices
// leave it when their TTL runs out.
type Registry struct {
	loop    *Loop
	adapter btd.Adapter
	opts    []Option

	mu      sync.Mutex
	devices map[string]*Device
}

// NewRegistry builds a registry; opts are applied to every device it
// creates.
func NewRegistry(loop *Loop, adapter btd.Adapter, opts ...Option) *Registry {
	return &Registry{
		loop:    loop,
		adapter: adapter,
		opts:    opts,
		devices: make(map[string]*Device),
	}
}

// Get returns the device for an address, if known.
func (r *Registry) Get(addr btd.Addr) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[addr.String()]
	return d, ok
}

// FindOrCreate returns the existing device or creates a temporary one.
func (r *Registry) FindOrCreate(addr btd.Addr, t btd.AddrType) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.devices[addr.String()]; ok {
		return d, nil
	}

	opts := append([]Option(nil), r.opts...)
	opts = append(opts, WithExpiredFunc(func() {
		r.drop(addr)
	}))

	d, err := New(r.loop, r.adapter, addr, t, opts...)
	if err != nil {
		return nil, err
	}

	r.devices[addr.String()] = d
	return d, nil
}

func (r *Registry) drop(addr btd.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, addr.String())
}

// Remove tears a device down and forgets it.
func (r *Registry) Remove(addr btd.Addr, deleteStored bool) {
	r.mu.Lock()
	d, ok := r.devices[addr.String()]
	delete(r.devices, addr.String())
	r.mu.Unlock()

	if ok {
		d.Remove(deleteStored)
	}
}

// All snapshots the known devices.
func (r *Registry) All() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}
