package device

import (
	"sort"

	btd "github.com/corvid-labs/btd"
)

// ServiceState is the lifecycle of one per-profile attachment.
type ServiceState int

const (
	ServiceDisconnected ServiceState = iota
	ServiceConnecting
	ServiceConnected
	ServiceDisconnecting
)

func (s ServiceState) String() string {
	switch s {
	case ServiceConnecting:
		return "connecting"
	case ServiceConnected:
		return "connected"
	case ServiceDisconnecting:
		return "disconnecting"
	}
	return "disconnected"
}

// Service is one profile attachment on a device. It holds a non-owning
// back-reference to its device; the device owns the service vector.
type Service struct {
	d       *Device
	profile btd.Profile
	state   ServiceState

	// allowed is the intersection of the profile's auto-connect intent
	// with the adapter UUID allow-list, recomputed after discovery.
	allowed bool

	// Claimed GATT attribute range for internal profiles.
	start, end uint16
	claimed    bool

	lastErr error
}

func (s *Service) State() ServiceState { return s.state }
func (s *Service) Profile() btd.Profile { return s.profile }
func (s *Service) Allowed() bool        { return s.allowed }

// connect drives the profile. Completion posts back onto the loop.
func (s *Service) connect() error {
	if s.state == ServiceConnecting || s.state == ServiceConnected {
		return btd.NewError(btd.ErrInProgress, "service %s busy", s.profile.Name())
	}

	s.setState(ServiceConnecting, nil)
	err := s.profile.Connect(s.d.addr, func(err error) {
		s.d.loop.Post(func() {
			if err != nil {
				s.setState(ServiceDisconnected, err)
				return
			}
			s.setState(ServiceConnected, nil)
		})
	})
	if err != nil {
		s.setState(ServiceDisconnected, err)
	}
	return err
}

func (s *Service) disconnect() {
	if s.state == ServiceDisconnected || s.state == ServiceDisconnecting {
		return
	}

	s.setState(ServiceDisconnecting, nil)
	err := s.profile.Disconnect(s.d.addr, func(err error) {
		s.d.loop.Post(func() {
			s.setState(ServiceDisconnected, err)
		})
	})
	if err != nil {
		s.setState(ServiceDisconnected, err)
	}
}

// setState runs the device's state-change observer before any
// dependent property emission, so observers see consistent snapshots.
func (s *Service) setState(st ServiceState, err error) {
	if s.state == st {
		return
	}
	prev := s.state
	s.state = st
	s.lastErr = err
	s.d.serviceStateChanged(s, prev, st, err)
}

// findService locates the attachment for a profile UUID.
func (d *Device) findService(u btd.UUID) *Service {
	for _, s := range d.services {
		if s.profile.RemoteUUID().Equal(u) {
			return s
		}
	}
	return nil
}

// probeProfiles walks the registered profile table against the resolved
// UUID set, attaching a service per newly matching profile. Services
// stay ordered by descending profile priority.
func (d *Device) probeProfiles() {
	for _, p := range d.profiles {
		if !containsUUID(d.uuids, p.RemoteUUID()) {
			continue
		}
		if d.findService(p.RemoteUUID()) != nil {
			continue
		}

		s := &Service{d: d, profile: p}

		// A GATT service discovered via the local client maps onto its
		// primary; internal profiles claim the attribute range,
		// suppressing external handlers over it.
		if prim, ok := d.findPrimary(p.RemoteUUID()); ok {
			if p.External() && d.rangeClaimed(prim.Start, prim.End) {
				d.log.Debugf("range %04x-%04x claimed, skipping external %s",
					prim.Start, prim.End, p.Name())
				continue
			}
			s.start, s.end = prim.Start, prim.End
			s.claimed = !p.External()
		}

		d.services = append(d.services, s)
		d.log.Debugf("service attached for %s (%s)", p.Name(), p.RemoteUUID())
	}

	sort.SliceStable(d.services, func(i, j int) bool {
		return d.services[i].profile.Priority() > d.services[j].profile.Priority()
	})

	d.recomputeAllowed()
}

func (d *Device) findPrimary(u btd.UUID) (btd.Primary, bool) {
	for _, p := range d.primaries {
		if p.UUID.Equal(u) {
			return p, true
		}
	}
	return btd.Primary{}, false
}

func (d *Device) rangeClaimed(start, end uint16) bool {
	for _, s := range d.services {
		if s.claimed && start <= s.end && end >= s.start {
			return true
		}
	}
	return false
}

// recomputeAllowed refreshes every service's allowed flag against the
// adapter allow-list. Runs after each discovery completion.
func (d *Device) recomputeAllowed() {
	for _, s := range d.services {
		s.allowed = s.profile.AutoConnect() && d.adapter.UUIDAllowed(s.profile.RemoteUUID())
	}
}

// pendingList builds the connect queue: auto-connect-eligible services
// in priority order, or just the one for uuid when restricted.
func (d *Device) pendingList(uuid *btd.UUID) []*Service {
	var out []*Service
	for _, s := range d.services {
		if uuid != nil {
			if s.profile.RemoteUUID().Equal(*uuid) {
				out = append(out, s)
			}
			continue
		}
		if s.allowed && s.state == ServiceDisconnected {
			out = append(out, s)
		}
	}
	return out
}

// teardownServices force-disconnects and drops every attachment.
func (d *Device) teardownServices() {
	d.pending = nil
	for _, s := range d.services {
		s.disconnect()
	}
	d.services = nil
}
