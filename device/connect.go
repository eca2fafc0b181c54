package device

import (
	"time"

	btd "github.com/corvid-labs/btd"
)

// disconnectGrace is how long services get to wind down before the
// bearers are forced down.
const disconnectGrace = 2 * time.Second

// discoveryDefer delays auto-discovery after an inbound pair so the
// link settles first.
const discoveryDefer = 1 * time.Second

// connectReq is the one in-flight Connect call.
type connectReq struct {
	d      *Device
	bearer btd.Bearer
	uuid   *btd.UUID
	done   func(error)

	attCancel func()
	fellBack  bool
}

// disconnectReq collects Disconnect callers until both bearers are
// down.
type disconnectReq struct {
	waiters []func(error)
}

// Connect chooses a bearer and brings the device up: the LE link for
// the LE path, at least one service for the BR/EDR path. done runs on
// the loop, exactly once.
func (d *Device) Connect(done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	d.loop.Post(func() {
		if err := d.connect(nil, done); err != nil {
			done(err)
		}
	})
}

// ConnectProfile is Connect restricted to one profile UUID.
func (d *Device) ConnectProfile(uuid btd.UUID, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	d.loop.Post(func() {
		u := uuid
		if err := d.connect(&u, done); err != nil {
			done(err)
		}
	})
}

func (d *Device) connect(uuid *btd.UUID, done func(error)) error {
	if d.pending != nil || d.connectRq != nil || d.browse != nil {
		return btd.NewError(btd.ErrInProgress, "connect already in progress")
	}
	if !d.adapter.Powered() {
		return btd.NewError(btd.ErrNotReady, "adapter not powered")
	}

	bearer := d.selectConnBearer()

	d.setTemporary(false)

	req := &connectReq{d: d, bearer: bearer, uuid: uuid, done: done}
	d.connectRq = req

	if bearer == btd.BearerLE {
		return req.connectLE()
	}
	return req.connectBREDR()
}

// connectLE brings the ATT link up. Success for the LE path is the link
// itself; services and discovery follow in the background.
func (req *connectReq) connectLE() error {
	d := req.d

	if d.leState.Connected {
		d.connectRq = nil
		return btd.BearerError(btd.ErrAlreadyExists, btd.BearerLE, "already connected")
	}

	req.attCancel = d.dialer.Dial(d.addr, d.addrType, btd.SecurityLow, func(conn btd.ATTConn, err error) {
		d.loop.Post(func() {
			if d.connectRq != req {
				if conn != nil {
					conn.Close()
				}
				return
			}
			req.attCancel = nil

			if err != nil {
				d.connectRq = nil
				req.done(btd.BearerError(btd.ErrConnAttemptFailed, btd.BearerLE, "%v", err))
				return
			}

			d.attachATT(conn)
			d.bearerConnected(btd.BearerLE, d.addrType, true)

			d.connectRq = nil
			req.done(nil)

			if !d.leState.SvcResolved && d.browse == nil {
				d.startBrowse(btd.BearerLE, nil)
			}
		})
	})

	return nil
}

// connectBREDR resolves services first when needed, parking the reply
// on the browse, then walks the pending queue.
func (req *connectReq) connectBREDR() error {
	d := req.d

	if !d.bredrState.SvcResolved {
		return d.startBrowse(btd.BearerBREDR, func(err error) {
			if d.connectRq != req {
				return
			}
			if err != nil {
				req.browseFailed(err)
				return
			}
			req.connectServices()
		})
	}

	req.connectServices()
	return nil
}

// browseFailed applies the bearer fallback: a host-down BR/EDR failure
// with an idle LE bearer present turns into an LE connect, and the
// caller sees that outcome instead.
func (req *connectReq) browseFailed(err error) {
	d := req.d

	if btd.IsError(err, btd.ErrHostDown) && d.le && !d.leState.Connected && !req.fellBack {
		d.log.Infof("br/edr host down, falling back to le")
		req.fellBack = true
		req.bearer = btd.BearerLE
		if lerr := req.connectLE(); lerr != nil {
			d.connectRq = nil
			req.done(lerr)
		}
		return
	}

	d.connectRq = nil
	if btd.IsError(err, btd.ErrCanceled) {
		req.done(err)
		return
	}
	req.done(btd.BearerError(btd.ErrConnAttemptFailed, btd.BearerBREDR, "%v", err))
}

// connectServices builds the pending queue and starts it.
func (req *connectReq) connectServices() {
	d := req.d

	pending := d.pendingList(req.uuid)
	if len(pending) == 0 {
		d.connectRq = nil
		if req.uuid != nil {
			req.done(btd.NewError(btd.ErrInvalidArguments, "no service for %s", *req.uuid))
			return
		}
		req.done(btd.NewError(btd.ErrProfileUnavailable, "no connectable profile"))
		return
	}

	d.pending = pending
	d.connectNext()
}

// connectNext advances the sequential service-connect queue.
func (d *Device) connectNext() {
	for len(d.pending) > 0 {
		s := d.pending[0]
		if s.state != ServiceDisconnected {
			d.pending = d.pending[1:]
			continue
		}
		if err := s.connect(); err != nil {
			d.pending = d.pending[1:]
			continue
		}
		return
	}
	d.pending = nil
}

// serviceStateChanged observes every service transition; it drives the
// queue forward and answers the in-flight connect.
func (d *Device) serviceStateChanged(s *Service, prev, st ServiceState, err error) {
	d.log.Debugf("service %s: %s -> %s", s.profile.Name(), prev, st)

	if st == ServiceConnected {
		// A BR/EDR profile connection implies the link.
		if !d.bredrState.Connected && !d.leState.Connected {
			d.bearerConnected(btd.BearerBREDR, btd.AddrBREDR, true)
		}

		if req := d.connectRq; req != nil {
			d.connectRq = nil
			req.done(nil)
		}
	}

	if len(d.pending) > 0 && d.pending[0] == s &&
		(st == ServiceConnected || st == ServiceDisconnected) {
		d.pending = d.pending[1:]
		d.connectNext()

		// Queue drained without a single success.
		if d.pending == nil && st == ServiceDisconnected {
			if req := d.connectRq; req != nil && !d.anyServiceConnected() {
				d.connectRq = nil
				if err == nil {
					err = btd.NewError(btd.ErrProfileUnavailable, "no service connected")
				}
				req.done(err)
			}
		}
	}
}

func (d *Device) anyServiceConnected() bool {
	for _, s := range d.services {
		if s.state == ServiceConnected || s.state == ServiceConnecting {
			return true
		}
	}
	return false
}

// Disconnect winds the device down: bonding and browse cancel, ATT
// closes, services disconnect, and after the grace period both bearers
// are forced down. An untrusted caller also loses auto-connect.
func (d *Device) Disconnect(callerTrusted bool, done func(error)) {
	d.loop.Post(func() {
		d.disconnect(callerTrusted, done)
	})
}

func (d *Device) disconnect(callerTrusted bool, done func(error)) {
	if !callerTrusted {
		d.setAutoConnect(false)
	}

	if d.disconnRq != nil {
		if done != nil {
			d.disconnRq.waiters = append(d.disconnRq.waiters, done)
		}
		return
	}

	d.cancelBonding(btd.NewError(btd.ErrAuthCanceled, "disconnect requested"))
	d.cancelBrowse()
	d.closeATT()

	d.pending = nil
	for _, s := range d.services {
		s.disconnect()
	}

	temporary := d.temporary
	for _, w := range d.disconnWatches {
		w(temporary)
	}

	if !d.bredrState.Connected && !d.leState.Connected {
		if done != nil {
			done(nil)
		}
		return
	}

	req := &disconnectReq{}
	if done != nil {
		req.waiters = append(req.waiters, done)
	}
	d.disconnRq = req

	d.disconnTimer.Cancel()
	d.disconnTimer = d.loop.AfterFunc(disconnectGrace, func() {
		d.disconnTimer = nil
		d.forceDisconnect()
	})
}

// forceDisconnect issues the bearer-level disconnects after the grace
// period.
func (d *Device) forceDisconnect() {
	if d.bredrState.Connected {
		d.adapter.Disconnect(d.addr, btd.AddrBREDR)
	}
	if d.leState.Connected {
		d.adapter.Disconnect(d.addr, d.addrType)
	}
}

// DisconnectProfile disconnects exactly one service.
func (d *Device) DisconnectProfile(uuid btd.UUID, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	d.loop.Post(func() {
		s := d.findService(uuid)
		if s == nil {
			done(btd.NewError(btd.ErrInvalidArguments, "no service for %s", uuid))
			return
		}
		if s.state == ServiceDisconnected {
			done(btd.NewError(btd.ErrNotConnected, "service %s not connected", s.profile.Name()))
			return
		}
		s.disconnect()
		done(nil)
	})
}

// AddDisconnectWatch registers a callback fired at the start of every
// disconnect sequence with the device's temporary hint.
func (d *Device) AddDisconnectWatch(w func(temporary bool)) {
	d.loop.Post(func() {
		d.disconnWatches = append(d.disconnWatches, w)
	})
}

func (d *Device) closeATT() {
	if d.gatt != nil {
		d.gatt.Close()
		d.gatt = nil
	}
	if d.att != nil {
		d.att.Close()
		d.att = nil
	}
}
