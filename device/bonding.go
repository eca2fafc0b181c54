package device

import (
	"time"

	btd "github.com/corvid-labs/btd"
	"github.com/corvid-labs/btd/crypt"
)

// bondRetryDelay is the fixed backoff before a transient bonding
// failure is retried.
const bondRetryDelay = 3 * time.Second

// BondStatus is the management-layer outcome of a bonding attempt.
type BondStatus uint8

const (
	BondSuccess BondStatus = iota
	BondAuthFailed
	BondAuthRejected
	BondAuthCanceled
	BondAuthTimeout
	BondKeyMissing
	BondPageTimeout
	BondBusy
)

// transient reports whether the status is worth a retry.
func (s BondStatus) transient() bool {
	return s == BondPageTimeout || s == BondBusy
}

func (s BondStatus) taxonomy() btd.ErrName {
	switch s {
	case BondAuthFailed:
		return btd.ErrAuthFailed
	case BondAuthRejected:
		return btd.ErrAuthRejected
	case BondAuthCanceled:
		return btd.ErrAuthCanceled
	case BondAuthTimeout:
		return btd.ErrAuthTimeout
	case BondKeyMissing:
		return btd.ErrKeyMissing
	case BondPageTimeout, BondBusy:
		return btd.ErrConnAttemptFailed
	}
	return btd.ErrFailed
}

// bondingReq is the one outstanding bonding attempt.
type bondingReq struct {
	d        *Device
	bearer   btd.Bearer
	addrType btd.AddrType
	agent    btd.Agent
	cap      btd.IOCapability
	done     func(error)

	// Secure Connections key pair generated once per Pair request; a
	// retry reuses it.
	scKeys *crypt.Keys

	retryTimer *Timer
	attempts   int

	// attemptStart measures per-attempt duration; reset on retry.
	attemptStart time.Time
	lastDuration time.Duration

	attCancel func()
	canceled  bool
}

// Pair starts a bonding attempt. The agent comes from the caller's
// context; nil means NoInputNoOutput. done runs on the loop, once.
func (d *Device) Pair(agent btd.Agent, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	d.loop.Post(func() {
		if err := d.pair(agent, done); err != nil {
			done(err)
		}
	})
}

func (d *Device) pair(agent btd.Agent, done func(error)) error {
	if d.bonding != nil {
		return btd.NewError(btd.ErrInProgress, "bonding already in progress")
	}
	if !d.adapter.Powered() {
		return btd.NewError(btd.ErrNotReady, "adapter not powered")
	}

	bearer, err := d.selectPairBearer()
	if err != nil {
		return err
	}

	cap := btd.CapNoInputNoOutput
	if agent != nil {
		cap = agent.Capability()
	}

	addrType := d.addrType
	if bearer == btd.BearerBREDR {
		addrType = btd.AddrBREDR
	}

	req := &bondingReq{
		d:            d,
		bearer:       bearer,
		addrType:     addrType,
		agent:        agent,
		cap:          cap,
		done:         done,
		attemptStart: d.now(),
	}

	if keys, err := crypt.GenerateKeys(); err == nil {
		req.scKeys = keys
		d.log.Debugf("sc key pair ready, public %x...", keys.PublicXY()[:8])
	} else {
		d.log.Warnf("can't generate sc key pair: %v", err)
	}

	d.bonding = req
	d.log.Infof("bonding started on %s, io capability %s", bearer, cap)

	return req.start()
}

// start runs one attempt. On LE the ATT link comes up first when policy
// asks for it, since key exchange rides ATT; with security elevation
// allowed, raising the link to medium triggers SMP directly.
func (req *bondingReq) start() error {
	d := req.d

	if req.bearer == btd.BearerLE && d.opts.Pairing.ConnectFirst && d.att == nil {
		req.attCancel = d.dialer.Dial(d.addr, d.addrType, btd.SecurityLow, func(conn btd.ATTConn, err error) {
			d.loop.Post(func() {
				if req.canceled {
					if conn != nil {
						conn.Close()
					}
					return
				}
				req.attCancel = nil
				if err != nil {
					req.finish(BondPageTimeout, err)
					return
				}
				d.attachATT(conn)
				d.bearerConnected(btd.BearerLE, d.addrType, true)
				req.kickoff()
			})
		})
		return nil
	}

	return req.kickoff2()
}

func (req *bondingReq) kickoff() {
	if err := req.kickoff2(); err != nil {
		req.finish(BondAuthFailed, err)
	}
}

func (req *bondingReq) kickoff2() error {
	d := req.d

	if req.bearer == btd.BearerLE && d.opts.Pairing.ElevateSecurity && d.att != nil {
		if err := d.att.SetSecurityLevel(btd.SecurityMedium); err != nil {
			return btd.BearerError(btd.ErrAuthFailed, btd.BearerLE, "can't elevate security: %v", err)
		}
		return nil
	}

	return d.adapter.CreateBonding(d.addr, req.addrType, req.cap)
}

// BondingComplete delivers the management-layer outcome of the current
// attempt.
func (d *Device) BondingComplete(status BondStatus) {
	d.loop.Post(func() {
		req := d.bonding
		if req == nil {
			// Inbound pairing completed without a local request.
			if status == BondSuccess {
				d.inboundPaired()
			}
			return
		}

		// Ignore further failure events while a retry is armed.
		if req.retryTimer != nil {
			return
		}

		req.lastDuration = d.now().Sub(req.attemptStart)

		if status == BondSuccess {
			req.succeed()
			return
		}

		if status.transient() && req.attempts < 1 {
			req.scheduleRetry()
			return
		}

		req.finish(status, nil)
	})
}

func (req *bondingReq) scheduleRetry() {
	d := req.d
	req.attempts++
	d.log.Infof("scheduling bonding retry (attempt took %v)", req.lastDuration)

	req.retryTimer = d.loop.AfterFunc(bondRetryDelay, func() {
		req.retryTimer = nil
		if req.canceled {
			return
		}
		req.attemptStart = d.now()
		d.log.Info("retrying bonding")
		if err := req.kickoff2(); err != nil {
			req.finish(BondAuthFailed, err)
		}
	})
}

// succeed applies §4.3 step 6: flags, deferred Paired emission,
// persistence and wake policy.
func (req *bondingReq) succeed() {
	d := req.d
	d.bonding = nil

	d.log.Infof("bonding on %s succeeded after %v", req.bearer, req.lastDuration)

	d.setPaired(req.bearer, true)
	d.setBonded(req.bearer, true)

	d.setTemporary(false)
	d.markDirty()

	if d.wakeOverride == WakeEnabled {
		d.applyWakeAllowed(true, nil)
	}

	// Discovery follows a fresh bond so the deferred Paired signal
	// lands on a resolved device.
	if !d.state(req.bearer).SvcResolved && d.browse == nil {
		d.startBrowse(req.bearer, nil)
	}

	if req.done != nil {
		req.done(nil)
	}
}

// finish ends the bonding attempt in failure: cancel any in-progress
// authentication, map the status, revert to temporary when nothing else
// holds the device.
func (req *bondingReq) finish(status BondStatus, cause error) {
	d := req.d
	if d.bonding != req {
		return
	}
	d.bonding = nil

	d.cancelAuth()

	err := cause
	if err == nil {
		err = btd.BearerError(status.taxonomy(), req.bearer, "bonding failed")
	}
	d.log.Warnf("bonding on %s failed: %v", req.bearer, err)

	// An authentication failure forces the link down.
	if status == BondAuthFailed && d.state(req.bearer).Connected {
		d.adapter.Disconnect(d.addr, req.addrType)
	}

	st := d.state(req.bearer)
	if !st.Connected && !st.Bonded && !d.trusted {
		d.setTemporary(true)
	}

	if req.done != nil {
		req.done(err)
	}
}

// CancelPairing cancels the in-flight bonding, or removes the stored
// bond when none is active.
func (d *Device) CancelPairing() {
	d.loop.Post(func() {
		req := d.bonding
		if req == nil {
			if d.isBondedAny() {
				d.removeBonding()
			}
			return
		}
		d.cancelBonding(btd.NewError(btd.ErrAuthCanceled, "pairing canceled by caller"))
	})
}

// cancelBonding tears the request down and replies to the caller.
func (d *Device) cancelBonding(err error) {
	req := d.bonding
	if req == nil {
		return
	}
	req.canceled = true
	d.bonding = nil

	if req.retryTimer != nil {
		req.retryTimer.Cancel()
		req.retryTimer = nil
	}
	if req.attCancel != nil {
		req.attCancel()
		req.attCancel = nil
	}

	d.cancelAuth()
	d.adapter.CancelBonding(d.addr, req.addrType)

	if req.done != nil {
		req.done(err)
	}

	d.log.Info("bonding canceled")
}

// removeBonding drops stored bonding material on both bearers.
func (d *Device) removeBonding() {
	d.adapter.RemoveBonding(d.addr, d.addrType)

	for _, b := range []btd.Bearer{btd.BearerBREDR, btd.BearerLE} {
		st := d.state(b)
		if st.Bonded {
			d.setBonded(b, false)
		}
		if st.Paired {
			d.setPaired(b, false)
		}
	}
	d.dropBondKeys(btd.BearerLE)
	d.markDirty()
}

// inboundPaired handles a pairing that completed without a local Pair
// request: the peer initiated. Discovery is deferred briefly so the
// link settles.
func (d *Device) inboundPaired() {
	bearer := btd.BearerLE
	if d.bredrState.Connected && !d.leState.Connected {
		bearer = btd.BearerBREDR
	}

	d.setPaired(bearer, true)
	d.setTemporary(false)
	d.markDirty()

	if !d.state(bearer).SvcResolved && d.browse == nil {
		d.discovTimer.Cancel()
		d.discovTimer = d.loop.AfterFunc(discoveryDefer, func() {
			d.discovTimer = nil
			if d.browse == nil && d.state(bearer).Connected {
				d.startBrowse(bearer, nil)
			}
		})
	}
}

// IsRetrying reports whether a bonding retry is armed.
func (d *Device) IsRetrying() bool {
	var out bool
	d.loop.Sync(func() {
		out = d.bonding != nil && d.bonding.retryTimer != nil
	})
	return out
}
