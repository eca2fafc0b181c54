package device

import (
	btd "github.com/corvid-labs/btd"
	"github.com/corvid-labs/btd/config"
)

type authType int

const (
	authPinCode authType = iota
	authPinCodeNotify
	authPasskey
	authPasskeyNotify
	authConfirm
)

func (t authType) String() string {
	switch t {
	case authPinCode:
		return "pincode request"
	case authPinCodeNotify:
		return "pincode display"
	case authPasskey:
		return "passkey request"
	case authPasskeyNotify:
		return "passkey display"
	case authConfirm:
		return "confirmation"
	}
	return "unknown"
}

// authRequest is the short-lived record of one in-progress credential
// prompt. At most one exists per device.
type authRequest struct {
	d        *Device
	typ      authType
	agent    btd.Agent
	addrType btd.AddrType
	passkey  uint32
	pincode  string
	secure   bool
	canceled bool
}

// agentRef resolves the agent for an authentication: the one attached
// to the in-flight bonding wins, then the default agent.
func (d *Device) agentRef() btd.Agent {
	if d.bonding != nil && d.bonding.agent != nil {
		return d.bonding.agent
	}
	return d.defaultAgent
}

func (d *Device) newAuth(typ authType) (*authRequest, error) {
	if d.authr != nil {
		return nil, btd.NewError(btd.ErrInProgress, "authentication already pending")
	}

	agent := d.agentRef()
	if agent == nil {
		return nil, btd.NewError(btd.ErrNotReady, "no agent available")
	}

	auth := &authRequest{
		d:        d,
		typ:      typ,
		agent:    agent,
		addrType: d.addrType,
	}
	d.authr = auth
	d.log.Debugf("%s started", typ)
	return auth, nil
}

func (d *Device) authDone(auth *authRequest) {
	if d.authr == auth {
		d.authr = nil
	}
}

// RequestPinCode starts a legacy PIN prompt. A PIN request is the tell
// for a pre-2.1 peer.
func (d *Device) RequestPinCode(secure bool) error {
	auth, err := d.newAuth(authPinCode)
	if err != nil {
		return err
	}
	auth.secure = secure

	if !d.legacyPairing {
		d.legacyPairing = true
		d.emit("LegacyPairing")
	}

	return auth.agent.RequestPinCode(d.addr, secure, func(pin string, err error) {
		d.loop.Post(func() {
			if auth.canceled {
				return
			}
			d.authDone(auth)
			if err != nil {
				d.adapter.PinCodeReply(d.addr, "", false)
				return
			}
			d.adapter.PinCodeReply(d.addr, pin, true)
		})
	})
}

// NotifyPinCode displays a generated PIN on the agent and replies with
// it once the display call returns.
func (d *Device) NotifyPinCode(secure bool, pincode string) error {
	auth, err := d.newAuth(authPinCodeNotify)
	if err != nil {
		return err
	}
	auth.secure = secure
	auth.pincode = pincode

	return auth.agent.DisplayPinCode(d.addr, pincode, func(err error) {
		d.loop.Post(func() {
			if auth.canceled {
				return
			}
			d.authDone(auth)
			if err != nil {
				d.adapter.PinCodeReply(d.addr, "", false)
				return
			}
			d.adapter.PinCodeReply(d.addr, auth.pincode, true)
		})
	})
}

// RequestPasskey starts a numeric passkey prompt.
func (d *Device) RequestPasskey() error {
	auth, err := d.newAuth(authPasskey)
	if err != nil {
		return err
	}

	return auth.agent.RequestPasskey(d.addr, func(passkey uint32, err error) {
		d.loop.Post(func() {
			if auth.canceled {
				return
			}
			d.authDone(auth)
			if err != nil {
				d.adapter.PasskeyReply(d.addr, auth.addrType, 0, false)
				return
			}
			d.adapter.PasskeyReply(d.addr, auth.addrType, passkey, true)
		})
	})
}

// NotifyPasskey displays the passkey the peer must enter. Display-only;
// nothing is replied.
func (d *Device) NotifyPasskey(passkey uint32, entered uint16) error {
	if d.authr != nil && d.authr.typ == authPasskeyNotify {
		// keypress update on the existing display
		return d.authr.agent.DisplayPasskey(d.addr, passkey, entered)
	}

	auth, err := d.newAuth(authPasskeyNotify)
	if err != nil {
		return err
	}
	auth.passkey = passkey

	return auth.agent.DisplayPasskey(d.addr, passkey, entered)
}

// RequestConfirmation starts a numeric-comparison prompt. confirmHint
// marks a just-works confirmation, which consults the re-pairing
// policy for already-paired devices and the local Pair intent.
func (d *Device) RequestConfirmation(passkey uint32, confirmHint bool) error {
	if confirmHint && d.isPairedAny() {
		switch d.opts.Pairing.JustWorksRepairing {
		case config.JWNever:
			d.log.Info("rejecting just-works re-pairing")
			return d.adapter.ConfirmReply(d.addr, d.addrType, false)
		case config.JWAlways:
			d.log.Info("accepting just-works re-pairing")
			return d.adapter.ConfirmReply(d.addr, d.addrType, true)
		}
	}

	// A locally initiated bonding already carries the user's consent.
	if confirmHint && d.bonding != nil {
		d.log.Debug("auto-accepting confirmation during local bonding")
		return d.adapter.ConfirmReply(d.addr, d.addrType, true)
	}

	auth, err := d.newAuth(authConfirm)
	if err != nil {
		return err
	}
	auth.passkey = passkey

	return auth.agent.RequestConfirmation(d.addr, passkey, func(err error) {
		d.loop.Post(func() {
			if auth.canceled {
				return
			}
			d.authDone(auth)
			d.adapter.ConfirmReply(d.addr, auth.addrType, err == nil)
		})
	})
}

// cancelAuth aborts the pending prompt, if any. Idempotent. Request
// type auths synthesize a negative reply toward the management layer so
// it does not sit on the timeout.
func (d *Device) cancelAuth() {
	auth := d.authr
	if auth == nil || auth.canceled {
		return
	}
	auth.canceled = true
	d.authr = nil

	auth.agent.Cancel()

	switch auth.typ {
	case authPinCode, authPinCodeNotify:
		d.adapter.PinCodeReply(d.addr, "", false)
	case authPasskey:
		d.adapter.PasskeyReply(d.addr, auth.addrType, 0, false)
	case authConfirm:
		d.adapter.ConfirmReply(d.addr, auth.addrType, false)
	}

	d.log.Debugf("%s canceled", auth.typ)
}
