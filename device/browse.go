package device

import (
	"github.com/pkg/errors"

	btd "github.com/corvid-labs/btd"
)

// sdpSearchOrder is the mandatory UUID enumeration for a BR/EDR browse:
// one search after another, gathering records.
var sdpSearchOrder = []btd.UUID{btd.UUIDL2CAP, btd.UUIDPnP, btd.UUIDPublicBrowse}

// browseReq is the one outstanding discovery. Exactly one may exist;
// additional requests fail with InProgress.
type browseReq struct {
	d      *Device
	bearer btd.Bearer

	// waiters parked until resolution completes (Connect replies,
	// queued service callbacks).
	waiters []func(error)

	sdpCancel func()
	attCancel func()

	searchIdx int
	records   []btd.SDPRecord

	canceled bool
}

// startBrowse launches discovery on a bearer. The caller may park a
// waiter for the completion.
func (d *Device) startBrowse(bearer btd.Bearer, waiter func(error)) error {
	if d.browse != nil {
		return btd.NewError(btd.ErrInProgress, "browse already in progress")
	}

	req := &browseReq{d: d, bearer: bearer}
	if waiter != nil {
		req.waiters = append(req.waiters, waiter)
	}
	d.browse = req

	d.log.Infof("starting %s discovery", bearer)

	if bearer == btd.BearerBREDR {
		req.nextSearch()
		return nil
	}
	return req.startGatt()
}

// addBrowseWaiter parks another completion callback on the in-flight
// browse.
func (d *Device) addBrowseWaiter(waiter func(error)) {
	d.browse.waiters = append(d.browse.waiters, waiter)
}

// nextSearch issues the next mandatory-UUID SDP search.
func (req *browseReq) nextSearch() {
	d := req.d
	u := sdpSearchOrder[req.searchIdx]

	req.sdpCancel = d.sdp.Search(d.addr, u, func(records []btd.SDPRecord, err error) {
		d.loop.Post(func() {
			if req.canceled {
				return
			}
			req.sdpCancel = nil
			req.searchDone(records, err)
		})
	})
}

func (req *browseReq) searchDone(records []btd.SDPRecord, err error) {
	d := req.d

	if err != nil {
		req.complete(errors.Wrap(err, "sdp search failed"))
		return
	}

	req.records = append(req.records, records...)

	req.searchIdx++
	if req.searchIdx < len(sdpSearchOrder) {
		req.nextSearch()
		return
	}

	// All searches done: fold the records in.
	for _, rec := range req.records {
		if rec.HasDeviceID {
			d.setDeviceID(rec.VendorSource, rec.Vendor, rec.Product, rec.Version)
		}

		// GATT over BR/EDR primaries live in SDP records too.
		if rec.HasGatt && len(rec.UUIDs) > 0 {
			d.addPrimary(btd.Primary{UUID: rec.UUIDs[0], Start: rec.GattStart, End: rec.GattEnd})
		}
	}

	d.serviceRecords = append([]btd.SDPRecord(nil), req.records...)
	req.complete(nil)
}

// startGatt runs LE discovery: reuse the ready client, else open ATT
// and build one.
func (req *browseReq) startGatt() error {
	d := req.d

	if d.gatt != nil {
		d.gatt.WaitReady(func(err error) {
			d.loop.Post(func() {
				if req.canceled {
					return
				}
				req.gattReady(err)
			})
		})
		return nil
	}

	if d.att == nil {
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
					req.complete(btd.BearerError(btd.ErrConnAttemptFailed, btd.BearerLE, "can't open att: %v", err))
					return
				}
				d.attachATT(conn)
				req.buildGatt()
			})
		})
		return nil
	}

	req.buildGatt()
	return nil
}

func (req *browseReq) buildGatt() {
	d := req.d

	client, err := d.gattFactory(d.att)
	if err != nil {
		req.complete(errors.Wrap(err, "can't build gatt client"))
		return
	}
	d.gatt = client

	client.WaitReady(func(err error) {
		d.loop.Post(func() {
			if req.canceled {
				return
			}
			req.gattReady(err)
		})
	})
}

func (req *browseReq) gattReady(err error) {
	d := req.d

	if err != nil {
		req.complete(btd.BearerError(btd.ErrFailed, btd.BearerLE, "gatt discovery failed: %v", err))
		return
	}

	for _, p := range d.gatt.Primaries() {
		d.addPrimary(p)
	}

	req.complete(nil)
}

// complete finishes the browse: persists what was learned, probes
// profiles, flips svc_resolved and replays the waiters. A canceled
// browse reaches waiters with Canceled, which is not a failure of the
// device.
func (req *browseReq) complete(err error) {
	d := req.d
	if d.browse != req {
		return
	}
	d.browse = nil

	if err == nil {
		for _, p := range d.primaries {
			if !containsUUID(d.uuids, p.UUID) {
				d.uuids = append(d.uuids, p.UUID)
			}
		}
		for _, rec := range d.serviceRecords {
			for _, u := range rec.UUIDs {
				if !containsUUID(d.uuids, u) {
					d.uuids = append(d.uuids, u)
				}
			}
		}

		d.storeCache()
		d.probeProfiles()
		d.svcResolved(req.bearer)
	} else if !btd.IsError(err, btd.ErrCanceled) {
		d.log.Errorf("%s discovery failed: %v", req.bearer, err)
	}

	waiters := req.waiters
	req.waiters = nil
	for _, w := range waiters {
		w(err)
	}
}

// cancelBrowse aborts the outstanding discovery: the SDP search and the
// ATT dial both close. Waiters complete with Canceled.
func (d *Device) cancelBrowse() {
	req := d.browse
	if req == nil {
		return
	}
	req.canceled = true

	if req.sdpCancel != nil {
		req.sdpCancel()
		req.sdpCancel = nil
	}
	if req.attCancel != nil {
		req.attCancel()
		req.attCancel = nil
	}

	d.browse = nil
	for _, w := range req.waiters {
		w(btd.NewError(btd.ErrCanceled, "discovery canceled"))
	}
	req.waiters = nil

	d.log.Debugf("%s discovery canceled", req.bearer)
}

func (d *Device) addPrimary(p btd.Primary) {
	for _, have := range d.primaries {
		if have.UUID.Equal(p.UUID) && have.Start == p.Start {
			return
		}
	}
	d.primaries = append(d.primaries, p)
}
