// Package bus carries property changes onto the system bus. Only the
// "emit change" contract lives here; interface vocabulary and object
// publication belong to the surrounding stack.
package bus

import (
	"github.com/godbus/dbus/v5"

	btd "github.com/corvid-labs/btd"
)

const (
	propsInterface  = "org.freedesktop.DBus.Properties"
	propsChanged    = propsInterface + ".PropertiesChanged"
	deviceInterface = "io.corvid.btd.Device1"
	disconnSignal   = deviceInterface + ".Disconnected"
)

// Emitter implements btd.Notifier by emitting PropertiesChanged and
// Disconnected signals for one device object path.
type Emitter struct {
	conn *dbus.Conn
	path dbus.ObjectPath
	log  btd.Logger
}

// NewEmitter connects to the system bus and binds an emitter to a
// device object path.
func NewEmitter(path dbus.ObjectPath) (*Emitter, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, err
	}
	return &Emitter{
		conn: conn,
		path: path,
		log:  btd.GetLogger().ChildLogger(map[string]interface{}{"path": string(path)}),
	}, nil
}

// NewEmitterWithConn binds to an existing connection; tests and shared
// connections use this.
func NewEmitterWithConn(conn *dbus.Conn, path dbus.ObjectPath) *Emitter {
	return &Emitter{
		conn: conn,
		path: path,
		log:  btd.GetLogger().ChildLogger(map[string]interface{}{"path": string(path)}),
	}
}

// PropertyChanged emits one changed property.
func (e *Emitter) PropertyChanged(name string, value interface{}) {
	changed := map[string]dbus.Variant{
		name: dbus.MakeVariant(value),
	}
	err := e.conn.Emit(e.path, propsChanged, deviceInterface, changed, []string{})
	if err != nil {
		e.log.Errorf("can't emit %s: %v", name, err)
	}
}

// Disconnected emits the named-reason disconnect signal.
func (e *Emitter) Disconnected(reason btd.DisconnectReason, message string) {
	err := e.conn.Emit(e.path, disconnSignal, reason.String(), message)
	if err != nil {
		e.log.Errorf("can't emit disconnect: %v", err)
	}
}

// Close releases the bus connection.
func (e *Emitter) Close() error {
	return e.conn.Close()
}
