package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"

	"notivox/internal/event"
	"notivox/pkg/logx"
)

const (
	defaultDBusQueueSize = 128

	notifyMatchRule = "interface='org.freedesktop.Notifications',member='Notify',type='method_call'"
)

// ErrBusConnectionLost reports that the session bus went away mid-session.
// Run returns it so a supervising restart loop can reattach.
var ErrBusConnectionLost = errors.New("session bus connection lost")

// DBusSource snoops desktop notifications off the session bus. It attaches
// as a bus monitor so notifications still reach their normal server; we only
// observe them.
//
// The source is session-oriented: Run owns one bus connection from attach to
// loss and returns when it breaks. Reconnecting is the caller's job,
// typically via a supervisor restart loop.
type DBusSource struct {
	log       logx.Logger
	handler   Handler
	queueSize int
}

func NewDBusSource(handler Handler, queueSize int, log logx.Logger) *DBusSource {
	if queueSize <= 0 {
		queueSize = defaultDBusQueueSize
	}
	return &DBusSource{log: log, handler: handler, queueSize: queueSize}
}

// Run attaches to the session bus and pumps notifications until ctx ends
// (returns nil) or the connection drops (returns ErrBusConnectionLost).
func (s *DBusSource) Run(ctx context.Context) error {
	conn, err := dbus.SessionBusPrivate()
	if err != nil {
		return fmt.Errorf("connect session bus: %w", err)
	}
	defer conn.Close()

	if err := conn.Auth(nil); err != nil {
		return fmt.Errorf("authenticate session bus: %w", err)
	}
	if err := conn.Hello(); err != nil {
		return fmt.Errorf("register on session bus: %w", err)
	}

	call := conn.BusObject().Call("org.freedesktop.DBus.Monitoring.BecomeMonitor", 0,
		[]string{notifyMatchRule}, uint32(0))
	if call.Err != nil {
		return fmt.Errorf("become bus monitor: %w", call.Err)
	}

	msgs := make(chan *dbus.Message, s.queueSize)
	conn.Eavesdrop(msgs)
	s.log.Info("dbus notification monitor attached")

	return s.pump(ctx, msgs)
}

// pump drains the eavesdrop channel into the handler. The channel closing
// means the connection died underneath us.
func (s *DBusSource) pump(ctx context.Context, msgs <-chan *dbus.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return ErrBusConnectionLost
			}
			n, ok := decodeNotify(msg)
			if !ok {
				continue
			}
			if s.handler == nil {
				continue
			}
			if err := s.handler(ctx, n); err != nil {
				s.log.Warn("notification handling failed", logx.String("package", n.PackageID), logx.Err(err))
			}
		}
	}
}

// decodeNotify maps an org.freedesktop.Notifications.Notify method call onto
// a Notification. The call signature is fixed by the desktop notification
// spec: app_name, replaces_id, app_icon, summary, body, actions, hints,
// expire_timeout.
func decodeNotify(msg *dbus.Message) (event.Notification, bool) {
	if msg == nil || msg.Type != dbus.TypeMethodCall {
		return event.Notification{}, false
	}
	if member, _ := msg.Headers[dbus.FieldMember].Value().(string); member != "Notify" {
		return event.Notification{}, false
	}
	if len(msg.Body) < 8 {
		return event.Notification{}, false
	}

	appName, _ := msg.Body[0].(string)
	summary, _ := msg.Body[3].(string)
	body, _ := msg.Body[4].(string)
	hints, _ := msg.Body[6].(map[string]dbus.Variant)

	pkg := appName
	if v, ok := hints["desktop-entry"]; ok {
		if s, ok := v.Value().(string); ok && s != "" {
			pkg = s
		}
	}
	if pkg == "" {
		return event.Notification{}, false
	}

	return event.Notification{
		PackageID:   pkg,
		PostTime:    time.Now(),
		Title:       summary,
		ContentText: body,
	}, true
}
