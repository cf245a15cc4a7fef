package nexus

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ============================================================================
// Transient notifications
// ============================================================================

// Notification is one displayed overconsumption alert. ID is the composite
// identity (deviceId + timestamp) used for dedup and dismissal.
type Notification struct {
	ID         string
	Alert      OverconsumptionAlert
	InsertedAt time.Time
}

// NotificationConfig tunes the notification center. The zero value yields
// the platform defaults.
type NotificationConfig struct {
	// TTL is how long an untouched notification stays before auto-dismissal.
	TTL time.Duration
	// MaxVisible caps how many notifications are displayed at once.
	MaxVisible int
	Logger     *logrus.Logger
	Clock      func() time.Time
}

func (c *NotificationConfig) defaults() {
	if c.TTL == 0 {
		c.TTL = 10 * time.Second
	}
	if c.MaxVisible == 0 {
		c.MaxVisible = 5
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// NotificationCenter holds the transient alert list: newest first, duplicate
// arrivals ignored, each entry auto-expiring unless dismissed earlier.
type NotificationCenter struct {
	config NotificationConfig
	log    *logrus.Entry

	mu      sync.Mutex
	entries []Notification
	timers  map[string]*time.Timer
	closed  bool
}

// NewNotificationCenter creates a notification center. config may be nil.
func NewNotificationCenter(config *NotificationConfig) *NotificationCenter {
	var cfg NotificationConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &NotificationCenter{
		config: cfg,
		log:    cfg.Logger.WithField("component", "notifications"),
		timers: make(map[string]*time.Timer),
	}
}

// AlertID computes the composite identity of an alert.
func AlertID(alert OverconsumptionAlert) string {
	return alert.DeviceID + "-" + alert.Timestamp
}

// OnPush inserts a pushed alert at the head of the list and arms its
// auto-dismiss timer. An alert with an identity already present is ignored.
func (nc *NotificationCenter) OnPush(alert OverconsumptionAlert) {
	id := AlertID(alert)

	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.closed {
		return
	}
	for i := range nc.entries {
		if nc.entries[i].ID == id {
			nc.log.WithField("id", id).Debug("duplicate alert ignored")
			return
		}
	}
	nc.entries = append([]Notification{{
		ID:         id,
		Alert:      alert,
		InsertedAt: nc.config.Clock(),
	}}, nc.entries...)
	nc.timers[id] = time.AfterFunc(nc.config.TTL, func() {
		nc.Dismiss(id)
	})
}

// Dismiss removes a notification and cancels its pending timer. Calling it
// for an identity that is already gone is a no-op, so a manual dismissal and
// the expiry timer cannot trip over each other.
func (nc *NotificationCenter) Dismiss(id string) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if t, ok := nc.timers[id]; ok {
		t.Stop()
		delete(nc.timers, id)
	}
	for i := range nc.entries {
		if nc.entries[i].ID == id {
			nc.entries = append(nc.entries[:i], nc.entries[i+1:]...)
			return
		}
	}
}

// Visible returns the notifications currently displayed, newest first,
// capped at the configured maximum. Overflow entries stay in the list and
// surface as displayed ones go away.
func (nc *NotificationCenter) Visible() []Notification {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	n := len(nc.entries)
	if n > nc.config.MaxVisible {
		n = nc.config.MaxVisible
	}
	return append([]Notification(nil), nc.entries[:n]...)
}

// Len returns the total number of live notifications, displayed or not.
func (nc *NotificationCenter) Len() int {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return len(nc.entries)
}

// AttachDevice subscribes the center to a device's alert topic on a channel.
func (nc *NotificationCenter) AttachDevice(ch *Channel, deviceID string) *Subscription {
	return ch.SubscribeDeviceAlerts(deviceID, nc.OnPush)
}

// Close cancels every outstanding timer and drops all entries. Further
// pushes are ignored.
func (nc *NotificationCenter) Close() {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	nc.closed = true
	for id, t := range nc.timers {
		t.Stop()
		delete(nc.timers, id)
	}
	nc.entries = nil
}
