package cov

import (
	"context"
	"fmt"
	"time"

	"bacstack/address"
	"bacstack/apdu"
	"bacstack/bacerr"
	"bacstack/blog"
	"bacstack/metrics"
	"bacstack/objects"
	"bacstack/primitive"
)

var log = blog.For("cov")

// demoteAfterFailures is the resolved Open Question 2 policy: do not
// retry a failed confirmed notification, but after this many consecutive
// failures fall back to unconfirmed delivery for the subscription's
// remaining lifetime rather than keep spending a transaction on a peer
// that never acknowledges. Matches the stack's APDU_RETRIES default
// (tsm.DefaultAPDURetries) for consistency rather than a new constant.
const demoteAfterFailures = 3

// SendFunc delivers a raw, already-framed unconfirmed APDU without
// expecting a reply. The Application wires this to a small closure over
// network.Layer.Send (which also takes an npdu.Priority and an
// expectingReply flag cov has no need to parameterize).
type SendFunc func(dest address.Address, apdu []byte) error

// Requester issues a confirmed request and blocks for its outcome,
// matching tsm.ClientTSM.Request's signature.
type Requester interface {
	Request(ctx context.Context, peer address.Address, serviceChoice uint8, serviceData []byte, segmentedResponseAccepted bool) ([]byte, error)
}

type objectSubscription struct {
	subscriber address.Address
	processID  uint32
	objectID   primitive.ObjectIdentifier
	confirmed  bool
	expiry     time.Time // zero = indefinite
	failures   int
}

type propertySubscription struct {
	subscriber   address.Address
	processID    uint32
	objectID     primitive.ObjectIdentifier
	property     objects.PropertyIdentifier
	arrayIndex   *int
	covIncrement *float64
	confirmed    bool
	expiry       time.Time
	failures     int
	lastNumeric  float64
	haveLast     bool
}

// Manager implements ASHRAE 135 Clause 13.1's COV subscription service:
// object- and property-level subscriptions, threshold filtering, initial
// notification on subscribe, and expiry. Not internally synchronized —
// driven by the same single reactor goroutine as network.Layer (spec.md
// §5).
type Manager struct {
	send     SendFunc
	req      Requester
	db       *objects.ObjectDatabase
	deviceID primitive.ObjectIdentifier

	maxObjectSubs   int
	maxPropertySubs int

	objectSubs   []*objectSubscription
	propertySubs []*propertySubscription
}

// NewManager constructs a Manager bound to db, whose device identity is
// reported as the notification's initiating device.
func NewManager(db *objects.ObjectDatabase, send SendFunc, req Requester, maxObjectSubs, maxPropertySubs int) *Manager {
	return &Manager{
		db:              db,
		deviceID:        db.Device().ID,
		send:            send,
		req:             req,
		maxObjectSubs:   maxObjectSubs,
		maxPropertySubs: maxPropertySubs,
	}
}

func expiryOf(lifetimeSeconds uint32, now time.Time) time.Time {
	if lifetimeSeconds == 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(lifetimeSeconds) * time.Second)
}

// SubscribeObject registers (or replaces) a whole-object subscription and
// immediately delivers an initial notification, per ASHRAE 135 13.1's
// "initial notification is sent on subscribe".
func (m *Manager) SubscribeObject(ctx context.Context, subscriber address.Address, processID uint32, objectID primitive.ObjectIdentifier, confirmed bool, lifetimeSeconds uint32, now time.Time) error {
	if _, ok := m.db.ByID(objectID); !ok {
		return bacerr.New(bacerr.ClassObject, bacerr.CodeUnknownProperty)
	}
	if existing := m.findObjectSub(subscriber, processID, objectID); existing != nil {
		existing.confirmed = confirmed
		existing.expiry = expiryOf(lifetimeSeconds, now)
		return m.notifyObject(ctx, existing, now)
	}
	if len(m.objectSubs) >= m.maxObjectSubs {
		return bacerr.New(bacerr.ClassResources, bacerr.CodeResourcesOther)
	}
	sub := &objectSubscription{
		subscriber: subscriber, processID: processID, objectID: objectID,
		confirmed: confirmed, expiry: expiryOf(lifetimeSeconds, now),
	}
	m.objectSubs = append(m.objectSubs, sub)
	metrics.COVSubscriptionsGauge.WithLabelValues("object").Set(float64(len(m.objectSubs)))
	return m.notifyObject(ctx, sub, now)
}

// SubscribeProperty registers a single-property subscription with an
// optional COV increment threshold for numeric properties.
func (m *Manager) SubscribeProperty(ctx context.Context, subscriber address.Address, processID uint32, objectID primitive.ObjectIdentifier, property objects.PropertyIdentifier, arrayIndex *int, covIncrement *float64, confirmed bool, lifetimeSeconds uint32, now time.Time) error {
	o, ok := m.db.ByID(objectID)
	if !ok {
		return bacerr.New(bacerr.ClassObject, bacerr.CodeUnknownProperty)
	}
	if existing := m.findPropertySub(subscriber, processID, objectID, property); existing != nil {
		existing.confirmed = confirmed
		existing.covIncrement = covIncrement
		existing.expiry = expiryOf(lifetimeSeconds, now)
		return m.notifyProperty(ctx, existing, o, now)
	}
	if len(m.propertySubs) >= m.maxPropertySubs {
		return bacerr.New(bacerr.ClassResources, bacerr.CodeResourcesOther)
	}
	sub := &propertySubscription{
		subscriber: subscriber, processID: processID, objectID: objectID,
		property: property, arrayIndex: arrayIndex, covIncrement: covIncrement,
		confirmed: confirmed, expiry: expiryOf(lifetimeSeconds, now),
	}
	m.propertySubs = append(m.propertySubs, sub)
	metrics.COVSubscriptionsGauge.WithLabelValues("property").Set(float64(len(m.propertySubs)))
	return m.notifyProperty(ctx, sub, o, now)
}

// Unsubscribe removes a subscription (object- or property-level) matching
// subscriber/processID/objectID. A no-op if none is found, matching
// ASHRAE 135's cancellation semantics (idempotent).
func (m *Manager) Unsubscribe(subscriber address.Address, processID uint32, objectID primitive.ObjectIdentifier) {
	m.objectSubs = filterObjectSubs(m.objectSubs, func(s *objectSubscription) bool {
		return !(s.subscriber.String() == subscriber.String() && s.processID == processID && s.objectID == objectID)
	})
	m.propertySubs = filterPropertySubs(m.propertySubs, func(s *propertySubscription) bool {
		return !(s.subscriber.String() == subscriber.String() && s.processID == processID && s.objectID == objectID)
	})
	m.reportSubscriptionCounts()
}

// PurgeObject removes every subscription referencing objectID, called when
// the object is deleted from the database (spec.md §4's "removing an
// object purges its subscriptions").
func (m *Manager) PurgeObject(objectID primitive.ObjectIdentifier) {
	m.objectSubs = filterObjectSubs(m.objectSubs, func(s *objectSubscription) bool { return s.objectID != objectID })
	m.propertySubs = filterPropertySubs(m.propertySubs, func(s *propertySubscription) bool { return s.objectID != objectID })
	m.reportSubscriptionCounts()
}

// PurgeExpired removes every subscription whose lifetime has elapsed as of
// now. Intended to be driven by the application's periodic reaper, the
// same ticker idiom bbmd.Manager uses for foreign-device-table expiry.
func (m *Manager) PurgeExpired(now time.Time) {
	m.objectSubs = filterObjectSubs(m.objectSubs, func(s *objectSubscription) bool {
		return s.expiry.IsZero() || now.Before(s.expiry)
	})
	m.propertySubs = filterPropertySubs(m.propertySubs, func(s *propertySubscription) bool {
		return s.expiry.IsZero() || now.Before(s.expiry)
	})
	m.reportSubscriptionCounts()
}

func (m *Manager) reportSubscriptionCounts() {
	metrics.COVSubscriptionsGauge.WithLabelValues("object").Set(float64(len(m.objectSubs)))
	metrics.COVSubscriptionsGauge.WithLabelValues("property").Set(float64(len(m.propertySubs)))
}

func filterObjectSubs(subs []*objectSubscription, keep func(*objectSubscription) bool) []*objectSubscription {
	out := subs[:0]
	for _, s := range subs {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

func filterPropertySubs(subs []*propertySubscription, keep func(*propertySubscription) bool) []*propertySubscription {
	out := subs[:0]
	for _, s := range subs {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

func (m *Manager) findObjectSub(subscriber address.Address, processID uint32, objectID primitive.ObjectIdentifier) *objectSubscription {
	key := subscriber.String()
	for _, s := range m.objectSubs {
		if s.subscriber.String() == key && s.processID == processID && s.objectID == objectID {
			return s
		}
	}
	return nil
}

func (m *Manager) findPropertySub(subscriber address.Address, processID uint32, objectID primitive.ObjectIdentifier, property objects.PropertyIdentifier) *propertySubscription {
	key := subscriber.String()
	for _, s := range m.propertySubs {
		if s.subscriber.String() == key && s.processID == processID && s.objectID == objectID && s.property == property {
			return s
		}
	}
	return nil
}

// OnPropertyWrite is registered as the database's object write callback
// (objects.WriteCallback) and fires matching object- and property-level
// subscriptions. Runs synchronously inside write_property, per spec.md
// §5's ordering guarantee, so it must not block — notification delivery
// happens on the normal send path, not inline.
func (m *Manager) OnPropertyWrite(ctx context.Context, objectID primitive.ObjectIdentifier, property objects.PropertyIdentifier, old, new primitive.Value, now time.Time) {
	o, ok := m.db.ByID(objectID)
	if !ok {
		return
	}
	for _, s := range m.objectSubs {
		if s.objectID == objectID {
			if err := m.notifyObject(ctx, s, now); err != nil {
				log.WithError(err).WithField("subscriber", s.subscriber).Warn("cov object notification failed")
			}
		}
	}
	for _, s := range m.propertySubs {
		if s.objectID != objectID || s.property != property {
			continue
		}
		if !m.passesThreshold(s, new) {
			continue
		}
		if err := m.notifyProperty(ctx, s, o, now); err != nil {
			log.WithError(err).WithField("subscriber", s.subscriber).Warn("cov property notification failed")
		}
	}
}

// passesThreshold applies the subscription's cov_increment: a nil
// threshold always notifies; a numeric property only notifies once the
// value has moved by at least the threshold since the last notification
// (spec.md §8 S6).
func (m *Manager) passesThreshold(s *propertySubscription, new primitive.Value) bool {
	if s.covIncrement == nil {
		return true
	}
	if new.Kind != primitive.KindReal && new.Kind != primitive.KindDouble && new.Kind != primitive.KindUnsigned && new.Kind != primitive.KindSigned {
		return true
	}
	f := new.AsFloat64()
	if !s.haveLast {
		s.lastNumeric = f
		s.haveLast = true
		return true
	}
	diff := f - s.lastNumeric
	if diff < 0 {
		diff = -diff
	}
	if diff < *s.covIncrement {
		return false
	}
	s.lastNumeric = f
	return true
}

func (m *Manager) notifyObject(ctx context.Context, s *objectSubscription, now time.Time) error {
	o, ok := m.db.ByID(s.objectID)
	if !ok {
		return nil
	}
	values, err := standardValues(o)
	if err != nil {
		return err
	}
	return m.deliver(ctx, s.subscriber, s.processID, s.objectID, s.expiry, now, values, &s.confirmed, &s.failures)
}

func (m *Manager) notifyProperty(ctx context.Context, s *propertySubscription, o *objects.Object, now time.Time) error {
	v, err := o.ReadProperty(s.property, s.arrayIndex)
	if err != nil {
		return err
	}
	if v.Kind == primitive.KindReal || v.Kind == primitive.KindDouble || v.Kind == primitive.KindUnsigned || v.Kind == primitive.KindSigned {
		s.lastNumeric = v.AsFloat64()
		s.haveLast = true
	}
	values := []PropertyValue{{Property: s.property, Value: v}}
	return m.deliver(ctx, s.subscriber, s.processID, s.objectID, s.expiry, now, values, &s.confirmed, &s.failures)
}

// standardValues builds the (present_value, status_flags) pair ASHRAE
// 135 requires every COV notification to carry regardless of which
// property triggered it.
func standardValues(o *objects.Object) ([]PropertyValue, error) {
	pv, err := o.ReadProperty(objects.PropPresentValue, nil)
	if err != nil {
		return nil, err
	}
	sf, err := o.ReadProperty(objects.PropStatusFlags, nil)
	if err != nil {
		return nil, err
	}
	return []PropertyValue{
		{Property: objects.PropPresentValue, Value: pv},
		{Property: objects.PropStatusFlags, Value: sf},
	}, nil
}

func (m *Manager) deliver(ctx context.Context, subscriber address.Address, processID uint32, objectID primitive.ObjectIdentifier, expiry, now time.Time, values []PropertyValue, confirmed *bool, failures *int) error {
	var remaining uint32
	if !expiry.IsZero() {
		if d := expiry.Sub(now); d > 0 {
			remaining = uint32(d / time.Second)
		}
	}
	n := Notification{
		ProcessID:        processID,
		InitiatingDevice: m.deviceID,
		MonitoredObject:  objectID,
		TimeRemaining:    remaining,
		Values:           values,
	}
	body, err := n.Encode()
	if err != nil {
		return err
	}

	if !*confirmed {
		raw, err := apdu.UnconfirmedRequest{ServiceChoice: apdu.ServiceUnconfirmedCOVNotification, ServiceData: body}.Encode()
		if err != nil {
			metrics.COVNotificationsTotal.WithLabelValues("unconfirmed", "error").Inc()
			return err
		}
		if err := m.send(subscriber, raw); err != nil {
			metrics.COVNotificationsTotal.WithLabelValues("unconfirmed", "error").Inc()
			return err
		}
		metrics.COVNotificationsTotal.WithLabelValues("unconfirmed", "ok").Inc()
		return nil
	}

	_, err = m.req.Request(ctx, subscriber, apdu.ServiceConfirmedCOVNotification, body, false)
	if err != nil {
		*failures++
		metrics.COVNotificationsTotal.WithLabelValues("confirmed", "error").Inc()
		if *failures >= demoteAfterFailures {
			*confirmed = false
			log.WithField("subscriber", subscriber).Warn("demoting cov subscription to unconfirmed after repeated failures")
		}
		return fmt.Errorf("confirmed cov notification: %w", err)
	}
	*failures = 0
	metrics.COVNotificationsTotal.WithLabelValues("confirmed", "ok").Inc()
	return nil
}
