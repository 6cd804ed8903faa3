// Package app wires transport, network, transaction-management, object,
// and COV layers into one running BACnet device, driven by a single
// reactor goroutine per spec.md §5: every mutation of shared state
// (network.Layer, the object database, cov.Manager, bbmd.Manager) and
// every inbound-frame dispatch happens on that one goroutine. Transport
// read loops hand frames off through a channel rather than touching
// shared state directly, the same separation the teacher's
// cmd/gnbsim_sctp.go draws between a connection's read goroutine and
// the session state it feeds.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bacstack/address"
	"bacstack/apdu"
	"bacstack/bacerr"
	"bacstack/bbmd"
	"bacstack/blog"
	"bacstack/client"
	"bacstack/config"
	"bacstack/cov"
	"bacstack/network"
	"bacstack/objects"
	"bacstack/primitive"
	"bacstack/service"
	"bacstack/transport"
	"bacstack/transport/ipv4"
	"bacstack/tsm"
)

var log = blog.For("app")

// TickInterval drives the reactor's periodic housekeeping: router
// resolution timeouts and router-cache expiry, FDT expiry, and COV
// subscription expiry.
const TickInterval = 1 * time.Second

// SubscribeNotifyTimeout bounds how long the reactor will block sending
// a confirmed initial COV notification during SubscribeCOV before giving
// up, so one unresponsive subscriber cannot stall the whole device.
const SubscribeNotifyTimeout = tsm.DefaultAPDUTimeout

type inboundFrame struct {
	npdu   []byte
	source address.Address
}

// Application is one running BACnet device: one local network attached
// via one transport, its object database, and the services layered on
// top (COV, and optionally a BBMD broadcast-management overlay).
type Application struct {
	cfg *config.DeviceConfig

	transport transport.Transport
	net       *network.Layer
	clientTSM *tsm.ClientTSM
	serverTSM *tsm.ServerTSM
	db        *objects.ObjectDatabase
	cov       *cov.Manager
	bbmdMgr   *bbmd.Manager
	Client    *client.Client

	onNotification func(n cov.Notification, source address.Address)

	inbound chan inboundFrame
	done    chan struct{}
	wg      sync.WaitGroup
}

// OnNotification registers the callback invoked, on the reactor
// goroutine, for every confirmed or unconfirmed COV notification this
// device receives as a subscriber. The default (no callback registered)
// just logs the notification.
func (a *Application) OnNotification(fn func(n cov.Notification, source address.Address)) {
	a.onNotification = fn
}

func (a *Application) deliverNotification(data []byte, source address.Address) {
	n, err := cov.DecodeNotification(data)
	if err != nil {
		log.WithError(err).Warn("dropping malformed COV notification")
		return
	}
	if a.onNotification != nil {
		a.onNotification(n, source)
		return
	}
	log.WithField("source", source).WithField("monitored_object", n.MonitoredObject).Info("received COV notification")
}

// New constructs an Application from a validated device configuration,
// an already-built object database, and a transport matching cfg's
// selected data link. Callers build the transport themselves (ipv4.New,
// ipv6.New, or a secureconnect.Dialer/Hub-backed transport) so this
// package stays agnostic of which concrete data link is in play.
func New(cfg *config.DeviceConfig, t transport.Transport, db *objects.ObjectDatabase) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	netLayer := network.NewLayer(t, nil, 256)

	a := &Application{
		cfg:       cfg,
		transport: t,
		net:       netLayer,
		db:        db,
		inbound:   make(chan inboundFrame, 64),
		done:      make(chan struct{}),
	}

	a.clientTSM = tsm.NewClientTSM(netLayer)
	a.serverTSM = tsm.NewServerTSM(netLayer, a.handleConfirmed)

	maxObjectSubs := cfg.MaxCOVObjectSubscriptions
	if maxObjectSubs == 0 {
		maxObjectSubs = 64
	}
	maxPropertySubs := cfg.MaxCOVPropertySubscriptions
	if maxPropertySubs == 0 {
		maxPropertySubs = 256
	}
	a.cov = cov.NewManager(db, a.sendUnconfirmed, a.clientTSM, maxObjectSubs, maxPropertySubs)

	a.Client = client.New(a.clientTSM, netLayer)

	for _, o := range db.All() {
		o.SetWriteCallback(a.onPropertyWrite)
	}

	if cfg.IPv4 != nil && cfg.IPv4.BBMD != nil {
		m := bbmd.NewManager(t.LocalAddress(), a.sendRawFrame, cfg.IPv4.BBMD.MaxForeignDevices)
		entries, err := decodeBDTConfig(cfg.IPv4.BBMD.BroadcastDistributionTable)
		if err != nil {
			return nil, err
		}
		m.SetBDT(entries)
		if hook, ok := t.(interface{ SetBBMD(ipv4.BBMDHook) }); ok {
			hook.SetBBMD(m)
		}
		a.bbmdMgr = m
	}

	return a, nil
}

// decodeBDTConfig parses "ip:port" strings into BDT entries with a
// /32 (all-ones) mask, i.e. two-hop unicast forwarding to each peer.
func decodeBDTConfig(peers []string) ([]bbmd.BDTEntry, error) {
	entries := make([]bbmd.BDTEntry, 0, len(peers))
	for _, p := range peers {
		addr, err := address.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("app: bad BDT peer %q: %w", p, err)
		}
		var e bbmd.BDTEntry
		copy(e.Address[:], addr.MAC)
		e.BroadcastMask = [4]byte{0xFF, 0xFF, 0xFF, 0xFF}
		entries = append(entries, e)
	}
	return entries, nil
}

func (a *Application) sendRawFrame(function uint8, payload []byte, dest address.Address) error {
	type rawSender interface {
		SendRawFrame(function uint8, payload []byte, dest address.Address) error
	}
	rs, ok := a.transport.(rawSender)
	if !ok {
		return fmt.Errorf("app: transport does not support raw BVLL frames")
	}
	return rs.SendRawFrame(function, payload, dest)
}

func (a *Application) sendUnconfirmed(dest address.Address, raw []byte) error {
	return a.net.Send(dest, raw, false, 0)
}

// Start brings the transport and reactor goroutine up. It returns once
// the transport's sockets are listening; inbound processing continues
// asynchronously until Stop is called.
func (a *Application) Start(ctx context.Context) error {
	a.transport.OnReceive(func(npduBytes []byte, source address.Address) {
		select {
		case a.inbound <- inboundFrame{npdu: append([]byte(nil), npduBytes...), source: source}:
		case <-a.done:
		}
	})
	a.net.OnDeliver(a.dispatchInbound)

	if err := a.transport.Start(ctx); err != nil {
		return err
	}

	a.wg.Add(1)
	go a.reactor()
	return nil
}

// Stop cancels all pending confirmed transactions by letting them time
// out naturally, stops the transport, and waits for the reactor
// goroutine to exit.
func (a *Application) Stop() error {
	close(a.done)
	err := a.transport.Stop()
	a.wg.Wait()
	return err
}

func (a *Application) reactor() {
	defer a.wg.Done()
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.done:
			return
		case f := <-a.inbound:
			a.net.HandleInbound(f.npdu, f.source)
		case now := <-ticker.C:
			a.net.Tick(now)
			if a.bbmdMgr != nil {
				a.bbmdMgr.PurgeExpiredFDTEntries(now)
			}
			a.cov.PurgeExpired(now)
		}
	}
}

// dispatchInbound is network.Layer's DeliverFunc: every APDU destined
// for this node arrives here on the reactor goroutine.
func (a *Application) dispatchInbound(payload []byte, source address.Address) {
	if len(payload) == 0 {
		return
	}
	switch apdu.PDUType(payload[0] >> 4) {
	case apdu.TypeUnconfirmedRequest:
		a.handleUnconfirmed(payload, source)
	default:
		a.serverTSM.HandleAPDU(payload, source)
		a.clientTSM.HandleAPDU(payload, source)
	}
}

func (a *Application) handleUnconfirmed(raw []byte, source address.Address) {
	req, err := apdu.DecodeUnconfirmedRequest(raw)
	if err != nil {
		log.WithError(err).Warn("dropping malformed UnconfirmedRequest")
		return
	}
	switch req.ServiceChoice {
	case apdu.ServiceUnconfirmedWhoIs:
		a.handleWhoIs(req.ServiceData)
	case apdu.ServiceUnconfirmedIAm:
		// No remote-device directory is maintained (spec.md's illustrative
		// scope); I-Am announcements from peers are observed only via the
		// Client helpers a caller issues WhoIs through directly.
	case apdu.ServiceUnconfirmedCOVNotification:
		a.deliverNotification(req.ServiceData, source)
	default:
		log.WithField("service_choice", req.ServiceChoice).Debug("dropping unsupported unconfirmed service")
	}
}

func (a *Application) handleWhoIs(data []byte) {
	w, err := service.DecodeWhoIs(data)
	if err != nil {
		log.WithError(err).Warn("dropping malformed Who-Is")
		return
	}
	instance := a.db.Device().ID.Instance
	if w.HasRange && (instance < w.LowLimit || instance > w.HighLimit) {
		return
	}
	if err := a.Client.IAm(a.localIAm()); err != nil {
		log.WithError(err).Warn("failed to send I-Am")
	}
}

func (a *Application) localIAm() service.IAm {
	segmentation := uint32(3) // NO_SEGMENTATION, default when unset
	switch a.cfg.SegmentationSupported {
	case "both":
		segmentation = 0
	case "transmit":
		segmentation = 1
	case "receive":
		segmentation = 2
	}
	maxAPDU := uint32(a.cfg.MaxAPDULength)
	if maxAPDU == 0 {
		maxAPDU = 1476
	}
	return service.IAm{
		DeviceIdentifier:      a.db.Device().ID,
		MaxAPDULengthAccepted: maxAPDU,
		SegmentationSupported: segmentation,
		VendorIdentifier:      uint32(a.cfg.VendorIdentifier),
	}
}

// handleConfirmed is tsm.Handler: it serves the confirmed services this
// stack exposes, spec.md §6.
func (a *Application) handleConfirmed(serviceChoice uint8, serviceData []byte, source address.Address) ([]byte, bool, error) {
	switch serviceChoice {
	case apdu.ServiceConfirmedReadProperty:
		return a.handleReadProperty(serviceData)
	case apdu.ServiceConfirmedWriteProperty:
		return a.handleWriteProperty(serviceData)
	case apdu.ServiceSubscribeCOV:
		return a.handleSubscribeCOV(serviceData, source)
	case apdu.ServiceConfirmedCOVNotification:
		a.deliverNotification(serviceData, source)
		return nil, false, nil
	default:
		return nil, false, &bacerr.Reject{Reason: fmt.Sprintf("unsupported confirmed service %d", serviceChoice)}
	}
}

func (a *Application) handleReadProperty(data []byte) ([]byte, bool, error) {
	req, err := service.DecodeReadProperty(data)
	if err != nil {
		return nil, false, &bacerr.Reject{Reason: err.Error()}
	}
	obj, ok := a.db.ByID(req.ObjectIdentifier)
	if !ok {
		return nil, false, bacerr.New(bacerr.ClassObject, bacerr.CodeOther)
	}

	var value primitive.Value
	if obj == a.db.Device() && (req.PropertyIdentifier == objects.PropObjectList || req.PropertyIdentifier == objects.PropDatabaseRevision) {
		value, err = a.db.ReadDeviceProperty(req.PropertyIdentifier, req.ArrayIndex)
	} else {
		value, err = obj.ReadProperty(req.PropertyIdentifier, req.ArrayIndex)
	}
	if err != nil {
		return nil, false, err
	}

	ack := service.ReadPropertyACK{
		ObjectIdentifier:   req.ObjectIdentifier,
		PropertyIdentifier: req.PropertyIdentifier,
		ArrayIndex:         req.ArrayIndex,
		Value:              value,
	}
	out, err := ack.Encode()
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (a *Application) handleWriteProperty(data []byte) ([]byte, bool, error) {
	req, err := service.DecodeWriteProperty(data)
	if err != nil {
		return nil, false, &bacerr.Reject{Reason: err.Error()}
	}
	obj, ok := a.db.ByID(req.ObjectIdentifier)
	if !ok {
		return nil, false, bacerr.New(bacerr.ClassObject, bacerr.CodeOther)
	}
	if err := obj.WriteProperty(req.PropertyIdentifier, req.Value, req.Priority, req.ArrayIndex); err != nil {
		return nil, false, err
	}
	return nil, false, nil
}

func (a *Application) handleSubscribeCOV(data []byte, source address.Address) ([]byte, bool, error) {
	req, err := service.DecodeSubscribeCOV(data)
	if err != nil {
		return nil, false, &bacerr.Reject{Reason: err.Error()}
	}
	now := time.Now()
	if !req.HasIssueConfirmedNotifications && !req.HasLifetime {
		a.cov.Unsubscribe(source, req.ProcessIdentifier, req.MonitoredObjectIdentifier)
		return nil, false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), SubscribeNotifyTimeout)
	defer cancel()
	confirmed := req.HasIssueConfirmedNotifications && req.IssueConfirmedNotifications
	if err := a.cov.SubscribeObject(ctx, source, req.ProcessIdentifier, req.MonitoredObjectIdentifier, confirmed, req.Lifetime, now); err != nil {
		return nil, false, err
	}
	return nil, false, nil
}

// onPropertyWrite is objects.WriteCallback: it feeds every value-changing
// write on every object into the COV manager, spec.md §4.7's commandable
// write path into §4.9's COV notification path.
func (a *Application) onPropertyWrite(id primitive.ObjectIdentifier, property objects.PropertyIdentifier, old, new primitive.Value) {
	a.cov.OnPropertyWrite(context.Background(), id, property, old, new, time.Now())
}
