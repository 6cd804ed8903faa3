// Package client provides synchronous, typed wrappers over tsm.ClientTSM
// for the confirmed and unconfirmed services this stack exposes at its
// public edge: Who-Is/I-Am, ReadProperty, WriteProperty, and
// SubscribeCOV (spec.md §6). Each call blocks the calling goroutine
// until a reply arrives, times out, or ctx is cancelled — the same
// contract tsm.ClientTSM.Request already gives a raw APDU, narrowed
// here to a typed request/response pair.
package client

import (
	"context"
	"fmt"

	"bacstack/address"
	"bacstack/apdu"
	"bacstack/npdu"
	"bacstack/objects"
	"bacstack/primitive"
	"bacstack/service"
	"bacstack/tsm"
)

// Broadcaster is the subset of network.Layer a Who-Is needs: an
// unconfirmed, no-reply-expected send.
type Broadcaster interface {
	Send(dest address.Address, apduBytes []byte, expectingReply bool, priority npdu.Priority) error
}

// Client issues confirmed and unconfirmed requests against a single
// local stack instance, demultiplexing confirmed replies via tsm.
type Client struct {
	tsm *tsm.ClientTSM
	net Broadcaster
}

// New wraps a client transaction manager and the network layer used for
// unconfirmed broadcasts.
func New(t *tsm.ClientTSM, n Broadcaster) *Client {
	return &Client{tsm: t, net: n}
}

// WhoIs broadcasts an Unconfirmed-Who-Is, optionally range-limited.
func (c *Client) WhoIs(w service.WhoIs) error {
	data, err := w.Encode()
	if err != nil {
		return err
	}
	req := apdu.UnconfirmedRequest{ServiceChoice: apdu.ServiceUnconfirmedWhoIs, ServiceData: data}
	raw, err := req.Encode()
	if err != nil {
		return err
	}
	return c.net.Send(address.LocalBroadcast(), raw, false, npdu.PriorityNormal)
}

// IAm broadcasts an Unconfirmed-I-Am announcing this device's identity.
func (c *Client) IAm(i service.IAm) error {
	data, err := i.Encode()
	if err != nil {
		return err
	}
	req := apdu.UnconfirmedRequest{ServiceChoice: apdu.ServiceUnconfirmedIAm, ServiceData: data}
	raw, err := req.Encode()
	if err != nil {
		return err
	}
	return c.net.Send(address.LocalBroadcast(), raw, false, npdu.PriorityNormal)
}

// ReadProperty issues a confirmed ReadProperty request to peer.
func (c *Client) ReadProperty(ctx context.Context, peer address.Address, objID primitive.ObjectIdentifier, prop objects.PropertyIdentifier, arrayIndex *int) (service.ReadPropertyACK, error) {
	req := service.ReadProperty{ObjectIdentifier: objID, PropertyIdentifier: prop, ArrayIndex: arrayIndex}
	data, err := req.Encode()
	if err != nil {
		return service.ReadPropertyACK{}, err
	}
	resp, err := c.tsm.Request(ctx, peer, apdu.ServiceConfirmedReadProperty, data, false)
	if err != nil {
		return service.ReadPropertyACK{}, err
	}
	return service.DecodeReadPropertyACK(resp)
}

// WriteProperty issues a confirmed WriteProperty request to peer. A nil
// response on success mirrors the service's bare SimpleACK.
func (c *Client) WriteProperty(ctx context.Context, peer address.Address, objID primitive.ObjectIdentifier, prop objects.PropertyIdentifier, arrayIndex *int, value primitive.Value, priority *uint8) error {
	req := service.WriteProperty{
		ObjectIdentifier:   objID,
		PropertyIdentifier: prop,
		ArrayIndex:         arrayIndex,
		Value:              value,
		Priority:           priority,
	}
	data, err := req.Encode()
	if err != nil {
		return err
	}
	_, err = c.tsm.Request(ctx, peer, apdu.ServiceConfirmedWriteProperty, data, false)
	return err
}

// SubscribeCOV issues a confirmed SubscribeCOV request to peer. Pass
// hasConfirmed=false and lifetime=0 with hasLifetime=false to cancel an
// existing subscription, per ASHRAE 135 Clause 13.14.
func (c *Client) SubscribeCOV(ctx context.Context, peer address.Address, processID uint32, monitored primitive.ObjectIdentifier, hasConfirmed, confirmed bool, hasLifetime bool, lifetime uint32) error {
	req := service.SubscribeCOV{
		ProcessIdentifier:              processID,
		MonitoredObjectIdentifier:      monitored,
		HasIssueConfirmedNotifications: hasConfirmed,
		IssueConfirmedNotifications:    confirmed,
		HasLifetime:                    hasLifetime,
		Lifetime:                       lifetime,
	}
	data, err := req.Encode()
	if err != nil {
		return err
	}
	_, err = c.tsm.Request(ctx, peer, apdu.ServiceSubscribeCOV, data, false)
	return err
}

// ReadPropertyMultiple reads several properties off possibly several
// objects by issuing one ReadProperty per (object, property) pair
// sequentially. This stack does not implement the single batched
// ReadPropertyMultiple APDU (spec.md §6's "illustrative handful" scope);
// callers needing one wire exchange per batch should encode that
// service themselves against the service package's primitives.
func (c *Client) ReadPropertyMultiple(ctx context.Context, peer address.Address, reads []service.ReadProperty) ([]service.ReadPropertyACK, error) {
	out := make([]service.ReadPropertyACK, 0, len(reads))
	for _, r := range reads {
		ack, err := c.ReadProperty(ctx, peer, r.ObjectIdentifier, r.PropertyIdentifier, r.ArrayIndex)
		if err != nil {
			return out, fmt.Errorf("client: ReadPropertyMultiple: object %v property %v: %w", r.ObjectIdentifier, r.PropertyIdentifier, err)
		}
		out = append(out, ack)
	}
	return out, nil
}

// WritePropertyMultiple writes several properties sequentially; see
// ReadPropertyMultiple's scope note.
func (c *Client) WritePropertyMultiple(ctx context.Context, peer address.Address, writes []service.WriteProperty) error {
	for _, w := range writes {
		if err := c.WriteProperty(ctx, peer, w.ObjectIdentifier, w.PropertyIdentifier, w.ArrayIndex, w.Value, w.Priority); err != nil {
			return fmt.Errorf("client: WritePropertyMultiple: object %v property %v: %w", w.ObjectIdentifier, w.PropertyIdentifier, err)
		}
	}
	return nil
}
