// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqtt

import (
	"context"
	"maps"
	"slices"

	"github.com/eclipse/paho.golang/paho"
)

// Subscribe sends a SUBSCRIBE packet for the topic filter and waits for the
// SUBACK. Messages are delivered to the handlers registered with
// RegisterMessageHandler. The subscription is restored automatically if the
// server loses the session.
func (c *SessionClient) Subscribe(
	ctx context.Context,
	topic string,
	opts ...SubscribeOption,
) (*Ack, error) {
	if err := c.prepare(); err != nil {
		return nil, err
	}

	var opt SubscribeOptions
	opt.Apply(opts)

	if opt.QoS > 1 {
		return nil, &InvalidArgumentError{message: "unsupported QoS"}
	}
	if err := validateTopicFilter(topic); err != nil {
		return nil, err
	}

	packet := buildSubscribe(topic, &opt)
	for ctx, client := range c.conn.Client(ctx) {
		ack, err := c.subscribe(ctx, client, packet)
		if err != nil && connectionDropped(ctx) {
			continue
		}
		if err == nil {
			c.subscriptionsMu.Lock()
			c.subscriptions[topic] = opt
			c.subscriptionsMu.Unlock()
		}
		return ack, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, &ClientStateError{ShutDown}
}

// Unsubscribe sends an UNSUBSCRIBE packet for the topic filter and waits for
// the UNSUBACK.
func (c *SessionClient) Unsubscribe(
	ctx context.Context,
	topic string,
	opts ...UnsubscribeOption,
) (*Ack, error) {
	if err := c.prepare(); err != nil {
		return nil, err
	}

	var opt UnsubscribeOptions
	opt.Apply(opts)

	if err := validateTopicFilter(topic); err != nil {
		return nil, err
	}

	packet := &paho.Unsubscribe{
		Topics: []string{topic},
		Properties: &paho.UnsubscribeProperties{
			User: userProperties(opt.UserProperties),
		},
	}
	for ctx, client := range c.conn.Client(ctx) {
		c.log.Packet(ctx, "unsubscribe", packet)
		res, err := client.Unsubscribe(ctx, packet)
		if res != nil {
			c.log.Packet(ctx, "unsuback", res)
		}
		if err != nil && connectionDropped(ctx) {
			continue
		}

		var ack *Ack
		if res != nil {
			ack = reasonAck(res.Reasons, res.Properties)
		}
		ack, err = checkAck("UNSUBSCRIBE", ack, err)
		if err == nil {
			c.subscriptionsMu.Lock()
			delete(c.subscriptions, topic)
			c.subscriptionsMu.Unlock()
		}
		return ack, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, &ClientStateError{ShutDown}
}

func (c *SessionClient) subscribe(
	ctx context.Context,
	client *paho.Client,
	packet *paho.Subscribe,
) (*Ack, error) {
	c.log.Packet(ctx, "subscribe", packet)
	res, err := client.Subscribe(ctx, packet)

	var ack *Ack
	if res != nil {
		c.log.Packet(ctx, "suback", res)
		ack = reasonAck(res.Reasons, res.Properties)
	}
	return checkAck("SUBSCRIBE", ack, err)
}

// Resend every known subscription on a fresh client.
func (c *SessionClient) restoreSubscriptions(
	ctx context.Context,
	client *paho.Client,
) error {
	c.subscriptionsMu.Lock()
	subs := maps.Clone(c.subscriptions)
	c.subscriptionsMu.Unlock()

	for _, topic := range slices.Sorted(maps.Keys(subs)) {
		opt := subs[topic]
		if _, err := c.subscribe(ctx, client, buildSubscribe(topic, &opt)); err != nil {
			return err
		}
	}
	return nil
}

func buildSubscribe(topic string, opt *SubscribeOptions) *paho.Subscribe {
	return &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{
			Topic:             topic,
			QoS:               opt.QoS,
			NoLocal:           opt.NoLocal,
			RetainAsPublished: opt.Retain,
			RetainHandling:    opt.RetainHandling,
		}},
		Properties: &paho.SubscribeProperties{
			User: userProperties(opt.UserProperties),
		},
	}
}

// Build an ack from the single reason code of a SUBACK or UNSUBACK.
func reasonAck(reasons []byte, props any) *Ack {
	ack := &Ack{}
	if len(reasons) > 0 {
		ack.ReasonCode = reasons[0]
	}

	switch p := props.(type) {
	case *paho.SubackProperties:
		if p != nil {
			ack.ReasonString = p.ReasonString
			ack.UserProperties = userPropertiesMap(p.User)
		}
	case *paho.UnsubackProperties:
		if p != nil {
			ack.ReasonString = p.ReasonString
			ack.UserProperties = userPropertiesMap(p.User)
		}
	}
	return ack
}

func checkAck(name string, ack *Ack, err error) (*Ack, error) {
	if ack != nil && ack.ReasonCode >= ackFailureThreshold {
		return ack, &AckError{
			Packet:       name,
			ReasonCode:   ack.ReasonCode,
			ReasonString: ack.ReasonString,
		}
	}
	if err != nil {
		return nil, &ConnectionError{
			message: "error sending " + name,
			wrapped: err,
		}
	}
	return ack, nil
}
