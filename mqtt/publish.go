// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqtt

import (
	"context"
	"errors"

	"github.com/astarte-platform/astarte-stream-test/mqtt/internal"
	"github.com/eclipse/paho.golang/paho"
)

// Publish sends a PUBLISH packet and waits for its acknowledgement (for QoS 1)
// or for it to be written (for QoS 0). While the connection is down the
// publish waits for the session client to reconnect, up to ctx.
func (c *SessionClient) Publish(
	ctx context.Context,
	topic string,
	payload []byte,
	opts ...PublishOption,
) (*Ack, error) {
	if err := c.prepare(); err != nil {
		return nil, err
	}

	var opt PublishOptions
	opt.Apply(opts)

	if opt.QoS > 1 {
		return nil, &InvalidArgumentError{message: "unsupported QoS"}
	}
	if opt.PayloadFormat > 1 {
		return nil, &InvalidArgumentError{message: "invalid payload format"}
	}
	if err := validateTopicName(topic); err != nil {
		return nil, err
	}

	if c.pending.Add(1) > int64(c.options.MaxPendingPublishes) {
		c.pending.Add(-1)
		return nil, &PublishQueueFullError{}
	}
	defer c.pending.Add(-1)

	packet := buildPublish(topic, payload, &opt)

	for ctx, client := range c.conn.Client(ctx) {
		c.log.Packet(ctx, "publish", packet)
		res, err := client.Publish(ctx, packet)
		if res != nil {
			c.log.Packet(ctx, "puback", res)
		}

		if err != nil && connectionDropped(ctx) {
			continue
		}
		return publishAck(res, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, &ClientStateError{ShutDown}
}

func buildPublish(
	topic string,
	payload []byte,
	opt *PublishOptions,
) *paho.Publish {
	packet := &paho.Publish{
		QoS:     opt.QoS,
		Retain:  opt.Retain,
		Topic:   topic,
		Payload: payload,
		Properties: &paho.PublishProperties{
			ContentType: opt.ContentType,
			User:        userProperties(opt.UserProperties),
		},
	}

	if opt.PayloadFormat != 0 {
		packet.Properties.PayloadFormat = &opt.PayloadFormat
	}
	if opt.MessageExpiry > 0 {
		packet.Properties.MessageExpiry = &opt.MessageExpiry
	}

	return packet
}

func publishAck(res *paho.PublishResponse, err error) (*Ack, error) {
	ack := &Ack{}
	if res != nil {
		ack.ReasonCode = res.ReasonCode
		if res.Properties != nil {
			ack.ReasonString = res.Properties.ReasonString
			ack.UserProperties = userPropertiesMap(res.Properties.User)
		}
	}

	if ack.ReasonCode >= ackFailureThreshold {
		return ack, &AckError{
			Packet:       "PUBLISH",
			ReasonCode:   ack.ReasonCode,
			ReasonString: ack.ReasonString,
		}
	}
	if err != nil {
		return nil, &ConnectionError{message: "error publishing", wrapped: err}
	}
	return ack, nil
}

// Reports whether a request context was cancelled because its connection
// went down, as opposed to the caller's own context ending.
func connectionDropped(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), internal.ErrConnectionDown)
}

func userProperties(m map[string]string) paho.UserProperties {
	if len(m) == 0 {
		return nil
	}
	ups := make(paho.UserProperties, 0, len(m))
	for key, val := range m {
		ups = append(ups, paho.UserProperty{Key: key, Value: val})
	}
	return ups
}

func userPropertiesMap(ups paho.UserProperties) map[string]string {
	if len(ups) == 0 {
		return nil
	}
	m := make(map[string]string, len(ups))
	for _, up := range ups {
		m[up.Key] = up.Value
	}
	return m
}
