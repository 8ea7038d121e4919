// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqtt

import (
	"context"
	"sync"

	"github.com/eclipse/paho.golang/paho"
)

// Dispatch an incoming PUBLISH to the registered message handlers. Messages
// nobody handles are acked immediately so the server does not redeliver them.
func (c *SessionClient) onPublishReceived(pr paho.PublishReceived) (bool, error) {
	ctx := context.Background()
	c.log.Packet(ctx, "publish received", pr.Packet)

	msg := buildMessage(pr.Packet)
	msg.Ack = ackFunc(pr.Client, pr.Packet)

	handlers := c.messageHandlers.Snapshot()
	if len(handlers) == 0 {
		if err := msg.Ack(); err != nil {
			c.log.Err(ctx, err)
		}
		return false, nil
	}

	for _, handler := range handlers {
		handler(ctx, msg)
	}
	return true, nil
}

func buildMessage(packet *paho.Publish) *Message {
	msg := &Message{
		Topic:   packet.Topic,
		Payload: packet.Payload,
		PublishOptions: PublishOptions{
			QoS:    packet.QoS,
			Retain: packet.Retain,
		},
	}

	if p := packet.Properties; p != nil {
		msg.ContentType = p.ContentType
		msg.UserProperties = userPropertiesMap(p.User)
		if p.PayloadFormat != nil {
			msg.PayloadFormat = *p.PayloadFormat
		}
		if p.MessageExpiry != nil {
			msg.MessageExpiry = *p.MessageExpiry
		}
	}

	return msg
}

func ackFunc(client *paho.Client, packet *paho.Publish) func() error {
	if packet.QoS == 0 || client == nil {
		return func() error { return nil }
	}
	return sync.OnceValue(func() error {
		if err := client.Ack(packet); err != nil {
			return &ConnectionError{message: "error sending PUBACK", wrapped: err}
		}
		return nil
	})
}
