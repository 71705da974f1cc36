// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package gcjob

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
)

// Event is a notification received by an EventBased job.
type Event struct {
	Topic    string            `json:"topic"`
	ID       string            `json:"id"`
	Payload  []byte            `json:"payload,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewEventBus creates an in-process publish/subscribe bus. Pass it to
// the manager with SetEventBus and publish notifications on it with
// Publish.
func NewEventBus() *gochannel.GoChannel {
	return gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 64},
		watermill.NopLogger{},
	)
}

// Publish sends a notification on topic.
func Publish(pub message.Publisher, topic string, payload []byte, metadata map[string]string) error {
	msg := message.NewMessage(uuid.NewString(), payload)
	for k, v := range metadata {
		msg.Metadata.Set(k, v)
	}
	return pub.Publish(topic, msg)
}

func newEvent(topic string, msg *message.Message) Event {
	return Event{
		Topic:    topic,
		ID:       msg.UUID,
		Payload:  msg.Payload,
		Metadata: msg.Metadata,
	}
}
