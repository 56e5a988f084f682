package migration

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.gazette.dev/mqgate/fleet"
	"go.gazette.dev/mqgate/protocol"
)

// AMQPStore is a Store which speaks AMQP 0-9-1 to each broker's AMQPURL.
// A Queue Destination maps to the AMQP queue of the same name, and is
// published to through the default exchange.
type AMQPStore struct {
	// Dial is amqp.Dial, if nil.
	Dial func(url string) (*amqp.Connection, error)
}

// Open dials the broker and opens a Channel in confirm mode.
func (s AMQPStore) Open(_ context.Context, broker *fleet.BrokerView) (Session, error) {
	var url = broker.Spec().AMQPURL
	if url == "" {
		return nil, errors.Errorf("broker %s has no AMQP URL", broker.ID())
	}
	var dial = s.Dial
	if dial == nil {
		dial = amqp.Dial
	}
	var conn, err = dial(url)
	if err != nil {
		return nil, errors.WithMessagef(err, "dialing broker %s", broker.ID())
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.WithMessagef(err, "opening channel of broker %s", broker.ID())
	}
	if err = ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, errors.WithMessagef(err, "enabling publisher confirms of broker %s", broker.ID())
	}
	return &amqpSession{
		conn:    conn,
		ch:      ch,
		publish: confirmedPublish(ch),
	}, nil
}

// amqpChannel is the portion of *amqp.Channel used by an amqpSession.
type amqpChannel interface {
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	Close() error
}

// publishFunc publishes to the queue, returning whether the broker
// confirmed the Publishing.
type publishFunc func(ctx context.Context, queue string, pub amqp.Publishing) (bool, error)

// confirmedPublish publishes through the default exchange of the Channel,
// and waits for the broker's confirmation.
func confirmedPublish(ch *amqp.Channel) publishFunc {
	return func(ctx context.Context, queue string, pub amqp.Publishing) (bool, error) {
		var dc, err = ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, pub)
		if err != nil {
			return false, err
		} else if dc == nil {
			return false, errors.New("channel is not in confirm mode")
		}
		return dc.WaitContext(ctx)
	}
}

type amqpSession struct {
	conn    *amqp.Connection
	ch      amqpChannel
	publish publishFunc
}

func (s *amqpSession) Get(_ context.Context, dest protocol.Destination) (Delivery, bool, error) {
	var d, ok, err = s.ch.Get(dest.Name, false)
	if err != nil || !ok {
		return Delivery{}, false, err
	}
	return Delivery{Tag: d.DeliveryTag, Message: messageOfDelivery(dest, d)}, true, nil
}

func (s *amqpSession) Ack(_ context.Context, d Delivery) error {
	return s.ch.Ack(d.Tag, false)
}

// Publish returns only after the broker has confirmed the message.
func (s *amqpSession) Publish(ctx context.Context, dest protocol.Destination, msg *protocol.Message) error {
	var ok, err = s.publish(ctx, dest.Name, publishingOfMessage(msg))
	if err != nil {
		return err
	} else if !ok {
		return errors.Errorf("broker rejected message %q of %s", msg.MessageID, dest)
	}
	return nil
}

// Close of the Channel returns unacknowledged deliveries to their queues.
func (s *amqpSession) Close() error {
	var err = s.ch.Close()
	if s.conn != nil {
		if cErr := s.conn.Close(); err == nil {
			err = cErr
		}
	}
	return err
}

func messageOfDelivery(dest protocol.Destination, d amqp.Delivery) *protocol.Message {
	var msg = &protocol.Message{
		MessageID:   d.MessageId,
		Destination: dest,
		Body:        d.Body,
	}
	if len(d.Headers) != 0 || d.ContentType != "" {
		msg.Headers = make(map[string]string, len(d.Headers)+1)
		for k, v := range d.Headers {
			msg.Headers[k] = fmt.Sprint(v)
		}
		if d.ContentType != "" {
			msg.Headers["content-type"] = d.ContentType
		}
	}
	return msg
}

func publishingOfMessage(msg *protocol.Message) amqp.Publishing {
	var pub = amqp.Publishing{
		MessageId:    msg.MessageID,
		DeliveryMode: amqp.Persistent,
		Body:         msg.Body,
	}
	for k, v := range msg.Headers {
		if k == "content-type" {
			pub.ContentType = v
			continue
		}
		if pub.Headers == nil {
			pub.Headers = make(amqp.Table, len(msg.Headers))
		}
		pub.Headers[k] = v
	}
	return pub
}
