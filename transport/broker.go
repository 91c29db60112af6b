// Package transport moves encoded messages through an AMQP broker:
// fanout exchanges per identity, one durable queue per device, and
// publisher confirmations for delivery tracking.
package transport

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Delivery struct {
	Body []byte
	Ack  func() error
}

type Confirmation struct {
	Tag uint64
	Ack bool
}

// Channel is the slice of AMQP the transport needs. The narrow surface
// keeps the connection state machine testable against a fake broker.
type Channel interface {
	DeclareQueue(name string) error
	DeclareFanout(name string) error
	BindQueue(queue, exchange string) error
	BindExchange(dst, src string) error
	Publish(ctx context.Context, exchange string, body []byte) (tag uint64, err error)
	Consume(queue string) (<-chan Delivery, error)
	Confirmations() <-chan Confirmation
	DrainQueue(name string) ([][]byte, error)
	NotifyClose() <-chan error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Channel, error)
}

type AMQPDialer struct{}

func (AMQPDialer) Dial(ctx context.Context, url string) (Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, err
	}

	c := &amqpChannel{
		conn:     conn,
		ch:       ch,
		confirms: make(chan Confirmation, 64),
		closes:   make(chan error, 1),
	}
	go c.pump(
		ch.NotifyPublish(make(chan amqp.Confirmation, 64)),
		ch.NotifyClose(make(chan *amqp.Error, 1)),
	)
	return c, nil
}

type amqpChannel struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	confirms chan Confirmation
	closes   chan error
}

func (c *amqpChannel) pump(confirms chan amqp.Confirmation, closes chan *amqp.Error) {
	for {
		select {
		case conf, ok := <-confirms:
			if !ok {
				return
			}
			c.confirms <- Confirmation{Tag: conf.DeliveryTag, Ack: conf.Ack}
		case err, ok := <-closes:
			if !ok {
				return
			}
			if err != nil {
				c.closes <- err
			}
			return
		}
	}
}

func (c *amqpChannel) DeclareQueue(name string) error {
	_, err := c.ch.QueueDeclare(name, true, false, false, false, nil)
	return err
}

func (c *amqpChannel) DeclareFanout(name string) error {
	return c.ch.ExchangeDeclare(name, "fanout", true, false, false, false, nil)
}

func (c *amqpChannel) BindQueue(queue, exchange string) error {
	return c.ch.QueueBind(queue, "", exchange, false, nil)
}

func (c *amqpChannel) BindExchange(dst, src string) error {
	return c.ch.ExchangeBind(dst, "", src, false, nil)
}

func (c *amqpChannel) Publish(ctx context.Context, exchange string, body []byte) (uint64, error) {
	tag := c.ch.GetNextPublishSeqNo()
	err := c.ch.PublishWithContext(ctx, exchange, "", false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	return tag, err
}

func (c *amqpChannel) Consume(queue string) (<-chan Delivery, error) {
	deliveries, err := c.ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for d := range deliveries {
			d := d
			out <- Delivery{Body: d.Body, Ack: func() error { return d.Ack(false) }}
		}
	}()
	return out, nil
}

func (c *amqpChannel) Confirmations() <-chan Confirmation {
	return c.confirms
}

// DrainQueue empties a pre-claim holding queue. A missing queue is not
// an error: nothing accumulated before the identity was claimed. The
// passive probe runs on a throwaway channel because a 404 kills the
// channel it arrives on.
func (c *amqpChannel) DrainQueue(name string) ([][]byte, error) {
	probe, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	if _, err := probe.QueueDeclarePassive(name, true, false, false, false, nil); err != nil {
		return nil, nil
	}
	_ = probe.Close()
	var msgs [][]byte
	for {
		d, ok, err := c.ch.Get(name, true)
		if err != nil {
			return msgs, err
		}
		if !ok {
			return msgs, nil
		}
		msgs = append(msgs, d.Body)
	}
}

func (c *amqpChannel) NotifyClose() <-chan error {
	return c.closes
}

func (c *amqpChannel) Close() error {
	_ = c.ch.Close()
	return c.conn.Close()
}
