// Package events carries marketplace notifications over RabbitMQ. A single
// topic exchange fans out auction resolutions, reconciliation drift findings,
// and incoming leads; the consumer side feeds new leads into the auto-bid
// engine.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// Exchange is the topic exchange every marketplace event goes through.
	Exchange = "lead_marketplace"

	// Routing keys published by the auction and ledger services.
	KeyLeadCreated     = "lead.created"
	KeyBidPlaced       = "bid.placed"
	KeyAuctionResolved = "auction.resolved"
	KeyDriftDetected   = "reconciliation.drift"
)

// Publisher sends JSON events to the marketplace exchange. It satisfies the
// EventPublisher interfaces of the auction and ledger packages.
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// Connect dials the broker and declares the marketplace exchange.
func Connect(url string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("events: declare exchange: %w", err)
	}
	return &Publisher{conn: conn, channel: ch}, nil
}

// Publish marshals the payload to JSON and publishes it under routingKey.
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal %s payload: %w", routingKey, err)
	}
	err = p.channel.PublishWithContext(ctx, Exchange, routingKey, false, false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		})
	if err != nil {
		return fmt.Errorf("events: publish %s: %w", routingKey, err)
	}
	return nil
}

// Close tears down the channel and connection.
func (p *Publisher) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// LeadHandler processes one incoming lead event. A non-nil error causes the
// delivery to be nacked without requeue.
type LeadHandler func(ctx context.Context, event LeadEvent) error

// LeadEvent is the payload of a lead.created message.
type LeadEvent struct {
	LeadID string `json:"lead_id"`
}

// Consumer binds a durable queue to the marketplace exchange and dispatches
// lead.created messages to a handler.
type Consumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
}

// NewConsumer dials the broker and binds the named queue to lead.created.
func NewConsumer(url, queue string) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: open channel: %w", err)
	}
	c := &Consumer{conn: conn, channel: ch, queue: queue}
	if err := c.setup(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Consumer) setup() error {
	if err := c.channel.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("events: declare exchange: %w", err)
	}
	if _, err := c.channel.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("events: declare queue %s: %w", c.queue, err)
	}
	if err := c.channel.QueueBind(c.queue, KeyLeadCreated, Exchange, false, nil); err != nil {
		return fmt.Errorf("events: bind queue %s: %w", c.queue, err)
	}
	return c.channel.Qos(1, 0, false)
}

// Consume dispatches deliveries to the handler until ctx is cancelled.
func (c *Consumer) Consume(ctx context.Context, handler LeadHandler) error {
	msgs, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("events: consume %s: %w", c.queue, err)
	}
	log.Printf("INFO: Consuming lead events from queue %s", c.queue)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("events: delivery channel for %s closed", c.queue)
			}
			c.dispatch(ctx, msg, handler)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, msg amqp.Delivery, handler LeadHandler) {
	var event LeadEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		log.Printf("WARNING: Dropping malformed lead event: %v", err)
		_ = msg.Nack(false, false)
		return
	}
	if err := handler(ctx, event); err != nil {
		log.Printf("WARNING: Lead event handler failed for lead %s: %v", event.LeadID, err)
		_ = msg.Nack(false, false)
		return
	}
	_ = msg.Ack(false)
}

// Close tears down the channel and connection.
func (c *Consumer) Close() {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
