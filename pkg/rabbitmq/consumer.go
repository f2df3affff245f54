package rabbitmq

import (
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one delivery body. Returning false asks for a redelivery.
type Handler func(body []byte) bool

// Consumer reads deliveries from a durable queue bound to a topic exchange.
type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger
}

// NewConsumer dials the broker and opens a consuming channel.
func NewConsumer(amqpURL string, logger *slog.Logger) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(10, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, logger: logger}, nil
}

// ConsumeWithBindings declares the queue, binds it for every routing key and dispatches
// deliveries to the matching handler until the channel closes.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]Handler)
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			c.dispatch(handlers, d)
		}
		c.logger.Info("delivery channel closed", "component", "rabbitmq_consumer", "queue", q.Name)
	}()

	return nil
}

func (c *Consumer) dispatch(handlers map[string]Handler, d amqp.Delivery) {
	handler, ok := handlers[d.RoutingKey]
	if !ok {
		c.logger.Warn("no handler for routing key; dropping", "component", "rabbitmq_consumer", "routing_key", d.RoutingKey)
		_ = d.Ack(false)
		return
	}
	if handler(d.Body) {
		_ = d.Ack(false)
		return
	}
	// one redelivery, then drop so a poison message cannot spin forever
	requeue := !d.Redelivered
	c.logger.Warn("handler failed", "component", "rabbitmq_consumer", "routing_key", d.RoutingKey, "requeue", requeue)
	_ = d.Nack(false, requeue)
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
