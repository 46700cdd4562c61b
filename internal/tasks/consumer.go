package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler receives decoded tasks. One method per variant keeps the payload
// types explicit at the call site.
type Handler interface {
	HandleStart(ctx context.Context, task StartPayload) error
	HandleStop(ctx context.Context, task StopPayload) error
}

// Consumer drains the task queue and dispatches each task to the handler on
// its own goroutine, so one session's long clone never blocks another's stop.
type Consumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	handler Handler
}

func NewConsumer(rabbitMQURL string, handler Handler) (*Consumer, error) {
	conn, err := amqp.Dial(rabbitMQURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	// Allow several in-flight tasks; each one runs concurrently anyway.
	if err := ch.Qos(8, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	log.Println("RabbitMQ consumer connected and task queue bound")
	return &Consumer{conn: conn, channel: ch, handler: handler}, nil
}

// Start consumes tasks until the context is cancelled or the channel closes.
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		QueueTasks,
		"sandbox-orchestrator", // consumer tag
		false,                  // auto-ack (we ack manually)
		false,                  // exclusive
		false,                  // no-local
		false,                  // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	log.Println("Task consumer started, waiting for lifecycle tasks...")

	for {
		select {
		case <-ctx.Done():
			log.Println("Task consumer shutting down")
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}
			go c.process(ctx, msg)
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg amqp.Delivery) {
	requeue, err := c.dispatch(ctx, msg.Body)
	if err != nil {
		log.Printf("Error processing task: %v", err)
		msg.Nack(false, requeue)
		return
	}
	msg.Ack(false)
}

// dispatch decodes the envelope and routes to the handler. The bool return
// says whether a failed task is worth requeueing: malformed envelopes are
// not, handler errors are (the start path's status claim makes redelivery a
// safe no-op).
func (c *Consumer) dispatch(ctx context.Context, body []byte) (bool, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return false, fmt.Errorf("failed to unmarshal task: %w", err)
	}

	switch env.Type {
	case TypeStart:
		if env.Start == nil {
			return false, fmt.Errorf("start task missing payload")
		}
		if err := c.handler.HandleStart(ctx, *env.Start); err != nil {
			return true, fmt.Errorf("start task for session %s: %w", env.Start.SessionID, err)
		}
		return false, nil
	case TypeStop:
		if env.Stop == nil {
			return false, fmt.Errorf("stop task missing payload")
		}
		if err := c.handler.HandleStop(ctx, *env.Stop); err != nil {
			return true, fmt.Errorf("stop task for session %s: %w", env.Stop.SessionID, err)
		}
		return false, nil
	default:
		log.Printf("Unknown task type: %s", env.Type)
		return false, nil // ack and drop, don't requeue unknown tasks
	}
}

func (c *Consumer) Close() error {
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			log.Printf("Error closing RabbitMQ channel: %v", err)
		}
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
