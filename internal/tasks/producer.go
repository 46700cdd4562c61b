package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	ExchangeName = "sessions"
	ExchangeType = "topic"
	QueueTasks   = "session.tasks"

	routingKeyStart = "task.start"
	routingKeyStop  = "task.stop"
)

// Producer enqueues lifecycle tasks on RabbitMQ.
type Producer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewProducer(rabbitMQURL string) (*Producer, error) {
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

	log.Println("RabbitMQ producer connected, task exchange declared")
	return &Producer{conn: conn, channel: ch}, nil
}

// declareTopology sets up the exchange/queue/binding. Declarations are
// idempotent, so producer and consumer both run it.
func declareTopology(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(
		ExchangeName,
		ExchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	_, err = ch.QueueDeclare(
		QueueTasks,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare tasks queue: %w", err)
	}

	err = ch.QueueBind(
		QueueTasks,
		"task.*",
		ExchangeName,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind tasks queue: %w", err)
	}
	return nil
}

func (p *Producer) EnqueueStart(ctx context.Context, sessionID string) error {
	env := Envelope{
		Type:      TypeStart,
		Timestamp: time.Now().UTC(),
		Start:     &StartPayload{SessionID: sessionID},
	}
	return p.publish(ctx, routingKeyStart, env)
}

func (p *Producer) EnqueueStop(ctx context.Context, sessionID, containerRef string) error {
	env := Envelope{
		Type:      TypeStop,
		Timestamp: time.Now().UTC(),
		Stop:      &StopPayload{SessionID: sessionID, ContainerRef: containerRef},
	}
	return p.publish(ctx, routingKeyStop, env)
}

func (p *Producer) publish(ctx context.Context, routingKey string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		ExchangeName,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish task: %w", err)
	}
	return nil
}

func (p *Producer) Close() error {
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			log.Printf("Error closing RabbitMQ channel: %v", err)
		}
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
