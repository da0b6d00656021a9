// Package ingest consumes knowledge-graph fact messages from AMQP.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/target-evidence-core/internal/corpus"
	"github.com/target-evidence-core/internal/domain"
	"github.com/target-evidence-core/internal/service"
)

// Message types
const (
	TypeFact       = "fact"
	TypeRetraction = "retraction"
	TypeSupersede  = "supersede"
	TypePaper      = "paper"
	TypeEntity     = "entity"
)

// Message is one queued write. Type selects which field is read.
type Message struct {
	Type    string         `json:"type"`
	Fact    *domain.Fact   `json:"fact,omitempty"`
	PaperID string         `json:"paper_id,omitempty"`
	FactID  int64          `json:"fact_id,omitempty"`
	Paper   *domain.Paper  `json:"paper,omitempty"`
	Chunks  []domain.Chunk `json:"chunks,omitempty"`
	Entity  *domain.Entity `json:"entity,omitempty"`
}

// Handler applies decoded messages
type Handler interface {
	Ingest(ctx context.Context, fact *domain.Fact) (*service.IngestResult, error)
	Supersede(ctx context.Context, id int64) (*domain.Fact, error)
	RetractPaper(ctx context.Context, paperID string) (int, error)
	AddPaper(ctx context.Context, paper *domain.Paper, chunks []domain.Chunk) (*corpus.AddResult, error)
	RegisterEntity(ctx context.Context, entity *domain.Entity) (*domain.Entity, error)
}

// Outcome is what the consumer did with a delivery
type Outcome string

// Delivery outcomes
const (
	OutcomeAcked      Outcome = "acked"
	OutcomeRequeued   Outcome = "requeued"
	OutcomeDeadLetter Outcome = "dead_letter"
)

// DeadLetterQueue returns the dead-letter queue name for queue
func DeadLetterQueue(queue string) string {
	return queue + "_dlq"
}

// SetupQueues declares the durable fact queue and its dead-letter queue
func SetupQueues(ch *amqp091.Channel, queue string) error {
	dlq := DeadLetterQueue(queue)
	if _, err := ch.QueueDeclare(
		dlq,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	); err != nil {
		return fmt.Errorf("declaring queue %s: %w", dlq, err)
	}

	if _, err := ch.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		amqp091.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlq,
		},
	); err != nil {
		return fmt.Errorf("declaring queue %s: %w", queue, err)
	}
	return nil
}

// Consumer reads fact messages and hands them to a Handler
type Consumer struct {
	conn    *amqp091.Connection
	ch      *amqp091.Channel
	cfg     domain.AMQPConfig
	handler Handler
	log     *logrus.Logger
}

// Dial connects to the broker and declares the queues
func Dial(cfg domain.AMQPConfig, handler Handler, logger *logrus.Logger) (*Consumer, error) {
	if cfg.Queue == "" {
		cfg.Queue = "kg_facts"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 16
	}

	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		return nil, domain.WrapError(domain.KindStorageUnavailable, "ingest.Dial", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening AMQP channel: %w", err)
	}
	if err := SetupQueues(ch, cfg.Queue); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("setting AMQP prefetch: %w", err)
	}

	return &Consumer{conn: conn, ch: ch, cfg: cfg, handler: handler, log: logger}, nil
}

// NewConsumer builds a consumer without a connection, for Handle only
func NewConsumer(cfg domain.AMQPConfig, handler Handler, logger *logrus.Logger) *Consumer {
	return &Consumer{cfg: cfg, handler: handler, log: logger}
}

// Run consumes until ctx is cancelled or the channel closes
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.ch.ConsumeWithContext(ctx,
		c.cfg.Queue,
		"targetd", // consumer tag
		false,     // autoAck
		false,     // exclusive
		false,     // noLocal
		false,     // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consuming %s: %w", c.cfg.Queue, err)
	}

	c.log.WithFields(logrus.Fields{
		"queue":    c.cfg.Queue,
		"prefetch": c.cfg.Prefetch,
	}).Info("Fact ingest consumer started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return domain.NewError(domain.KindStorageUnavailable, "ingest.Run", "AMQP channel closed")
			}
			c.Handle(ctx, d)
		}
	}
}

// Close closes the channel and connection
func (c *Consumer) Close() error {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Handle applies one delivery and settles it. Malformed or invalid
// messages go to the dead-letter queue; storage outages are requeued.
func (c *Consumer) Handle(ctx context.Context, d amqp091.Delivery) Outcome {
	start := time.Now()
	fields := logrus.Fields{"delivery_tag": d.DeliveryTag, "message_id": d.MessageId}

	err := c.apply(ctx, d.Body)
	outcome := outcomeFor(err)

	var settleErr error
	switch outcome {
	case OutcomeAcked:
		settleErr = d.Ack(false)
	case OutcomeRequeued:
		settleErr = d.Nack(false, true)
	default:
		settleErr = d.Reject(false)
	}
	if settleErr != nil {
		c.log.WithError(settleErr).WithFields(fields).Error("Failed to settle delivery")
	}

	fields["outcome"] = outcome
	fields["duration"] = time.Since(start)
	switch outcome {
	case OutcomeAcked:
		c.log.WithFields(fields).Debug("Message ingested")
	case OutcomeRequeued:
		c.log.WithError(err).WithFields(fields).Warn("Storage unavailable, message requeued")
	default:
		c.log.WithError(err).WithFields(fields).Warn("Message dead-lettered")
	}
	return outcome
}

func (c *Consumer) apply(ctx context.Context, body []byte) error {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return domain.NewValidationError("body", "malformed JSON", err.Error())
	}

	switch msg.Type {
	case TypeFact, "":
		if msg.Fact == nil {
			return domain.NewValidationError("fact", "is required", nil)
		}
		_, err := c.handler.Ingest(ctx, msg.Fact)
		return err
	case TypeSupersede:
		if msg.FactID <= 0 {
			return domain.NewValidationError("fact_id", "must be positive", msg.FactID)
		}
		_, err := c.handler.Supersede(ctx, msg.FactID)
		return err
	case TypeRetraction:
		if msg.PaperID == "" {
			return domain.NewValidationError("paper_id", "is required", nil)
		}
		_, err := c.handler.RetractPaper(ctx, msg.PaperID)
		return err
	case TypePaper:
		if msg.Paper == nil {
			return domain.NewValidationError("paper", "is required", nil)
		}
		_, err := c.handler.AddPaper(ctx, msg.Paper, msg.Chunks)
		return err
	case TypeEntity:
		if msg.Entity == nil {
			return domain.NewValidationError("entity", "is required", nil)
		}
		_, err := c.handler.RegisterEntity(ctx, msg.Entity)
		return err
	}
	return domain.NewValidationError("type", "unknown message type", msg.Type)
}

func outcomeFor(err error) Outcome {
	if err == nil {
		return OutcomeAcked
	}
	switch domain.KindOf(err, "") {
	case domain.KindStorageUnavailable, domain.KindTimeout:
		return OutcomeRequeued
	}
	return OutcomeDeadLetter
}
